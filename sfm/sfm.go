// Package sfm recovers camera poses and a sparse point cloud by orchestrating a pose estimator
// and validating what it returns.
package sfm

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"go.viam.com/recon/capability"
	"go.viam.com/recon/config"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/pointcloud"
	"go.viam.com/recon/preprocess"
	"go.viam.com/recon/rimage/transform"
	"go.viam.com/recon/utils"
)

// Layout of the stage directory.
const (
	StageName          = "sfm"
	Dir                = "sparse"
	ReconstructionFile = "reconstruction.json"
	PointsFile         = "points.ply"
)

// Stats summarizes a reconstruction.
type Stats struct {
	Images                  int     `json:"images"`
	Registered              int     `json:"registered"`
	Points                  int     `json:"points"`
	MeanTrackLength         float64 `json:"mean_track_length"`
	MeanReprojectionError   float64 `json:"mean_reprojection_error"`
	MedianReprojectionError float64 `json:"median_reprojection_error"`
}

// Result is the committed output of the stage. Poses are sorted by image ID.
type Result struct {
	Poses        []transform.CameraPose `json:"poses"`
	Sparse       *pointcloud.Sparse     `json:"sparse"`
	Unregistered []string               `json:"unregistered,omitempty"`
	Warnings     []string               `json:"warnings,omitempty"`
	Stats        Stats                  `json:"stats"`
}

// Pose returns the camera of an image.
func (r *Result) Pose(imageID string) (*transform.CameraPose, bool) {
	i := sort.Search(len(r.Poses), func(i int) bool { return r.Poses[i].ImageID >= imageID })
	if i < len(r.Poses) && r.Poses[i].ImageID == imageID {
		return &r.Poses[i], true
	}
	return nil, false
}

// Registered reports whether an image has a pose.
func (r *Result) Registered(imageID string) bool {
	_, ok := r.Pose(imageID)
	return ok
}

// requestIntrinsics scales the configured intrinsics to the preprocessed resolution. Images
// resized by different factors cannot share them.
func requestIntrinsics(images []*preprocess.Image, intr *transform.PinholeCameraIntrinsics) (*transform.PinholeCameraIntrinsics, error) {
	if intr == nil || len(images) == 0 {
		return nil, nil
	}
	scale := images[0].Scale
	for _, img := range images {
		if img.Original.Width != intr.Width || img.Original.Height != intr.Height {
			return nil, errors.Errorf("image %q is %dx%d but the intrinsics are for %dx%d",
				img.ID, img.Original.Width, img.Original.Height, intr.Width, intr.Height)
		}
		if img.Scale != scale {
			return nil, errors.Errorf("image %q was resized by %f, not %f", img.ID, img.Scale, scale)
		}
	}
	return intr.Scaled(scale), nil
}

// Reconstruct estimates the cameras of the preprocessed images and validates the response. It
// fails when too many images are unregistered or fewer than two cameras remain.
func Reconstruct(
	ctx context.Context,
	images *preprocess.Result,
	cfg *config.Config,
	estimator capability.PoseEstimator,
	dir string,
	logger logging.Logger,
) (*Result, error) {
	if images == nil || len(images.Images) == 0 {
		return nil, utils.NewInputDataError("estimate poses", errors.New("no preprocessed images"))
	}
	if estimator == nil {
		return nil, utils.NewCapabilityUnavailableError(capability.RolePoseEstimator)
	}
	res := &Result{}
	intr, err := requestIntrinsics(images.Images, cfg.SfM.Intrinsics)
	if err != nil {
		logger.Warnw("not passing configured intrinsics", "error", err)
		res.Warnings = append(res.Warnings, fmt.Sprintf("configured intrinsics ignored: %v", err))
	}

	capCfg, _ := cfg.Capability(capability.RolePoseEstimator)
	var called capability.PoseResponse
	err = capability.Invoke(ctx, capability.Invocation{
		Role:     capability.RolePoseEstimator,
		StageDir: dir,
		Timeout:  capCfg.Timeout,
	}, logger, func(ctx context.Context, scratch string) error {
		resp, err := estimator.EstimatePoses(ctx, capability.PoseRequest{
			Workspace:  scratch,
			Images:     images.Refs(),
			Intrinsics: intr,
		})
		called = resp
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := capability.RemoveScratch(dir); err != nil {
		logger.Warnw("cannot remove scratch directories", "error", err)
	}
	if err := res.adopt(called, images, cfg.SfM, logger); err != nil {
		return nil, err
	}
	if err := res.Save(dir); err != nil {
		return nil, err
	}
	logger.Infow("reconstructed cameras",
		"registered", res.Stats.Registered,
		"images", res.Stats.Images,
		"points", res.Stats.Points,
		"mean_track_length", res.Stats.MeanTrackLength,
		"mean_reprojection_error", res.Stats.MeanReprojectionError)
	return res, nil
}

func (r *Result) adopt(resp capability.PoseResponse, images *preprocess.Result, cfg config.SfMConfig, logger logging.Logger) error {
	byID := images.ByID()
	seen := map[string]bool{}
	for _, rec := range resp.Cameras {
		if _, ok := byID[rec.ImageID]; !ok {
			return utils.NewCapabilityError(capability.RolePoseEstimator, errors.Errorf("pose for unknown image %q", rec.ImageID))
		}
		if seen[rec.ImageID] {
			return utils.NewCapabilityError(capability.RolePoseEstimator, errors.Errorf("duplicate pose for image %q", rec.ImageID))
		}
		seen[rec.ImageID] = true
		cp, err := rec.CameraPose()
		if err != nil {
			return utils.NewCapabilityError(capability.RolePoseEstimator, err)
		}
		if err := cp.CheckValid(); err != nil {
			return utils.NewCapabilityError(capability.RolePoseEstimator, err)
		}
		r.Poses = append(r.Poses, cp)
	}
	sort.Slice(r.Poses, func(i, j int) bool { return r.Poses[i].ImageID < r.Poses[j].ImageID })

	for _, img := range images.Images {
		if !r.Registered(img.ID) {
			r.Unregistered = append(r.Unregistered, img.ID)
		}
	}
	total := len(images.Images)
	if len(r.Unregistered) > 0 {
		logger.Warnw("images were not registered", "images", r.Unregistered)
		r.Warnings = append(r.Warnings, fmt.Sprintf("%d of %d images not registered", len(r.Unregistered), total))
	}
	if frac := float64(len(r.Unregistered)) / float64(total); frac > cfg.MaxUnregisteredFraction {
		return utils.NewInsufficientGeometryError("register images",
			"%d of %d images could not be registered (fraction %.2f exceeds %.2f)",
			len(r.Unregistered), total, frac, cfg.MaxUnregisteredFraction)
	}
	if len(r.Poses) < 2 {
		return utils.NewInsufficientGeometryError("register images", "only %d camera registered, at least 2 are required", len(r.Poses))
	}

	sparse := capability.SparseFromPoints(resp.Points)
	var (
		kept    []pointcloud.SparsePoint
		dropped int
		errs    []float64
	)
	for _, p := range sparse.Points {
		if !finite(p.Position.X, p.Position.Y, p.Position.Z) {
			dropped++
			continue
		}
		p.Observations = lo.Filter(p.Observations, func(o pointcloud.Observation, _ int) bool {
			return r.Registered(o.ImageID)
		})
		if len(lo.UniqBy(p.Observations, func(o pointcloud.Observation) string { return o.ImageID })) < 2 {
			dropped++
			continue
		}
		for _, o := range p.Observations {
			if o.Pixel == nil {
				continue
			}
			cp, _ := r.Pose(o.ImageID)
			if e := cp.ReprojectionError(p.Position, *o.Pixel); !math.IsInf(e, 0) {
				errs = append(errs, e)
			}
		}
		kept = append(kept, p)
	}
	if dropped > 0 {
		logger.Warnw("dropped sparse points without two registered observations", "dropped", dropped)
		r.Warnings = append(r.Warnings, fmt.Sprintf("%d sparse points dropped with fewer than 2 registered observations", dropped))
	}
	r.Sparse = &pointcloud.Sparse{Points: kept}

	r.Stats = Stats{
		Images:          total,
		Registered:      len(r.Poses),
		Points:          r.Sparse.Len(),
		MeanTrackLength: r.Sparse.MeanTrackLength(),
	}
	if len(errs) > 0 {
		sort.Float64s(errs)
		r.Stats.MeanReprojectionError = stat.Mean(errs, nil)
		r.Stats.MedianReprojectionError = stat.Quantile(0.5, stat.Empirical, errs, nil)
	}
	return nil
}

func finite(vs ...float64) bool {
	return !floats.HasNaN(vs) && !lo.SomeBy(vs, func(v float64) bool { return math.IsInf(v, 0) })
}

// Save writes the reconstruction and a PLY of the sparse points to dir.
func (r *Result) Save(dir string) error {
	if err := utils.WriteJSONAtomic(filepath.Join(dir, ReconstructionFile), r); err != nil {
		return errors.Wrap(err, "writing reconstruction")
	}
	comments := []string{
		fmt.Sprintf("registered %d of %d images", r.Stats.Registered, r.Stats.Images),
		fmt.Sprintf("mean reprojection error %g", r.Stats.MeanReprojectionError),
	}
	if err := pointcloud.WriteToPLYFile(filepath.Join(dir, PointsFile), r.Sparse.ToDense(), pointcloud.PLYOptions{Comments: comments}); err != nil {
		return errors.Wrap(err, "writing sparse points")
	}
	return nil
}

// Load restores a committed reconstruction from dir.
func Load(dir string) (*Result, error) {
	var r Result
	if err := utils.ReadJSON(filepath.Join(dir, ReconstructionFile), &r); err != nil {
		return nil, err
	}
	if r.Sparse == nil {
		r.Sparse = &pointcloud.Sparse{}
	}
	return &r, nil
}
