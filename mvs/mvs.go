// Package mvs densifies a registered image set through a dense stereo capability and filters the
// fused cloud down to points the cameras agree on.
package mvs

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/recon/capability"
	"go.viam.com/recon/config"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/pointcloud"
	"go.viam.com/recon/preprocess"
	"go.viam.com/recon/rimage/transform"
	"go.viam.com/recon/sfm"
	"go.viam.com/recon/utils"
)

// Layout of the stage directory.
const (
	StageName       = "mvs"
	Dir             = "dense"
	RawFile         = "fused.ply"
	FilteredFile    = "fused_filtered.ply"
	FilteredPCDFile = "fused_filtered.pcd"
	FilteredLASFile = "fused_filtered.las"
	ReportFile      = "report.json"
)

// FilterReport counts the points removed by each filtering step, in order.
type FilterReport struct {
	Input           int `json:"input"`
	LowConfidence   int `json:"low_confidence"`
	FewObservations int `json:"few_observations"`
	Reprojection    int `json:"reprojection"`
	OutOfBounds     int `json:"out_of_bounds"`
	VoxelMerged     int `json:"voxel_merged"`
	Outliers        int `json:"outliers"`
	Output          int `json:"output"`
	// Unverified counts points kept without observation and reprojection checks because the
	// cloud carries no visibility.
	Unverified int `json:"unverified,omitempty"`
}

// Result is the committed output of the stage.
type Result struct {
	Raw         *pointcloud.Dense `json:"-"`
	Filtered    *pointcloud.Dense `json:"-"`
	Report      FilterReport      `json:"report"`
	FailedViews []string          `json:"failed_views,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
}

// Densify runs dense stereo on the registered cameras, filters the fused cloud and commits both
// clouds to dir.
func Densify(
	ctx context.Context,
	recon *sfm.Result,
	images *preprocess.Result,
	cfg *config.Config,
	stereo capability.DenseStereo,
	dir string,
	logger logging.Logger,
) (*Result, error) {
	if recon == nil || len(recon.Poses) < 2 {
		return nil, utils.NewInsufficientGeometryError("densify", "at least 2 registered cameras are required")
	}
	if stereo == nil {
		return nil, utils.NewCapabilityUnavailableError(capability.RoleDenseStereo)
	}
	req := capability.StereoRequest{Sparse: capability.NewSparsePoints(recon.Sparse)}
	byID := images.ByID()
	for _, cp := range recon.Poses {
		img, ok := byID[cp.ImageID]
		if !ok {
			return nil, utils.NewInputDataError("densify", errors.Errorf("no preprocessed image for camera %q", cp.ImageID))
		}
		req.Images = append(req.Images, img.Ref())
		req.Cameras = append(req.Cameras, capability.NewCameraRecord(cp))
	}

	capCfg, _ := cfg.Capability(capability.RoleDenseStereo)
	var called capability.StereoResponse
	err := capability.Invoke(ctx, capability.Invocation{
		Role:     capability.RoleDenseStereo,
		StageDir: dir,
		Timeout:  capCfg.Timeout,
	}, logger, func(ctx context.Context, scratch string) error {
		req.Workspace = scratch
		resp, err := stereo.Densify(ctx, req)
		called = resp
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := capability.RemoveScratch(dir); err != nil {
		logger.Warnw("cannot remove scratch directories", "error", err)
	}

	res := &Result{FailedViews: called.FailedViews}
	for _, id := range called.FailedViews {
		res.Warnings = append(res.Warnings, fmt.Sprintf("dense stereo failed for view %s", id))
	}
	if len(called.FailedViews) > 0 {
		logger.Warnw("dense stereo failed for some views", "views", called.FailedViews)
	}
	res.Raw = capability.DenseFromPoints(called.Points)
	if res.Raw.Len() == 0 {
		return nil, utils.NewInsufficientGeometryError("densify", "dense stereo produced no points")
	}
	if err := res.Raw.Validate(); err != nil {
		return nil, utils.NewCapabilityError(capability.RoleDenseStereo, err)
	}
	if err := pointcloud.WriteToPLYFile(filepath.Join(dir, RawFile), res.Raw, pointcloud.PLYOptions{}); err != nil {
		return nil, errors.Wrap(err, "writing fused cloud")
	}

	res.Filtered, res.Report, err = Filter(ctx, res.Raw, recon, cfg.MVS, logger)
	if err != nil {
		return nil, err
	}
	if res.Report.Unverified > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"%d dense points kept without reprojection checks: dense stereo reported no visibility", res.Report.Unverified))
	}
	if err := res.Save(ctx, dir, logger); err != nil {
		return nil, err
	}
	logger.Infow("densified", "raw", res.Report.Input, "filtered", res.Report.Output, "failed_views", len(res.FailedViews))
	return res, nil
}

// Filter applies the fusion filters in order: confidence, observation count, reprojection,
// bounding volume, voxel merge and statistical outliers. A cloud without visibility is a contract
// error unless cfg.MinObservations is 0, in which case its points are counted as unverified. Normals are estimated and oriented
// toward the observing cameras when the cloud has none. The input is not modified.
func Filter(
	ctx context.Context,
	raw *pointcloud.Dense,
	recon *sfm.Result,
	cfg config.MVSConfig,
	logger logging.Logger,
) (*pointcloud.Dense, FilterReport, error) {
	report := FilterReport{Input: raw.Len()}
	cloud := raw.Clone()

	if cloud.HasConfidences() && cfg.MinConfidence > 0 {
		cloud = cloud.Filter(func(i int) bool { return cloud.Confidences[i] >= cfg.MinConfidence })
	}
	report.LowConfidence = report.Input - cloud.Len()

	// views of images without a camera cannot be checked and do not count
	if cloud.HasViews() {
		for i, views := range cloud.Views {
			cloud.Views[i] = lo.UniqBy(lo.Filter(views, func(o pointcloud.Observation, _ int) bool {
				return recon.Registered(o.ImageID)
			}), func(o pointcloud.Observation) string { return o.ImageID })
		}
		before := cloud.Len()
		cloud = cloud.Filter(func(i int) bool { return len(cloud.Views[i]) >= cfg.MinObservations })
		report.FewObservations = before - cloud.Len()

		before = cloud.Len()
		keep := make([]bool, cloud.Len())
		if err := utils.ParallelForEachIndex(ctx, cloud.Len(), func(i int) {
			keep[i] = consistent(cloud.Positions[i], cloud.Views[i], recon, cfg.MaxReprojectionError)
		}); err != nil {
			return nil, report, err
		}
		cloud = cloud.Filter(func(i int) bool { return keep[i] })
		report.Reprojection = before - cloud.Len()
	} else {
		if cfg.MinObservations > 0 {
			return nil, report, utils.NewCapabilityError(capability.RoleDenseStereo, errors.Errorf(
				"dense cloud carries no visibility but min_observations is %d", cfg.MinObservations))
		}
		logger.Warnw("dense cloud carries no visibility, skipping the reprojection filter")
	}

	before := cloud.Len()
	bounds := Bounds(recon, cfg.BoundsMargin)
	cloud = cloud.Filter(func(i int) bool { return bounds.Contains(cloud.Positions[i]) })
	report.OutOfBounds = before - cloud.Len()

	before = cloud.Len()
	cloud = pointcloud.VoxelDownsample(cloud, cfg.VoxelSize)
	report.VoxelMerged = before - cloud.Len()

	before = cloud.Len()
	cloud, err := pointcloud.RemoveStatisticalOutliers(ctx, cloud, cfg.OutlierNeighbors, cfg.OutlierStdRatio)
	if err != nil {
		return nil, report, err
	}
	report.Outliers = before - cloud.Len()
	report.Output = cloud.Len()
	if !cloud.HasViews() {
		report.Unverified = cloud.Len()
	}
	logger.Debugw("filtered dense cloud", "report", report)

	if cloud.Len() == 0 {
		return nil, report, utils.NewInsufficientGeometryError("filter dense cloud",
			"no points survived filtering (%d low confidence, %d few observations, %d reprojection, %d out of bounds, %d outliers)",
			report.LowConfidence, report.FewObservations, report.Reprojection, report.OutOfBounds, report.Outliers)
	}
	if !cloud.HasNormals() {
		if err := estimateNormals(ctx, cloud, recon, cfg.NormalNeighbors); err != nil {
			return nil, report, err
		}
	}
	return cloud, report, nil
}

// consistent reports whether every view of a point agrees with it: measured pixels must lie
// within maxErr of the projection, unmeasured views must see the point in front and in frame.
func consistent(p r3.Vector, views []pointcloud.Observation, recon *sfm.Result, maxErr float64) bool {
	for _, o := range views {
		cp, ok := recon.Pose(o.ImageID)
		if !ok {
			return false
		}
		if o.Pixel == nil {
			if !cp.Visible(p) {
				return false
			}
			continue
		}
		if cp.ReprojectionError(p, *o.Pixel) > maxErr {
			return false
		}
	}
	return true
}

// Bounds is the camera center box grown by margin times its diagonal, joined with the sparse
// cloud box.
func Bounds(recon *sfm.Result, margin float64) pointcloud.Box {
	cams := pointcloud.BoxOf(lo.Map(recon.Poses, func(cp transform.CameraPose, _ int) r3.Vector { return cp.Center() }))
	return cams.Grow(margin * cams.Diagonal()).Union(recon.Sparse.Bounds())
}

func estimateNormals(ctx context.Context, cloud *pointcloud.Dense, recon *sfm.Result, k int) error {
	normals, err := pointcloud.EstimateNormals(ctx, cloud.Positions, k)
	if err != nil {
		return err
	}
	viewpoints := func(i int) []r3.Vector {
		if !cloud.HasViews() {
			return nil
		}
		var centers []r3.Vector
		for _, o := range cloud.Views[i] {
			if cp, ok := recon.Pose(o.ImageID); ok {
				centers = append(centers, cp.Center())
			}
		}
		return centers
	}
	pointcloud.OrientNormals(cloud.Positions, normals, viewpoints, cloud.Centroid())
	cloud.Normals = normals
	return nil
}

// Save writes the filtered cloud as PLY, PCD and LAS concurrently, then the report. The raw cloud
// is written by Densify before filtering.
func (r *Result) Save(ctx context.Context, dir string, logger logging.Logger) error {
	comments := []string{fmt.Sprintf("filtered from %d fused points", r.Report.Input)}
	took, err := utils.RunInParallel(ctx, []utils.SimpleFunc{
		func(context.Context) error {
			return errors.Wrap(pointcloud.WriteToPLYFile(filepath.Join(dir, FilteredFile), r.Filtered,
				pointcloud.PLYOptions{Comments: comments}), "writing filtered cloud")
		},
		func(context.Context) error {
			return errors.Wrap(pointcloud.WriteToPCDFile(filepath.Join(dir, FilteredPCDFile), r.Filtered), "writing filtered pcd")
		},
		func(context.Context) error {
			return errors.Wrap(pointcloud.WriteToLASFile(r.Filtered, filepath.Join(dir, FilteredLASFile)), "writing filtered las")
		},
	})
	if err != nil {
		return err
	}
	logger.Debugw("wrote filtered cloud", "points", r.Filtered.Len(), "duration", took)
	if err := ctx.Err(); err != nil {
		return err
	}
	return utils.WriteJSONAtomic(filepath.Join(dir, ReportFile), r)
}

// Load restores a committed result from dir. Per point views are not persisted.
func Load(dir string, logger logging.Logger) (*Result, error) {
	var r Result
	if err := utils.ReadJSON(filepath.Join(dir, ReportFile), &r); err != nil {
		return nil, err
	}
	var err error
	if r.Raw, err = pointcloud.NewFromFile(filepath.Join(dir, RawFile), logger); err != nil {
		return nil, err
	}
	if r.Filtered, err = pointcloud.NewFromFile(filepath.Join(dir, FilteredFile), logger); err != nil {
		return nil, err
	}
	return &r, nil
}
