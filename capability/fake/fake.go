package fake

import (
	"context"
	"image"
	"image/color"
	"sync/atomic"
	"time"

	goutils "go.viam.com/utils"

	"go.viam.com/recon/capability"
	"go.viam.com/recon/config"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/pointcloud"
	"go.viam.com/recon/rimage"
)

// Type is the capability type name of every fake.
const Type = "fake"

func init() {
	attrs := func() interface{} { return &Attributes{} }
	capability.Register(capability.RolePoseEstimator, Type, capability.Registration{
		Constructor: func(cfg config.CapabilityConfig, logger logging.Logger) (interface{}, error) {
			scene, err := sceneFromConfig(cfg)
			if err != nil {
				return nil, err
			}
			return NewPoseEstimator(scene, logger), nil
		},
		Attributes: attrs,
	})
	capability.Register(capability.RoleDenseStereo, Type, capability.Registration{
		Constructor: func(cfg config.CapabilityConfig, logger logging.Logger) (interface{}, error) {
			scene, err := sceneFromConfig(cfg)
			if err != nil {
				return nil, err
			}
			return NewDenseStereo(scene, logger), nil
		},
		Attributes: attrs,
	})
	capability.Register(capability.RoleSegmenter, Type, capability.Registration{
		Constructor: func(cfg config.CapabilityConfig, logger logging.Logger) (interface{}, error) {
			return &Segmenter{}, nil
		},
	})
}

func sceneFromConfig(cfg config.CapabilityConfig) (*Scene, error) {
	var attrs Attributes
	if err := capability.DecodeAttributes(cfg.Attributes, &attrs); err != nil {
		return nil, err
	}
	return NewScene(attrs), nil
}

func (s *Scene) wait(ctx context.Context) error {
	if s.Attributes.DelayMillis <= 0 {
		return ctx.Err()
	}
	if !goutils.SelectContextOrWait(ctx, time.Duration(s.Attributes.DelayMillis)*time.Millisecond) {
		return ctx.Err()
	}
	return nil
}

// scales returns, per requested image of the scene, the factor from scene resolution to the
// requested resolution.
func (s *Scene) scales(images []capability.ImageRef) map[string]float64 {
	out := map[string]float64{}
	for _, img := range images {
		factor := 1.0
		if img.Width > 0 {
			factor = float64(img.Width) / float64(s.Intrinsics.Width)
		}
		out[img.ID] = factor
	}
	return out
}

func scaleObservations(obs []pointcloud.Observation, scales map[string]float64) []capability.Observation {
	var out []capability.Observation
	for _, o := range obs {
		factor, ok := scales[o.ImageID]
		if !ok {
			continue
		}
		scaled := o
		if o.Pixel != nil {
			px := o.Pixel.Mul(factor)
			scaled.Pixel = &px
		}
		out = append(out, capability.NewObservation(scaled))
	}
	return out
}

// PoseEstimator reports the true cameras and sparse points of the scene, expressed in the
// scene's gauge frame.
type PoseEstimator struct {
	scene  *Scene
	logger logging.Logger
	calls  atomic.Int64
}

// NewPoseEstimator returns a pose estimator for scene.
func NewPoseEstimator(scene *Scene, logger logging.Logger) *PoseEstimator {
	return &PoseEstimator{scene: scene, logger: logger}
}

// Calls is the number of EstimatePoses calls so far.
func (p *PoseEstimator) Calls() int {
	return int(p.calls.Load())
}

// EstimatePoses registers every requested scene view except the unregistered ones.
func (p *PoseEstimator) EstimatePoses(ctx context.Context, req capability.PoseRequest) (capability.PoseResponse, error) {
	p.calls.Add(1)
	if err := p.scene.wait(ctx); err != nil {
		return capability.PoseResponse{}, err
	}
	skip := map[string]bool{}
	for _, id := range p.scene.Attributes.Unregistered {
		skip[id] = true
	}
	requested := p.scene.scales(req.Images)
	registered := map[string]float64{}
	var resp capability.PoseResponse
	for _, cam := range p.scene.Cameras {
		factor, ok := requested[cam.ImageID]
		if !ok || skip[cam.ImageID] {
			continue
		}
		registered[cam.ImageID] = factor
		gauged := cam
		gauged.Intrinsics = p.scene.Intrinsics.Scaled(factor)
		gauged.Pose = p.scene.Gauge.ApplyToExtrinsic(cam.Pose)
		resp.Cameras = append(resp.Cameras, capability.NewCameraRecord(gauged))
	}
	for _, pt := range p.scene.Sparse().Points {
		obs := scaleObservations(pt.Observations, registered)
		if len(obs) < 2 {
			continue
		}
		id := pt.ID
		pos := p.scene.Gauge.Apply(pt.Position)
		resp.Points = append(resp.Points, capability.SparsePoint{
			ID:           &id,
			Position:     [3]float64{pos.X, pos.Y, pos.Z},
			Color:        [3]uint8{pt.Color.R, pt.Color.G, pt.Color.B},
			Error:        pt.Error,
			Observations: obs,
		})
	}
	p.logger.Debugw("fake poses", "requested", len(req.Images), "cameras", len(resp.Cameras), "points", len(resp.Points))
	return resp, nil
}

// DenseStereo reports the true dense cloud of the scene, plus outliers, in the gauge frame.
type DenseStereo struct {
	scene  *Scene
	logger logging.Logger
	calls  atomic.Int64
}

// NewDenseStereo returns a dense stereo solver for scene.
func NewDenseStereo(scene *Scene, logger logging.Logger) *DenseStereo {
	return &DenseStereo{scene: scene, logger: logger}
}

// Calls is the number of Densify calls so far.
func (d *DenseStereo) Calls() int {
	return int(d.calls.Load())
}

// Densify uses only the requested cameras, minus the configured failed views.
func (d *DenseStereo) Densify(ctx context.Context, req capability.StereoRequest) (capability.StereoResponse, error) {
	d.calls.Add(1)
	if err := d.scene.wait(ctx); err != nil {
		return capability.StereoResponse{}, err
	}
	var resp capability.StereoResponse
	failed := map[string]bool{}
	for _, id := range d.scene.Attributes.FailedViews {
		failed[id] = true
	}
	requested := d.scene.scales(req.Images)
	usable := map[string]float64{}
	for _, cam := range req.Cameras {
		if failed[cam.ImageID] {
			resp.FailedViews = append(resp.FailedViews, cam.ImageID)
			continue
		}
		if factor, ok := requested[cam.ImageID]; ok {
			usable[cam.ImageID] = factor
		}
	}
	skip := map[string]bool{}
	for _, cam := range d.scene.Cameras {
		if _, ok := usable[cam.ImageID]; !ok {
			skip[cam.ImageID] = true
		}
	}

	cloud := d.scene.Dense(skip)
	gauge := d.scene.Gauge
	for i, p := range cloud.Positions {
		pos := gauge.Apply(p)
		n := gauge.Rotation.Rotate(cloud.Normals[i])
		c := cloud.Colors[i]
		resp.Points = append(resp.Points, capability.DensePoint{
			Position:   [3]float64{pos.X, pos.Y, pos.Z},
			Normal:     &[3]float64{n.X, n.Y, n.Z},
			Color:      &[3]uint8{c.R, c.G, c.B},
			Confidence: cloud.Confidences[i],
			Views:      scaleObservations(cloud.Views[i], usable),
		})
	}
	d.logger.Debugw("fake densify", "cameras", len(req.Cameras), "points", len(resp.Points), "failed", len(resp.FailedViews))
	return resp, nil
}

// Segmenter marks every pixel that is not the scene backdrop.
type Segmenter struct{}

// backdropTolerance is the largest per channel difference still counted as backdrop.
const backdropTolerance = 12

// Segment returns the subject mask, or ErrNoSubject for a blank view.
func (s *Segmenter) Segment(ctx context.Context, img image.Image) (*rimage.Mask, error) {
	b := img.Bounds()
	mask := rimage.NewMask(b.Dx(), b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := b.Min.X; x < b.Max.X; x++ {
			if !isBackdrop(rimage.ToNRGBA(img.At(x, y))) {
				mask.Set(x-b.Min.X, y-b.Min.Y, true)
			}
		}
	}
	if mask.Empty() {
		return nil, capability.ErrNoSubject
	}
	return mask, nil
}

func isBackdrop(c color.NRGBA) bool {
	diff := func(a, b uint8) int {
		if a > b {
			return int(a - b)
		}
		return int(b - a)
	}
	return diff(c.R, Background.R) <= backdropTolerance &&
		diff(c.G, Background.G) <= backdropTolerance &&
		diff(c.B, Background.B) <= backdropTolerance
}

