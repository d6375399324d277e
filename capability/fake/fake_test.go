package fake

import (
	"context"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/recon/capability"
	"go.viam.com/recon/config"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/spatialmath"
)

func requestFor(s *Scene) []capability.ImageRef {
	var images []capability.ImageRef
	for _, cam := range s.Cameras {
		images = append(images, capability.ImageRef{ID: cam.ImageID, Width: s.Intrinsics.Width, Height: s.Intrinsics.Height})
	}
	return images
}

func TestScene(t *testing.T) {
	s := NewScene(Attributes{})
	test.That(t, len(s.Cameras), test.ShouldEqual, 12)
	for i := range s.Cameras {
		test.That(t, s.Cameras[i].CheckValid(), test.ShouldBeNil)
		px, depth, ok := s.Cameras[i].Project(r3.Vector{})
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, depth, test.ShouldAlmostEqual, 4, 1e-9)
		test.That(t, px.X, test.ShouldAlmostEqual, 160, 1e-6)
		test.That(t, px.Y, test.ShouldAlmostEqual, 120, 1e-6)
		test.That(t, s.Cameras[i].Center().Norm(), test.ShouldAlmostEqual, 4, 1e-9)
	}

	// +Z up in the world is up in the image
	top, _, ok := s.Cameras[0].Project(r3.Vector{Z: 1})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, top.Y, test.ShouldBeLessThan, 120)

	img := s.Render(0)
	test.That(t, img.NRGBAAt(0, 0), test.ShouldResemble, Background)
	test.That(t, img.NRGBAAt(160, 120), test.ShouldNotResemble, Background)
	test.That(t, s.Visible(0, r2.Point{X: 160, Y: 120}), test.ShouldBeTrue)
	test.That(t, s.Visible(0, r2.Point{X: 1, Y: 1}), test.ShouldBeFalse)
}

func TestSceneWriteImages(t *testing.T) {
	s := NewScene(Attributes{Views: 3, Width: 64, Height: 48, Focal: 60})
	paths, err := s.WriteImages(t.TempDir())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(paths), test.ShouldEqual, 3)
	test.That(t, paths[2], test.ShouldEndWith, "view_02.png")
}

func TestSegmenter(t *testing.T) {
	s := NewScene(Attributes{})
	seg := &Segmenter{}
	mask, err := seg.Segment(context.Background(), s.Render(3))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mask.Get(0, 0), test.ShouldBeFalse)
	test.That(t, mask.Get(160, 120), test.ShouldBeTrue)
	// a sphere of radius 1 at distance 4 under a 300px focal length spans about 155px
	test.That(t, mask.Coverage(), test.ShouldBeBetween, 0.15, 0.4)

	blank := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < 64; i++ {
		blank.SetNRGBA(i%8, i/8, color.NRGBA{R: 35, G: 105, B: 195, A: 255})
	}
	_, err = seg.Segment(context.Background(), blank)
	test.That(t, err, test.ShouldEqual, capability.ErrNoSubject)
}

func TestPoseEstimator(t *testing.T) {
	s := NewScene(Attributes{
		Unregistered: []string{"view_03"},
		GaugeScale:   2,
		GaugeYaw:     0.5,
		GaugeOffset:  [3]float64{1, -2, 3},
	})
	pe := NewPoseEstimator(s, logging.NewTestLogger(t))
	resp, err := pe.EstimatePoses(context.Background(), capability.PoseRequest{Images: requestFor(s)})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pe.Calls(), test.ShouldEqual, 1)
	test.That(t, len(resp.Cameras), test.ShouldEqual, 11)
	test.That(t, len(resp.Points), test.ShouldBeGreaterThan, 100)

	var truth, estimated []r3.Vector
	cams := map[string]capability.CameraRecord{}
	for _, rec := range resp.Cameras {
		test.That(t, rec.ImageID, test.ShouldNotEqual, "view_03")
		cams[rec.ImageID] = rec
		cp, err := rec.CameraPose()
		test.That(t, err, test.ShouldBeNil)
		estimated = append(estimated, cp.Center())
		for _, c := range s.Cameras {
			if c.ImageID == rec.ImageID {
				truth = append(truth, c.Center())
			}
		}
	}
	sim, err := spatialmath.EstimateSimilarity(estimated, truth)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sim.Scale, test.ShouldAlmostEqual, 0.5, 1e-6)

	// observations agree with the reported geometry
	for _, pt := range resp.Points[:50] {
		test.That(t, len(pt.Observations), test.ShouldBeGreaterThanOrEqualTo, 2)
		for _, o := range pt.Observations {
			test.That(t, o.ImageID, test.ShouldNotEqual, "view_03")
			cp, err := cams[o.ImageID].CameraPose()
			test.That(t, err, test.ShouldBeNil)
			world := r3.Vector{X: pt.Position[0], Y: pt.Position[1], Z: pt.Position[2]}
			errPx := cp.ReprojectionError(world, r2.Point{X: o.Pixel[0], Y: o.Pixel[1]})
			test.That(t, errPx, test.ShouldBeLessThan, 1e-6)
		}
	}
}

func TestPoseEstimatorScalesToRequest(t *testing.T) {
	s := NewScene(Attributes{Views: 4})
	images := requestFor(s)
	for i := range images {
		images[i].Width, images[i].Height = 160, 120
	}
	resp, err := NewPoseEstimator(s, logging.NewTestLogger(t)).EstimatePoses(
		context.Background(), capability.PoseRequest{Images: images})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Cameras[0].Intrinsics.Width, test.ShouldEqual, 160)
	test.That(t, resp.Cameras[0].Intrinsics.Fx, test.ShouldAlmostEqual, 150)
	for _, pt := range resp.Points {
		for _, o := range pt.Observations {
			test.That(t, o.Pixel[0], test.ShouldBeLessThan, 160)
		}
	}
}

func TestPoseEstimatorHonorsCancellation(t *testing.T) {
	s := NewScene(Attributes{DelayMillis: 10000})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPoseEstimator(s, logging.NewTestLogger(t)).EstimatePoses(ctx, capability.PoseRequest{Images: requestFor(s)})
	test.That(t, err, test.ShouldEqual, context.Canceled)
}

func TestDenseStereo(t *testing.T) {
	s := NewScene(Attributes{FailedViews: []string{"view_01"}, GaugeScale: 3})
	pe := NewPoseEstimator(s, logging.NewTestLogger(t))
	poses, err := pe.EstimatePoses(context.Background(), capability.PoseRequest{Images: requestFor(s)})
	test.That(t, err, test.ShouldBeNil)

	ds := NewDenseStereo(s, logging.NewTestLogger(t))
	resp, err := ds.Densify(context.Background(), capability.StereoRequest{
		Images:  requestFor(s),
		Cameras: poses.Cameras,
		Sparse:  poses.Points,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ds.Calls(), test.ShouldEqual, 1)
	test.That(t, resp.FailedViews, test.ShouldResemble, []string{"view_01"})

	cloud := capability.DenseFromPoints(resp.Points)
	test.That(t, cloud.HasNormals(), test.ShouldBeTrue)
	test.That(t, cloud.HasColors(), test.ShouldBeTrue)
	surface, lowConfidence := 0, 0
	for i, p := range cloud.Positions {
		for _, v := range cloud.Views[i] {
			test.That(t, v.ImageID, test.ShouldNotEqual, "view_01")
		}
		if math.Abs(p.Norm()-3) < 1e-9 {
			surface++
		}
		if cloud.Confidences[i] < 0.1 {
			lowConfidence++
		}
	}
	test.That(t, surface, test.ShouldBeGreaterThan, 1500)
	test.That(t, lowConfidence, test.ShouldBeGreaterThan, 0)
}

func TestRegistered(t *testing.T) {
	for _, role := range []string{capability.RolePoseEstimator, capability.RoleDenseStereo, capability.RoleSegmenter} {
		test.That(t, capability.Lookup(role, Type), test.ShouldNotBeNil)
	}

	cfg := config.Default()
	cfg.Capabilities = map[string]config.CapabilityConfig{
		capability.RolePoseEstimator: {Type: Type, Attributes: map[string]interface{}{"views": 6}},
		capability.RoleDenseStereo:   {Type: Type},
		capability.RoleSegmenter:     {Type: Type},
	}
	set, err := capability.FromConfig(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, set.PoseEstimator.(*PoseEstimator).scene.Attributes.Views, test.ShouldEqual, 6)
	test.That(t, set.SceneWriter, test.ShouldBeNil)

	cfg.Capabilities[capability.RoleDenseStereo] = config.CapabilityConfig{
		Type:       Type,
		Attributes: map[string]interface{}{"no_such_attribute": true},
	}
	_, err = capability.FromConfig(cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no_such_attribute")

	schemas := capability.Schemas()
	test.That(t, schemas["pose_estimator.fake.attributes"], test.ShouldNotBeNil)
}
