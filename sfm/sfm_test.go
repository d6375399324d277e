package sfm

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/recon/capability"
	"go.viam.com/recon/capability/fake"
	"go.viam.com/recon/config"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/preprocess"
	"go.viam.com/recon/rimage/transform"
	"go.viam.com/recon/spatialmath"
	"go.viam.com/recon/utils"
)

type stubEstimator func(ctx context.Context, req capability.PoseRequest) (capability.PoseResponse, error)

func (f stubEstimator) EstimatePoses(ctx context.Context, req capability.PoseRequest) (capability.PoseResponse, error) {
	return f(ctx, req)
}

func imagesOf(s *fake.Scene, scale float64) *preprocess.Result {
	res := &preprocess.Result{}
	for _, cam := range s.Cameras {
		res.Images = append(res.Images, &preprocess.Image{
			ID:       cam.ImageID,
			Original: preprocess.Size{Width: s.Intrinsics.Width, Height: s.Intrinsics.Height},
			Scale:    scale,
			Width:    int(float64(s.Intrinsics.Width) * scale),
			Height:   int(float64(s.Intrinsics.Height) * scale),
		})
	}
	return res
}

func TestReconstruct(t *testing.T) {
	logger := logging.NewTestLogger(t)
	scene := fake.NewScene(fake.Attributes{GaugeScale: 2, GaugeYaw: 0.7, GaugeOffset: [3]float64{1, -2, 0.5}})
	dir := filepath.Join(t.TempDir(), Dir)

	res, err := Reconstruct(context.Background(), imagesOf(scene, 1), config.Default(), fake.NewPoseEstimator(scene, logger), dir, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Poses), test.ShouldEqual, 12)
	test.That(t, res.Unregistered, test.ShouldBeEmpty)
	test.That(t, res.Stats.Registered, test.ShouldEqual, 12)
	test.That(t, res.Stats.MeanTrackLength, test.ShouldBeGreaterThanOrEqualTo, 2)
	test.That(t, res.Stats.MeanReprojectionError, test.ShouldBeLessThan, 1e-6)
	for i := 1; i < len(res.Poses); i++ {
		test.That(t, res.Poses[i-1].ImageID, test.ShouldBeLessThan, res.Poses[i].ImageID)
	}

	// the recovered cameras match the truth up to a similarity
	var recovered, truth []r3.Vector
	for _, cam := range scene.Cameras {
		cp, ok := res.Pose(cam.ImageID)
		test.That(t, ok, test.ShouldBeTrue)
		recovered = append(recovered, cp.Center())
		truth = append(truth, cam.Center())
	}
	sim, err := spatialmath.EstimateSimilarity(recovered, truth)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sim.Scale, test.ShouldAlmostEqual, 0.5, 1e-6)
	rms, _ := spatialmath.AlignmentError(sim, recovered, truth)
	test.That(t, rms, test.ShouldBeLessThan, 1e-6)
	for _, cam := range scene.Cameras {
		cp, _ := res.Pose(cam.ImageID)
		aligned := sim.ApplyToExtrinsic(cp.Pose)
		test.That(t, spatialmath.OrientationBetween(aligned.Orientation, cam.Pose.Orientation), test.ShouldBeLessThan, 1e-6)
	}

	loaded, err := Load(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(loaded.Poses), test.ShouldEqual, 12)
	test.That(t, loaded.Sparse.Len(), test.ShouldEqual, res.Sparse.Len())
	test.That(t, loaded.Stats, test.ShouldResemble, res.Stats)
	first, _ := loaded.Pose(fake.ViewID(0))
	orig, _ := res.Pose(fake.ViewID(0))
	test.That(t, spatialmath.PoseAlmostEqual(first.Pose, orig.Pose, 1e-9, 1e-9), test.ShouldBeTrue)
	test.That(t, first.Intrinsics, test.ShouldResemble, orig.Intrinsics)
}

func TestReconstructUnregistered(t *testing.T) {
	logger := logging.NewTestLogger(t)

	t.Run("tolerated", func(t *testing.T) {
		scene := fake.NewScene(fake.Attributes{Unregistered: []string{fake.ViewID(3)}})
		res, err := Reconstruct(context.Background(), imagesOf(scene, 1), config.Default(), fake.NewPoseEstimator(scene, logger), t.TempDir(), logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Unregistered, test.ShouldResemble, []string{fake.ViewID(3)})
		test.That(t, len(res.Poses), test.ShouldEqual, 11)
		test.That(t, res.Registered(fake.ViewID(3)), test.ShouldBeFalse)
		for _, p := range res.Sparse.Points {
			for _, o := range p.Observations {
				test.That(t, o.ImageID, test.ShouldNotEqual, fake.ViewID(3))
			}
		}
	})

	t.Run("too many", func(t *testing.T) {
		var unregistered []string
		for i := 0; i < 5; i++ {
			unregistered = append(unregistered, fake.ViewID(i))
		}
		scene := fake.NewScene(fake.Attributes{Unregistered: unregistered})
		_, err := Reconstruct(context.Background(), imagesOf(scene, 1), config.Default(), fake.NewPoseEstimator(scene, logger), t.TempDir(), logger)
		test.That(t, utils.IsKind(err, utils.KindInsufficientGeometry), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "5 of 12")
	})

	t.Run("single camera", func(t *testing.T) {
		scene := fake.NewScene(fake.Attributes{Views: 2, Unregistered: []string{fake.ViewID(1)}})
		cfg := config.Default()
		cfg.SfM.MaxUnregisteredFraction = 1
		_, err := Reconstruct(context.Background(), imagesOf(scene, 1), cfg, fake.NewPoseEstimator(scene, logger), t.TempDir(), logger)
		test.That(t, utils.IsKind(err, utils.KindInsufficientGeometry), test.ShouldBeTrue)
	})
}

func TestReconstructContract(t *testing.T) {
	logger := logging.NewTestLogger(t)
	scene := fake.NewScene(fake.Attributes{Views: 3})
	images := imagesOf(scene, 1)
	record := func(i int) capability.CameraRecord {
		return capability.NewCameraRecord(scene.Cameras[i])
	}
	pixel := func(i int, p r3.Vector) capability.Observation {
		px, _, _ := scene.Cameras[i].Project(p)
		return capability.Observation{ImageID: scene.Cameras[i].ImageID, Pixel: &[2]float64{px.X, px.Y}}
	}

	for _, tc := range []struct {
		name    string
		cameras []capability.CameraRecord
	}{
		{"duplicate pose", []capability.CameraRecord{record(0), record(1), record(1)}},
		{"unknown image", []capability.CameraRecord{record(0), record(1), {ImageID: "elsewhere", Rotation: [4]float64{1}}}},
		{"invalid intrinsics", func() []capability.CameraRecord {
			bad := record(2)
			bad.Intrinsics = &transform.PinholeCameraIntrinsics{Width: 320, Height: 240, Fx: -1, Fy: 300}
			return []capability.CameraRecord{record(0), record(1), bad}
		}()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			est := stubEstimator(func(context.Context, capability.PoseRequest) (capability.PoseResponse, error) {
				return capability.PoseResponse{Cameras: tc.cameras}, nil
			})
			_, err := Reconstruct(context.Background(), images, config.Default(), est, t.TempDir(), logger)
			test.That(t, utils.IsKind(err, utils.KindCapability), test.ShouldBeTrue)
		})
	}

	t.Run("points need two registered observations", func(t *testing.T) {
		origin := r3.Vector{}
		est := stubEstimator(func(context.Context, capability.PoseRequest) (capability.PoseResponse, error) {
			return capability.PoseResponse{
				Cameras: []capability.CameraRecord{record(0), record(1), record(2)},
				Points: []capability.SparsePoint{
					{Observations: []capability.Observation{pixel(0, origin), pixel(1, origin)}},
					{Observations: []capability.Observation{pixel(0, origin), {ImageID: "elsewhere"}}},
					{Observations: []capability.Observation{pixel(2, origin), pixel(2, origin)}},
				},
			}, nil
		})
		res, err := Reconstruct(context.Background(), images, config.Default(), est, t.TempDir(), logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Sparse.Len(), test.ShouldEqual, 1)
		test.That(t, res.Sparse.Points[0].ID, test.ShouldEqual, 0)
		test.That(t, res.Warnings, test.ShouldContain, "2 sparse points dropped with fewer than 2 registered observations")
	})

	t.Run("no images", func(t *testing.T) {
		calls := 0
		est := stubEstimator(func(context.Context, capability.PoseRequest) (capability.PoseResponse, error) {
			calls++
			return capability.PoseResponse{}, nil
		})
		_, err := Reconstruct(context.Background(), &preprocess.Result{}, config.Default(), est, t.TempDir(), logger)
		test.That(t, utils.IsKind(err, utils.KindInputData), test.ShouldBeTrue)
		test.That(t, calls, test.ShouldEqual, 0)
	})
}

func TestReconstructIntrinsics(t *testing.T) {
	logger := logging.NewTestLogger(t)
	scene := fake.NewScene(fake.Attributes{Views: 4})
	cfg := config.Default()
	cfg.SfM.Intrinsics = &transform.PinholeCameraIntrinsics{Width: 320, Height: 240, Fx: 300, Fy: 300, Ppx: 160, Ppy: 120}

	var got *transform.PinholeCameraIntrinsics
	inner := fake.NewPoseEstimator(scene, logger)
	est := stubEstimator(func(ctx context.Context, req capability.PoseRequest) (capability.PoseResponse, error) {
		got = req.Intrinsics
		test.That(t, req.Workspace, test.ShouldContainSubstring, capability.ScratchPrefix)
		return inner.EstimatePoses(ctx, req)
	})
	res, err := Reconstruct(context.Background(), imagesOf(scene, 0.5), cfg, est, t.TempDir(), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldResemble, &transform.PinholeCameraIntrinsics{Width: 160, Height: 120, Fx: 150, Fy: 150, Ppx: 80, Ppy: 60})
	test.That(t, res.Warnings, test.ShouldBeEmpty)

	cfg.SfM.Intrinsics = &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 600, Fy: 600, Ppx: 320, Ppy: 240}
	res, err = Reconstruct(context.Background(), imagesOf(scene, 0.5), cfg, est, t.TempDir(), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got, test.ShouldBeNil)
	test.That(t, len(res.Warnings), test.ShouldEqual, 1)
}

func TestReconstructCanceled(t *testing.T) {
	logger := logging.NewTestLogger(t)
	scene := fake.NewScene(fake.Attributes{DelayMillis: 5000})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dir := t.TempDir()
	_, err := Reconstruct(ctx, imagesOf(scene, 1), config.Default(), fake.NewPoseEstimator(scene, logger), dir, logger)
	test.That(t, err, test.ShouldBeError, context.Canceled)
	matches, err := filepath.Glob(filepath.Join(dir, capability.ScratchPrefix+"*"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, matches, test.ShouldBeEmpty)
}

func TestRequestIntrinsics(t *testing.T) {
	intr := &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}
	image := func(id string, scale float64) *preprocess.Image {
		return &preprocess.Image{ID: id, Original: preprocess.Size{Width: 640, Height: 480}, Scale: scale}
	}

	scaled, err := requestIntrinsics([]*preprocess.Image{image("a", 0.5), image("b", 0.5)}, intr)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, *scaled, test.ShouldResemble, transform.PinholeCameraIntrinsics{
		Width: 320, Height: 240, Fx: 250, Fy: 250, Ppx: 160, Ppy: 120,
	})

	_, err = requestIntrinsics([]*preprocess.Image{image("a", 0.5), image("b", 1)}, intr)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, `image "b" was resized`)

	other := image("c", 0.5)
	other.Original = preprocess.Size{Width: 480, Height: 640}
	_, err = requestIntrinsics([]*preprocess.Image{image("a", 0.5), other}, intr)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "intrinsics are for 640x480")

	none, err := requestIntrinsics([]*preprocess.Image{image("a", 1)}, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, none, test.ShouldBeNil)
}
