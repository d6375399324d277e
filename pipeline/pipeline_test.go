package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.viam.com/test"

	"go.viam.com/recon/capability"
	"go.viam.com/recon/capability/fake"
	"go.viam.com/recon/config"
	"go.viam.com/recon/export"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/meshgen"
	"go.viam.com/recon/sfm"
	"go.viam.com/recon/utils"
)

type stubEstimator func(ctx context.Context, req capability.PoseRequest) (capability.PoseResponse, error)

func (f stubEstimator) EstimatePoses(ctx context.Context, req capability.PoseRequest) (capability.PoseResponse, error) {
	return f(ctx, req)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	input := filepath.Join(t.TempDir(), "photos")
	test.That(t, os.MkdirAll(input, 0o750), test.ShouldBeNil)
	_, err := fake.NewScene(fake.Attributes{}).WriteImages(input)
	test.That(t, err, test.ShouldBeNil)

	cfg := config.Default()
	cfg.Input = input
	cfg.Workspace = filepath.Join(t.TempDir(), "workspace")
	cfg.Workers = 4
	cfg.Preprocess.MaxImageDimension = 160
	cfg.Preprocess.SegmentationModel = fake.Type
	cfg.MVS.MinConfidence = 0.5
	cfg.Mesh.Poisson.Depth = 5
	cfg.Mesh.TargetFaces = 2000
	cfg.Export.Formats = []string{"obj", "stl", "ply", "gltf"}
	cfg.Capabilities = map[string]config.CapabilityConfig{
		capability.RolePoseEstimator: {Type: fake.Type},
		capability.RoleDenseStereo:   {Type: fake.Type},
	}
	return cfg
}

func newRunner(t *testing.T, cfg *config.Config, opts Options) *Runner {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.NewTestLogger(t)
	}
	r, err := NewRunner(cfg, opts)
	test.That(t, err, test.ShouldBeNil)
	return r
}

func runs(r *Runner, stage, status string) float64 {
	return testutil.ToFloat64(r.metrics.stageRuns.WithLabelValues(stage, status))
}

func digests(records []StageRecord) []string {
	var out []string
	for _, rec := range records {
		out = append(out, rec.Name+" "+rec.Fingerprint+" "+rec.InputDigest+" "+rec.OutputDigest)
	}
	return out
}

func TestRun(t *testing.T) {
	cfg := testConfig(t)
	r := newRunner(t, cfg, Options{})

	report, err := r.Run(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, report.Status, test.ShouldEqual, StatusSuccess)
	test.That(t, report.RunID, test.ShouldNotBeEmpty)
	for _, rec := range report.Stages {
		test.That(t, rec.Status, test.ShouldEqual, StatusSuccess)
		test.That(t, rec.OutputDigest, test.ShouldNotBeEmpty)
		test.That(t, runs(r, rec.Name, string(StatusSuccess)), test.ShouldEqual, 1)
	}
	test.That(t, testutil.CollectAndCount(r.metrics.stageDuration), test.ShouldEqual, len(stages))

	for _, f := range []export.Format{export.OBJ, export.STL, export.PLY, export.GLTF} {
		a := report.Artifacts[f]
		test.That(t, a.Status, test.ShouldEqual, export.StatusSuccess)
		test.That(t, a.Path, test.ShouldEqual, filepath.Join(cfg.Workspace, export.Dir, "model."+string(f)))
	}
	m, meshReport, err := meshgen.Load(filepath.Join(cfg.Workspace, MeshDir))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.ConnectedComponents(), test.ShouldHaveLength, 1)
	test.That(t, m.NumFaces(), test.ShouldBeGreaterThan, 200)
	test.That(t, m.NumFaces(), test.ShouldBeLessThanOrEqualTo, cfg.Mesh.TargetFaces)
	test.That(t, meshReport.Method, test.ShouldEqual, meshgen.Poisson)

	stored, err := LoadManifest(filepath.Join(cfg.Workspace, ManifestFile), StageNames())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stored.RunID, test.ShouldEqual, report.RunID)
	test.That(t, stored.Overall(), test.ShouldEqual, StatusSuccess)
	test.That(t, digests(stored.Records()), test.ShouldResemble, digests(report.Stages))

	t.Run("reuses committed stages", func(t *testing.T) {
		again := newRunner(t, cfg, Options{})
		report, err := again.Run(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, report.Status, test.ShouldEqual, StatusSuccess)
		for _, name := range StageNames() {
			test.That(t, runs(again, name, skipped), test.ShouldEqual, 1)
		}
		test.That(t, digests(report.Stages), test.ShouldResemble, digests(stored.Records()))
		for _, f := range []export.Format{export.OBJ, export.STL, export.PLY, export.GLTF} {
			a := report.Artifacts[f]
			test.That(t, a.Status, test.ShouldEqual, export.StatusSuccess)
			test.That(t, a.Path, test.ShouldEqual, filepath.Join(cfg.Workspace, export.Dir, "model."+string(f)))
			test.That(t, a.Faces, test.ShouldEqual, m.NumFaces())
		}
	})

	t.Run("missing export reruns export", func(t *testing.T) {
		test.That(t, os.Remove(filepath.Join(cfg.Workspace, export.Dir, "model.gltf")), test.ShouldBeNil)
		again := newRunner(t, cfg, Options{})
		report, err := again.Run(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, runs(again, MeshStageName, skipped), test.ShouldEqual, 1)
		test.That(t, runs(again, "export", string(StatusSuccess)), test.ShouldEqual, 1)
		test.That(t, report.Artifacts[export.GLTF].Status, test.ShouldEqual, export.StatusSuccess)
	})

	t.Run("edited sparse output reruns downstream", func(t *testing.T) {
		dir := filepath.Join(cfg.Workspace, sfm.Dir)
		recon, err := sfm.Load(dir)
		test.That(t, err, test.ShouldBeNil)
		recon.Warnings = append(recon.Warnings, "edited by hand")
		test.That(t, recon.Save(dir), test.ShouldBeNil)

		again := newRunner(t, cfg, Options{})
		report, err := again.Run(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, report.Status, test.ShouldEqual, StatusSuccess)
		test.That(t, runs(again, "preprocess", skipped), test.ShouldEqual, 1)
		test.That(t, runs(again, "sfm", skipped), test.ShouldEqual, 1)
		for _, name := range []string{"mvs", MeshStageName, "export"} {
			test.That(t, runs(again, name, string(StatusSuccess)), test.ShouldEqual, 1)
		}
	})

	t.Run("forced stage", func(t *testing.T) {
		again := newRunner(t, cfg, Options{Force: MeshStageName})
		_, err := again.Run(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, runs(again, "mvs", skipped), test.ShouldEqual, 1)
		test.That(t, runs(again, MeshStageName, string(StatusSuccess)), test.ShouldEqual, 1)
		test.That(t, runs(again, "export", string(StatusSuccess)), test.ShouldEqual, 1)
	})

	t.Run("changed configuration", func(t *testing.T) {
		changed := *cfg
		changed.Export.Formats = []string{"off"}
		again := newRunner(t, &changed, Options{})
		report, err := again.Run(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, runs(again, MeshStageName, skipped), test.ShouldEqual, 1)
		test.That(t, runs(again, "export", string(StatusSuccess)), test.ShouldEqual, 1)
		test.That(t, report.Artifacts[export.OFF].Status, test.ShouldEqual, export.StatusSuccess)
		_, err = os.Stat(filepath.Join(cfg.Workspace, export.Dir, "model.obj"))
		test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
	})
}

func TestRunSceneWriter(t *testing.T) {
	t.Run("unavailable", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Export.Formats = []string{"obj", "usd"}
		r := newRunner(t, cfg, Options{})
		report, err := r.Run(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, report.Status, test.ShouldEqual, StatusPartial)
		test.That(t, report.Artifacts[export.OBJ].Status, test.ShouldEqual, export.StatusSuccess)
		test.That(t, report.Artifacts[export.USD].Status, test.ShouldEqual, export.StatusCapabilityUnavailable)
		test.That(t, r.Manifest().Stage("export").Status, test.ShouldEqual, StatusPartial)
		test.That(t, len(report.Warnings), test.ShouldBeGreaterThan, 0)
		test.That(t, report.Warnings[len(report.Warnings)-1], test.ShouldStartWith, "export: usd not exported")
	})

	t.Run("usda", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Export.Formats = []string{"usd"}
		cfg.Export.WriteViewer = true
		cfg.Capabilities[capability.RoleSceneWriter] = config.CapabilityConfig{Type: "usda"}
		r := newRunner(t, cfg, Options{})
		report, err := r.Run(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, report.Status, test.ShouldEqual, StatusSuccess)
		test.That(t, report.Artifacts[export.USD].Status, test.ShouldEqual, export.StatusSuccess)
		// no glTF, no viewer
		_, err = os.Stat(filepath.Join(cfg.Workspace, export.Dir, export.ViewerFile))
		test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
	})
}

func TestRunFailures(t *testing.T) {
	t.Run("stage failure", func(t *testing.T) {
		cfg := testConfig(t)
		logger := logging.NewTestLogger(t)
		scene := fake.NewScene(fake.Attributes{})
		broken := stubEstimator(func(context.Context, capability.PoseRequest) (capability.PoseResponse, error) {
			return capability.PoseResponse{}, errors.New("feature matching failed")
		})
		r := newRunner(t, cfg, Options{Capabilities: &capability.Set{
			PoseEstimator: broken,
			DenseStereo:   fake.NewDenseStereo(scene, logger),
			Segmenter:     &fake.Segmenter{},
		}})
		report, err := r.Run(context.Background())
		test.That(t, utils.IsKind(err, utils.KindCapability), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "feature matching failed")
		test.That(t, report.Status, test.ShouldEqual, StatusFailed)

		manifest := r.Manifest()
		test.That(t, manifest.Stage("preprocess").Status, test.ShouldEqual, StatusSuccess)
		test.That(t, manifest.Stage("sfm").Status, test.ShouldEqual, StatusFailed)
		test.That(t, manifest.Stage("sfm").ErrorKind, test.ShouldEqual, utils.KindCapability)
		test.That(t, manifest.Stage("mvs").Status, test.ShouldEqual, StatusPending)
		test.That(t, runs(r, "sfm", string(StatusFailed)), test.ShouldEqual, 1)
	})

	t.Run("canceled", func(t *testing.T) {
		cfg := testConfig(t)
		logger := logging.NewTestLogger(t)
		scene := fake.NewScene(fake.Attributes{})
		var r *Runner
		blocking := stubEstimator(func(ctx context.Context, req capability.PoseRequest) (capability.PoseResponse, error) {
			test.That(t, r.Running(), test.ShouldBeTrue)
			r.Cancel()
			<-ctx.Done()
			return capability.PoseResponse{}, ctx.Err()
		})
		r = newRunner(t, cfg, Options{Capabilities: &capability.Set{
			PoseEstimator: blocking,
			DenseStereo:   fake.NewDenseStereo(scene, logger),
			Segmenter:     &fake.Segmenter{},
		}})
		_, err := r.Run(context.Background())
		test.That(t, utils.IsKind(err, utils.KindCanceled), test.ShouldBeTrue)
		test.That(t, r.Running(), test.ShouldBeFalse)
		test.That(t, r.Manifest().Stage("sfm").ErrorKind, test.ShouldEqual, utils.KindCanceled)

		leftovers, err := filepath.Glob(filepath.Join(cfg.Workspace, "*", capability.ScratchPrefix+"*"))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, leftovers, test.ShouldBeEmpty)
	})

	t.Run("no images", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Input = t.TempDir()
		calls := 0
		counting := stubEstimator(func(context.Context, capability.PoseRequest) (capability.PoseResponse, error) {
			calls++
			return capability.PoseResponse{}, nil
		})
		r := newRunner(t, cfg, Options{Capabilities: &capability.Set{PoseEstimator: counting, Segmenter: &fake.Segmenter{}}})
		_, err := r.Run(context.Background())
		test.That(t, utils.IsKind(err, utils.KindInputData), test.ShouldBeTrue)
		test.That(t, calls, test.ShouldEqual, 0)
		test.That(t, r.Manifest().Stage("preprocess").Status, test.ShouldEqual, StatusFailed)
	})

	t.Run("invalid configuration", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Mesh.Poisson.Depth = 20
		_, err := NewRunner(cfg, Options{Logger: logging.NewTestLogger(t)})
		test.That(t, utils.IsKind(err, utils.KindConfig), test.ShouldBeTrue)

		_, err = NewRunner(testConfig(t), Options{Logger: logging.NewTestLogger(t), Force: "texturing"})
		test.That(t, utils.IsKind(err, utils.KindConfig), test.ShouldBeTrue)
	})

	t.Run("missing capability", func(t *testing.T) {
		cfg := testConfig(t)
		delete(cfg.Capabilities, capability.RoleDenseStereo)
		_, err := NewRunner(cfg, Options{Logger: logging.NewTestLogger(t)})
		test.That(t, utils.IsKind(err, utils.KindConfig), test.ShouldBeTrue)
	})
}

func TestRunLogFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.LogToFile = true
	cfg.Capabilities[capability.RolePoseEstimator] = config.CapabilityConfig{Type: fake.Type, Attributes: map[string]interface{}{"views": 1}}
	r, err := NewRunner(cfg, Options{})
	test.That(t, err, test.ShouldBeNil)
	_, err = r.Run(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, r.Close(), test.ShouldBeNil)

	data, err := os.ReadFile(filepath.Join(cfg.Workspace, LogFile))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldContainSubstring, "stage failed")
}
