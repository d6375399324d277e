package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.viam.com/test"

	"go.viam.com/recon/logging"
)

func TestFromReaderValidate(t *testing.T) {
	conf, err := FromReader("", strings.NewReader(""))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conf.Mesh.Method, test.ShouldEqual, "poisson")
	test.That(t, conf.Preprocess.MaxImageDimension, test.ShouldEqual, 1920)

	_, err = FromReader("", strings.NewReader(`mesh: [1]`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unmarshal")

	_, err = FromReader("", strings.NewReader(`bogus_field: 1`))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = FromReader("", strings.NewReader(`
sfm:
  max_unregistered_fraction: 1.5
mvs:
  min_observations: 1
capabilities:
  pose_estimator: {}
`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, `"max_unregistered_fraction" must be in [0, 1)`)
	test.That(t, err.Error(), test.ShouldContainSubstring, `"min_observations" must be at least 2`)
	test.That(t, err.Error(), test.ShouldContainSubstring, `capabilities.pose_estimator`)
	test.That(t, err.Error(), test.ShouldContainSubstring, `"type" is required`)

	_, err = FromReader("", strings.NewReader(`mesh: {memory_budget: lots}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "memory_budget")
}

func TestReadSubstitutesEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RECON_DEPTH", "6")
	t.Setenv("RECON_INPUT", "photos")
	path := filepath.Join(dir, "recon.yaml")
	test.That(t, os.WriteFile(path, []byte(`
input: ${RECON_INPUT}
log_level: debug
mesh:
  method: ball_pivoting
  poisson:
    depth: $RECON_DEPTH
  ball_pivoting:
    radii: [0.005, 0.01, 0.02, 0.04]
  memory_budget: 512MiB
export:
  formats: [obj, usd]
capabilities:
  pose_estimator:
    type: colmap
    timeout: 2h
    attributes:
      binary: /usr/bin/colmap
`), 0o600), test.ShouldBeNil)

	conf, err := Read(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conf.Input, test.ShouldEqual, filepath.Join(dir, "photos"))
	test.That(t, conf.LogLevel, test.ShouldEqual, logging.DEBUG)
	test.That(t, conf.Mesh.Method, test.ShouldEqual, "ball_pivoting")
	test.That(t, conf.Mesh.Poisson.Depth, test.ShouldEqual, 6)
	test.That(t, conf.Mesh.Poisson.Scale, test.ShouldEqual, 1.1)
	test.That(t, conf.Mesh.BallPivoting.Radii, test.ShouldResemble, []float64{0.005, 0.01, 0.02, 0.04})
	test.That(t, conf.Export.Formats, test.ShouldResemble, []string{"obj", "usd"})

	budget, err := conf.MemoryBudgetBytes()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, budget, test.ShouldEqual, int64(512*1024*1024))

	capCfg, ok := conf.Capability("pose_estimator")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, capCfg.Type, test.ShouldEqual, "colmap")
	test.That(t, capCfg.Timeout, test.ShouldEqual, 2*time.Hour)
	test.That(t, capCfg.Attributes["binary"], test.ShouldEqual, "/usr/bin/colmap")
	_, ok = conf.Capability("scene_writer")
	test.That(t, ok, test.ShouldBeFalse)
}

func TestReadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recon.json")
	test.That(t, os.WriteFile(path, []byte(`{"workspace": "/tmp/ws", "mesh": {"target_faces": 5000}}`), 0o600),
		test.ShouldBeNil)
	conf, err := Read(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conf.Workspace, test.ShouldEqual, "/tmp/ws")
	test.That(t, conf.Mesh.TargetFaces, test.ShouldEqual, 5000)
	test.That(t, conf.Mesh.MinPoints, test.ShouldEqual, 50)
}

func TestSchema(t *testing.T) {
	md, err := json.Marshal(Schema())
	test.That(t, err, test.ShouldBeNil)
	for _, field := range []string{"max_image_dimension", "max_unregistered_fraction", "outlier_std_ratio", "target_faces"} {
		test.That(t, string(md), test.ShouldContainSubstring, field)
	}
}
