package export

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/recon/capability/usda"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/mesh"
	"go.viam.com/recon/utils"
)

func octahedron() *mesh.Mesh {
	m := &mesh.Mesh{
		Vertices: []r3.Vector{
			{X: 1}, {X: -1}, {Y: 1}, {Y: -1}, {Z: 1.5}, {Z: -1.5},
		},
		Faces: []mesh.Face{
			{0, 2, 4}, {2, 1, 4}, {1, 3, 4}, {3, 0, 4},
			{2, 0, 5}, {1, 2, 5}, {3, 1, 5}, {0, 3, 5},
		},
	}
	m.ComputeVertexNormals()
	return m
}

type brokenWriter struct{}

func (brokenWriter) WriteScene(_ context.Context, w io.Writer, _ *mesh.Mesh) error {
	_, err := w.Write([]byte("#usda 1.0\n"))
	return err
}

func (brokenWriter) ReadScene(io.Reader) (*mesh.Mesh, error) {
	return nil, errors.New("no mesh prim")
}

func TestExport(t *testing.T) {
	logger := logging.NewTestLogger(t)
	m := octahedron()
	dest := t.TempDir()

	formats := []Format{OBJ, STL, PLY, GLTF, OFF}
	artifacts := Export(context.Background(), m, formats, dest, "model", Options{WriteViewer: true, Comments: []string{"method poisson"}}, logger)
	test.That(t, len(artifacts), test.ShouldEqual, len(formats))
	for _, f := range formats {
		a := artifacts[f]
		test.That(t, a.Status, test.ShouldEqual, StatusSuccess)
		test.That(t, a.Err, test.ShouldBeNil)
		test.That(t, a.Path, test.ShouldEqual, filepath.Join(dest, "model."+string(f)))
		test.That(t, a.Faces, test.ShouldEqual, m.NumFaces())
		_, err := os.Stat(a.Path)
		test.That(t, err, test.ShouldBeNil)
	}
	test.That(t, artifacts[OBJ].Vertices, test.ShouldEqual, m.NumVertices())
	test.That(t, Succeeded(artifacts), test.ShouldResemble, []Format{GLTF, OBJ, OFF, PLY, STL})
	failed, partial, err := Outcome(artifacts)
	test.That(t, failed, test.ShouldBeFalse)
	test.That(t, partial, test.ShouldBeFalse)
	test.That(t, err, test.ShouldBeNil)

	viewer, err := os.ReadFile(filepath.Join(dest, ViewerFile))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(viewer), test.ShouldContainSubstring, "model.gltf")

	t.Run("deterministic", func(t *testing.T) {
		before := map[Format][]byte{}
		for _, f := range formats {
			data, err := os.ReadFile(artifacts[f].Path)
			test.That(t, err, test.ShouldBeNil)
			before[f] = data
		}
		again := Export(context.Background(), m, formats, dest, "model", Options{Comments: []string{"method poisson"}}, logger)
		for _, f := range formats {
			test.That(t, again[f].Status, test.ShouldEqual, StatusSuccess)
			data, err := os.ReadFile(again[f].Path)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, bytes.Equal(data, before[f]), test.ShouldBeTrue)
		}
	})

	t.Run("ascii ply", func(t *testing.T) {
		out := Export(context.Background(), m, []Format{PLY}, t.TempDir(), "model", Options{PLYASCII: true}, logger)
		test.That(t, out[PLY].Status, test.ShouldEqual, StatusSuccess)
		data, err := os.ReadFile(out[PLY].Path)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, string(data), test.ShouldContainSubstring, "format ascii 1.0")
	})
}

func TestExportSceneWriter(t *testing.T) {
	logger := logging.NewTestLogger(t)
	m := octahedron()

	t.Run("unavailable", func(t *testing.T) {
		dest := t.TempDir()
		artifacts := Export(context.Background(), m, []Format{OBJ, USD}, dest, "model", Options{}, logger)
		test.That(t, artifacts[OBJ].Status, test.ShouldEqual, StatusSuccess)
		test.That(t, artifacts[USD].Status, test.ShouldEqual, StatusCapabilityUnavailable)
		test.That(t, utils.IsKind(artifacts[USD].Err, utils.KindCapabilityUnavailable), test.ShouldBeTrue)
		test.That(t, artifacts[USD].Error, test.ShouldNotBeEmpty)

		failed, partial, err := Outcome(artifacts)
		test.That(t, failed, test.ShouldBeFalse)
		test.That(t, partial, test.ShouldBeTrue)
		test.That(t, err, test.ShouldBeNil)
	})

	t.Run("usda", func(t *testing.T) {
		writer, err := usda.NewWriter(usda.Attributes{PrimName: "model", UpAxis: "Z", MetersPerUnit: 1})
		test.That(t, err, test.ShouldBeNil)
		dest := t.TempDir()
		artifacts := Export(context.Background(), m, []Format{USD}, dest, "model", Options{SceneWriter: writer}, logger)
		a := artifacts[USD]
		test.That(t, a.Status, test.ShouldEqual, StatusSuccess)
		test.That(t, a.Path, test.ShouldEqual, filepath.Join(dest, "model.usda"))
		test.That(t, a.Vertices, test.ShouldEqual, m.NumVertices())
		test.That(t, a.Faces, test.ShouldEqual, m.NumFaces())

		leftovers, err := filepath.Glob(filepath.Join(dest, ".tmp-*"))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, leftovers, test.ShouldBeEmpty)
	})

	t.Run("invalid output is removed", func(t *testing.T) {
		dest := t.TempDir()
		artifacts := Export(context.Background(), m, []Format{USD, OFF}, dest, "model", Options{SceneWriter: brokenWriter{}}, logger)
		test.That(t, artifacts[USD].Status, test.ShouldEqual, StatusInvalid)
		test.That(t, artifacts[OFF].Status, test.ShouldEqual, StatusSuccess)
		_, err := os.Stat(filepath.Join(dest, "model.usda"))
		test.That(t, os.IsNotExist(err), test.ShouldBeTrue)

		failed, _, err := Outcome(artifacts)
		test.That(t, failed, test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "usd")
	})
}

func TestLoad(t *testing.T) {
	logger := logging.NewTestLogger(t)
	m := octahedron()
	dest := t.TempDir()
	formats := []Format{OBJ, STL, PLY, GLTF, OFF, USD}
	exported := Export(context.Background(), m, formats, dest, "model", Options{}, logger)

	loaded, err := Load(m, formats, dest, "model", Options{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(loaded), test.ShouldEqual, len(formats))
	for _, f := range formats {
		test.That(t, loaded[f].Status, test.ShouldEqual, exported[f].Status)
		test.That(t, loaded[f].Path, test.ShouldEqual, exported[f].Path)
		test.That(t, loaded[f].Faces, test.ShouldEqual, exported[f].Faces)
	}
	test.That(t, loaded[USD].Status, test.ShouldEqual, StatusCapabilityUnavailable)

	t.Run("stale file", func(t *testing.T) {
		other := octahedron()
		other.Faces = other.Faces[:4]
		_, err := Load(other, []Format{OFF}, dest, "model", Options{}, logger)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "restoring off")
	})

	t.Run("missing file", func(t *testing.T) {
		test.That(t, os.Remove(filepath.Join(dest, "model.obj")), test.ShouldBeNil)
		_, err := Load(m, []Format{OBJ}, dest, "model", Options{}, logger)
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestExportFailures(t *testing.T) {
	logger := logging.NewTestLogger(t)

	t.Run("unknown format", func(t *testing.T) {
		artifacts := Export(context.Background(), octahedron(), []Format{"fbx", OBJ}, t.TempDir(), "model", Options{}, logger)
		test.That(t, artifacts["fbx"].Status, test.ShouldEqual, StatusFailed)
		test.That(t, artifacts["fbx"].Error, test.ShouldContainSubstring, "unknown export format")
		test.That(t, artifacts[OBJ].Status, test.ShouldEqual, StatusSuccess)
	})

	t.Run("empty mesh", func(t *testing.T) {
		dest := t.TempDir()
		artifacts := Export(context.Background(), &mesh.Mesh{}, []Format{OBJ, STL}, dest, "model", Options{}, logger)
		for _, a := range artifacts {
			test.That(t, a.Status, test.ShouldEqual, StatusFailed)
			test.That(t, utils.IsKind(a.Err, utils.KindInsufficientGeometry), test.ShouldBeTrue)
		}
		entries, err := os.ReadDir(dest)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, entries, test.ShouldBeEmpty)
	})

	t.Run("unsafe name", func(t *testing.T) {
		artifacts := Export(context.Background(), octahedron(), []Format{OBJ}, t.TempDir(), "../model", Options{}, logger)
		test.That(t, artifacts[OBJ].Status, test.ShouldEqual, StatusFailed)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		artifacts := Export(ctx, octahedron(), []Format{OBJ}, t.TempDir(), "model", Options{}, logger)
		test.That(t, artifacts[OBJ].Err, test.ShouldBeError, context.Canceled)
	})
}

func TestParseFormats(t *testing.T) {
	test.That(t, ParseFormats([]string{"OBJ", " stl", "obj", "glTF"}), test.ShouldResemble, []Format{OBJ, STL, GLTF})
	test.That(t, ParseFormats(nil), test.ShouldBeEmpty)
}
