// Package export writes a mesh to interchange formats. Every format is written and validated on
// its own; a failure in one never prevents the others.
package export

import (
	"bytes"
	"context"
	"embed"
	"html/template"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"go.viam.com/recon/capability"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/mesh"
	"go.viam.com/recon/utils"
)

// StageName is the pipeline stage name; Dir is its directory in the workspace.
const (
	StageName  = "export"
	Dir        = "exports"
	ViewerFile = "viewer.html"
)

// Format is an export format tag.
type Format string

// The supported formats.
const (
	OBJ  Format = "obj"
	STL  Format = "stl"
	PLY  Format = "ply"
	GLTF Format = "gltf"
	OFF  Format = "off"
	USD  Format = "usd"
)

// Status is the outcome of exporting one format.
type Status string

// The artifact statuses.
const (
	StatusSuccess               Status = "success"
	StatusInvalid               Status = "invalid"
	StatusFailed                Status = "failed"
	StatusCapabilityUnavailable Status = "capability_unavailable"
)

// Artifact is the result of exporting one format.
type Artifact struct {
	Format   Format `json:"format"`
	Path     string `json:"path,omitempty"`
	Status   Status `json:"status"`
	Err      error  `json:"-"`
	Error    string `json:"error,omitempty"`
	Vertices int    `json:"vertices,omitempty"`
	Faces    int    `json:"faces,omitempty"`
}

// Options tunes Export.
type Options struct {
	// PLYASCII writes PLY as ASCII instead of binary little endian.
	PLYASCII bool
	// SceneWriter writes USD; without it USD is reported as capability_unavailable.
	SceneWriter        capability.SceneWriter
	SceneWriterTimeout time.Duration
	// WriteViewer adds a viewer.html next to a successful glTF export.
	WriteViewer bool
	// Comments are carried by the formats that support them.
	Comments []string
}

type codec struct {
	ext   string
	write func(ctx context.Context, w io.Writer, m *mesh.Mesh, name string, opts Options) error
	read  func(r io.Reader) (*mesh.Mesh, error)
	// soup formats store every triangle with its own corners.
	soup bool
}

var codecs = map[Format]codec{
	OBJ: {
		ext: "obj",
		write: func(_ context.Context, w io.Writer, m *mesh.Mesh, _ string, opts Options) error {
			return mesh.WriteOBJ(w, m, opts.Comments...)
		},
		read: mesh.ReadOBJ,
	},
	STL: {
		ext: "stl",
		write: func(_ context.Context, w io.Writer, m *mesh.Mesh, _ string, _ Options) error {
			return mesh.WriteSTL(w, m)
		},
		read: mesh.ReadSTL,
		soup: true,
	},
	PLY: {
		ext: "ply",
		write: func(_ context.Context, w io.Writer, m *mesh.Mesh, _ string, opts Options) error {
			return mesh.WritePLY(w, m, mesh.PLYOptions{ASCII: opts.PLYASCII, Comments: opts.Comments})
		},
		read: func(r io.Reader) (*mesh.Mesh, error) {
			m, _, err := mesh.ReadPLY(r)
			return m, err
		},
	},
	GLTF: {
		ext: "gltf",
		write: func(_ context.Context, w io.Writer, m *mesh.Mesh, name string, _ Options) error {
			return mesh.WriteGLTF(w, m, name)
		},
		read: mesh.ReadGLTF,
	},
	OFF: {
		ext: "off",
		write: func(_ context.Context, w io.Writer, m *mesh.Mesh, _ string, _ Options) error {
			return mesh.WriteOFF(w, m)
		},
		read: mesh.ReadOFF,
	},
}

// ParseFormats normalizes format tags. Unknown tags are kept so that Export reports them.
func ParseFormats(tags []string) []Format {
	return lo.Uniq(lo.Map(tags, func(tag string, _ int) Format {
		return Format(strings.ToLower(strings.TrimSpace(tag)))
	}))
}

// Export writes m as <dest>/<name>.<ext> for every format, concurrently, and returns one artifact
// per requested format.
func Export(
	ctx context.Context,
	m *mesh.Mesh,
	formats []Format,
	dest, name string,
	opts Options,
	logger logging.Logger,
) map[Format]Artifact {
	var (
		mu        sync.Mutex
		artifacts = make(map[Format]Artifact, len(formats))
	)
	group, groupCtx := errgroup.WithContext(ctx)
	for _, f := range lo.Uniq(formats) {
		group.Go(func() error {
			a := exportOne(groupCtx, m, f, dest, name, opts, logger)
			if a.Err != nil {
				a.Error = a.Err.Error()
				logger.Warnw("export failed", "format", f, "status", a.Status, "error", a.Err)
			} else {
				logger.Infow("exported", "format", f, "path", a.Path)
			}
			mu.Lock()
			artifacts[f] = a
			mu.Unlock()
			return nil
		})
	}
	//nolint:errcheck
	group.Wait()

	if opts.WriteViewer {
		if a, ok := artifacts[GLTF]; ok && a.Status == StatusSuccess {
			if err := writeViewer(dest, name, a); err != nil {
				logger.Warnw("cannot write viewer", "error", err)
			}
		}
	}
	return artifacts
}

func exportOne(ctx context.Context, m *mesh.Mesh, f Format, dest, name string, opts Options, logger logging.Logger) Artifact {
	a := Artifact{Format: f, Status: StatusFailed}
	if err := ctx.Err(); err != nil {
		a.Err = err
		return a
	}
	if m == nil || m.NumFaces() == 0 {
		a.Err = utils.NewInsufficientGeometryError("export", "mesh has no faces")
		return a
	}
	c, ok := codecs[f]
	if f == USD {
		if opts.SceneWriter == nil {
			a.Status = StatusCapabilityUnavailable
			a.Err = utils.NewCapabilityUnavailableError(capability.RoleSceneWriter)
			return a
		}
		c, ok = sceneCodec(dest, opts, logger), true
	}
	if !ok {
		a.Err = errors.Errorf("unknown export format %q", f)
		return a
	}
	path, err := utils.SafeJoinDir(dest, name+"."+c.ext)
	if err != nil {
		a.Err = err
		return a
	}
	a.Path = path

	if err := utils.WriteFileAtomic(path, func(w io.Writer) error {
		return c.write(ctx, w, m, name, opts)
	}); err != nil {
		a.Err = errors.Wrapf(err, "writing %s", f)
		return a
	}
	if c.read == nil {
		a.Status, a.Vertices, a.Faces = StatusSuccess, m.NumVertices(), m.NumFaces()
		return a
	}
	back, err := readFile(path, c.read)
	if err == nil {
		err = check(m, back, c.soup)
	}
	if err != nil {
		// an artifact that does not read back is not left behind
		utils.RemoveFileNoError(path)
		a.Status, a.Err = StatusInvalid, errors.Wrapf(err, "validating %s", f)
		return a
	}
	a.Status, a.Vertices, a.Faces = StatusSuccess, back.NumVertices(), back.NumFaces()
	return a
}

// Load restores the artifacts of a committed export of m from dest. Every requested format must
// read back and match m, except USD without a scene writer, which is reported as it was exported.
func Load(m *mesh.Mesh, formats []Format, dest, name string, opts Options, logger logging.Logger) (map[Format]Artifact, error) {
	artifacts := make(map[Format]Artifact, len(formats))
	for _, f := range lo.Uniq(formats) {
		c, ok := codecs[f]
		if f == USD {
			if opts.SceneWriter == nil {
				err := utils.NewCapabilityUnavailableError(capability.RoleSceneWriter)
				artifacts[f] = Artifact{Format: f, Status: StatusCapabilityUnavailable, Err: err, Error: err.Error()}
				continue
			}
			c, ok = sceneCodec(dest, opts, logger), true
		}
		if !ok {
			return nil, errors.Errorf("unknown export format %q", f)
		}
		path, err := utils.SafeJoinDir(dest, name+"."+c.ext)
		if err != nil {
			return nil, err
		}
		a := Artifact{Format: f, Path: path, Status: StatusSuccess, Vertices: m.NumVertices(), Faces: m.NumFaces()}
		if c.read == nil {
			if _, err := os.Stat(path); err != nil {
				return nil, err
			}
			artifacts[f] = a
			continue
		}
		back, err := readFile(path, c.read)
		if err == nil {
			err = check(m, back, c.soup)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "restoring %s", f)
		}
		a.Vertices, a.Faces = back.NumVertices(), back.NumFaces()
		artifacts[f] = a
	}
	return artifacts, nil
}

// sceneCodec writes USD through the scene writer capability. Output is buffered so that an
// abandoned call never writes into the artifact.
func sceneCodec(dest string, opts Options, logger logging.Logger) codec {
	c := codec{
		ext: "usda",
		write: func(ctx context.Context, w io.Writer, m *mesh.Mesh, _ string, _ Options) error {
			var out []byte
			err := capability.Invoke(ctx, capability.Invocation{
				Role:     capability.RoleSceneWriter,
				StageDir: dest,
				Timeout:  opts.SceneWriterTimeout,
			}, logger, func(ctx context.Context, scratch string) error {
				defer func() { goutils.UncheckedError(os.RemoveAll(scratch)) }()
				var buf bytes.Buffer
				if err := opts.SceneWriter.WriteScene(ctx, &buf, m); err != nil {
					return err
				}
				out = buf.Bytes()
				return nil
			})
			if err != nil {
				return err
			}
			_, err = w.Write(out)
			return err
		},
	}
	if reader, ok := opts.SceneWriter.(capability.SceneReader); ok {
		c.read = reader.ReadScene
	}
	return c
}

func readFile(path string, read func(io.Reader) (*mesh.Mesh, error)) (*mesh.Mesh, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	return read(f)
}

const positionTolerance = 1e-6

// check compares a read back mesh with the exported one.
func check(want, got *mesh.Mesh, soup bool) error {
	if got.NumFaces() != want.NumFaces() {
		return errors.Errorf("read back %d faces, wrote %d", got.NumFaces(), want.NumFaces())
	}
	if err := got.Validate(mesh.ValidateOptions{AllowNonManifold: true, AllowDegenerate: true}); err != nil {
		return err
	}
	if soup {
		return nil
	}
	if got.NumVertices() != want.NumVertices() {
		return errors.Errorf("read back %d vertices, wrote %d", got.NumVertices(), want.NumVertices())
	}
	// positions may pass through float32
	lower, upper := want.Bounds()
	tol := positionTolerance * math.Max(1, upper.Sub(lower).Norm())
	for i, v := range want.Vertices {
		if d := got.Vertices[i].Sub(v).Norm(); d > tol {
			return errors.Errorf("vertex %d moved by %g", i, d)
		}
	}
	for i, f := range want.Faces {
		if got.Faces[i] != f {
			return errors.Errorf("face %d read back as %v, wrote %v", i, got.Faces[i], f)
		}
	}
	return nil
}

//go:embed templates/viewer.html
var templates embed.FS

var viewerTemplate = template.Must(template.ParseFS(templates, "templates/viewer.html"))

func writeViewer(dest, name string, gltf Artifact) error {
	return utils.WriteFileAtomic(filepath.Join(dest, ViewerFile), func(w io.Writer) error {
		return viewerTemplate.Execute(w, map[string]interface{}{
			"Name":     name,
			"Model":    filepath.Base(gltf.Path),
			"Vertices": gltf.Vertices,
			"Faces":    gltf.Faces,
		})
	})
}

// Succeeded lists the successfully exported formats in order.
func Succeeded(artifacts map[Format]Artifact) []Format {
	out := lo.Filter(lo.Keys(artifacts), func(f Format, _ int) bool { return artifacts[f].Status == StatusSuccess })
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Outcome summarizes a set of artifacts: failed when any artifact failed or is invalid, partial
// when an optional capability was missing.
func Outcome(artifacts map[Format]Artifact) (failed, partial bool, err error) {
	formats := lo.Keys(artifacts)
	sort.Slice(formats, func(i, j int) bool { return formats[i] < formats[j] })
	var (
		first error
		names []string
	)
	for _, f := range formats {
		switch a := artifacts[f]; a.Status {
		case StatusFailed, StatusInvalid:
			failed = true
			if first == nil {
				first = a.Err
			}
			names = append(names, string(f))
		case StatusCapabilityUnavailable:
			partial = true
		case StatusSuccess:
		}
	}
	switch {
	case !failed:
	case first == nil:
		err = errors.Errorf("export failed for %s", strings.Join(names, ", "))
	default:
		// the first failure keeps its kind
		err = errors.Wrapf(first, "export failed for %s", strings.Join(names, ", "))
	}
	return failed, partial, err
}
