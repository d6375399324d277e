// Package usda writes meshes as USD ASCII scene descriptions and reads back the subset it writes.
package usda

import (
	"bufio"
	"context"
	"fmt"
	"image/color"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/recon/capability"
	"go.viam.com/recon/config"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/mesh"
)

// Type is the capability type name of the writer.
const Type = "usda"

func init() {
	capability.Register(capability.RoleSceneWriter, Type, capability.Registration{
		Constructor: func(cfg config.CapabilityConfig, logger logging.Logger) (interface{}, error) {
			attrs := Attributes{PrimName: "model", UpAxis: "Z", MetersPerUnit: 1}
			if err := capability.DecodeAttributes(cfg.Attributes, &attrs); err != nil {
				return nil, err
			}
			return NewWriter(attrs)
		},
		Attributes: func() interface{} { return &Attributes{} },
	})
}

// Attributes configure the stage metadata.
type Attributes struct {
	PrimName      string  `json:"prim_name"`
	UpAxis        string  `json:"up_axis"`
	MetersPerUnit float64 `json:"meters_per_unit"`
}

// Writer is a capability.SceneWriter producing USDA text.
type Writer struct {
	attrs Attributes
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewWriter validates attrs.
func NewWriter(attrs Attributes) (*Writer, error) {
	if !identifier.MatchString(attrs.PrimName) {
		return nil, errors.Errorf("prim_name %q is not a valid USD identifier", attrs.PrimName)
	}
	if attrs.UpAxis != "Y" && attrs.UpAxis != "Z" {
		return nil, errors.Errorf("up_axis must be Y or Z, got %q", attrs.UpAxis)
	}
	if attrs.MetersPerUnit <= 0 {
		return nil, errors.New("meters_per_unit must be positive")
	}
	return &Writer{attrs: attrs}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func vec3(v r3.Vector) string {
	return "(" + formatFloat(v.X) + ", " + formatFloat(v.Y) + ", " + formatFloat(v.Z) + ")"
}

func writeArray(w *bufio.Writer, n int, item func(i int) string) {
	w.WriteString("[")
	for i := 0; i < n; i++ {
		if i > 0 {
			w.WriteString(", ")
		}
		w.WriteString(item(i))
	}
	w.WriteString("]")
}

// WriteScene writes m as a single Mesh prim under an Xform.
func (sw *Writer) WriteScene(ctx context.Context, out io.Writer, m *mesh.Mesh) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w := bufio.NewWriter(out)
	fmt.Fprintf(w, "#usda 1.0\n(\n    defaultPrim = %q\n    metersPerUnit = %s\n    upAxis = %q\n)\n\n",
		sw.attrs.PrimName, formatFloat(sw.attrs.MetersPerUnit), sw.attrs.UpAxis)
	fmt.Fprintf(w, "def Xform %q\n{\n    def Mesh \"mesh\"\n    {\n", sw.attrs.PrimName)

	w.WriteString("        int[] faceVertexCounts = ")
	writeArray(w, m.NumFaces(), func(int) string { return "3" })
	w.WriteString("\n        int[] faceVertexIndices = ")
	writeArray(w, 3*m.NumFaces(), func(i int) string { return strconv.Itoa(m.Faces[i/3][i%3]) })
	w.WriteString("\n        point3f[] points = ")
	writeArray(w, m.NumVertices(), func(i int) string { return vec3(m.Vertices[i]) })
	w.WriteString("\n")
	if m.HasNormals() {
		w.WriteString("        normal3f[] normals = ")
		writeArray(w, m.NumVertices(), func(i int) string { return vec3(m.Normals[i]) })
		w.WriteString(" (\n            interpolation = \"vertex\"\n        )\n")
	}
	if m.HasColors() {
		w.WriteString("        color3f[] primvars:displayColor = ")
		writeArray(w, m.NumVertices(), func(i int) string {
			c := m.Colors[i]
			return vec3(r3.Vector{X: float64(c.R) / 255, Y: float64(c.G) / 255, Z: float64(c.B) / 255})
		})
		w.WriteString(" (\n            interpolation = \"vertex\"\n        )\n")
	}
	w.WriteString("        uniform token orientation = \"rightHanded\"\n")
	w.WriteString("        uniform token subdivisionScheme = \"none\"\n    }\n}\n")
	return w.Flush()
}

var (
	tuplePattern = regexp.MustCompile(`\(([^()]*)\)`)
	arrayPattern = regexp.MustCompile(`(?s)\b([a-zA-Z0-9]+)\[\]\s+([a-zA-Z:]+)\s*=\s*\[(.*?)\]`)
)

func parseTuples(body string) ([]r3.Vector, error) {
	var out []r3.Vector
	for _, match := range tuplePattern.FindAllStringSubmatch(body, -1) {
		parts := strings.Split(match[1], ",")
		if len(parts) != 3 {
			return nil, errors.Errorf("expected a 3-tuple, got %q", match[0])
		}
		var v [3]float64
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing %q", match[0])
			}
			v[i] = f
		}
		out = append(out, r3.Vector{X: v[0], Y: v[1], Z: v[2]})
	}
	return out, nil
}

func parseInts(body string) ([]int, error) {
	var out []int
	for _, field := range strings.Split(body, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.Atoi(field)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing index %q", field)
		}
		out = append(out, v)
	}
	return out, nil
}

// ReadScene reads the first Mesh prim of a USDA document written by WriteScene. Polygons are fan
// triangulated.
func (sw *Writer) ReadScene(r io.Reader) (*mesh.Mesh, error) {
	return Read(r)
}

// Read reads the first Mesh prim of a USDA document.
func Read(r io.Reader) (*mesh.Mesh, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	text := string(data)
	if !strings.HasPrefix(text, "#usda 1.0") {
		return nil, errors.New("not a USDA document")
	}
	m := &mesh.Mesh{}
	var counts, indices []int
	var colors []r3.Vector
	for _, match := range arrayPattern.FindAllStringSubmatch(text, -1) {
		switch match[2] {
		case "faceVertexCounts":
			counts, err = parseInts(match[3])
		case "faceVertexIndices":
			indices, err = parseInts(match[3])
		case "points":
			m.Vertices, err = parseTuples(match[3])
		case "normals":
			m.Normals, err = parseTuples(match[3])
		case "primvars:displayColor":
			colors, err = parseTuples(match[3])
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", match[2])
		}
	}
	if m.Vertices == nil {
		return nil, errors.New("USDA document has no mesh points")
	}
	if m.Normals != nil && len(m.Normals) != len(m.Vertices) {
		return nil, errors.Errorf("%d normals for %d points", len(m.Normals), len(m.Vertices))
	}
	if colors != nil {
		if len(colors) != len(m.Vertices) {
			return nil, errors.Errorf("%d colors for %d points", len(colors), len(m.Vertices))
		}
		m.Colors = make([]color.NRGBA, len(colors))
		for i, c := range colors {
			m.Colors[i] = color.NRGBA{
				R: uint8(c.X*255 + 0.5), G: uint8(c.Y*255 + 0.5), B: uint8(c.Z*255 + 0.5), A: 255,
			}
		}
	}
	next := 0
	for _, n := range counts {
		if n < 3 || next+n > len(indices) {
			return nil, errors.Errorf("face vertex counts do not match %d indices", len(indices))
		}
		for k := 1; k+1 < n; k++ {
			m.Faces = append(m.Faces, mesh.Face{indices[next], indices[next+k], indices[next+k+1]})
		}
		next += n
	}
	if next != len(indices) {
		return nil, errors.Errorf("face vertex counts cover %d of %d indices", next, len(indices))
	}
	return m, nil
}
