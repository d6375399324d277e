package mesh

import (
	"bufio"
	"image/color"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteOBJ writes the mesh as Wavefront OBJ. Vertex colors are written as the "v x y z r g b"
// extension, with channels in [0, 1].
func WriteOBJ(w io.Writer, m *Mesh, comments ...string) error {
	bw := bufio.NewWriter(w)
	for _, c := range comments {
		bw.WriteString("# " + c + "\n")
	}
	for i, v := range m.Vertices {
		bw.WriteString("v " + formatFloat(v.X) + " " + formatFloat(v.Y) + " " + formatFloat(v.Z))
		if m.HasColors() {
			c := m.Colors[i]
			bw.WriteString(" " + formatFloat(float64(c.R)/255) + " " + formatFloat(float64(c.G)/255) + " " + formatFloat(float64(c.B)/255))
		}
		bw.WriteByte('\n')
	}
	for _, uv := range m.UVs {
		bw.WriteString("vt " + formatFloat(uv.X) + " " + formatFloat(uv.Y) + "\n")
	}
	for _, n := range m.Normals {
		bw.WriteString("vn " + formatFloat(n.X) + " " + formatFloat(n.Y) + " " + formatFloat(n.Z) + "\n")
	}
	for _, f := range m.Faces {
		bw.WriteString("f")
		for _, idx := range f {
			ref := strconv.Itoa(idx + 1)
			switch {
			case m.HasUVs() && m.HasNormals():
				ref = ref + "/" + ref + "/" + ref
			case m.HasUVs():
				ref = ref + "/" + ref
			case m.HasNormals():
				ref = ref + "//" + ref
			}
			bw.WriteString(" " + ref)
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// objIndex resolves a 1-based, possibly negative, OBJ reference.
func objIndex(ref string, count int) (int, error) {
	i, err := strconv.Atoi(ref)
	if err != nil {
		return 0, err
	}
	switch {
	case i > 0:
		i--
	case i < 0:
		i += count
	default:
		return 0, errors.New("OBJ indices start at 1")
	}
	if i < 0 || i >= count {
		return 0, errors.Errorf("index %s out of range for %d vertices", ref, count)
	}
	return i, nil
}

// ReadOBJ reads positions, vertex colors and faces. Polygons are fan triangulated. Normals and
// texture coordinates are kept only when they are given per vertex.
func ReadOBJ(r io.Reader) (*Mesh, error) {
	m := &Mesh{}
	var colors []color.NRGBA
	var normals []r3.Vector
	var uvs []r2.Point
	var normalRefs, uvRefs map[int]int
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for lineNum := 1; sc.Scan(); lineNum++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "v":
			vals, err := parseFloats(fields[1:])
			if err != nil || (len(vals) != 3 && len(vals) != 4 && len(vals) != 6) {
				return nil, errors.Errorf("line %d: malformed vertex %q", lineNum, line)
			}
			m.Vertices = append(m.Vertices, r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]})
			if len(vals) == 6 {
				colors = append(colors, color.NRGBA{
					R: uint8(math.Round(vals[3] * 255)),
					G: uint8(math.Round(vals[4] * 255)),
					B: uint8(math.Round(vals[5] * 255)),
					A: 255,
				})
			}
		case "vn":
			vals, err := parseFloats(fields[1:])
			if err != nil || len(vals) != 3 {
				return nil, errors.Errorf("line %d: malformed normal %q", lineNum, line)
			}
			normals = append(normals, r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]})
		case "vt":
			vals, err := parseFloats(fields[1:])
			if err != nil || len(vals) < 2 {
				return nil, errors.Errorf("line %d: malformed texture coordinate %q", lineNum, line)
			}
			uvs = append(uvs, r2.Point{X: vals[0], Y: vals[1]})
		case "f":
			if len(fields) < 4 {
				return nil, errors.Errorf("line %d: face with fewer than 3 vertices", lineNum)
			}
			idx := make([]int, 0, len(fields)-1)
			for _, ref := range fields[1:] {
				parts := strings.Split(ref, "/")
				vi, err := objIndex(parts[0], len(m.Vertices))
				if err != nil {
					return nil, errors.Wrapf(err, "line %d", lineNum)
				}
				if len(parts) > 1 && parts[1] != "" {
					ti, err := objIndex(parts[1], len(uvs))
					if err != nil {
						return nil, errors.Wrapf(err, "line %d", lineNum)
					}
					if uvRefs == nil {
						uvRefs = map[int]int{}
					}
					uvRefs[vi] = ti
				}
				if len(parts) > 2 && parts[2] != "" {
					ni, err := objIndex(parts[2], len(normals))
					if err != nil {
						return nil, errors.Wrapf(err, "line %d", lineNum)
					}
					if normalRefs == nil {
						normalRefs = map[int]int{}
					}
					normalRefs[vi] = ni
				}
				idx = append(idx, vi)
			}
			for k := 1; k+1 < len(idx); k++ {
				m.Faces = append(m.Faces, Face{idx[0], idx[k], idx[k+1]})
			}
		default:
			// groups, materials and smoothing are ignored
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(colors) > 0 {
		if len(colors) != len(m.Vertices) {
			return nil, errors.Errorf("%d of %d vertices carry colors", len(colors), len(m.Vertices))
		}
		m.Colors = colors
	}
	if len(normalRefs) == len(m.Vertices) && len(m.Vertices) > 0 {
		m.Normals = make([]r3.Vector, len(m.Vertices))
		for vi, ni := range normalRefs {
			m.Normals[vi] = normals[ni]
		}
	}
	if len(uvRefs) == len(m.Vertices) && len(m.Vertices) > 0 {
		m.UVs = make([]r2.Point, len(m.Vertices))
		for vi, ti := range uvRefs {
			m.UVs[vi] = uvs[ti]
		}
	}
	return m, nil
}
