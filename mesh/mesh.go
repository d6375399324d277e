// Package mesh is an indexed triangle mesh with the cleanup, smoothing and simplification passes
// used after surface reconstruction, plus readers and writers for common interchange formats.
package mesh

import (
	"image/color"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/recon/spatialmath"
)

// DefaultAreaEpsilon is the area at or below which a triangle is treated as degenerate.
const DefaultAreaEpsilon = 1e-12

// Face is a triangle given by three vertex indices. The winding v0 → v1 → v2 is counter
// clockwise seen from outside.
type Face [3]int

// Mesh is an indexed triangle mesh. Optional vertex attributes are either nil or exactly as long
// as Vertices.
type Mesh struct {
	Vertices []r3.Vector
	Normals  []r3.Vector
	Colors   []color.NRGBA
	UVs      []r2.Point
	Faces    []Face
}

// NumVertices is the vertex count.
func (m *Mesh) NumVertices() int { return len(m.Vertices) }

// NumFaces is the triangle count.
func (m *Mesh) NumFaces() int { return len(m.Faces) }

// HasNormals reports whether vertex normals are present.
func (m *Mesh) HasNormals() bool { return m.Normals != nil }

// HasColors reports whether vertex colors are present.
func (m *Mesh) HasColors() bool { return m.Colors != nil }

// HasUVs reports whether texture coordinates are present.
func (m *Mesh) HasUVs() bool { return m.UVs != nil }

// Triangle returns face i as a triangle.
func (m *Mesh) Triangle(i int) *spatialmath.Triangle {
	f := m.Faces[i]
	return spatialmath.NewTriangle(m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]])
}

// FaceArea is the area of face i.
func (m *Mesh) FaceArea(i int) float64 {
	f := m.Faces[i]
	return spatialmath.TriangleArea(m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]])
}

// FaceNormal is the unit normal of face i following its winding, zero when degenerate.
func (m *Mesh) FaceNormal(i int) r3.Vector {
	f := m.Faces[i]
	return spatialmath.PlaneNormal(m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]])
}

// SurfaceArea is the total face area.
func (m *Mesh) SurfaceArea() float64 {
	var a float64
	for i := range m.Faces {
		a += m.FaceArea(i)
	}
	return a
}

// Bounds returns the axis aligned bounds of the vertices.
func (m *Mesh) Bounds() (lo, hi r3.Vector) {
	return spatialmath.BoundingBox(m.Vertices)
}

// Clone returns a deep copy.
func (m *Mesh) Clone() *Mesh {
	out := &Mesh{
		Vertices: append([]r3.Vector(nil), m.Vertices...),
		Faces:    append([]Face(nil), m.Faces...),
	}
	if m.Normals != nil {
		out.Normals = append([]r3.Vector(nil), m.Normals...)
	}
	if m.Colors != nil {
		out.Colors = append([]color.NRGBA(nil), m.Colors...)
	}
	if m.UVs != nil {
		out.UVs = append([]r2.Point(nil), m.UVs...)
	}
	return out
}

// ValidateOptions relaxes Validate.
type ValidateOptions struct {
	AllowNonManifold bool
	AllowDegenerate  bool
	AreaEpsilon      float64
}

// Validate checks the mesh invariants: attribute lengths match, positions are finite, every face
// references three distinct in-range vertices, no face has area at most the epsilon and, unless
// allowed, no edge is shared by more than two faces.
func (m *Mesh) Validate(opts ValidateOptions) error {
	n := len(m.Vertices)
	if m.Normals != nil && len(m.Normals) != n {
		return errors.Errorf("mesh has %d vertices but %d normals", n, len(m.Normals))
	}
	if m.Colors != nil && len(m.Colors) != n {
		return errors.Errorf("mesh has %d vertices but %d colors", n, len(m.Colors))
	}
	if m.UVs != nil && len(m.UVs) != n {
		return errors.Errorf("mesh has %d vertices but %d uvs", n, len(m.UVs))
	}
	for i, v := range m.Vertices {
		if math.IsNaN(v.X+v.Y+v.Z) || math.IsInf(v.X+v.Y+v.Z, 0) {
			return errors.Errorf("vertex %d is not finite", i)
		}
	}
	eps := opts.AreaEpsilon
	if eps == 0 {
		eps = DefaultAreaEpsilon
	}
	for i, f := range m.Faces {
		for _, idx := range f {
			if idx < 0 || idx >= n {
				return errors.Errorf("face %d references vertex %d of %d", i, idx, n)
			}
		}
		if f[0] == f[1] || f[1] == f[2] || f[0] == f[2] {
			return errors.Errorf("face %d repeats a vertex: %v", i, f)
		}
		if !opts.AllowDegenerate && m.FaceArea(i) <= eps {
			return errors.Errorf("face %d has zero area", i)
		}
	}
	if !opts.AllowNonManifold {
		if count := m.NonManifoldEdges(); count > 0 {
			return errors.Errorf("mesh has %d non manifold edges", count)
		}
	}
	return nil
}

// Edge is an undirected edge with A < B.
type Edge struct{ A, B int }

// NewEdge orders the endpoints.
func NewEdge(a, b int) Edge {
	if a > b {
		a, b = b, a
	}
	return Edge{a, b}
}

// EdgeFaces maps every edge to the faces using it.
func (m *Mesh) EdgeFaces() map[Edge][]int {
	out := make(map[Edge][]int, len(m.Faces)*3/2)
	for i, f := range m.Faces {
		for k := 0; k < 3; k++ {
			e := NewEdge(f[k], f[(k+1)%3])
			out[e] = append(out[e], i)
		}
	}
	return out
}

// NonManifoldEdges counts edges shared by more than two faces.
func (m *Mesh) NonManifoldEdges() int {
	count := 0
	for _, fs := range m.EdgeFaces() {
		if len(fs) > 2 {
			count++
		}
	}
	return count
}

// BoundaryEdges counts edges used by exactly one face.
func (m *Mesh) BoundaryEdges() int {
	count := 0
	for _, fs := range m.EdgeFaces() {
		if len(fs) == 1 {
			count++
		}
	}
	return count
}

// ComputeVertexNormals sets each vertex normal to the area weighted mean of its face normals.
func (m *Mesh) ComputeVertexNormals() {
	normals := make([]r3.Vector, len(m.Vertices))
	for _, f := range m.Faces {
		a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
		// the cross product length is twice the area, which gives the weighting
		n := b.Sub(a).Cross(c.Sub(a))
		for _, idx := range f {
			normals[idx] = normals[idx].Add(n)
		}
	}
	for i, n := range normals {
		if n.Norm() > 0 {
			normals[i] = n.Normalize()
		}
	}
	m.Normals = normals
}

// FlipWinding reverses the orientation of every face.
func (m *Mesh) FlipWinding() {
	for i, f := range m.Faces {
		m.Faces[i] = Face{f[0], f[2], f[1]}
	}
	for i, n := range m.Normals {
		m.Normals[i] = n.Mul(-1)
	}
}

// SignedVolume is the enclosed volume by the divergence theorem; positive for outward winding of
// a closed surface.
func (m *Mesh) SignedVolume() float64 {
	var v float64
	for _, f := range m.Faces {
		a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
		v += a.Dot(b.Cross(c)) / 6
	}
	return v
}
