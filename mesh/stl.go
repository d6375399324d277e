package mesh

import (
	"io"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/unixpickle/model3d/model3d"
)

func toCoord(v r3.Vector) model3d.Coord3D {
	return model3d.XYZ(v.X, v.Y, v.Z)
}

func fromCoord(c model3d.Coord3D) r3.Vector {
	return r3.Vector{X: c.X, Y: c.Y, Z: c.Z}
}

// Triangles returns the faces as a model3d triangle soup.
func (m *Mesh) Triangles() []*model3d.Triangle {
	out := make([]*model3d.Triangle, len(m.Faces))
	for i, f := range m.Faces {
		out[i] = &model3d.Triangle{toCoord(m.Vertices[f[0]]), toCoord(m.Vertices[f[1]]), toCoord(m.Vertices[f[2]])}
	}
	return out
}

// FromTriangles builds an indexed mesh from a triangle soup, sharing vertices between triangles
// whose corners are exactly equal.
func FromTriangles(tris []*model3d.Triangle) *Mesh {
	m := &Mesh{Faces: make([]Face, 0, len(tris))}
	index := make(map[model3d.Coord3D]int, len(tris))
	for _, t := range tris {
		var f Face
		for k, c := range t {
			i, ok := index[c]
			if !ok {
				i = len(m.Vertices)
				index[c] = i
				m.Vertices = append(m.Vertices, fromCoord(c))
			}
			f[k] = i
		}
		m.Faces = append(m.Faces, f)
	}
	return m
}

// WriteSTL writes the mesh as binary STL.
func WriteSTL(w io.Writer, m *Mesh) error {
	return errors.Wrap(model3d.WriteSTL(w, m.Triangles()), "writing stl")
}

// ReadSTL reads binary STL. Coincident corners are welded into shared vertices.
func ReadSTL(r io.Reader) (*Mesh, error) {
	tris, err := model3d.ReadSTL(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading stl")
	}
	m := FromTriangles(tris)
	m.MergeDuplicateVertices()
	return m, nil
}
