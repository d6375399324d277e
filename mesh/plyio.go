package mesh

import (
	"io"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/recon/pointcloud"
	"go.viam.com/recon/ply"
)

// PLYOptions controls mesh PLY output.
type PLYOptions struct {
	ASCII    bool
	Comments []string
}

// WritePLY writes the mesh with float positions, optional normals and colors, and uchar/int
// face lists.
func WritePLY(w io.Writer, m *Mesh, opts PLYOptions) error {
	cloud := &pointcloud.Dense{Positions: m.Vertices, Normals: m.Normals, Colors: m.Colors}
	f := pointcloud.DenseToPLY(cloud, pointcloud.PLYOptions{ASCII: opts.ASCII, Comments: opts.Comments})
	faces := ply.NewElement("face", len(m.Faces), ply.List("vertex_indices", ply.Uint8, ply.Int32))
	lists := faces.ListColumn("vertex_indices")
	for i, face := range m.Faces {
		lists[i] = []int{face[0], face[1], face[2]}
	}
	f.Elements = append(f.Elements, faces)
	return ply.Write(w, f)
}

// ReadPLY reads a mesh and the file comments. Polygons are fan triangulated.
func ReadPLY(r io.Reader) (*Mesh, []string, error) {
	f, err := ply.Read(r)
	if err != nil {
		return nil, nil, err
	}
	cloud, err := pointcloud.DenseFromPLYVertices(f.Element("vertex"))
	if err != nil {
		return nil, nil, err
	}
	m := &Mesh{Vertices: cloud.Positions, Normals: cloud.Normals, Colors: cloud.Colors}
	if faces := f.Element("face"); faces != nil {
		lists := faces.ListColumn("vertex_indices")
		if lists == nil {
			lists = faces.ListColumn("vertex_index")
		}
		if lists == nil {
			return nil, nil, errors.New("ply face element has no vertex_indices")
		}
		for i, l := range lists {
			if len(l) < 3 {
				return nil, nil, errors.Errorf("ply face %d has %d vertices", i, len(l))
			}
			for k := 1; k+1 < len(l); k++ {
				m.Faces = append(m.Faces, Face{l[0], l[k], l[k+1]})
			}
		}
	}
	return m, f.Comments, nil
}

// FromPointCloud returns a face-less mesh holding the cloud's vertices and attributes.
func FromPointCloud(d *pointcloud.Dense) *Mesh {
	return &Mesh{
		Vertices: append([]r3.Vector(nil), d.Positions...),
		Normals:  append([]r3.Vector(nil), d.Normals...),
		Colors:   append(d.Colors[:0:0], d.Colors...),
	}
}
