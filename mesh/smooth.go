package mesh

import "github.com/golang/geo/r3"

// neighbors returns the vertex adjacency of the mesh.
func (m *Mesh) neighbors() [][]int {
	adj := make([]map[int]struct{}, len(m.Vertices))
	add := func(a, b int) {
		if adj[a] == nil {
			adj[a] = map[int]struct{}{}
		}
		adj[a][b] = struct{}{}
	}
	for _, f := range m.Faces {
		for k := 0; k < 3; k++ {
			a, b := f[k], f[(k+1)%3]
			add(a, b)
			add(b, a)
		}
	}
	out := make([][]int, len(adj))
	for i, set := range adj {
		for j := range set {
			out[i] = append(out[i], j)
		}
	}
	return out
}

// LaplacianSmooth moves every vertex lambda of the way toward the mean of its neighbors, for the
// given number of iterations. Normals are recomputed when present.
func (m *Mesh) LaplacianSmooth(iterations int, lambda float64) {
	if iterations <= 0 || len(m.Faces) == 0 {
		return
	}
	adj := m.neighbors()
	next := make([]r3.Vector, len(m.Vertices))
	for it := 0; it < iterations; it++ {
		for i, v := range m.Vertices {
			if len(adj[i]) == 0 {
				next[i] = v
				continue
			}
			var mean r3.Vector
			for _, j := range adj[i] {
				mean = mean.Add(m.Vertices[j])
			}
			mean = mean.Mul(1 / float64(len(adj[i])))
			next[i] = v.Add(mean.Sub(v).Mul(lambda))
		}
		m.Vertices, next = next, m.Vertices
	}
	if m.HasNormals() {
		m.ComputeVertexNormals()
	}
}
