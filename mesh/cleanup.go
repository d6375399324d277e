package mesh

import (
	"image/color"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// CleanReport counts what Clean removed.
type CleanReport struct {
	DuplicateVertices    int `json:"duplicate_vertices"`
	DegenerateFaces      int `json:"degenerate_faces"`
	DuplicateFaces       int `json:"duplicate_faces"`
	UnreferencedVertices int `json:"unreferenced_vertices"`
}

// Clean merges coincident vertices and removes degenerate faces, duplicate faces and
// unreferenced vertices, in that order.
func (m *Mesh) Clean(areaEps float64) CleanReport {
	return CleanReport{
		DuplicateVertices:    m.MergeDuplicateVertices(),
		DegenerateFaces:      m.RemoveDegenerateFaces(areaEps),
		DuplicateFaces:       m.RemoveDuplicateFaces(),
		UnreferencedVertices: m.RemoveUnreferencedVertices(),
	}
}

// RemoveDegenerateFaces drops faces that repeat a vertex or whose area is at most eps.
func (m *Mesh) RemoveDegenerateFaces(eps float64) int {
	if eps <= 0 {
		eps = DefaultAreaEpsilon
	}
	kept := m.Faces[:0]
	removed := 0
	for i, f := range m.Faces {
		if f[0] == f[1] || f[1] == f[2] || f[0] == f[2] || m.FaceArea(i) <= eps {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	m.Faces = kept
	return removed
}

func canonicalFace(f Face) Face {
	s := Face{f[0], f[1], f[2]}
	sort.Ints(s[:])
	return s
}

// RemoveDuplicateFaces keeps the first of any faces over the same three vertices, whatever
// their winding.
func (m *Mesh) RemoveDuplicateFaces() int {
	seen := make(map[Face]struct{}, len(m.Faces))
	kept := m.Faces[:0]
	removed := 0
	for _, f := range m.Faces {
		key := canonicalFace(f)
		if _, ok := seen[key]; ok {
			removed++
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, f)
	}
	m.Faces = kept
	return removed
}

// MergeDuplicateVertices collapses vertices with identical positions onto the first occurrence.
func (m *Mesh) MergeDuplicateVertices() int {
	first := make(map[r3.Vector]int, len(m.Vertices))
	remap := make([]int, len(m.Vertices))
	merged := 0
	for i, v := range m.Vertices {
		if j, ok := first[v]; ok {
			remap[i] = j
			merged++
			continue
		}
		first[v] = i
		remap[i] = i
	}
	if merged == 0 {
		return 0
	}
	for i, f := range m.Faces {
		m.Faces[i] = Face{remap[f[0]], remap[f[1]], remap[f[2]]}
	}
	m.RemoveUnreferencedVertices()
	return merged
}

// RemoveUnreferencedVertices drops vertices no face uses and reindexes faces.
func (m *Mesh) RemoveUnreferencedVertices() int {
	used := make([]bool, len(m.Vertices))
	for _, f := range m.Faces {
		used[f[0]], used[f[1]], used[f[2]] = true, true, true
	}
	return m.compact(used)
}

// RemoveVertices drops the flagged vertices together with every face touching one, then any
// vertices left unreferenced.
func (m *Mesh) RemoveVertices(drop []bool) int {
	kept := m.Faces[:0]
	for _, f := range m.Faces {
		if drop[f[0]] || drop[f[1]] || drop[f[2]] {
			continue
		}
		kept = append(kept, f)
	}
	m.Faces = kept
	return m.RemoveUnreferencedVertices()
}

// compact keeps only vertices with keep set and returns how many were removed. Faces must not
// reference removed vertices.
func (m *Mesh) compact(keep []bool) int {
	remap := make([]int, len(m.Vertices))
	n := 0
	for i, k := range keep {
		if k {
			remap[i] = n
			n++
		} else {
			remap[i] = -1
		}
	}
	removed := len(m.Vertices) - n
	if removed == 0 {
		return 0
	}
	vertices := make([]r3.Vector, 0, n)
	var normals []r3.Vector
	var colors []color.NRGBA
	var uvs []r2.Point
	if m.Normals != nil {
		normals = make([]r3.Vector, 0, n)
	}
	if m.Colors != nil {
		colors = make([]color.NRGBA, 0, n)
	}
	if m.UVs != nil {
		uvs = make([]r2.Point, 0, n)
	}
	for i, k := range keep {
		if !k {
			continue
		}
		vertices = append(vertices, m.Vertices[i])
		if normals != nil {
			normals = append(normals, m.Normals[i])
		}
		if colors != nil {
			colors = append(colors, m.Colors[i])
		}
		if uvs != nil {
			uvs = append(uvs, m.UVs[i])
		}
	}
	m.Vertices, m.Normals, m.Colors, m.UVs = vertices, normals, colors, uvs
	for i, f := range m.Faces {
		m.Faces[i] = Face{remap[f[0]], remap[f[1]], remap[f[2]]}
	}
	return removed
}

type unionFind []int

func newUnionFind(n int) unionFind {
	u := make(unionFind, n)
	for i := range u {
		u[i] = i
	}
	return u
}

func (u unionFind) find(i int) int {
	for u[i] != i {
		u[i] = u[u[i]]
		i = u[i]
	}
	return i
}

func (u unionFind) union(a, b int) {
	if ra, rb := u.find(a), u.find(b); ra != rb {
		u[rb] = ra
	}
}

// ConnectedComponents groups face indices by vertex connectivity, largest group first. Ties
// keep the component containing the lowest face index first.
func (m *Mesh) ConnectedComponents() [][]int {
	u := newUnionFind(len(m.Vertices))
	for _, f := range m.Faces {
		u.union(f[0], f[1])
		u.union(f[1], f[2])
	}
	byRoot := map[int]int{}
	var comps [][]int
	for i, f := range m.Faces {
		r := u.find(f[0])
		c, ok := byRoot[r]
		if !ok {
			c = len(comps)
			byRoot[r] = c
			comps = append(comps, nil)
		}
		comps[c] = append(comps[c], i)
	}
	sort.SliceStable(comps, func(i, j int) bool { return len(comps[i]) > len(comps[j]) })
	return comps
}

// KeepLargestComponent removes every face outside the largest connected component and returns
// the number of faces removed.
func (m *Mesh) KeepLargestComponent() int {
	comps := m.ConnectedComponents()
	if len(comps) <= 1 {
		return 0
	}
	largest := comps[0]
	sort.Ints(largest)
	faces := make([]Face, len(largest))
	for i, fi := range largest {
		faces[i] = m.Faces[fi]
	}
	removed := len(m.Faces) - len(faces)
	m.Faces = faces
	m.RemoveUnreferencedVertices()
	return removed
}

// RemoveNonManifoldFaces drops faces so that no edge is shared by more than two, keeping the
// lowest indexed faces of each edge. It returns the number of faces removed.
func (m *Mesh) RemoveNonManifoldFaces() int {
	drop := make([]bool, len(m.Faces))
	for _, fs := range m.EdgeFaces() {
		if len(fs) <= 2 {
			continue
		}
		sort.Ints(fs)
		for _, fi := range fs[2:] {
			drop[fi] = true
		}
	}
	kept := m.Faces[:0]
	removed := 0
	for i, f := range m.Faces {
		if drop[i] {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	m.Faces = kept
	return removed
}
