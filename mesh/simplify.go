package mesh

import (
	"container/heap"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// quadric is the symmetric 4x4 error quadric of Garland and Heckbert, stored as its upper
// triangle: a² ab ac ad b² bc bd c² cd d².
type quadric [10]float64

func planeQuadric(n r3.Vector, d float64) quadric {
	a, b, c := n.X, n.Y, n.Z
	return quadric{a * a, a * b, a * c, a * d, b * b, b * c, b * d, c * c, c * d, d * d}
}

func (q quadric) add(o quadric) quadric {
	for i := range q {
		q[i] += o[i]
	}
	return q
}

func (q quadric) scale(s float64) quadric {
	for i := range q {
		q[i] *= s
	}
	return q
}

func (q quadric) eval(v r3.Vector) float64 {
	x, y, z := v.X, v.Y, v.Z
	return q[0]*x*x + 2*q[1]*x*y + 2*q[2]*x*z + 2*q[3]*x +
		q[4]*y*y + 2*q[5]*y*z + 2*q[6]*y +
		q[7]*z*z + 2*q[8]*z + q[9]
}

// optimum solves for the point minimizing the quadric. ok is false when the system is singular.
func (q quadric) optimum() (r3.Vector, bool) {
	a := mat.NewDense(3, 3, []float64{
		q[0], q[1], q[2],
		q[1], q[4], q[5],
		q[2], q[5], q[7],
	})
	if math.Abs(mat.Det(a)) < 1e-12 {
		return r3.Vector{}, false
	}
	b := mat.NewVecDense(3, []float64{-q[3], -q[6], -q[8]})
	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return r3.Vector{}, false
	}
	return r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}, true
}

type collapse struct {
	a, b       int
	cost       float64
	target     r3.Vector
	verA, verB int
}

type collapseHeap []collapse

func (h collapseHeap) Len() int { return len(h) }
func (h collapseHeap) Less(i, j int) bool {
	if h[i].cost != h[j].cost {
		return h[i].cost < h[j].cost
	}
	if h[i].a != h[j].a {
		return h[i].a < h[j].a
	}
	return h[i].b < h[j].b
}
func (h collapseHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *collapseHeap) Push(x interface{}) { *h = append(*h, x.(collapse)) }
func (h *collapseHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type simplifier struct {
	m         *Mesh
	quadrics  []quadric
	vertFaces [][]int
	faceAlive []bool
	vertAlive []bool
	version   []int
	heap      collapseHeap
	alive     int
}

func newSimplifier(m *Mesh) *simplifier {
	s := &simplifier{
		m:         m,
		quadrics:  make([]quadric, len(m.Vertices)),
		vertFaces: make([][]int, len(m.Vertices)),
		faceAlive: make([]bool, len(m.Faces)),
		vertAlive: make([]bool, len(m.Vertices)),
		version:   make([]int, len(m.Vertices)),
		alive:     len(m.Faces),
	}
	for i, f := range m.Faces {
		s.faceAlive[i] = true
		n := m.FaceNormal(i)
		q := planeQuadric(n, -n.Dot(m.Vertices[f[0]])).scale(m.FaceArea(i))
		for _, v := range f {
			s.quadrics[v] = s.quadrics[v].add(q)
			s.vertFaces[v] = append(s.vertFaces[v], i)
			s.vertAlive[v] = true
		}
	}
	for e := range m.EdgeFaces() {
		s.push(e.A, e.B)
	}
	return s
}

func (s *simplifier) push(a, b int) {
	q := s.quadrics[a].add(s.quadrics[b])
	va, vb := s.m.Vertices[a], s.m.Vertices[b]
	target, ok := q.optimum()
	cost := 0.0
	if ok {
		cost = q.eval(target)
	} else {
		// fall back to the best of the endpoints and the midpoint
		cost = math.Inf(1)
		for _, c := range []r3.Vector{va, vb, va.Add(vb).Mul(0.5)} {
			if e := q.eval(c); e < cost {
				cost, target = e, c
			}
		}
	}
	heap.Push(&s.heap, collapse{a: a, b: b, cost: math.Max(cost, 0), target: target, verA: s.version[a], verB: s.version[b]})
}

// flips reports whether moving vertex v to p would turn over any of its surviving faces that do
// not also contain other.
func (s *simplifier) flips(v, other int, p r3.Vector) bool {
	for _, fi := range s.vertFaces[v] {
		if !s.faceAlive[fi] {
			continue
		}
		f := s.m.Faces[fi]
		if f[0] == other || f[1] == other || f[2] == other {
			continue
		}
		before := s.m.FaceNormal(fi)
		pts := [3]r3.Vector{}
		for k, idx := range f {
			if idx == v {
				pts[k] = p
			} else {
				pts[k] = s.m.Vertices[idx]
			}
		}
		after := pts[1].Sub(pts[0]).Cross(pts[2].Sub(pts[0]))
		if after.Norm() < 1e-15 || before.Dot(after.Normalize()) < 0.2 {
			return true
		}
	}
	return false
}

// collapse merges b into a at c.target.
func (s *simplifier) collapse(c collapse) {
	a, b := c.a, c.b
	s.m.Vertices[a] = c.target
	if s.m.Colors != nil {
		ca, cb := s.m.Colors[a], s.m.Colors[b]
		s.m.Colors[a].R = uint8((int(ca.R) + int(cb.R)) / 2)
		s.m.Colors[a].G = uint8((int(ca.G) + int(cb.G)) / 2)
		s.m.Colors[a].B = uint8((int(ca.B) + int(cb.B)) / 2)
	}
	s.quadrics[a] = s.quadrics[a].add(s.quadrics[b])
	s.vertAlive[b] = false
	s.version[a]++
	s.version[b]++
	for _, fi := range s.vertFaces[b] {
		if !s.faceAlive[fi] {
			continue
		}
		f := &s.m.Faces[fi]
		hasA := f[0] == a || f[1] == a || f[2] == a
		if hasA {
			s.faceAlive[fi] = false
			s.alive--
			continue
		}
		for k := range f {
			if f[k] == b {
				f[k] = a
			}
		}
		s.vertFaces[a] = append(s.vertFaces[a], fi)
	}
	s.vertFaces[b] = nil
	neighbors := map[int]struct{}{}
	live := s.vertFaces[a][:0]
	for _, fi := range s.vertFaces[a] {
		if !s.faceAlive[fi] {
			continue
		}
		live = append(live, fi)
		for _, v := range s.m.Faces[fi] {
			if v != a {
				neighbors[v] = struct{}{}
			}
		}
	}
	s.vertFaces[a] = live
	for v := range neighbors {
		s.push(a, v)
	}
}

func (s *simplifier) run(target int, checkFlips bool) {
	var deferred []collapse
	for s.alive > target && s.heap.Len() > 0 {
		c := heap.Pop(&s.heap).(collapse)
		if !s.vertAlive[c.a] || !s.vertAlive[c.b] || c.verA != s.version[c.a] || c.verB != s.version[c.b] {
			continue
		}
		if checkFlips && (s.flips(c.a, c.b, c.target) || s.flips(c.b, c.a, c.target)) {
			deferred = append(deferred, c)
			continue
		}
		s.collapse(c)
	}
	for _, c := range deferred {
		heap.Push(&s.heap, c)
	}
}

// Simplify reduces the mesh to at most targetFaces triangles by quadric error edge collapse. The
// input is never modified and a mesh already within the target is returned as a copy.
func Simplify(m *Mesh, targetFaces int) (*Mesh, error) {
	if targetFaces < 0 {
		return nil, errors.Errorf("target face count must not be negative, got %d", targetFaces)
	}
	out := m.Clone()
	if out.NumFaces() <= targetFaces {
		return out, nil
	}
	s := newSimplifier(out)
	s.run(targetFaces, true)
	if s.alive > targetFaces {
		s.run(targetFaces, false)
	}
	faces := make([]Face, 0, s.alive)
	for i, f := range out.Faces {
		if s.faceAlive[i] {
			faces = append(faces, f)
		}
	}
	out.Faces = faces
	out.RemoveDegenerateFaces(DefaultAreaEpsilon)
	out.RemoveDuplicateFaces()
	out.RemoveUnreferencedVertices()
	if out.HasNormals() {
		out.ComputeVertexNormals()
	}
	return out, nil
}
