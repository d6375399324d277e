package pointcloud

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"

	"go.viam.com/recon/utils"
)

// kdPoint is a position tagged with its index in the source slice.
type kdPoint struct {
	pos r3.Vector
	idx int
}

func coord(v r3.Vector, d kdtree.Dim) float64 {
	switch d {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func (p kdPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return coord(p.pos, d) - coord(c.(kdPoint).pos, d)
}

func (p kdPoint) Dims() int { return 3 }

// Distance is the squared euclidean distance, as kdtree expects.
func (p kdPoint) Distance(c kdtree.Comparable) float64 {
	d := p.pos.Sub(c.(kdPoint).pos)
	return d.Dot(d)
}

type kdPoints []kdPoint

func (p kdPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p kdPoints) Len() int                      { return len(p) }
func (p kdPoints) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(kdPlane{kdPoints: p, dim: d}, kdtree.MedianOfRandoms(kdPlane{kdPoints: p, dim: d}, 100))
}
func (p kdPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

type kdPlane struct {
	kdPoints
	dim kdtree.Dim
}

func (p kdPlane) Less(i, j int) bool {
	return coord(p.kdPoints[i].pos, p.dim) < coord(p.kdPoints[j].pos, p.dim)
}

func (p kdPlane) Slice(start, end int) kdtree.SortSlicer {
	p.kdPoints = p.kdPoints[start:end]
	return p
}

func (p kdPlane) Swap(i, j int) {
	p.kdPoints[i], p.kdPoints[j] = p.kdPoints[j], p.kdPoints[i]
}

// Neighbor is a search result.
type Neighbor struct {
	Index    int
	Distance float64
}

// KDTree answers nearest neighbor queries over a fixed set of positions. Queries are safe for
// concurrent use.
type KDTree struct {
	tree *kdtree.Tree
	n    int
}

// NewKDTree builds a tree over positions. Neighbor indices refer to this slice.
func NewKDTree(positions []r3.Vector) *KDTree {
	pts := make(kdPoints, len(positions))
	for i, p := range positions {
		pts[i] = kdPoint{pos: p, idx: i}
	}
	return &KDTree{tree: kdtree.New(pts, false), n: len(positions)}
}

// Len is the number of indexed points.
func (t *KDTree) Len() int { return t.n }

func toNeighbors(h kdtree.Heap) []Neighbor {
	out := make([]Neighbor, 0, len(h))
	for _, c := range h {
		if c.Comparable == nil {
			continue
		}
		out = append(out, Neighbor{Index: c.Comparable.(kdPoint).idx, Distance: math.Sqrt(c.Dist)})
	}
	return out
}

// KNearest returns up to k nearest points to q, closest first. A point at q itself is included.
func (t *KDTree) KNearest(q r3.Vector, k int) []Neighbor {
	if k <= 0 || t.n == 0 {
		return nil
	}
	keeper := kdtree.NewNKeeper(k)
	t.tree.NearestSet(keeper, kdPoint{pos: q, idx: -1})
	return toNeighbors(keeper.Heap)
}

// KNearestExcluding returns up to k nearest points to the indexed point i, excluding i itself.
func (t *KDTree) KNearestExcluding(positions []r3.Vector, i, k int) []Neighbor {
	found := t.KNearest(positions[i], k+1)
	out := found[:0]
	for _, nb := range found {
		if nb.Index != i {
			out = append(out, nb)
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// Nearest returns the closest indexed point to q.
func (t *KDTree) Nearest(q r3.Vector) (Neighbor, bool) {
	if t.n == 0 {
		return Neighbor{}, false
	}
	c, d := t.tree.Nearest(kdPoint{pos: q, idx: -1})
	if c == nil {
		return Neighbor{}, false
	}
	return Neighbor{Index: c.(kdPoint).idx, Distance: math.Sqrt(d)}, true
}

// Radius returns every point within r of q, closest first.
func (t *KDTree) Radius(q r3.Vector, r float64) []Neighbor {
	if t.n == 0 {
		return nil
	}
	keeper := kdtree.NewDistKeeper(r * r)
	t.tree.NearestSet(keeper, kdPoint{pos: q, idx: -1})
	return toNeighbors(keeper.Heap)
}

// MeanNeighborSpacing is the mean distance from each point to its nearest other point.
func MeanNeighborSpacing(ctx context.Context, positions []r3.Vector) (float64, error) {
	if len(positions) < 2 {
		return 0, nil
	}
	tree := NewKDTree(positions)
	dists := make([]float64, len(positions))
	if err := utils.ParallelForEachIndex(ctx, len(positions), func(i int) {
		if nb := tree.KNearestExcluding(positions, i, 1); len(nb) > 0 {
			dists[i] = nb[0].Distance
		}
	}); err != nil {
		return 0, err
	}
	var sum float64
	for _, d := range dists {
		sum += d
	}
	return sum / float64(len(dists)), nil
}

func finite(v r3.Vector) bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsNaN(v.Z) &&
		!math.IsInf(v.X, 0) && !math.IsInf(v.Y, 0) && !math.IsInf(v.Z, 0)
}
