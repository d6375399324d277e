package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
)

// floatEpsilon is the tolerance below which lengths and areas are treated as zero.
const floatEpsilon = 1e-9

// Triangle is three points in space. The normal follows the winding p0 → p1 → p2.
type Triangle struct {
	p0 r3.Vector
	p1 r3.Vector
	p2 r3.Vector

	normal r3.Vector
}

// NewTriangle creates a triangle; the normal is zero for degenerate input.
func NewTriangle(p0, p1, p2 r3.Vector) *Triangle {
	return &Triangle{
		p0:     p0,
		p1:     p1,
		p2:     p2,
		normal: PlaneNormal(p0, p1, p2),
	}
}

// Points returns the vertices in winding order.
func (t *Triangle) Points() []r3.Vector {
	return []r3.Vector{t.p0, t.p1, t.p2}
}

// Normal returns the unit normal.
func (t *Triangle) Normal() r3.Vector {
	return t.normal
}

// Area returns the area of the triangle.
func (t *Triangle) Area() float64 {
	return TriangleArea(t.p0, t.p1, t.p2)
}

// Centroid returns the mean of the vertices.
func (t *Triangle) Centroid() r3.Vector {
	return t.p0.Add(t.p1).Add(t.p2).Mul(1. / 3)
}

// Degenerate reports whether the triangle's area is at most eps.
func (t *Triangle) Degenerate(eps float64) bool {
	return t.Area() <= eps
}

// Transform returns the triangle moved by the pose.
func (t *Triangle) Transform(p Pose) *Triangle {
	return NewTriangle(p.Transform(t.p0), p.Transform(t.p1), p.Transform(t.p2))
}

// ClosestPointToPoint takes a point, and returns the closest point on the triangle to the given point.
func (t *Triangle) ClosestPointToPoint(point r3.Vector) r3.Vector {
	closestPtInside, inside := t.ClosestInsidePoint(point)
	if inside {
		return closestPtInside
	}

	// If the closest point is outside the triangle, it must be on an edge, so we
	// check each triangle edge for a closest point to the point pt.
	closestPt := ClosestPointSegmentPoint(t.p0, t.p1, point)
	bestDist := point.Sub(closestPt).Norm2()

	newPt := ClosestPointSegmentPoint(t.p1, t.p2, point)
	if newDist := point.Sub(newPt).Norm2(); newDist < bestDist {
		closestPt = newPt
		bestDist = newDist
	}

	newPt = ClosestPointSegmentPoint(t.p2, t.p0, point)
	if newDist := point.Sub(newPt).Norm2(); newDist < bestDist {
		return newPt
	}
	return closestPt
}

// ClosestInsidePoint returns the closest point on a triangle IF AND ONLY IF the query point's projection overlaps the triangle.
// Otherwise it returns the projection onto the triangle's plane and false.
func (t *Triangle) ClosestInsidePoint(point r3.Vector) (r3.Vector, bool) {
	eps := 1e-6

	// Parametrize the triangle s.t. a point inside the triangle is
	// Q = p0 + u * e0 + v * e1, when 0 <= u <= 1, 0 <= v <= 1, and
	// 0 <= u + v <= 1. Let e0 = (p1 - p0) and e1 = (p2 - p0).
	// We analytically minimize the distance between the point pt and Q.
	e0 := t.p1.Sub(t.p0)
	e1 := t.p2.Sub(t.p0)
	a := e0.Norm2()
	b := e0.Dot(e1)
	c := e1.Norm2()
	d := point.Sub(t.p0)
	// The determinant is 0 only if the angle between e1 and e0 is 0
	// (i.e. the triangle has overlapping lines).
	det := (a*c - b*b)
	if math.Abs(det) < floatEpsilon {
		return t.p0, false
	}
	u := (c*e0.Dot(d) - b*e1.Dot(d)) / det
	v := (-b*e0.Dot(d) + a*e1.Dot(d)) / det
	inside := (0 <= u+eps) && (u <= 1+eps) && (0 <= v+eps) && (v <= 1+eps) && (u+v <= 1+eps)
	return t.p0.Add(e0.Mul(u)).Add(e1.Mul(v)), inside
}

// TriangleArea returns the area of the triangle spanned by three points.
func TriangleArea(p0, p1, p2 r3.Vector) float64 {
	return 0.5 * p1.Sub(p0).Cross(p2.Sub(p0)).Norm()
}

// PlaneNormal returns the unit normal of the plane through three points, or the zero vector when
// the points are collinear.
func PlaneNormal(p0, p1, p2 r3.Vector) r3.Vector {
	n := p1.Sub(p0).Cross(p2.Sub(p0))
	norm := n.Norm()
	if norm < floatEpsilon {
		return r3.Vector{}
	}
	return n.Mul(1 / norm)
}

// ClosestPointSegmentPoint takes a line segment defined by two points and a third point, and
// returns the point on the segment that is closest to the third point.
func ClosestPointSegmentPoint(segStart, segEnd, pt r3.Vector) r3.Vector {
	d := segEnd.Sub(segStart)
	if d.Norm2() < floatEpsilon*floatEpsilon {
		return segStart
	}
	frac := pt.Sub(segStart).Dot(d) / d.Norm2()
	switch {
	case frac <= 0:
		return segStart
	case frac >= 1:
		return segEnd
	}
	return segStart.Add(d.Mul(frac))
}

// BoundingBox returns the axis aligned bounds of the points. Both are zero for no points.
func BoundingBox(pts []r3.Vector) (lo, hi r3.Vector) {
	if len(pts) == 0 {
		return lo, hi
	}
	lo, hi = pts[0], pts[0]
	for _, p := range pts[1:] {
		lo = r3.Vector{X: math.Min(lo.X, p.X), Y: math.Min(lo.Y, p.Y), Z: math.Min(lo.Z, p.Z)}
		hi = r3.Vector{X: math.Max(hi.X, p.X), Y: math.Max(hi.Y, p.Y), Z: math.Max(hi.Z, p.Z)}
	}
	return lo, hi
}
