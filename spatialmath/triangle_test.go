package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestBasicTriangleFunctions(t *testing.T) {
	expectedPts := []r3.Vector{{X: 0, Y: 0, Z: 0}, {X: 3, Y: 0, Z: 0}, {X: 0, Y: 3, Z: 0}}
	tri := NewTriangle(expectedPts[0], expectedPts[1], expectedPts[2])

	expectedNormal := r3.Vector{X: 0, Y: 0, Z: 1}
	expectedArea := 4.5
	expectedCentroid := r3.Vector{X: 1, Y: 1, Z: 0}

	t.Run("constructor", func(t *testing.T) {
		test.That(t, tri.Points(), test.ShouldResemble, expectedPts)
		// the cross product of the normal with what is expected should result in nothing
		test.That(t, tri.Normal().Cross(expectedNormal), test.ShouldResemble, r3.Vector{})
		test.That(t, tri.Normal().Dot(expectedNormal), test.ShouldAlmostEqual, 1)
	})

	t.Run("area", func(t *testing.T) {
		test.That(t, tri.Area(), test.ShouldEqual, expectedArea)
		test.That(t, tri.Degenerate(1e-9), test.ShouldBeFalse)
		flat := NewTriangle(r3.Vector{X: 0, Y: 0, Z: 0}, r3.Vector{X: 1, Y: 1, Z: 1}, r3.Vector{X: 2, Y: 2, Z: 2})
		test.That(t, flat.Degenerate(1e-9), test.ShouldBeTrue)
		test.That(t, flat.Normal(), test.ShouldResemble, r3.Vector{})
	})

	t.Run("centroid", func(t *testing.T) {
		test.That(t, tri.Centroid(), test.ShouldResemble, expectedCentroid)
	})

	t.Run("transform", func(t *testing.T) {
		tf := NewPoseFromAxisAngle(r3.Vector{X: 0, Y: 0, Z: 1}, math.Pi, r3.Vector{X: 1, Y: 1, Z: 1})
		tri2 := tri.Transform(tf)
		for i := range tri2.Points() {
			test.That(t, tri2.Points()[i].Distance(tf.Transform(expectedPts[i])), test.ShouldAlmostEqual, 0)
		}
		test.That(t, tri2.Area(), test.ShouldAlmostEqual, expectedArea)
	})

	t.Run("closest triangle inside point", func(t *testing.T) {
		closestPoint, isInside := tri.ClosestInsidePoint(r3.Vector{X: 1, Y: 1, Z: 1})
		test.That(t, closestPoint, test.ShouldResemble, r3.Vector{X: 1, Y: 1, Z: 0})
		test.That(t, isInside, test.ShouldBeTrue)

		_, isInside = tri.ClosestInsidePoint(r3.Vector{X: 1, Y: -1, Z: 1})
		test.That(t, isInside, test.ShouldBeFalse)
	})

	t.Run("closest triangle point", func(t *testing.T) {
		closestPoint := tri.ClosestPointToPoint(r3.Vector{X: 1, Y: 1, Z: 1})
		test.That(t, closestPoint, test.ShouldResemble, r3.Vector{X: 1, Y: 1, Z: 0})

		// closest point is edge
		closestPoint = tri.ClosestPointToPoint(r3.Vector{X: 2, Y: 2, Z: 1})
		test.That(t, closestPoint.Distance(r3.Vector{X: 1.5, Y: 1.5, Z: 0}), test.ShouldAlmostEqual, 0)

		// closest point is vertex
		closestPoint = tri.ClosestPointToPoint(r3.Vector{X: -1, Y: -1, Z: 1})
		test.That(t, closestPoint, test.ShouldResemble, r3.Vector{X: 0, Y: 0, Z: 0})
	})
}

func TestBoundingBox(t *testing.T) {
	lo, hi := BoundingBox([]r3.Vector{{X: 1, Y: -2, Z: 3}, {X: -1, Y: 5, Z: 0}, {X: 0, Y: 0, Z: 9}})
	test.That(t, lo, test.ShouldResemble, r3.Vector{X: -1, Y: -2, Z: 0})
	test.That(t, hi, test.ShouldResemble, r3.Vector{X: 1, Y: 5, Z: 9})
	lo, hi = BoundingBox(nil)
	test.That(t, lo, test.ShouldResemble, r3.Vector{})
	test.That(t, hi, test.ShouldResemble, r3.Vector{})
}
