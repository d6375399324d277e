// Package spatialmath defines poses, triangles and the similarity alignment used to compare
// reconstructions with ground truth.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform: rotate by Orientation, then translate by Point. Camera extrinsics use
// it in the world → camera direction.
type Pose struct {
	Orientation quat.Number
	Point       r3.Vector
}

// NewZeroPose returns the identity transform.
func NewZeroPose() Pose {
	return Pose{Orientation: quat.Number{Real: 1}}
}

// NewPose creates a pose from a rotation quaternion, which is normalized, and a translation.
func NewPose(q quat.Number, t r3.Vector) Pose {
	return Pose{Orientation: Normalize(q), Point: t}
}

// NewPoseFromAxisAngle creates a pose rotating theta radians about axis.
func NewPoseFromAxisAngle(axis r3.Vector, theta float64, t r3.Vector) Pose {
	return NewPose(QuatFromAxisAngle(axis, theta), t)
}

// Normalize scales q to unit length; the zero quaternion becomes identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n < floatEpsilon {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// QuatFromAxisAngle returns the unit quaternion rotating theta radians about axis.
func QuatFromAxisAngle(axis r3.Vector, theta float64) quat.Number {
	if axis.Norm() < floatEpsilon {
		return quat.Number{Real: 1}
	}
	axis = axis.Normalize()
	s := math.Sin(theta / 2)
	return quat.Number{Real: math.Cos(theta / 2), Imag: axis.X * s, Jmag: axis.Y * s, Kmag: axis.Z * s}
}

// Rotate applies only the rotation part of the pose.
func (p Pose) Rotate(v r3.Vector) r3.Vector {
	q := p.Orientation
	r := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vector{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// Transform applies the pose to a point.
func (p Pose) Transform(v r3.Vector) r3.Vector {
	return p.Rotate(v).Add(p.Point)
}

// Inverse returns the pose that undoes p.
func (p Pose) Inverse() Pose {
	inv := Pose{Orientation: quat.Conj(p.Orientation)}
	inv.Point = inv.Rotate(p.Point).Mul(-1)
	return inv
}

// Compose returns the pose that applies other first, then p.
func (p Pose) Compose(other Pose) Pose {
	return Pose{
		Orientation: Normalize(quat.Mul(p.Orientation, other.Orientation)),
		Point:       p.Transform(other.Point),
	}
}

// Center returns the position of the pose origin in the source frame. For a world → camera
// extrinsic this is the camera center in world coordinates.
func (p Pose) Center() r3.Vector {
	return p.Inverse().Point
}

// RotationMatrix returns the 3x3 rotation matrix of the pose.
func (p Pose) RotationMatrix() *mat.Dense {
	q := p.Orientation
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// QuatFromRotationMatrix converts a proper 3x3 rotation matrix to a unit quaternion.
func QuatFromRotationMatrix(m mat.Matrix) (quat.Number, error) {
	if r, c := m.Dims(); r != 3 || c != 3 {
		return quat.Number{}, errors.Errorf("rotation matrix must be 3x3, got %dx%d", r, c)
	}
	if det := mat.Det(m); math.Abs(det-1) > 1e-3 {
		return quat.Number{}, errors.Errorf("rotation matrix has determinant %f", det)
	}
	m00, m11, m22 := m.At(0, 0), m.At(1, 1), m.At(2, 2)
	var q quat.Number
	switch trace := m00 + m11 + m22; {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q = quat.Number{
			Real: 0.25 / s,
			Imag: (m.At(2, 1) - m.At(1, 2)) * s,
			Jmag: (m.At(0, 2) - m.At(2, 0)) * s,
			Kmag: (m.At(1, 0) - m.At(0, 1)) * s,
		}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q = quat.Number{
			Real: (m.At(2, 1) - m.At(1, 2)) / s,
			Imag: 0.25 * s,
			Jmag: (m.At(0, 1) + m.At(1, 0)) / s,
			Kmag: (m.At(0, 2) + m.At(2, 0)) / s,
		}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q = quat.Number{
			Real: (m.At(0, 2) - m.At(2, 0)) / s,
			Imag: (m.At(0, 1) + m.At(1, 0)) / s,
			Jmag: 0.25 * s,
			Kmag: (m.At(1, 2) + m.At(2, 1)) / s,
		}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q = quat.Number{
			Real: (m.At(1, 0) - m.At(0, 1)) / s,
			Imag: (m.At(0, 2) + m.At(2, 0)) / s,
			Jmag: (m.At(1, 2) + m.At(2, 1)) / s,
			Kmag: 0.25 * s,
		}
	}
	return Normalize(q), nil
}

// OrientationBetween returns the angle in radians of the rotation taking a to b.
func OrientationBetween(a, b quat.Number) float64 {
	d := math.Abs(a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag)
	d /= quat.Abs(a) * quat.Abs(b)
	return 2 * math.Acos(math.Min(1, d))
}

// PoseAlmostEqual compares poses by translation distance and rotation angle.
func PoseAlmostEqual(a, b Pose, posEps, angleEps float64) bool {
	return a.Point.Distance(b.Point) <= posEps && OrientationBetween(a.Orientation, b.Orientation) <= angleEps
}

func mulConj(a, b quat.Number) quat.Number {
	return quat.Mul(a, quat.Conj(b))
}
