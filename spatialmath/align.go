package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Similarity is a uniform scale, rotation and translation: x ↦ Scale·R·x + Translation.
type Similarity struct {
	Scale       float64
	Rotation    Pose
	Translation r3.Vector
}

// Apply maps a point through the similarity.
func (s Similarity) Apply(v r3.Vector) r3.Vector {
	return s.Rotation.Rotate(v).Mul(s.Scale).Add(s.Translation)
}

// ApplyToExtrinsic maps a world → camera pose into the target frame of the similarity, so that
// camera centers move with Apply and the viewing rotation follows the frame rotation.
func (s Similarity) ApplyToExtrinsic(p Pose) Pose {
	center := s.Apply(p.Center())
	rot := Pose{Orientation: Normalize(mulConj(p.Orientation, s.Rotation.Orientation))}
	rot.Point = rot.Rotate(center).Mul(-1)
	return rot
}

// EstimateSimilarity finds the similarity that maps src onto dst in the least squares sense
// (Umeyama's method). At least three non-collinear correspondences are required.
func EstimateSimilarity(src, dst []r3.Vector) (Similarity, error) {
	if len(src) != len(dst) {
		return Similarity{}, errors.Errorf("correspondence count mismatch: %d vs %d", len(src), len(dst))
	}
	if len(src) < 3 {
		return Similarity{}, errors.Errorf("need at least 3 correspondences, got %d", len(src))
	}
	n := float64(len(src))
	var muSrc, muDst r3.Vector
	for i := range src {
		muSrc = muSrc.Add(src[i])
		muDst = muDst.Add(dst[i])
	}
	muSrc = muSrc.Mul(1 / n)
	muDst = muDst.Mul(1 / n)

	var varSrc float64
	cov := mat.NewDense(3, 3, nil)
	for i := range src {
		a := src[i].Sub(muSrc)
		b := dst[i].Sub(muDst)
		varSrc += a.Norm2()
		av := [3]float64{a.X, a.Y, a.Z}
		bv := [3]float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				cov.Set(r, c, cov.At(r, c)+bv[r]*av[c])
			}
		}
	}
	varSrc /= n
	if varSrc < floatEpsilon {
		return Similarity{}, errors.New("source points are coincident")
	}
	cov.Scale(1/n, cov)

	var svd mat.SVD
	if !svd.Factorize(cov, mat.SVDFull) {
		return Similarity{}, errors.New("covariance SVD failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	d := svd.Values(nil)
	if d[1] < floatEpsilon*d[0] {
		return Similarity{}, errors.New("correspondences are collinear")
	}

	sign := mat.NewDiagDense(3, []float64{1, 1, 1})
	if mat.Det(&u)*mat.Det(&v) < 0 {
		sign.SetDiag(2, -1)
	}
	var us, rot mat.Dense
	us.Mul(&u, sign)
	rot.Mul(&us, v.T())

	q, err := QuatFromRotationMatrix(&rot)
	if err != nil {
		return Similarity{}, err
	}
	trace := d[0] + d[1] + sign.At(2, 2)*d[2]
	sim := Similarity{Scale: trace / varSrc, Rotation: Pose{Orientation: q}}
	sim.Translation = muDst.Sub(sim.Rotation.Rotate(muSrc).Mul(sim.Scale))
	return sim, nil
}

// AlignmentError reports the RMS and maximum distance between sim(src) and dst.
func AlignmentError(sim Similarity, src, dst []r3.Vector) (rms, maxErr float64) {
	if len(src) == 0 {
		return 0, 0
	}
	for i := range src {
		e := sim.Apply(src[i]).Distance(dst[i])
		rms += e * e
		maxErr = math.Max(maxErr, e)
	}
	return math.Sqrt(rms / float64(len(src))), maxErr
}
