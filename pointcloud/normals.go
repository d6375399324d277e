package pointcloud

import (
	"context"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/recon/utils"
)

// PCA is the principal component analysis of a point set. Values are ascending and Axes[i] is
// the unit eigenvector of Values[i].
type PCA struct {
	Centroid r3.Vector
	Values   [3]float64
	Axes     [3]r3.Vector
}

// ComputePCA analyses the covariance of pts.
func ComputePCA(pts []r3.Vector) (PCA, error) {
	if len(pts) == 0 {
		return PCA{}, errors.New("cannot compute principal axes of no points")
	}
	var c r3.Vector
	for _, p := range pts {
		c = c.Add(p)
	}
	c = c.Mul(1 / float64(len(pts)))
	var cov [6]float64 // xx xy xz yy yz zz
	for _, p := range pts {
		d := p.Sub(c)
		cov[0] += d.X * d.X
		cov[1] += d.X * d.Y
		cov[2] += d.X * d.Z
		cov[3] += d.Y * d.Y
		cov[4] += d.Y * d.Z
		cov[5] += d.Z * d.Z
	}
	n := float64(len(pts))
	sym := mat.NewSymDense(3, []float64{
		cov[0] / n, cov[1] / n, cov[2] / n,
		cov[1] / n, cov[3] / n, cov[4] / n,
		cov[2] / n, cov[4] / n, cov[5] / n,
	})
	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return PCA{}, errors.New("covariance eigen decomposition failed")
	}
	values := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	out := PCA{Centroid: c}
	for i := 0; i < 3; i++ {
		out.Values[i] = math.Max(values[i], 0)
		out.Axes[i] = r3.Vector{X: vecs.At(0, i), Y: vecs.At(1, i), Z: vecs.At(2, i)}.Normalize()
	}
	return out, nil
}

// Flatness is the smallest over the largest eigenvalue; near zero for planar sets.
func (p PCA) Flatness() float64 {
	if p.Values[2] <= 0 {
		return 0
	}
	return p.Values[0] / p.Values[2]
}

// Linearity is the middle over the largest eigenvalue; near zero for collinear sets.
func (p PCA) Linearity() float64 {
	if p.Values[2] <= 0 {
		return 0
	}
	return p.Values[1] / p.Values[2]
}

// EstimateNormals fits a plane to the k nearest neighbors of every point and returns its unit
// normal. Orientation is arbitrary until OrientNormals is applied.
func EstimateNormals(ctx context.Context, positions []r3.Vector, k int) ([]r3.Vector, error) {
	if k < 3 {
		k = 3
	}
	normals := make([]r3.Vector, len(positions))
	if len(positions) == 0 {
		return normals, nil
	}
	tree := NewKDTree(positions)
	err := utils.ParallelForEachIndex(ctx, len(positions), func(i int) {
		nbs := tree.KNearest(positions[i], k)
		pts := make([]r3.Vector, len(nbs))
		for j, nb := range nbs {
			pts[j] = positions[nb.Index]
		}
		pca, err := ComputePCA(pts)
		if err != nil || len(pts) < 3 {
			normals[i] = r3.Vector{Z: 1}
			return
		}
		normals[i] = pca.Axes[0]
	})
	if err != nil {
		return nil, err
	}
	return normals, nil
}

// OrientNormals flips each normal to point toward its viewpoints. viewpoints returns the camera
// centers that saw point i; when it returns none the normal is oriented away from fallback.
func OrientNormals(positions, normals []r3.Vector, viewpoints func(i int) []r3.Vector, fallback r3.Vector) {
	for i, p := range positions {
		var toward r3.Vector
		if viewpoints != nil {
			for _, c := range viewpoints(i) {
				toward = toward.Add(c.Sub(p).Normalize())
			}
		}
		if toward.Norm() < 1e-12 {
			toward = p.Sub(fallback)
		}
		if normals[i].Dot(toward) < 0 {
			normals[i] = normals[i].Mul(-1)
		}
	}
}
