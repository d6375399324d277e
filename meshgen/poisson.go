package meshgen

import (
	"context"
	"image/color"
	"math"

	"github.com/docker/go-units"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/unixpickle/model3d/model3d"

	"go.viam.com/recon/config"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/mesh"
	"go.viam.com/recon/pointcloud"
	"go.viam.com/recon/utils"
)

// poissonBytesPerNode covers the indicator, right hand side, the three conjugate gradient vectors
// and the three vector field components, all float64.
const poissonBytesPerNode = 8 * 8

// EstimatePoissonMemory is the grid memory a Poisson solve at depth needs, in bytes.
func EstimatePoissonMemory(depth int) int64 {
	n := int64(1) << depth
	return n * n * n * poissonBytesPerNode
}

// grid is a cubic lattice of n nodes per axis spaced h apart, starting at origin.
type grid struct {
	n      int
	origin r3.Vector
	h      float64
}

func newGrid(bounds pointcloud.Box, depth int, scale float64) grid {
	size := bounds.Size()
	side := math.Max(size.X, math.Max(size.Y, size.Z)) * scale
	n := 1 << depth
	return grid{
		n:      n,
		origin: bounds.Center().Sub(r3.Vector{X: side / 2, Y: side / 2, Z: side / 2}),
		h:      side / float64(n-1),
	}
}

func (g grid) index(i, j, k int) int {
	return (k*g.n+j)*g.n + i
}

func (g grid) position(i, j, k int) r3.Vector {
	return g.origin.Add(r3.Vector{X: float64(i) * g.h, Y: float64(j) * g.h, Z: float64(k) * g.h})
}

// cell returns the lower corner of the cell holding p and the fractional offsets within it.
func (g grid) cell(p r3.Vector) (i, j, k int, fx, fy, fz float64) {
	locate := func(v float64) (int, float64) {
		t := v / g.h
		c := int(math.Floor(t))
		if c < 0 {
			return 0, 0
		}
		if c > g.n-2 {
			return g.n - 2, 1
		}
		return c, t - float64(c)
	}
	rel := p.Sub(g.origin)
	i, fx = locate(rel.X)
	j, fy = locate(rel.Y)
	k, fz = locate(rel.Z)
	return i, j, k, fx, fy, fz
}

// trilinear calls f with the index and weight of each of the 8 nodes around p.
func (g grid) trilinear(p r3.Vector, f func(idx int, w float64)) {
	i, j, k, fx, fy, fz := g.cell(p)
	for c := 0; c < 8; c++ {
		dx, dy, dz := c&1, (c>>1)&1, (c>>2)&1
		w := lerpWeight(fx, dx) * lerpWeight(fy, dy) * lerpWeight(fz, dz)
		if w != 0 {
			f(g.index(i+dx, j+dy, k+dz), w)
		}
	}
}

func lerpWeight(frac float64, upper int) float64 {
	if upper == 1 {
		return frac
	}
	return 1 - frac
}

func (g grid) sample(field []float64, p r3.Vector) float64 {
	var v float64
	g.trilinear(p, func(idx int, w float64) { v += w * field[idx] })
	return v
}

func (g grid) interior(i, j, k int) bool {
	return i > 0 && j > 0 && k > 0 && i < g.n-1 && j < g.n-1 && k < g.n-1
}

// laplacian computes out = A x for the negated 7 point Laplacian scaled by h², over interior
// nodes. Boundary nodes are held at zero.
func (g grid) laplacian(ctx context.Context, x, out []float64) error {
	n := g.n
	stride := n * n
	return utils.ParallelForEachIndex(ctx, n, func(k int) {
		for j := 0; j < n; j++ {
			for i := 0; i < n; i++ {
				idx := g.index(i, j, k)
				if !g.interior(i, j, k) {
					out[idx] = 0
					continue
				}
				out[idx] = 6*x[idx] - x[idx-1] - x[idx+1] - x[idx-n] - x[idx+n] - x[idx-stride] - x[idx+stride]
			}
		}
	})
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// solveCG solves A x = b by conjugate gradients, starting from x = 0. It returns the number of
// iterations run and the final relative residual.
func (g grid) solveCG(ctx context.Context, b []float64, maxIters int, tol float64) ([]float64, int, float64, error) {
	x := make([]float64, len(b))
	r := append([]float64(nil), b...)
	p := append([]float64(nil), b...)
	ap := make([]float64, len(b))
	rs := dot(r, r)
	bNorm := math.Sqrt(rs)
	if bNorm == 0 {
		return x, 0, 0, nil
	}
	iters := 0
	for ; iters < maxIters; iters++ {
		if math.Sqrt(rs)/bNorm <= tol {
			break
		}
		if err := g.laplacian(ctx, p, ap); err != nil {
			return nil, iters, 0, err
		}
		pap := dot(p, ap)
		if pap <= 0 {
			break
		}
		alpha := rs / pap
		for i := range x {
			x[i] += alpha * p[i]
			r[i] -= alpha * ap[i]
		}
		rsNew := dot(r, r)
		beta := rsNew / rs
		for i := range p {
			p[i] = r[i] + beta*p[i]
		}
		rs = rsNew
	}
	return x, iters, math.Sqrt(rs) / bNorm, nil
}

// levelSet extracts the surface where the indicator crosses iso, wound outward. The boundary is
// held at zero, so the inside is the side of iso away from zero.
func (g grid) levelSet(ctx context.Context, chi []float64, iso float64) (*mesh.Mesh, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sign := 1.0
	if iso < 0 {
		sign = -1
	}
	upper := g.position(g.n-1, g.n-1, g.n-1)
	solid := model3d.CheckedFuncSolid(
		model3d.XYZ(g.origin.X, g.origin.Y, g.origin.Z),
		model3d.XYZ(upper.X, upper.Y, upper.Z),
		func(c model3d.Coord3D) bool {
			return sign*(g.sample(chi, r3.Vector{X: c.X, Y: c.Y, Z: c.Z})-iso) > 0
		},
	)
	surface := model3d.MarchingCubesSearch(solid, g.h, 8)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return mesh.FromTriangles(surface.TriangleSlice()), nil
}

// reconstructPoisson solves for the indicator function whose gradient best matches the sample
// normals and extracts its level set through the samples.
func reconstructPoisson(ctx context.Context, cloud *pointcloud.Dense, cfg config.MeshConfig, logger logging.Logger) (*Surface, error) {
	pc := cfg.Poisson
	estimate := EstimatePoissonMemory(pc.Depth)
	if cfg.MemoryBudget != "" {
		budget, err := units.RAMInBytes(cfg.MemoryBudget)
		if err != nil {
			return nil, utils.NewConfigError(errors.Wrap(err, "memory_budget"))
		}
		if budget > 0 && estimate > budget {
			return nil, utils.NewResourceError("poisson",
				errors.Errorf("depth %d needs an estimated %s of grid memory, over the %s budget",
					pc.Depth, units.BytesSize(float64(estimate)), units.BytesSize(float64(budget))),
				"reduce depth or point density")
		}
	}

	g := newGrid(cloud.Bounds(), pc.Depth, pc.Scale)
	logger.Debugw("poisson grid", "nodes_per_axis", g.n, "spacing", g.h, "memory", units.BytesSize(float64(estimate)))

	total := g.n * g.n * g.n
	var field [3][]float64
	for a := range field {
		field[a] = make([]float64, total)
	}
	for i, p := range cloud.Positions {
		nrm := cloud.Normals[i]
		g.trilinear(p, func(idx int, w float64) {
			field[0][idx] += w * nrm.X
			field[1][idx] += w * nrm.Y
			field[2][idx] += w * nrm.Z
		})
	}

	// right hand side h²·∇·V by central differences, zero on the boundary
	n, stride := g.n, g.n*g.n
	rhs := make([]float64, total)
	if err := utils.ParallelForEachIndex(ctx, n, func(k int) {
		for j := 0; j < n; j++ {
			for i := 0; i < n; i++ {
				if !g.interior(i, j, k) {
					continue
				}
				idx := g.index(i, j, k)
				div := field[0][idx+1] - field[0][idx-1] +
					field[1][idx+n] - field[1][idx-n] +
					field[2][idx+stride] - field[2][idx-stride]
				rhs[idx] = div * g.h / 2
			}
		}
	}); err != nil {
		return nil, err
	}
	field = [3][]float64{}

	chi, iters, residual, err := g.solveCG(ctx, rhs, pc.SolverMaxIters, pc.SolverTolerance)
	if err != nil {
		return nil, err
	}
	logger.Debugw("poisson solve", "iterations", iters, "relative_residual", residual)

	var iso float64
	for _, p := range cloud.Positions {
		iso += g.sample(chi, p)
	}
	iso /= float64(len(cloud.Positions))

	m, err := g.levelSet(ctx, chi, iso)
	if err != nil {
		return nil, err
	}
	if len(m.Faces) == 0 {
		return nil, utils.NewInsufficientGeometryError("poisson", "the indicator has no level set at %g", iso)
	}

	tree := pointcloud.NewKDTree(cloud.Positions)
	densities := make([]float64, len(m.Vertices))
	if cloud.HasColors() {
		m.Colors = make([]color.NRGBA, len(m.Vertices))
	}
	if err := utils.ParallelForEachIndex(ctx, len(m.Vertices), func(i int) {
		v := m.Vertices[i]
		densities[i] = float64(len(tree.Radius(v, 2*g.h)))
		if m.Colors != nil {
			if nb, ok := tree.Nearest(v); ok {
				m.Colors[i] = cloud.Colors[nb.Index]
			}
		}
	}); err != nil {
		return nil, err
	}

	return &Surface{
		Mesh:       m,
		Densities:  densities,
		Resolution: g.h,
		Parameters: map[string]interface{}{
			"poisson.depth":      pc.Depth,
			"poisson.scale":      pc.Scale,
			"poisson.iso":        iso,
			"poisson.iterations": iters,
		},
		MemoryEstimate: estimate,
	}, nil
}
