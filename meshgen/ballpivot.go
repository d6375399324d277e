package meshgen

import (
	"context"
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/recon/config"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/mesh"
	"go.viam.com/recon/pointcloud"
)

// defaultRadiusFactors scale the mean sample spacing into the ball radii used when none are
// configured.
var defaultRadiusFactors = []float64{1, 2, 4}

// frontEdge is a directed mesh boundary edge a → b whose triangle has its third corner at
// opposite and was supported by a ball centered at center.
type frontEdge struct {
	a, b     int
	opposite int
	center   r3.Vector
}

type pivoter struct {
	pos     []r3.Vector
	normals []r3.Vector
	tree    *pointcloud.KDTree
	m       *mesh.Mesh

	used      []bool
	open      []int
	edgeUses  map[mesh.Edge]int
	front     map[[2]int]frontEdge
	queue     [][2]int
	boundary  map[[2]int]frontEdge
	triangles map[mesh.Face]struct{}
}

func newPivoter(cloud *pointcloud.Dense) *pivoter {
	return &pivoter{
		pos:       cloud.Positions,
		normals:   cloud.Normals,
		tree:      pointcloud.NewKDTree(cloud.Positions),
		m:         &mesh.Mesh{Vertices: append([]r3.Vector(nil), cloud.Positions...)},
		used:      make([]bool, len(cloud.Positions)),
		open:      make([]int, len(cloud.Positions)),
		edgeUses:  map[mesh.Edge]int{},
		front:     map[[2]int]frontEdge{},
		boundary:  map[[2]int]frontEdge{},
		triangles: map[mesh.Face]struct{}{},
	}
}

// ballCenter returns the center of the ball of radius r touching a, b and c on the side their
// counter clockwise normal points to.
func ballCenter(a, b, c r3.Vector, r float64) (r3.Vector, bool) {
	ab, ac := b.Sub(a), c.Sub(a)
	n := ab.Cross(ac)
	n2 := n.Norm2()
	if n2 < 1e-24 {
		return r3.Vector{}, false
	}
	// circumcenter relative to a
	cc := ac.Cross(n).Mul(ab.Norm2()).Add(n.Cross(ab).Mul(ac.Norm2())).Mul(1 / (2 * n2))
	h2 := r*r - cc.Norm2()
	if h2 < 0 {
		return r3.Vector{}, false
	}
	return a.Add(cc).Add(n.Mul(math.Sqrt(h2) / math.Sqrt(n2))), true
}

// agrees reports whether the counter clockwise normal of a, b, c agrees with the sample normals.
func (p *pivoter) agrees(a, b, c int) bool {
	n := p.pos[b].Sub(p.pos[a]).Cross(p.pos[c].Sub(p.pos[a]))
	return n.Dot(p.normals[a].Add(p.normals[b]).Add(p.normals[c])) > 0
}

func (p *pivoter) emptyBall(center r3.Vector, r float64, a, b, c int) bool {
	for _, nb := range p.tree.Radius(center, r*(1-1e-6)) {
		if nb.Index != a && nb.Index != b && nb.Index != c {
			return false
		}
	}
	return true
}

func (p *pivoter) canAdd(a, b, c int) bool {
	if _, dup := p.triangles[canonical(a, b, c)]; dup {
		return false
	}
	corners := [3]int{a, b, c}
	for k := 0; k < 3; k++ {
		s, t := corners[k], corners[(k+1)%3]
		if p.edgeUses[mesh.NewEdge(s, t)] >= 2 {
			return false
		}
		// an open edge walked the same way would flip the orientation
		_, inFront := p.front[[2]int{s, t}]
		_, inBoundary := p.boundary[[2]int{s, t}]
		if inFront || inBoundary {
			return false
		}
	}
	return true
}

func canonical(a, b, c int) mesh.Face {
	f := mesh.Face{a, b, c}
	sort.Ints(f[:])
	return f
}

// addTriangle appends a, b, c and updates the front: every edge of the new triangle either
// closes the opposite directed front edge or joins the front.
func (p *pivoter) addTriangle(a, b, c int, center r3.Vector) {
	p.m.Faces = append(p.m.Faces, mesh.Face{a, b, c})
	p.triangles[canonical(a, b, c)] = struct{}{}
	p.used[a], p.used[b], p.used[c] = true, true, true
	corners := [3]int{a, b, c}
	for k := 0; k < 3; k++ {
		s, t, o := corners[k], corners[(k+1)%3], corners[(k+2)%3]
		p.edgeUses[mesh.NewEdge(s, t)]++
		rev := [2]int{t, s}
		_, inFront := p.front[rev]
		_, inBoundary := p.boundary[rev]
		if inFront || inBoundary {
			delete(p.front, rev)
			delete(p.boundary, rev)
			p.open[s]--
			p.open[t]--
			continue
		}
		key := [2]int{s, t}
		p.front[key] = frontEdge{a: s, b: t, opposite: o, center: center}
		p.queue = append(p.queue, key)
		p.open[s]++
		p.open[t]++
	}
}

// seed looks for a triangle of unused points with an empty ball of radius r.
func (p *pivoter) seed(r float64, start int) (int, bool) {
	for i := start; i < len(p.pos); i++ {
		if p.used[i] {
			continue
		}
		nbs := p.tree.Radius(p.pos[i], 2*r)
		for x := 1; x < len(nbs); x++ {
			j := nbs[x].Index
			if p.used[j] || j == i {
				continue
			}
			for y := x + 1; y < len(nbs); y++ {
				k := nbs[y].Index
				if p.used[k] || k == i {
					continue
				}
				a, b, c := i, j, k
				if !p.agrees(a, b, c) {
					b, c = c, b
				}
				if !p.agrees(a, b, c) {
					continue
				}
				center, ok := ballCenter(p.pos[a], p.pos[b], p.pos[c], r)
				if !ok || !p.emptyBall(center, r, a, b, c) {
					continue
				}
				p.addTriangle(a, b, c, center)
				return i + 1, true
			}
		}
	}
	return len(p.pos), false
}

// pivot rolls the ball of edge e around it and returns the first point it touches.
func (p *pivoter) pivot(e frontEdge, r float64) (int, r3.Vector, bool) {
	pa, pb := p.pos[e.a], p.pos[e.b]
	mid := pa.Add(pb).Mul(0.5)
	axis := pb.Sub(pa).Normalize()
	perp := func(v r3.Vector) r3.Vector { return v.Sub(axis.Mul(v.Dot(axis))) }
	from := perp(e.center.Sub(mid))

	best, bestAngle := -1, math.Inf(1)
	var bestCenter r3.Vector
	for _, nb := range p.tree.Radius(mid, 2*r) {
		x := nb.Index
		if x == e.a || x == e.b || x == e.opposite {
			continue
		}
		// the new triangle walks the edge the other way
		if !p.agrees(e.b, e.a, x) {
			continue
		}
		center, ok := ballCenter(p.pos[e.b], p.pos[e.a], p.pos[x], r)
		if !ok {
			continue
		}
		to := perp(center.Sub(mid))
		angle := math.Atan2(axis.Dot(from.Cross(to)), from.Dot(to))
		if angle < 0 {
			angle += 2 * math.Pi
		}
		if angle >= bestAngle || !p.emptyBall(center, r, e.a, e.b, x) {
			continue
		}
		best, bestAngle, bestCenter = x, angle, center
	}
	return best, bestCenter, best >= 0
}

func (p *pivoter) expand(ctx context.Context, r float64) error {
	for len(p.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := p.queue[0]
		p.queue = p.queue[1:]
		e, ok := p.front[key]
		if !ok {
			continue
		}
		x, center, found := p.pivot(e, r)
		// a used point only takes a new triangle while it still touches an open edge
		if found && (!p.used[x] || p.open[x] > 0) && p.canAdd(e.b, e.a, x) {
			p.addTriangle(e.b, e.a, x, center)
			continue
		}
		delete(p.front, key)
		p.boundary[key] = e
	}
	return nil
}

// reopen moves boundary edges back to the front for a larger radius, recomputing their ball.
func (p *pivoter) reopen(r float64) {
	keys := make([][2]int, 0, len(p.boundary))
	for key := range p.boundary {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	for _, key := range keys {
		e := p.boundary[key]
		center, ok := ballCenter(p.pos[e.a], p.pos[e.b], p.pos[e.opposite], r)
		if !ok {
			continue
		}
		delete(p.boundary, key)
		e.center = center
		p.front[key] = e
		p.queue = append(p.queue, key)
	}
}

// reconstructBallPivoting interpolates the samples by rolling balls of increasing radius over
// them.
func reconstructBallPivoting(
	ctx context.Context,
	cloud *pointcloud.Dense,
	cfg config.MeshConfig,
	logger logging.Logger,
) (*Surface, error) {
	radii := append([]float64(nil), cfg.BallPivoting.Radii...)
	if len(radii) == 0 {
		spacing, err := pointcloud.MeanNeighborSpacing(ctx, cloud.Positions)
		if err != nil {
			return nil, err
		}
		if spacing <= 0 {
			return nil, errors.New("cannot derive ball radii from coincident points")
		}
		for _, f := range defaultRadiusFactors {
			radii = append(radii, f*spacing)
		}
	}
	sort.Float64s(radii)

	p := newPivoter(cloud)
	for ri, r := range radii {
		if ri > 0 {
			p.reopen(r)
		}
		if err := p.expand(ctx, r); err != nil {
			return nil, err
		}
		for next := 0; next < len(p.pos); {
			var seeded bool
			next, seeded = p.seed(r, next)
			if !seeded {
				break
			}
			if err := p.expand(ctx, r); err != nil {
				return nil, err
			}
		}
		logger.Debugw("ball pivoting pass", "radius", r, "faces", len(p.m.Faces), "open_edges", len(p.boundary))
	}
	if cloud.HasColors() {
		p.m.Colors = append(p.m.Colors, cloud.Colors...)
	}
	return &Surface{
		Mesh:       p.m,
		Parameters: map[string]interface{}{"ball_pivoting.radii": radii},
	}, nil
}
