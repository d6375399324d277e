package pointcloud

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/samber/lo"

	"go.viam.com/recon/rimage"
)

// VoxelCoords stores Voxel coordinates in VoxelGrid axes.
type VoxelCoords struct {
	I, J, K int64
}

// NewVoxelCoords returns the coordinates of the voxel of edge size containing pt, for a grid
// anchored at origin.
func NewVoxelCoords(pt, origin r3.Vector, size float64) VoxelCoords {
	return VoxelCoords{
		I: int64(math.Floor((pt.X - origin.X) / size)),
		J: int64(math.Floor((pt.Y - origin.Y) / size)),
		K: int64(math.Floor((pt.Z - origin.Z) / size)),
	}
}

// VoxelGrid buckets point indices by voxel, remembering the order in which voxels were first
// touched so that output is deterministic.
type VoxelGrid struct {
	Size   float64
	Origin r3.Vector
	Voxels map[VoxelCoords][]int
	order  []VoxelCoords
}

// NewVoxelGrid buckets positions into voxels of the given edge size.
func NewVoxelGrid(positions []r3.Vector, size float64) *VoxelGrid {
	vg := &VoxelGrid{Size: size, Origin: BoxOf(positions).Min, Voxels: map[VoxelCoords][]int{}}
	for i, p := range positions {
		key := NewVoxelCoords(p, vg.Origin, size)
		if _, ok := vg.Voxels[key]; !ok {
			vg.order = append(vg.order, key)
		}
		vg.Voxels[key] = append(vg.Voxels[key], i)
	}
	return vg
}

// Len is the number of occupied voxels.
func (vg *VoxelGrid) Len() int { return len(vg.order) }

// Each calls fn for every occupied voxel in first touch order.
func (vg *VoxelGrid) Each(fn func(key VoxelCoords, indices []int)) {
	for _, k := range vg.order {
		fn(k, vg.Voxels[k])
	}
}

// VoxelDownsample merges all points sharing a voxel into one: mean position, renormalized mean
// normal, L*a*b* mean color, max confidence and the union of views. A non positive size returns a
// copy.
func VoxelDownsample(d *Dense, size float64) *Dense {
	if size <= 0 || d.Len() == 0 {
		return d.Clone()
	}
	vg := NewVoxelGrid(d.Positions, size)
	out := &Dense{Positions: make([]r3.Vector, 0, vg.Len())}
	if d.HasNormals() {
		out.Normals = make([]r3.Vector, 0, vg.Len())
	}
	if d.HasColors() {
		out.Colors = make([]color.NRGBA, 0, vg.Len())
	}
	if d.HasConfidences() {
		out.Confidences = make([]float64, 0, vg.Len())
	}
	if d.HasViews() {
		out.Views = make([][]Observation, 0, vg.Len())
	}
	vg.Each(func(_ VoxelCoords, indices []int) {
		var pos r3.Vector
		for _, i := range indices {
			pos = pos.Add(d.Positions[i])
		}
		out.Positions = append(out.Positions, pos.Mul(1/float64(len(indices))))
		if d.HasNormals() {
			var n r3.Vector
			for _, i := range indices {
				n = n.Add(d.Normals[i])
			}
			if n.Norm() < 1e-12 {
				n = d.Normals[indices[0]]
			}
			out.Normals = append(out.Normals, n.Normalize())
		}
		if d.HasColors() {
			out.Colors = append(out.Colors, rimage.MeanColorLab(lo.Map(indices, func(i, _ int) color.NRGBA {
				return d.Colors[i]
			})))
		}
		if d.HasConfidences() {
			out.Confidences = append(out.Confidences, lo.Max(lo.Map(indices, func(i, _ int) float64 {
				return d.Confidences[i]
			})))
		}
		if d.HasViews() {
			var views []Observation
			for _, i := range indices {
				views = append(views, d.Views[i]...)
			}
			out.Views = append(out.Views, lo.UniqBy(views, func(o Observation) string { return o.ImageID }))
		}
	})
	return out
}
