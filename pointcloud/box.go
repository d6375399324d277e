package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// Box is an axis aligned bounding box. The zero value is not empty; use EmptyBox to start
// accumulating points.
type Box struct {
	Min r3.Vector `json:"min"`
	Max r3.Vector `json:"max"`
}

// EmptyBox returns a box that contains nothing and grows with Extend.
func EmptyBox() Box {
	inf := math.Inf(1)
	return Box{Min: r3.Vector{X: inf, Y: inf, Z: inf}, Max: r3.Vector{X: -inf, Y: -inf, Z: -inf}}
}

// BoxOf returns the bounds of the points.
func BoxOf(pts []r3.Vector) Box {
	b := EmptyBox()
	for _, p := range pts {
		b = b.Extend(p)
	}
	return b
}

// IsEmpty reports whether the box contains no point.
func (b Box) IsEmpty() bool {
	return b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z
}

// Extend returns the smallest box containing b and p.
func (b Box) Extend(p r3.Vector) Box {
	return Box{
		Min: r3.Vector{X: math.Min(b.Min.X, p.X), Y: math.Min(b.Min.Y, p.Y), Z: math.Min(b.Min.Z, p.Z)},
		Max: r3.Vector{X: math.Max(b.Max.X, p.X), Y: math.Max(b.Max.Y, p.Y), Z: math.Max(b.Max.Z, p.Z)},
	}
}

// Union returns the smallest box containing both boxes.
func (b Box) Union(o Box) Box {
	if o.IsEmpty() {
		return b
	}
	return b.Extend(o.Min).Extend(o.Max)
}

// Grow expands the box by d on every side.
func (b Box) Grow(d float64) Box {
	if b.IsEmpty() {
		return b
	}
	off := r3.Vector{X: d, Y: d, Z: d}
	return Box{Min: b.Min.Sub(off), Max: b.Max.Add(off)}
}

// Contains reports whether p lies in the closed box.
func (b Box) Contains(p r3.Vector) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// Size returns the edge lengths.
func (b Box) Size() r3.Vector {
	if b.IsEmpty() {
		return r3.Vector{}
	}
	return b.Max.Sub(b.Min)
}

// Diagonal is the length of the box diagonal.
func (b Box) Diagonal() float64 {
	return b.Size().Norm()
}

// Center is the midpoint of the box.
func (b Box) Center() r3.Vector {
	return b.Min.Add(b.Max).Mul(0.5)
}
