package pointcloud

import (
	"image/color"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Dense is a dense point cloud stored as parallel slices. Optional attributes are either nil or
// exactly as long as Positions.
type Dense struct {
	Positions   []r3.Vector
	Normals     []r3.Vector
	Colors      []color.NRGBA
	Confidences []float64
	Views       [][]Observation
}

// DenseOption selects the optional attributes NewDense allocates.
type DenseOption func(d *Dense, n int)

// WithNormals allocates normals.
func WithNormals() DenseOption {
	return func(d *Dense, n int) { d.Normals = make([]r3.Vector, n) }
}

// WithColors allocates colors.
func WithColors() DenseOption {
	return func(d *Dense, n int) { d.Colors = make([]color.NRGBA, n) }
}

// WithConfidences allocates confidences.
func WithConfidences() DenseOption {
	return func(d *Dense, n int) { d.Confidences = make([]float64, n) }
}

// WithViews allocates per point observation lists.
func WithViews() DenseOption {
	return func(d *Dense, n int) { d.Views = make([][]Observation, n) }
}

// NewDense allocates a cloud of n points.
func NewDense(n int, opts ...DenseOption) *Dense {
	d := &Dense{Positions: make([]r3.Vector, n)}
	for _, o := range opts {
		o(d, n)
	}
	return d
}

// Len is the number of points.
func (d *Dense) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Positions)
}

// HasNormals reports whether normals are present.
func (d *Dense) HasNormals() bool { return d.Normals != nil }

// HasColors reports whether colors are present.
func (d *Dense) HasColors() bool { return d.Colors != nil }

// HasConfidences reports whether confidences are present.
func (d *Dense) HasConfidences() bool { return d.Confidences != nil }

// HasViews reports whether per point observations are present.
func (d *Dense) HasViews() bool { return d.Views != nil }

// Validate checks that optional attributes match the point count and positions are finite.
func (d *Dense) Validate() error {
	n := d.Len()
	check := func(name string, has bool, l int) error {
		if has && l != n {
			return errors.Errorf("dense cloud has %d points but %d %s", n, l, name)
		}
		return nil
	}
	if err := check("normals", d.HasNormals(), len(d.Normals)); err != nil {
		return err
	}
	if err := check("colors", d.HasColors(), len(d.Colors)); err != nil {
		return err
	}
	if err := check("confidences", d.HasConfidences(), len(d.Confidences)); err != nil {
		return err
	}
	if err := check("view lists", d.HasViews(), len(d.Views)); err != nil {
		return err
	}
	for i, p := range d.Positions {
		if !finite(p) {
			return errors.Errorf("dense point %d has a non finite position %v", i, p)
		}
	}
	return nil
}

// Subset returns a new cloud holding the points at the given indices, in that order.
func (d *Dense) Subset(indices []int) *Dense {
	out := &Dense{Positions: make([]r3.Vector, len(indices))}
	if d.HasNormals() {
		out.Normals = make([]r3.Vector, len(indices))
	}
	if d.HasColors() {
		out.Colors = make([]color.NRGBA, len(indices))
	}
	if d.HasConfidences() {
		out.Confidences = make([]float64, len(indices))
	}
	if d.HasViews() {
		out.Views = make([][]Observation, len(indices))
	}
	for j, i := range indices {
		out.Positions[j] = d.Positions[i]
		if out.HasNormals() {
			out.Normals[j] = d.Normals[i]
		}
		if out.HasColors() {
			out.Colors[j] = d.Colors[i]
		}
		if out.HasConfidences() {
			out.Confidences[j] = d.Confidences[i]
		}
		if out.HasViews() {
			out.Views[j] = append([]Observation(nil), d.Views[i]...)
		}
	}
	return out
}

// Filter returns the points for which keep is true.
func (d *Dense) Filter(keep func(i int) bool) *Dense {
	indices := make([]int, 0, d.Len())
	for i := 0; i < d.Len(); i++ {
		if keep(i) {
			indices = append(indices, i)
		}
	}
	return d.Subset(indices)
}

// Clone returns a deep copy.
func (d *Dense) Clone() *Dense {
	indices := make([]int, d.Len())
	for i := range indices {
		indices[i] = i
	}
	return d.Subset(indices)
}

// Bounds returns the bounding box of the points.
func (d *Dense) Bounds() Box {
	return BoxOf(d.Positions)
}

// Centroid is the mean position.
func (d *Dense) Centroid() r3.Vector {
	var c r3.Vector
	for _, p := range d.Positions {
		c = c.Add(p)
	}
	if n := d.Len(); n > 0 {
		c = c.Mul(1 / float64(n))
	}
	return c
}
