// Package pointcloud holds the sparse and dense point clouds produced by reconstruction, their
// file formats and the neighborhood based filters applied to them.
package pointcloud

import (
	"image/color"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Observation is a sighting of a point in one image. Pixel is nil when the producer reported
// visibility without a measurement.
type Observation struct {
	ImageID string    `json:"image_id"`
	Pixel   *r2.Point `json:"pixel,omitempty"`
}

// NewObservation returns a measured observation.
func NewObservation(imageID string, x, y float64) Observation {
	return Observation{ImageID: imageID, Pixel: &r2.Point{X: x, Y: y}}
}

// SparsePoint is a triangulated structure-from-motion point.
type SparsePoint struct {
	ID           int           `json:"id"`
	Position     r3.Vector     `json:"position"`
	Color        color.NRGBA   `json:"color"`
	Observations []Observation `json:"observations"`
	Error        float64       `json:"error"`
}

// Sparse is an ordered sparse point cloud.
type Sparse struct {
	Points []SparsePoint `json:"points"`
}

// Len is the number of points.
func (s *Sparse) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Points)
}

// Positions returns the point positions in order.
func (s *Sparse) Positions() []r3.Vector {
	out := make([]r3.Vector, s.Len())
	for i, p := range s.Points {
		out[i] = p.Position
	}
	return out
}

// Bounds returns the bounding box of the points.
func (s *Sparse) Bounds() Box {
	if s == nil {
		return EmptyBox()
	}
	return BoxOf(s.Positions())
}

// MeanTrackLength is the mean number of observations per point.
func (s *Sparse) MeanTrackLength() float64 {
	if s.Len() == 0 {
		return 0
	}
	total := 0
	for _, p := range s.Points {
		total += len(p.Observations)
	}
	return float64(total) / float64(s.Len())
}

// ToDense converts the sparse points to a colored dense cloud carrying their observations.
func (s *Sparse) ToDense() *Dense {
	d := NewDense(s.Len(), WithColors(), WithViews())
	for i, p := range s.Points {
		d.Positions[i] = p.Position
		d.Colors[i] = p.Color
		d.Views[i] = append([]Observation(nil), p.Observations...)
	}
	return d
}
