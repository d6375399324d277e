package capability

import (
	"image/color"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/recon/pointcloud"
	"go.viam.com/recon/rimage/transform"
	"go.viam.com/recon/spatialmath"
)

// CameraRecord is the wire form of a camera: intrinsics, optional distortion and the world to
// camera rotation (w, x, y, z) and translation.
type CameraRecord struct {
	ImageID     string                             `json:"image_id"`
	Intrinsics  *transform.PinholeCameraIntrinsics `json:"intrinsics"`
	Distortion  *transform.DistortionConfig        `json:"distortion,omitempty"`
	Rotation    [4]float64                         `json:"rotation_wxyz"`
	Translation [3]float64                         `json:"translation"`
}

// NewCameraRecord converts a camera pose to its wire form.
func NewCameraRecord(cp transform.CameraPose) CameraRecord {
	q, t := cp.Pose.Orientation, cp.Pose.Point
	return CameraRecord{
		ImageID:     cp.ImageID,
		Intrinsics:  cp.Intrinsics,
		Distortion:  transform.MarshalDistorter(cp.Distortion),
		Rotation:    [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag},
		Translation: [3]float64{t.X, t.Y, t.Z},
	}
}

// CameraPose converts the record to a camera pose, normalizing the rotation.
func (r CameraRecord) CameraPose() (transform.CameraPose, error) {
	d, err := r.Distortion.Distorter()
	if err != nil {
		return transform.CameraPose{}, errors.Wrapf(err, "camera %q", r.ImageID)
	}
	q := quat.Number{Real: r.Rotation[0], Imag: r.Rotation[1], Jmag: r.Rotation[2], Kmag: r.Rotation[3]}
	if quat.Abs(q) == 0 {
		return transform.CameraPose{}, errors.Errorf("camera %q has a zero rotation quaternion", r.ImageID)
	}
	return transform.CameraPose{
		ImageID:    r.ImageID,
		Intrinsics: r.Intrinsics,
		Distortion: d,
		Pose:       spatialmath.NewPose(q, r3.Vector{X: r.Translation[0], Y: r.Translation[1], Z: r.Translation[2]}),
	}, nil
}

// NewObservation converts a point observation to its wire form.
func NewObservation(o pointcloud.Observation) Observation {
	out := Observation{ImageID: o.ImageID}
	if o.Pixel != nil {
		out.Pixel = &[2]float64{o.Pixel.X, o.Pixel.Y}
	}
	return out
}

// PointObservation converts the wire form back.
func (o Observation) PointObservation() pointcloud.Observation {
	out := pointcloud.Observation{ImageID: o.ImageID}
	if o.Pixel != nil {
		out.Pixel = &r2.Point{X: o.Pixel[0], Y: o.Pixel[1]}
	}
	return out
}

// NewSparsePoints converts a sparse cloud to its wire form.
func NewSparsePoints(s *pointcloud.Sparse) []SparsePoint {
	if s == nil {
		return nil
	}
	out := make([]SparsePoint, len(s.Points))
	for i, p := range s.Points {
		id := p.ID
		obs := make([]Observation, len(p.Observations))
		for k, o := range p.Observations {
			obs[k] = NewObservation(o)
		}
		out[i] = SparsePoint{
			ID:           &id,
			Position:     [3]float64{p.Position.X, p.Position.Y, p.Position.Z},
			Color:        [3]uint8{p.Color.R, p.Color.G, p.Color.B},
			Error:        p.Error,
			Observations: obs,
		}
	}
	return out
}

// DenseFromPoints builds a dense cloud. Normals and colors are kept only when every point has
// them, views only when some point has them.
func DenseFromPoints(points []DensePoint) *pointcloud.Dense {
	allNormals, allColors, anyViews := len(points) > 0, len(points) > 0, false
	for _, p := range points {
		allNormals = allNormals && p.Normal != nil
		allColors = allColors && p.Color != nil
		anyViews = anyViews || len(p.Views) > 0
	}
	opts := []pointcloud.DenseOption{pointcloud.WithConfidences()}
	if anyViews {
		opts = append(opts, pointcloud.WithViews())
	}
	if allNormals {
		opts = append(opts, pointcloud.WithNormals())
	}
	if allColors {
		opts = append(opts, pointcloud.WithColors())
	}
	d := pointcloud.NewDense(len(points), opts...)
	for i, p := range points {
		d.Positions[i] = r3.Vector{X: p.Position[0], Y: p.Position[1], Z: p.Position[2]}
		d.Confidences[i] = p.Confidence
		if anyViews {
			views := make([]pointcloud.Observation, len(p.Views))
			for k, v := range p.Views {
				views[k] = v.PointObservation()
			}
			d.Views[i] = views
		}
		if allNormals {
			d.Normals[i] = r3.Vector{X: p.Normal[0], Y: p.Normal[1], Z: p.Normal[2]}
		}
		if allColors {
			d.Colors[i].R, d.Colors[i].G, d.Colors[i].B, d.Colors[i].A = p.Color[0], p.Color[1], p.Color[2], 255
		}
	}
	return d
}

// SparseFromPoints builds a sparse cloud. Points without an id are numbered after the largest
// id present.
func SparseFromPoints(points []SparsePoint) *pointcloud.Sparse {
	next := 0
	for _, p := range points {
		if p.ID != nil && *p.ID >= next {
			next = *p.ID + 1
		}
	}
	out := &pointcloud.Sparse{Points: make([]pointcloud.SparsePoint, len(points))}
	for i, p := range points {
		id := next
		if p.ID != nil {
			id = *p.ID
		} else {
			next++
		}
		obs := make([]pointcloud.Observation, len(p.Observations))
		for k, o := range p.Observations {
			obs[k] = o.PointObservation()
		}
		out.Points[i] = pointcloud.SparsePoint{
			ID:           id,
			Position:     r3.Vector{X: p.Position[0], Y: p.Position[1], Z: p.Position[2]},
			Color:        color.NRGBA{R: p.Color[0], G: p.Color[1], B: p.Color[2], A: 255},
			Observations: obs,
			Error:        p.Error,
		}
	}
	return out
}

// NewDensePoints converts a dense cloud to its wire form.
func NewDensePoints(d *pointcloud.Dense) []DensePoint {
	out := make([]DensePoint, d.Len())
	for i, p := range d.Positions {
		dp := DensePoint{Position: [3]float64{p.X, p.Y, p.Z}}
		if d.HasNormals() {
			n := d.Normals[i]
			dp.Normal = &[3]float64{n.X, n.Y, n.Z}
		}
		if d.HasColors() {
			c := d.Colors[i]
			dp.Color = &[3]uint8{c.R, c.G, c.B}
		}
		if d.HasConfidences() {
			dp.Confidence = d.Confidences[i]
		}
		if d.HasViews() {
			dp.Views = make([]Observation, len(d.Views[i]))
			for k, o := range d.Views[i] {
				dp.Views[k] = NewObservation(o)
			}
		}
		out[i] = dp
	}
	return out
}
