// Package fake implements every capability in process against a synthetic scene with known
// ground truth: a colored sphere photographed by a ring of cameras in front of a plain backdrop.
package fake

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand"
	"path/filepath"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/recon/pointcloud"
	"go.viam.com/recon/rimage"
	"go.viam.com/recon/rimage/transform"
	"go.viam.com/recon/spatialmath"
)

// Attributes configure the synthetic scene. Zero values take the defaults of DefaultAttributes.
type Attributes struct {
	Views          int     `json:"views"`
	Radius         float64 `json:"radius"`
	CameraDistance float64 `json:"camera_distance"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Focal          float64 `json:"focal"`
	SparsePoints   int     `json:"sparse_points"`
	DensePoints    int     `json:"dense_points"`
	// Outliers are dense points off the surface: half with low confidence, half with
	// observations that do not match their position.
	Outliers int   `json:"outliers"`
	Seed     int64 `json:"seed"`
	// Unregistered lists image ids the pose estimator leaves without a camera.
	Unregistered []string `json:"unregistered,omitempty"`
	// FailedViews lists image ids dense stereo reports as failed.
	FailedViews []string `json:"failed_views,omitempty"`
	// GaugeScale, GaugeYaw and GaugeOffset move the reconstruction frame away from the true
	// world frame, as a real solver would.
	GaugeScale  float64    `json:"gauge_scale"`
	GaugeYaw    float64    `json:"gauge_yaw"`
	GaugeOffset [3]float64 `json:"gauge_offset"`
	// Delay makes each estimator call wait, honoring cancellation.
	DelayMillis int `json:"delay_ms"`
}

// DefaultAttributes returns the default scene.
func DefaultAttributes() Attributes {
	return Attributes{
		Views:          12,
		Radius:         1,
		CameraDistance: 4,
		Width:          320,
		Height:         240,
		Focal:          300,
		SparsePoints:   400,
		DensePoints:    3000,
		Outliers:       40,
		Seed:           1,
		GaugeScale:     1,
	}
}

func (a Attributes) withDefaults() Attributes {
	d := DefaultAttributes()
	if a.Views == 0 {
		a.Views = d.Views
	}
	if a.Radius == 0 {
		a.Radius = d.Radius
	}
	if a.CameraDistance == 0 {
		a.CameraDistance = d.CameraDistance
	}
	if a.Width == 0 {
		a.Width = d.Width
	}
	if a.Height == 0 {
		a.Height = d.Height
	}
	if a.Focal == 0 {
		a.Focal = d.Focal
	}
	if a.SparsePoints == 0 {
		a.SparsePoints = d.SparsePoints
	}
	if a.DensePoints == 0 {
		a.DensePoints = d.DensePoints
	}
	if a.Seed == 0 {
		a.Seed = d.Seed
	}
	if a.GaugeScale == 0 {
		a.GaugeScale = d.GaugeScale
	}
	return a
}

// Background is the backdrop color of rendered views.
var Background = color.NRGBA{R: 30, G: 110, B: 190, A: 255}

// Scene is the ground truth.
type Scene struct {
	Attributes Attributes
	Intrinsics *transform.PinholeCameraIntrinsics
	// Cameras are the true world to camera poses, in view order.
	Cameras []transform.CameraPose
	// Gauge maps true world coordinates into the frame the estimator reports.
	Gauge spatialmath.Similarity
}

// ViewID names view i.
func ViewID(i int) string {
	return fmt.Sprintf("view_%02d", i)
}

// lookAt returns the world to camera pose of a camera at eye looking at target with +Z up. The
// camera frame has x right, y down and z forward.
func lookAt(eye, target r3.Vector) spatialmath.Pose {
	f := target.Sub(eye).Normalize()
	r := f.Cross(r3.Vector{Z: 1}).Normalize()
	d := f.Cross(r)
	rot := mat.NewDense(3, 3, []float64{
		r.X, r.Y, r.Z,
		d.X, d.Y, d.Z,
		f.X, f.Y, f.Z,
	})
	q, err := spatialmath.QuatFromRotationMatrix(rot)
	if err != nil {
		panic(err)
	}
	p := spatialmath.NewPose(q, r3.Vector{})
	p.Point = p.Rotate(eye).Mul(-1)
	return p
}

// NewScene builds the scene described by attrs.
func NewScene(attrs Attributes) *Scene {
	attrs = attrs.withDefaults()
	intr := &transform.PinholeCameraIntrinsics{
		Width:  attrs.Width,
		Height: attrs.Height,
		Fx:     attrs.Focal,
		Fy:     attrs.Focal,
		Ppx:    float64(attrs.Width) / 2,
		Ppy:    float64(attrs.Height) / 2,
	}
	s := &Scene{
		Attributes: attrs,
		Intrinsics: intr,
		Gauge: spatialmath.Similarity{
			Scale:       attrs.GaugeScale,
			Rotation:    spatialmath.NewPoseFromAxisAngle(r3.Vector{Z: 1}, attrs.GaugeYaw, r3.Vector{}),
			Translation: r3.Vector{X: attrs.GaugeOffset[0], Y: attrs.GaugeOffset[1], Z: attrs.GaugeOffset[2]},
		},
	}
	for i := 0; i < attrs.Views; i++ {
		azimuth := 2 * math.Pi * float64(i) / float64(attrs.Views)
		elevation := 15 * math.Pi / 180
		if i%2 == 1 {
			elevation = 35 * math.Pi / 180
		}
		eye := r3.Vector{
			X: math.Cos(azimuth) * math.Cos(elevation),
			Y: math.Sin(azimuth) * math.Cos(elevation),
			Z: math.Sin(elevation),
		}.Mul(attrs.CameraDistance)
		s.Cameras = append(s.Cameras, transform.CameraPose{
			ImageID:    ViewID(i),
			Intrinsics: intr,
			Pose:       lookAt(eye, r3.Vector{}),
		})
	}
	return s
}

// SurfaceColor is the albedo of the sphere at unit direction n.
func SurfaceColor(n r3.Vector) color.NRGBA {
	return color.NRGBA{
		R: uint8(150 + 100*n.Z),
		G: uint8(140 + 60*n.X),
		B: uint8(60 + 40*n.Y),
		A: 255,
	}
}

// Render draws view i: the sphere with simple diffuse shading over the backdrop.
func (s *Scene) Render(i int) *image.NRGBA {
	cam := s.Cameras[i]
	intr := s.Intrinsics
	img := image.NewNRGBA(image.Rect(0, 0, intr.Width, intr.Height))
	center := cam.Center()
	toWorld := cam.Pose.Inverse()
	light := r3.Vector{X: 0.3, Y: 0.2, Z: 1}.Normalize()
	for y := 0; y < intr.Height; y++ {
		for x := 0; x < intr.Width; x++ {
			px, py, pz := intr.PixelToPoint(float64(x)+0.5, float64(y)+0.5, 1)
			dir := toWorld.Rotate(r3.Vector{X: px, Y: py, Z: pz}).Normalize()
			hit, ok := s.intersect(center, dir)
			if !ok {
				img.SetNRGBA(x, y, Background)
				continue
			}
			n := hit.Normalize()
			c := SurfaceColor(n)
			shade := 0.6 + 0.4*math.Max(0, n.Dot(light))
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(float64(c.R) * shade),
				G: uint8(float64(c.G) * shade),
				B: uint8(float64(c.B) * shade),
				A: 255,
			})
		}
	}
	return img
}

func (s *Scene) intersect(origin, dir r3.Vector) (r3.Vector, bool) {
	r := s.Attributes.Radius
	b := origin.Dot(dir)
	c := origin.Norm2() - r*r
	disc := b*b - c
	if disc < 0 {
		return r3.Vector{}, false
	}
	t := -b - math.Sqrt(disc)
	if t <= 0 {
		return r3.Vector{}, false
	}
	return origin.Add(dir.Mul(t)), true
}

// WriteImages renders every view as a PNG into dir and returns the paths in view order.
func (s *Scene) WriteImages(dir string) ([]string, error) {
	paths := make([]string, len(s.Cameras))
	for i := range s.Cameras {
		paths[i] = filepath.Join(dir, ViewID(i)+".png")
		if err := rimage.WriteImageToFile(paths[i], s.Render(i)); err != nil {
			return nil, err
		}
	}
	return paths, nil
}

// fibonacci returns n unit vectors spread evenly over the sphere.
func fibonacci(n int) []r3.Vector {
	out := make([]r3.Vector, n)
	golden := math.Pi * (3 - math.Sqrt(5))
	for i := range out {
		z := 1 - 2*(float64(i)+0.5)/float64(n)
		r := math.Sqrt(1 - z*z)
		theta := golden * float64(i)
		out[i] = r3.Vector{X: math.Cos(theta) * r, Y: math.Sin(theta) * r, Z: z}
	}
	return out
}

// observe returns the views that see the surface point p with outward normal n.
func (s *Scene) observe(p, n r3.Vector, skip map[string]bool) []pointcloud.Observation {
	var obs []pointcloud.Observation
	for _, cam := range s.Cameras {
		if skip[cam.ImageID] {
			continue
		}
		if cam.Center().Sub(p).Dot(n) <= 0 {
			continue
		}
		px, _, ok := cam.Project(p)
		if !ok || !s.Intrinsics.InFrame(px) {
			continue
		}
		pixel := px
		obs = append(obs, pointcloud.Observation{ImageID: cam.ImageID, Pixel: &pixel})
	}
	return obs
}

// Sparse returns the true sparse points seen by at least two views, in true world coordinates.
func (s *Scene) Sparse() *pointcloud.Sparse {
	out := &pointcloud.Sparse{}
	for _, n := range fibonacci(s.Attributes.SparsePoints) {
		p := n.Mul(s.Attributes.Radius)
		obs := s.observe(p, n, nil)
		if len(obs) < 2 {
			continue
		}
		out.Points = append(out.Points, pointcloud.SparsePoint{
			ID:           len(out.Points),
			Position:     p,
			Color:        SurfaceColor(n),
			Observations: obs,
			Error:        0.25,
		})
	}
	return out
}

// Dense returns the true dense cloud in true world coordinates: surface samples seen by at least
// two views followed by the outliers. Views listed in skip are not used.
func (s *Scene) Dense(skip map[string]bool) *pointcloud.Dense {
	attrs := s.Attributes
	d := pointcloud.NewDense(0, pointcloud.WithNormals(), pointcloud.WithColors(), pointcloud.WithConfidences(), pointcloud.WithViews())
	add := func(p, n r3.Vector, c color.NRGBA, conf float64, views []pointcloud.Observation) {
		d.Positions = append(d.Positions, p)
		d.Normals = append(d.Normals, n)
		d.Colors = append(d.Colors, c)
		d.Confidences = append(d.Confidences, conf)
		d.Views = append(d.Views, views)
	}
	for _, n := range fibonacci(attrs.DensePoints) {
		p := n.Mul(attrs.Radius)
		obs := s.observe(p, n, skip)
		if len(obs) < 2 {
			continue
		}
		add(p, n, SurfaceColor(n), 0.9, obs)
	}

	rng := rand.New(rand.NewSource(attrs.Seed))
	for i := 0; i < attrs.Outliers; i++ {
		n := r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}.Normalize()
		p := n.Mul(attrs.Radius * (1.3 + 0.5*rng.Float64()))
		surface := n.Mul(attrs.Radius)
		obs := s.observe(surface, n, skip)
		if len(obs) < 2 {
			continue
		}
		if i%2 == 0 {
			add(p, n, color.NRGBA{R: 255, A: 255}, 0.05, obs)
			continue
		}
		// views measured at the surface point, so the floating point reprojects badly
		add(p, n, color.NRGBA{G: 255, A: 255}, 0.9, obs)
	}
	return d
}

// Visible reports whether the true sphere projects into view i at pixel px.
func (s *Scene) Visible(i int, px r2.Point) bool {
	cam := s.Cameras[i]
	x, y, z := s.Intrinsics.PixelToPoint(px.X, px.Y, 1)
	_, ok := s.intersect(cam.Center(), cam.Pose.Inverse().Rotate(r3.Vector{X: x, Y: y, Z: z}).Normalize())
	return ok
}
