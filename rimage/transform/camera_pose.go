package transform

import (
	"encoding/json"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/recon/spatialmath"
)

// CameraPose is the calibrated view of one image: its intrinsics, its lens distortion and its
// world → camera extrinsic.
type CameraPose struct {
	ImageID    string                   `json:"image_id"`
	Intrinsics *PinholeCameraIntrinsics `json:"intrinsics"`
	Distortion Distorter                `json:"-"`
	Pose       spatialmath.Pose         `json:"-"`
}

// Model returns the pinhole model of the view.
func (cp *CameraPose) Model() *PinholeCameraModel {
	return &PinholeCameraModel{PinholeCameraIntrinsics: cp.Intrinsics, Distortion: cp.Distortion}
}

// Center returns the camera center in world coordinates.
func (cp *CameraPose) Center() r3.Vector {
	return cp.Pose.Center()
}

// ViewDirection returns the world direction of the optical axis.
func (cp *CameraPose) ViewDirection() r3.Vector {
	return cp.Pose.Inverse().Rotate(r3.Vector{Z: 1})
}

// Project maps a world point to a pixel. ok is false when the point is behind the camera.
func (cp *CameraPose) Project(world r3.Vector) (px r2.Point, depth float64, ok bool) {
	camPt := cp.Pose.Transform(world)
	px, ok = cp.Model().Project(camPt)
	return px, camPt.Z, ok
}

// Visible reports whether a world point projects in front of the camera and inside the frame.
func (cp *CameraPose) Visible(world r3.Vector) bool {
	px, _, ok := cp.Project(world)
	return ok && cp.Intrinsics.InFrame(px)
}

// ReprojectionError is the pixel distance between the projection of a world point and an
// observed pixel. Points behind the camera have infinite error.
func (cp *CameraPose) ReprojectionError(world r3.Vector, observed r2.Point) float64 {
	px, _, ok := cp.Project(world)
	if !ok {
		return math.Inf(1)
	}
	return px.Sub(observed).Norm()
}

type cameraPoseJSON struct {
	ImageID     string                   `json:"image_id"`
	Intrinsics  *PinholeCameraIntrinsics `json:"intrinsics"`
	Distortion  *DistortionConfig        `json:"distortion,omitempty"`
	Rotation    [4]float64               `json:"rotation_wxyz"`
	Translation [3]float64               `json:"translation"`
}

// MarshalJSON writes the view with its extrinsic as a wxyz quaternion and a translation.
func (cp CameraPose) MarshalJSON() ([]byte, error) {
	q, t := cp.Pose.Orientation, cp.Pose.Point
	return json.Marshal(cameraPoseJSON{
		ImageID:     cp.ImageID,
		Intrinsics:  cp.Intrinsics,
		Distortion:  MarshalDistorter(cp.Distortion),
		Rotation:    [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag},
		Translation: [3]float64{t.X, t.Y, t.Z},
	})
}

// UnmarshalJSON reads the form written by MarshalJSON.
func (cp *CameraPose) UnmarshalJSON(data []byte) error {
	var raw cameraPoseJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d, err := raw.Distortion.Distorter()
	if err != nil {
		return err
	}
	r := raw.Rotation
	*cp = CameraPose{
		ImageID:    raw.ImageID,
		Intrinsics: raw.Intrinsics,
		Distortion: d,
		Pose: spatialmath.NewPose(
			quat.Number{Real: r[0], Imag: r[1], Jmag: r[2], Kmag: r[3]},
			r3.Vector{X: raw.Translation[0], Y: raw.Translation[1], Z: raw.Translation[2]},
		),
	}
	return nil
}

// CheckValid validates the view.
func (cp *CameraPose) CheckValid() error {
	if cp.ImageID == "" {
		return errors.New("camera pose has no image id")
	}
	if err := cp.Intrinsics.CheckValid(); err != nil {
		return errors.Wrapf(err, "camera pose %q", cp.ImageID)
	}
	if cp.Distortion != nil {
		if err := cp.Distortion.CheckValid(); err != nil {
			return errors.Wrapf(err, "camera pose %q", cp.ImageID)
		}
	}
	q := cp.Pose.Orientation
	if n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag); math.Abs(n-1) > 1e-6 {
		return errors.Errorf("camera pose %q has a non unit rotation (norm %f)", cp.ImageID, n)
	}
	return nil
}
