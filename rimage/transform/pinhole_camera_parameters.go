// Package transform contains the camera model used to relate image pixels to scene points.
package transform

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px" yaml:"width_px"`
	Height int     `json:"height_px" yaml:"height_px"`
	Fx     float64 `json:"fx" yaml:"fx"`
	Fy     float64 `json:"fy" yaml:"fy"`
	Ppx    float64 `json:"ppx" yaml:"ppx"`
	Ppy    float64 `json:"ppy" yaml:"ppy"`
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width <= 0 || params.Height <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// NewPinholeCameraIntrinsicsFromJSONFile takes in a file path to a JSON and turns it into PinholeCameraIntrinsics.
func NewPinholeCameraIntrinsicsFromJSONFile(jsonPath string) (*PinholeCameraIntrinsics, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	intrinsics := &PinholeCameraIntrinsics{}
	if err := json.NewDecoder(jsonFile).Decode(intrinsics); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return intrinsics, nil
}

// PixelToPoint transforms a pixel with depth to a 3D point in the camera frame.
// The intrinsics parameters should be the ones of the sensor used to obtain the image that
// contains the pixel.
func (params *PinholeCameraIntrinsics) PixelToPoint(x, y, z float64) (float64, float64, float64) {
	if params == nil {
		return float64(0), float64(0), float64(0)
	}
	xOverZ := (x - params.Ppx) / params.Fx
	yOverZ := (y - params.Ppy) / params.Fy
	return xOverZ * z, yOverZ * z, z
}

// PointToPixel projects a 3D point in the camera frame to sub-pixel image coordinates. The second
// return is false for points on or behind the image plane.
func (params *PinholeCameraIntrinsics) PointToPixel(x, y, z float64) (float64, float64, bool) {
	if z <= 0 {
		// negative coordinates so that cropping to image bounds filters it out
		return -1.0, -1.0, false
	}
	return (x/z)*params.Fx + params.Ppx, (y/z)*params.Fy + params.Ppy, true
}

// InFrame reports whether a sub-pixel position lies inside the image.
func (params *PinholeCameraIntrinsics) InFrame(px r2.Point) bool {
	return px.X >= 0 && px.Y >= 0 && px.X < float64(params.Width) && px.Y < float64(params.Height)
}

// Scaled returns intrinsics for the same camera after the image was resized by factor.
func (params *PinholeCameraIntrinsics) Scaled(factor float64) *PinholeCameraIntrinsics {
	return &PinholeCameraIntrinsics{
		Width:  int(float64(params.Width)*factor + 0.5),
		Height: int(float64(params.Height)*factor + 0.5),
		Fx:     params.Fx * factor,
		Fy:     params.Fy * factor,
		Ppx:    params.Ppx * factor,
		Ppy:    params.Ppy * factor,
	}
}

// PinholeCameraModel is the model of a pinhole camera.
type PinholeCameraModel struct {
	*PinholeCameraIntrinsics `json:"intrinsic_parameters"`
	Distortion               Distorter `json:"distortion"`
}

// Project maps a point in the camera frame to a distorted pixel.
func (params *PinholeCameraModel) Project(pt r3.Vector) (r2.Point, bool) {
	if pt.Z <= 0 {
		return r2.Point{X: -1, Y: -1}, false
	}
	x, y := pt.X/pt.Z, pt.Y/pt.Z
	if params.Distortion != nil {
		x, y = params.Distortion.Transform(x, y)
	}
	return r2.Point{X: x*params.Fx + params.Ppx, Y: y*params.Fy + params.Ppy}, true
}

// DistortionMap is a function that transforms the undistorted input points (u,v) to the distorted points (x,y)
// according to the model in PinholeCameraModel.Distortion.
func (params *PinholeCameraModel) DistortionMap() func(u, v float64) (float64, float64) {
	return func(u, v float64) (float64, float64) {
		if params.Distortion == nil {
			return u, v
		}
		x := (u - params.Ppx) / params.Fx
		y := (v - params.Ppy) / params.Fy
		x, y = params.Distortion.Transform(x, y)
		x = x*params.Fx + params.Ppx
		y = y*params.Fy + params.Ppy
		return x, y
	}
}
