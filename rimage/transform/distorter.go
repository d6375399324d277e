package transform

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// DistortionType is the name of the distortion model.
type DistortionType string

const (
	// BrownConradyDistortionType is for simple lenses of narrow field easily modeled as a pinhole camera.
	BrownConradyDistortionType = DistortionType("brown_conrady")
	// InverseBrownConradyDistortionType undoes a Brown-Conrady distortion.
	InverseBrownConradyDistortionType = DistortionType("inverse_brown_conrady")
)

// Distorter defines a Transform that takes an undistorted image and distorts it according to the model.
type Distorter interface {
	ModelType() DistortionType
	CheckValid() error
	Parameters() []float64
	Transform(x, y float64) (float64, float64)
}

// InvalidDistortionError is used when the distortion_parameters are invalid.
func InvalidDistortionError(msg string) error {
	return errors.Wrap(errors.New("invalid distortion_parameters"), msg)
}

// NewDistorter returns a Distorter given a valid DistortionType and its parameters.
func NewDistorter(distortionType DistortionType, parameters []float64) (Distorter, error) {
	switch distortionType {
	case BrownConradyDistortionType:
		return NewBrownConrady(parameters)
	case InverseBrownConradyDistortionType:
		return NewInverseBrownConrady(parameters)
	default:
		return nil, errors.Errorf("do not know how to parse %q distortion model", distortionType)
	}
}

// DistortionConfig is the serialized form of a Distorter.
type DistortionConfig struct {
	Type       DistortionType `json:"type"`
	Parameters []float64      `json:"parameters"`
}

// MarshalDistorter returns the serialized form of d, or nil for no distortion.
func MarshalDistorter(d Distorter) *DistortionConfig {
	if d == nil {
		return nil
	}
	return &DistortionConfig{Type: d.ModelType(), Parameters: d.Parameters()}
}

// Distorter rebuilds the model. A nil config means no distortion.
func (dc *DistortionConfig) Distorter() (Distorter, error) {
	if dc == nil {
		return nil, nil
	}
	d, err := NewDistorter(dc.Type, dc.Parameters)
	if err != nil {
		return nil, err
	}
	return d, d.CheckValid()
}

// UnmarshalJSON lets a PinholeCameraModel read its distortion from the serialized form.
func (params *PinholeCameraModel) UnmarshalJSON(data []byte) error {
	var raw struct {
		Intrinsics *PinholeCameraIntrinsics `json:"intrinsic_parameters"`
		Distortion *DistortionConfig        `json:"distortion"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d, err := raw.Distortion.Distorter()
	if err != nil {
		return err
	}
	params.PinholeCameraIntrinsics = raw.Intrinsics
	params.Distortion = d
	return nil
}

// MarshalJSON writes the distortion in its serialized form.
func (params PinholeCameraModel) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Intrinsics *PinholeCameraIntrinsics `json:"intrinsic_parameters"`
		Distortion *DistortionConfig        `json:"distortion,omitempty"`
	}{params.PinholeCameraIntrinsics, MarshalDistorter(params.Distortion)})
}
