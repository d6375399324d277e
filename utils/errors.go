package utils

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies pipeline failures so that callers can decide whether a run may continue.
type ErrorKind string

// The error kinds a stage can report.
const (
	// KindUnknown is reported for errors that carry no classification.
	KindUnknown ErrorKind = "unknown"
	// KindInputData covers corrupt or unreadable inputs and empty input sets.
	KindInputData ErrorKind = "input_data"
	// KindInsufficientGeometry covers too few cameras, empty or degenerate clouds and empty meshes.
	KindInsufficientGeometry ErrorKind = "insufficient_geometry"
	// KindCapabilityUnavailable is reported when an optional capability is missing.
	KindCapabilityUnavailable ErrorKind = "capability_unavailable"
	// KindResource covers memory estimates over budget and timeouts.
	KindResource ErrorKind = "resource"
	// KindConfig is an invalid configuration.
	KindConfig ErrorKind = "config"
	// KindCapability is a capability that failed or broke its response contract.
	KindCapability ErrorKind = "capability"
	// KindCanceled is reported when the run was canceled.
	KindCanceled ErrorKind = "canceled"
)

// Fatal reports whether an error of this kind must abort the pipeline.
func (k ErrorKind) Fatal() bool {
	return k != KindCapabilityUnavailable
}

// StageError is the structured failure returned by a pipeline stage.
type StageError struct {
	Stage      string
	Step       string
	Kind       ErrorKind
	Mitigation string
	Err        error
}

func (e *StageError) Error() string {
	msg := string(e.Kind)
	if e.Stage != "" {
		msg = fmt.Sprintf("%s: %s", e.Stage, msg)
	}
	if e.Step != "" {
		msg = fmt.Sprintf("%s during %s", msg, e.Step)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Mitigation != "" {
		msg = fmt.Sprintf("%s (try: %s)", msg, e.Mitigation)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// Cause lets github.com/pkg/errors.Cause reach the underlying error.
func (e *StageError) Cause() error {
	return e.Err
}

// NewInputDataError is used when the input images cannot support the stage.
func NewInputDataError(step string, err error) error {
	return &StageError{Step: step, Kind: KindInputData, Err: err}
}

// NewInsufficientGeometryError is used when there is not enough geometric information to continue.
func NewInsufficientGeometryError(step string, format string, args ...interface{}) error {
	return &StageError{Step: step, Kind: KindInsufficientGeometry, Err: errors.Errorf(format, args...)}
}

// NewCapabilityUnavailableError is used when an optional capability is not registered.
func NewCapabilityUnavailableError(capability string) error {
	return &StageError{
		Step: capability,
		Kind: KindCapabilityUnavailable,
		Err:  errors.Errorf("no %s capability registered", capability),
	}
}

// NewResourceError is used when a stage would exceed its resources. It always carries a mitigation.
func NewResourceError(step string, err error, mitigation string) error {
	return &StageError{Step: step, Kind: KindResource, Err: err, Mitigation: mitigation}
}

// NewConfigError is used when the configuration is invalid.
func NewConfigError(err error) error {
	return &StageError{Step: "validate config", Kind: KindConfig, Err: err}
}

// NewCapabilityError is used when a capability fails or returns a malformed response.
func NewCapabilityError(capability string, err error) error {
	return &StageError{Step: capability, Kind: KindCapability, Err: err}
}

// NewUnexpectedTypeError is used when there is a type mismatch.
func NewUnexpectedTypeError(expected interface{}, actual interface{}) error {
	return errors.Errorf("expected %T but got %T", expected, actual)
}

// InStage attributes an error to a stage. Unclassified errors are classified from their context
// cause when possible.
func InStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		if stageErr.Stage == "" {
			cp := *stageErr
			cp.Stage = stage
			return &cp
		}
		return err
	}
	kind := KindUnknown
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return &StageError{
			Stage:      stage,
			Kind:       KindResource,
			Err:        err,
			Mitigation: "raise the capability timeout or reduce image resolution",
		}
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// KindOf returns the kind of the first StageError in the chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindUnknown
}

// IsKind reports whether err is a StageError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
