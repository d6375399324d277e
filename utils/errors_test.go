package utils

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
)

func TestStageErrorKinds(t *testing.T) {
	err := NewInsufficientGeometryError("reconstruct surface", "only %d points", 12)
	test.That(t, KindOf(err), test.ShouldEqual, KindInsufficientGeometry)
	test.That(t, KindOf(err).Fatal(), test.ShouldBeTrue)

	staged := InStage("mesh", err)
	test.That(t, staged.Error(), test.ShouldEqual,
		"mesh: insufficient_geometry during reconstruct surface: only 12 points")

	wrapped := errors.Wrap(staged, "pipeline")
	test.That(t, IsKind(wrapped, KindInsufficientGeometry), test.ShouldBeTrue)
	var stageErr *StageError
	test.That(t, errors.As(wrapped, &stageErr), test.ShouldBeTrue)
	test.That(t, stageErr.Stage, test.ShouldEqual, "mesh")

	unavailable := NewCapabilityUnavailableError("scene_writer")
	test.That(t, KindOf(unavailable).Fatal(), test.ShouldBeFalse)

	res := NewResourceError("poisson solve", errors.New("grid needs 9GiB"), "reduce depth")
	test.That(t, res.Error(), test.ShouldContainSubstring, "(try: reduce depth)")
}

func TestInStageClassifiesContextErrors(t *testing.T) {
	test.That(t, InStage("sfm", nil), test.ShouldBeNil)
	test.That(t, KindOf(InStage("sfm", context.Canceled)), test.ShouldEqual, KindCanceled)

	timeout := InStage("mvs", errors.Wrap(context.DeadlineExceeded, "dense stereo"))
	test.That(t, KindOf(timeout), test.ShouldEqual, KindResource)
	var stageErr *StageError
	test.That(t, errors.As(timeout, &stageErr), test.ShouldBeTrue)
	test.That(t, stageErr.Mitigation, test.ShouldNotBeEmpty)

	test.That(t, KindOf(InStage("export", errors.New("disk full"))), test.ShouldEqual, KindUnknown)
	test.That(t, KindOf(nil), test.ShouldEqual, ErrorKind(""))
}
