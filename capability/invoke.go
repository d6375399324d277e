package capability

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/recon/logging"
	"go.viam.com/recon/utils"
)

// ScratchPrefix starts the name of every invocation scratch directory.
const ScratchPrefix = ".tmp-"

// Invocation describes one capability call made by a stage.
type Invocation struct {
	// Role is the capability role invoked, used in errors and logs.
	Role string
	// StageDir is the stage directory that receives the scratch directory.
	StageDir string
	// Timeout bounds the call; 0 is unbounded.
	Timeout time.Duration
}

// Invoke runs fn with a fresh scratch directory <stage dir>/.tmp-<uuid>. The call is abandoned
// when ctx is done or the timeout elapses, even if fn does not return; the scratch directory is
// removed whenever the call does not succeed. A timeout is a resource error, cancellation is
// returned as the context error and anything else fn returns is a capability error.
func Invoke(ctx context.Context, inv Invocation, logger logging.Logger, fn func(ctx context.Context, scratch string) error) (err error) {
	scratch := filepath.Join(inv.StageDir, ScratchPrefix+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o750); err != nil {
		return errors.Wrap(err, "creating scratch directory")
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(scratch); rmErr != nil {
				logger.Warnw("cannot remove scratch directory", "dir", scratch, "error", rmErr)
			}
		}
	}()

	callCtx, cancel := context.WithCancel(ctx)
	if inv.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
	}
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	goutils.PanicCapturingGoWithCallback(func() {
		done <- fn(callCtx, scratch)
	}, func(panicErr interface{}) {
		done <- errors.Errorf("%s capability panicked: %v", inv.Role, panicErr)
	})

	var callErr error
	select {
	case callErr = <-done:
	case <-callCtx.Done():
		callErr = callCtx.Err()
	}
	logger.Debugw("capability call", "role", inv.Role, "duration", time.Since(start), "error", callErr)
	switch {
	case callErr == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return utils.NewResourceError(inv.Role,
			errors.Wrapf(context.DeadlineExceeded, "%s did not finish within %s", inv.Role, inv.Timeout),
			"raise the capability timeout or reduce image resolution")
	case utils.KindOf(callErr) != utils.KindUnknown:
		return callErr
	default:
		return utils.NewCapabilityError(inv.Role, callErr)
	}
}

// RemoveScratch removes leftover scratch directories of a stage directory.
func RemoveScratch(stageDir string) error {
	matches, err := filepath.Glob(filepath.Join(stageDir, ScratchPrefix+"*"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			return err
		}
	}
	return nil
}
