package capability

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/recon/logging"
	"go.viam.com/recon/utils"
)

func scratchDirs(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	test.That(t, err, test.ShouldBeNil)
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ScratchPrefix) {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestInvoke(t *testing.T) {
	logger := logging.NewTestLogger(t)

	t.Run("success keeps the scratch directory", func(t *testing.T) {
		dir := t.TempDir()
		var seen string
		err := Invoke(context.Background(), Invocation{Role: RolePoseEstimator, StageDir: dir}, logger,
			func(ctx context.Context, scratch string) error {
				seen = scratch
				return os.WriteFile(filepath.Join(scratch, "out.txt"), []byte("ok"), 0o600)
			})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, filepath.Dir(seen), test.ShouldEqual, dir)
		test.That(t, len(scratchDirs(t, dir)), test.ShouldEqual, 1)

		test.That(t, RemoveScratch(dir), test.ShouldBeNil)
		test.That(t, scratchDirs(t, dir), test.ShouldBeEmpty)
	})

	t.Run("failure is a capability error", func(t *testing.T) {
		dir := t.TempDir()
		err := Invoke(context.Background(), Invocation{Role: RoleDenseStereo, StageDir: dir}, logger,
			func(ctx context.Context, scratch string) error { return errors.New("solver crashed") })
		test.That(t, utils.KindOf(err), test.ShouldEqual, utils.KindCapability)
		test.That(t, err.Error(), test.ShouldContainSubstring, "solver crashed")
		test.That(t, scratchDirs(t, dir), test.ShouldBeEmpty)
	})

	t.Run("classified errors pass through", func(t *testing.T) {
		err := Invoke(context.Background(), Invocation{Role: RoleDenseStereo, StageDir: t.TempDir()}, logger,
			func(ctx context.Context, scratch string) error {
				return utils.NewInsufficientGeometryError("densify", "nothing")
			})
		test.That(t, utils.KindOf(err), test.ShouldEqual, utils.KindInsufficientGeometry)
	})

	t.Run("panic", func(t *testing.T) {
		err := Invoke(context.Background(), Invocation{Role: RoleSegmenter, StageDir: t.TempDir()}, logger,
			func(ctx context.Context, scratch string) error { panic("boom") })
		test.That(t, utils.KindOf(err), test.ShouldEqual, utils.KindCapability)
		test.That(t, err.Error(), test.ShouldContainSubstring, "boom")
	})

	t.Run("timeout abandons the call", func(t *testing.T) {
		dir := t.TempDir()
		release := make(chan struct{})
		defer close(release)
		start := time.Now()
		err := Invoke(context.Background(), Invocation{Role: RolePoseEstimator, StageDir: dir, Timeout: 50 * time.Millisecond}, logger,
			func(ctx context.Context, scratch string) error {
				<-release
				return nil
			})
		test.That(t, time.Since(start), test.ShouldBeLessThan, 5*time.Second)
		test.That(t, utils.KindOf(err), test.ShouldEqual, utils.KindResource)
		test.That(t, err.Error(), test.ShouldContainSubstring, "raise the capability timeout")
		test.That(t, scratchDirs(t, dir), test.ShouldBeEmpty)
	})

	t.Run("cancellation", func(t *testing.T) {
		dir := t.TempDir()
		ctx, cancel := context.WithCancel(context.Background())
		err := Invoke(ctx, Invocation{Role: RolePoseEstimator, StageDir: dir}, logger,
			func(ctx context.Context, scratch string) error {
				cancel()
				<-ctx.Done()
				return ctx.Err()
			})
		test.That(t, err, test.ShouldEqual, context.Canceled)
		test.That(t, utils.KindOf(err), test.ShouldEqual, utils.KindCanceled)
		test.That(t, scratchDirs(t, dir), test.ShouldBeEmpty)
	})
}
