package utils

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.viam.com/test"
	gutils "go.viam.com/utils"
)

func TestRunInParallel(t *testing.T) {
	wait100ms := func(ctx context.Context) error {
		gutils.SelectContextOrWait(ctx, 100*time.Millisecond)
		return ctx.Err()
	}

	elapsed, err := RunInParallel(context.Background(), []SimpleFunc{wait100ms, wait100ms})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, elapsed, test.ShouldBeLessThan, 190*time.Millisecond)
	test.That(t, elapsed, test.ShouldBeGreaterThan, 90*time.Millisecond)

	errFunc := func(ctx context.Context) error {
		return errors.New("bad")
	}

	_, err = RunInParallel(context.Background(), []SimpleFunc{wait100ms, wait100ms, errFunc})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bad")

	panicFunc := func(ctx context.Context) error {
		panic(1)
	}

	_, err = RunInParallel(context.Background(), []SimpleFunc{panicFunc})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestGroupWorkParallel(t *testing.T) {
	for _, size := range []int{0, 1, 7, 1000} {
		seen := make([]int32, size)
		var groups int
		err := GroupWorkParallel(context.Background(), size, func(n int) { groups = n },
			func(groupNum, groupSize, from, to int) (MemberWorkFunc, GroupWorkDoneFunc) {
				return func(memberNum, workNum int) {
					atomic.AddInt32(&seen[workNum], 1)
				}, nil
			})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, groups, test.ShouldBeLessThanOrEqualTo, ParallelFactor)
		for _, count := range seen {
			test.That(t, count, test.ShouldEqual, int32(1))
		}
	}

	out := make([]int, 100)
	test.That(t, ParallelForEachIndex(context.Background(), len(out), func(i int) { out[i] = i * i }), test.ShouldBeNil)
	test.That(t, out[9], test.ShouldEqual, 81)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	test.That(t, ParallelForEachIndex(ctx, 10, func(int) {}), test.ShouldBeError, context.Canceled)
}
