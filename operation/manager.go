// Package operation tracks the single reconstruction run that may be in flight at a time.
package operation

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// SingleOperationManager ensures only 1 operation is happening a time
// An operation can be nested, so if there is already an operation in progress,
// it can have sub-operations without an issue.
type SingleOperationManager struct {
	mu        sync.Mutex
	currentOp *anOp
}

// CancelRunning cancel's a current operation unless it's mine.
func (sm *SingleOperationManager) CancelRunning(ctx context.Context) {
	if ctx.Value(somCtxKeySingleOp) != nil {
		return
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cancelInLock(ctx)
}

// OpRunning returns if there is a current operation.
func (sm *SingleOperationManager) OpRunning() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.currentOp != nil
}

// CurrentID returns the id of the running operation, or uuid.Nil.
func (sm *SingleOperationManager) CurrentID() uuid.UUID {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.currentOp == nil {
		return uuid.Nil
	}
	return sm.currentOp.id
}

type somCtxKey byte

const somCtxKeySingleOp = somCtxKey(iota)

// IDFromContext returns the id of the operation the context belongs to.
func IDFromContext(ctx context.Context) (uuid.UUID, bool) {
	op, ok := ctx.Value(somCtxKeySingleOp).(*anOp)
	if !ok {
		return uuid.Nil, false
	}
	return op.id, true
}

// New creates a new operation, cancels previous, returns a new context and function to call when done.
func (sm *SingleOperationManager) New(ctx context.Context) (context.Context, func()) {
	// handle nested ops
	if ctx.Value(somCtxKeySingleOp) != nil {
		return ctx, func() {}
	}

	sm.mu.Lock()

	// first cancel any old operation
	sm.cancelInLock(ctx)

	theOp := &anOp{id: uuid.New()}

	ctx = context.WithValue(ctx, somCtxKeySingleOp, theOp)

	theOp.ctx, theOp.cancelFunc = context.WithCancel(ctx)
	sm.currentOp = theOp
	sm.mu.Unlock()

	return theOp.ctx, func() {
		sm.mu.Lock()
		if theOp == sm.currentOp {
			sm.currentOp = nil
		}
		sm.mu.Unlock()
		theOp.cancelFunc()
	}
}

// Run executes f as a new operation and finishes it when f returns.
func (sm *SingleOperationManager) Run(ctx context.Context, f func(ctx context.Context) error) error {
	ctx, finish := sm.New(ctx)
	defer finish()
	return f(ctx)
}

func (sm *SingleOperationManager) cancelInLock(ctx context.Context) {
	myOp := ctx.Value(somCtxKeySingleOp)
	op := sm.currentOp

	if op == nil || myOp == op {
		return
	}

	op.cancelFunc()

	sm.currentOp = nil
}

type anOp struct {
	id         uuid.UUID
	ctx        context.Context
	cancelFunc context.CancelFunc
}
