// Package lock serializes state-mutating engine calls.
//
// A held lock is recorded in the context handed back by Acquire. Engine
// collaborators (payment asset, token ledger) receive that context; if one of
// them calls back into a guarded operation with it, Acquire fails with
// ErrReentrant instead of deadlocking. Independent callers simply queue.
//
// Re-entry is only visible through the context. A collaborator that calls
// back with a fresh context (context.Background()) is indistinguishable from
// an independent caller and, with Local, waits on itself forever.
package lock

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrReentrant is returned when a guarded operation is re-entered from
	// inside a call that already holds the same lock.
	ErrReentrant = errors.New("lock: reentrant call")

	// ErrLockHeld is returned by non-blocking lockers when another party
	// holds the lock.
	ErrLockHeld = errors.New("lock: already held")
)

// Locker acquires a named lock for the duration of one call. The returned
// release function is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string) (context.Context, func(), error)
}

type heldKey struct{ name string }

type anyHeldKey struct{}

// Held reports whether ctx was produced by acquiring key.
func Held(ctx context.Context, key string) bool {
	held, _ := ctx.Value(heldKey{key}).(bool)
	return held
}

// Holding reports whether ctx carries any held lock. Stores use it to serve
// reads inside a critical section from the source of truth.
func Holding(ctx context.Context) bool {
	held, _ := ctx.Value(anyHeldKey{}).(bool)
	return held
}

func markHeld(ctx context.Context, key string) context.Context {
	ctx = context.WithValue(ctx, anyHeldKey{}, true)
	return context.WithValue(ctx, heldKey{key}, true)
}

// Local is an in-process Locker. Waiting honours context cancellation.
type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{slots: make(map[string]chan struct{})}
}

func (l *Local) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *Local) Acquire(ctx context.Context, key string) (context.Context, func(), error) {
	if Held(ctx, key) {
		return ctx, func() {}, ErrReentrant
	}
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return ctx, func() {}, ctx.Err()
	}
	var once sync.Once
	release := func() {
		once.Do(func() { <-ch })
	}
	return markHeld(ctx, key), release, nil
}

// Compile-time interface check.
var _ Locker = (*Local)(nil)
