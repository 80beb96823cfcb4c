// Package journal gives a single engine call all-or-nothing semantics.
//
// Every state write registers an undo step; events are buffered instead of
// published. On success the call commits and the events go out in order; on
// failure the undo steps run in reverse and the events are dropped, so a
// failed call leaves no trace.
package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/issuance-engine/internal/events"
)

// Journal records compensations and pending events for one call.
// It is not safe for concurrent use; calls are serialized by the lock.
type Journal struct {
	undo    []func(context.Context) error
	pending []events.Event
	done    bool
}

// New returns an empty journal.
func New() *Journal {
	return &Journal{}
}

// OnRollback registers fn to run if the call fails.
func (j *Journal) OnRollback(fn func(context.Context) error) {
	j.undo = append(j.undo, fn)
}

// Emit buffers an event until Commit.
func (j *Journal) Emit(e events.Event) {
	j.pending = append(j.pending, e)
}

// Pending returns the buffered events.
func (j *Journal) Pending() []events.Event {
	return j.pending
}

// Commit publishes buffered events to em and discards the undo log.
func (j *Journal) Commit(em events.Emitter) {
	if j.done {
		return
	}
	j.done = true
	if em != nil {
		for _, e := range j.pending {
			em.Emit(e)
		}
	}
	j.undo = nil
	j.pending = nil
}

// Rollback runs the undo steps newest first. Every step runs even if an
// earlier one fails; the failures are joined.
func (j *Journal) Rollback(ctx context.Context) error {
	if j.done {
		return nil
	}
	j.done = true
	var errs []error
	for i := len(j.undo) - 1; i >= 0; i-- {
		if err := j.undo[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	j.undo = nil
	j.pending = nil
	if len(errs) > 0 {
		return fmt.Errorf("journal: rollback: %w", errors.Join(errs...))
	}
	return nil
}

// Finish commits when err is nil and rolls back otherwise, returning err
// (joined with any rollback failure). Meant for a deferred call:
//
//	defer func() { err = j.Finish(ctx, err, emitter) }()
func (j *Journal) Finish(ctx context.Context, err error, em events.Emitter) error {
	if err == nil {
		j.Commit(em)
		return nil
	}
	// Compensations must run even if the caller's context is gone.
	if rbErr := j.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
		return errors.Join(err, rbErr)
	}
	return err
}
