// Package dispatch implements the cooperative serial queue (component F):
// a single logical consumer that serializes extension callbacks onto an
// "application" execution context (spec.md §4.5), separate from the
// worker goroutines that drive transport I/O.
//
// Grounded on rustyguts-bken/server/internal/ws/handler.go's per-session
// buffered-channel-plus-one-draining-goroutine pattern, generalized from
// one channel per connection to a single process-wide queue, per spec §4.5.
package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// dispatcherKey is the context key used to detect "the caller is already
// running on this dispatcher" for DispatchIfNeeded. A context carrying this
// dispatcher's own pointer is only ever handed to code invoked from inside
// Run's task loop.
type dispatcherKey struct{}

// Task is one unit of work submitted to the Dispatcher. Run is the primary
// callback; Continuation, if set, runs immediately after Run on the same
// goroutine. When ContinuationConditional is true, Continuation is skipped
// if Run returned a non-nil error; otherwise Continuation always runs and
// receives Run's error (internal/clients uses that unconditional form and
// branches on the error itself).
type Task struct {
	Label                   string
	Run                     func(ctx context.Context) error
	Continuation            func(ctx context.Context, primaryErr error)
	ContinuationConditional bool
}

// Dispatcher serializes Tasks onto one goroutine. Submission (Dispatch,
// DispatchIfNeeded) is safe from any goroutine; Run must be called from
// exactly one goroutine and drives execution until its context is done.
type Dispatcher struct {
	logger  zerolog.Logger
	tasks   chan Task
	baseCtx context.Context
}

// New builds a Dispatcher whose submission queue holds up to maxQueued
// tasks (spec §6: maxDispatcherTasks) before Dispatch blocks the caller.
func New(logger zerolog.Logger, maxQueued int) *Dispatcher {
	d := &Dispatcher{
		logger: logger.With().Str("component", "dispatch").Logger(),
		tasks:  make(chan Task, maxQueued),
	}
	d.baseCtx = context.WithValue(context.Background(), dispatcherKey{}, d)
	return d
}

// Run drains the task queue until ctx is canceled. It must be called from
// exactly one goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-d.tasks:
			d.execute(t)
		}
	}
}

// Dispatch unconditionally enqueues t. It never runs t on the calling
// goroutine, even if the caller is already on the dispatcher — callers that
// want that optimization use DispatchIfNeeded.
func (d *Dispatcher) Dispatch(t Task) {
	d.tasks <- t
}

// DispatchIfNeeded runs t immediately, on the calling goroutine, if ctx was
// produced by this dispatcher (i.e. the caller is itself executing inside a
// Task.Run or Task.Continuation from this same Dispatcher); otherwise it
// enqueues t like Dispatch.
func (d *Dispatcher) DispatchIfNeeded(ctx context.Context, t Task) {
	if v, ok := ctx.Value(dispatcherKey{}).(*Dispatcher); ok && v == d {
		d.execute(t)
		return
	}
	d.Dispatch(t)
}

func (d *Dispatcher) execute(t Task) {
	id := uuid.NewString()
	log := d.logger.With().Str("task_id", id).Str("label", t.Label).Logger()

	var runErr error
	if t.Run != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					runErr = fmt.Errorf("panic: %v", r)
					log.Error().Interface("panic", r).Msg("dispatcher task panicked")
				}
			}()
			runErr = t.Run(d.baseCtx)
		}()
		if runErr != nil {
			log.Debug().Err(runErr).Msg("dispatcher task returned error")
		}
	}

	if t.Continuation == nil {
		return
	}
	if t.ContinuationConditional && runErr != nil {
		log.Debug().Msg("skipping conditional continuation after task failure")
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("dispatcher continuation panicked")
			}
		}()
		t.Continuation(d.baseCtx, runErr)
	}()
}
