package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, func()) {
	t.Helper()
	d := New(zerolog.Nop(), 64)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	return d, cancel
}

func TestTasksRunInFIFOOrder(t *testing.T) {
	d, cancel := newTestDispatcher(t)
	defer cancel()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		i := i
		d.Dispatch(Task{Run: func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
			return nil
		}})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := range order {
		if order[i] != i {
			t.Fatalf("tasks executed out of order: %v", order)
		}
	}
}

func TestContinuationRunsAfterPrimary(t *testing.T) {
	d, cancel := newTestDispatcher(t)
	defer cancel()

	done := make(chan string, 1)
	d.Dispatch(Task{
		Run: func(context.Context) error { return nil },
		Continuation: func(_ context.Context, err error) {
			if err != nil {
				done <- "error"
				return
			}
			done <- "ok"
		},
	})

	select {
	case got := <-done:
		if got != "ok" {
			t.Fatalf("continuation result = %q, want ok", got)
		}
	case <-time.After(time.Second):
		t.Fatal("continuation never ran")
	}
}

func TestConditionalContinuationSkippedOnFailure(t *testing.T) {
	d, cancel := newTestDispatcher(t)
	defer cancel()

	ran := make(chan struct{}, 1)
	d.Dispatch(Task{
		Run:                     func(context.Context) error { return errors.New("boom") },
		ContinuationConditional: true,
		Continuation:            func(context.Context, error) { ran <- struct{}{} },
	})

	// Give the dispatcher a moment, then submit a second task to serialize
	// against, proving the first has already completed.
	sync2 := make(chan struct{})
	d.Dispatch(Task{Run: func(context.Context) error { close(sync2); return nil }})
	<-sync2

	select {
	case <-ran:
		t.Fatal("conditional continuation must not run after a failing primary task")
	default:
	}
}

func TestUnconditionalContinuationRunsOnFailure(t *testing.T) {
	d, cancel := newTestDispatcher(t)
	defer cancel()

	done := make(chan error, 1)
	d.Dispatch(Task{
		Run:          func(context.Context) error { return errors.New("boom") },
		Continuation: func(_ context.Context, err error) { done <- err },
	})

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected continuation to observe the primary task's error")
		}
	case <-time.After(time.Second):
		t.Fatal("continuation never ran")
	}
}

func TestDispatchIfNeededRunsInlineWhenAlreadyOnDispatcher(t *testing.T) {
	d, cancel := newTestDispatcher(t)
	defer cancel()

	// The dispatcher has exactly one consumer goroutine. If DispatchIfNeeded
	// truly runs inline (rather than enqueueing), "inner" must be appended
	// between "outer-start" and "outer-end" — an enqueued task could not
	// run until the outer Run function returns, since nothing else is
	// draining the queue concurrently.
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	doneOuter := make(chan struct{})
	d.Dispatch(Task{Run: func(ctx context.Context) error {
		record("outer-start")
		d.DispatchIfNeeded(ctx, Task{Run: func(context.Context) error {
			record("inner")
			return nil
		}})
		record("outer-end")
		return nil
	}})
	d.Dispatch(Task{Run: func(context.Context) error { close(doneOuter); return nil }})

	select {
	case <-doneOuter:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tasks to drain")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"outer-start", "inner", "outer-end"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDispatchIfNeededEnqueuesWhenNotOnDispatcher(t *testing.T) {
	d, cancel := newTestDispatcher(t)
	defer cancel()

	done := make(chan struct{}, 1)
	// context.Background() was never produced by this dispatcher.
	d.DispatchIfNeeded(context.Background(), Task{Run: func(context.Context) error {
		done <- struct{}{}
		return nil
	}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task submitted via DispatchIfNeeded from off-dispatcher never ran")
	}
}
