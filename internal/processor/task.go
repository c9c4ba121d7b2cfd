package processor

import (
	"context"
	"sync"
	"time"
)

// eventBuffer holds every event a task can emit, so emitting never blocks.
const eventBuffer = 16

// Task is the handle of one asynchronous processing run.
type Task[T any] struct {
	ctx      context.Context
	cancel   context.CancelFunc
	dir      Direction
	observer Observer
	started  time.Time

	events chan Event
	done   chan struct{}
	once   sync.Once

	result T
	err    error
}

func newTask[T any](parent context.Context, dir Direction, observer Observer) *Task[T] {
	ctx, cancel := context.WithCancel(parent)
	return &Task[T]{
		ctx:      ctx,
		cancel:   cancel,
		dir:      dir,
		observer: observer,
		started:  time.Now(),
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
	}
}

// Done is closed once the result is available.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Events is closed after the final event. Reading it is optional.
func (t *Task[T]) Events() <-chan Event { return t.events }

// Cancel aborts the task if it has not reached its commit point yet.
func (t *Task[T]) Cancel() { t.cancel() }

// Wait returns the task result. The error is a *Error for fatal outcomes.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (t *Task[T]) emit(e Event) {
	e.Direction = t.dir
	if t.observer != nil {
		t.observer.Observe(e)
	}
	select {
	case t.events <- e:
	default:
	}
}

func (t *Task[T]) step(s Step) {
	t.emit(Event{Kind: EventStepCompleted, Step: s})
}

func (t *Task[T]) finish(result T, err error, final Event) {
	t.once.Do(func() {
		final.Elapsed = time.Since(t.started)
		t.emit(final)
		close(t.events)
		t.result, t.err = result, err
		close(t.done)
		t.cancel()
	})
}
