// Package mainthread hands work to a host's single main loop.
//
// Host applications that must touch their own state from one loop call
// Drain on every tick (or run Loop on a dedicated goroutine). Other
// goroutines submit closures with Run and are suspended until the loop has
// executed them.
package mainthread

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wagiedev/hostbridge-go/internal/errors"
)

// Scheduler runs closures on the host's main loop.
type Scheduler interface {
	Run(ctx context.Context, fn func()) error
}

// Compile-time verification that Queue implements Scheduler.
var _ Scheduler = (*Queue)(nil)

const (
	taskQueued int32 = iota
	taskRunning
	taskCancelled
)

type task struct {
	fn    func()
	state atomic.Int32
	done  chan error
}

// Queue is a FIFO of closures executed by whoever drains it.
type Queue struct {
	log   *slog.Logger
	tasks chan *task

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewQueue creates a queue holding up to capacity waiting closures.
func NewQueue(log *slog.Logger, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}

	return &Queue{
		log:     log.With("component", "mainthread"),
		tasks:   make(chan *task, capacity),
		stopped: make(chan struct{}),
	}
}

// Run enqueues fn and waits until the main loop has executed it.
//
// If ctx ends before fn starts, fn is skipped and ctx.Err() is returned.
// Once fn has started, Run waits for it to finish. A panic inside fn is
// recovered and returned as an error.
func (q *Queue) Run(ctx context.Context, fn func()) error {
	select {
	case <-q.stopped:
		return errors.ErrMainThreadStopped
	default:
	}

	t := &task{fn: fn, done: make(chan error, 1)}

	select {
	case q.tasks <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stopped:
		return errors.ErrMainThreadStopped
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		if t.state.CompareAndSwap(taskQueued, taskCancelled) {
			return ctx.Err()
		}

		return <-t.done
	case <-q.stopped:
		if t.state.CompareAndSwap(taskQueued, taskCancelled) {
			return errors.ErrMainThreadStopped
		}

		return <-t.done
	}
}

// Drain executes every closure queued at the time of the call and returns
// how many ran. It never blocks waiting for new work.
func (q *Queue) Drain() int {
	n := 0

	for {
		select {
		case t := <-q.tasks:
			if q.execute(t) {
				n++
			}
		default:
			return n
		}
	}
}

// Loop drains continuously until ctx ends or the queue stops.
func (q *Queue) Loop(ctx context.Context) error {
	for {
		select {
		case t := <-q.tasks:
			q.execute(t)
		case <-ctx.Done():
			return ctx.Err()
		case <-q.stopped:
			return nil
		}
	}
}

// Pending returns the number of queued closures.
func (q *Queue) Pending() int {
	return len(q.tasks)
}

// Stop rejects queued and future closures. It is safe to call repeatedly.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopped)
		q.log.Debug("Main thread queue stopped")
	})

	for {
		select {
		case t := <-q.tasks:
			if t.state.CompareAndSwap(taskQueued, taskCancelled) {
				t.done <- errors.ErrMainThreadStopped
			}
		default:
			return
		}
	}
}

func (q *Queue) execute(t *task) bool {
	if !t.state.CompareAndSwap(taskQueued, taskRunning) {
		return false
	}

	var err error

	func() {
		defer func() {
			if p := recover(); p != nil {
				q.log.Error("Main thread task panicked", "panic", p)
				err = fmt.Errorf("main thread task panicked: %v", p)
			}
		}()

		t.fn()
	}()

	t.done <- err

	return true
}

// Call runs fn on s and returns its results.
func Call[T any](ctx context.Context, s Scheduler, fn func() (T, error)) (T, error) {
	var (
		result T
		err    error
	)

	if runErr := s.Run(ctx, func() { result, err = fn() }); runErr != nil {
		var zero T

		return zero, runErr
	}

	return result, err
}
