// Package loop provides the origin event loop: a single goroutine that runs
// posted tasks one at a time, in the order they were posted. Tasks may be
// posted from any goroutine; they always execute on the loop goroutine, so code
// that only ever runs as a loop task needs no locking.
package loop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned when posting to a closed loop.
	ErrClosed = errors.New("loop: closed")

	// ErrRunning is returned when Run is called while the loop is already running.
	ErrRunning = errors.New("loop: already running")
)

// PanicError describes a task that panicked on the loop goroutine.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("loop task panicked: %v", e.Value)
}

// Loop is a single-threaded, non-preemptive task loop.
type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}

	refs    atomic.Int64
	running atomic.Bool

	logger  logrus.FieldLogger
	onPanic func(error)
}

// New creates a loop. onPanic, if non-nil, receives a *PanicError for every
// task that panics; otherwise the panic is logged. The loop keeps running
// either way.
func New(logger logrus.FieldLogger, onPanic func(error)) *Loop {
	return &Loop{
		wake:    make(chan struct{}, 1),
		logger:  logger,
		onPanic: onPanic,
	}
}

// Post queues fn to run on the loop goroutine. It never blocks.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return errors.New("loop: nil task")
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	l.signal()
	return nil
}

// Do runs fn on the loop goroutine and waits for its result. It must not be
// called from the loop goroutine itself.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	err := l.Post(func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r, Stack: debug.Stack()}
			}
			done <- err
		}()
		err = fn()
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ref marks one unit of outstanding work. RunUntilIdle does not return while
// any reference is held.
func (l *Loop) Ref() {
	l.refs.Add(1)
}

// Unref releases a reference taken with Ref.
func (l *Loop) Unref() {
	if l.refs.Add(-1) < 0 {
		l.refs.Store(0)
		l.logger.Warn("loop: unbalanced Unref")
	}
	l.signal()
}

// Refs returns the number of outstanding references.
func (l *Loop) Refs() int64 {
	return l.refs.Load()
}

// Len returns the number of tasks waiting to run.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Close stops accepting tasks. A running loop finishes the tasks already
// queued and then returns.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

// Run executes tasks until ctx is done or the loop is closed and drained.
func (l *Loop) Run(ctx context.Context) error {
	return l.run(ctx, false)
}

// RunUntilIdle executes tasks until no task is queued and no reference is
// held, the point at which a host process with nothing pending would exit.
func (l *Loop) RunUntilIdle(ctx context.Context) error {
	return l.run(ctx, true)
}

func (l *Loop) run(ctx context.Context, untilIdle bool) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer l.running.Store(false)

	for {
		batch, closed := l.take()
		for _, fn := range batch {
			l.exec(fn)
		}
		if len(batch) > 0 {
			continue
		}

		if closed {
			return nil
		}
		if untilIdle && l.refs.Load() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) take() ([]func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := l.tasks
	l.tasks = nil
	return batch, l.closed
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := &PanicError{Value: r, Stack: debug.Stack()}
			if l.onPanic != nil {
				l.onPanic(err)
				return
			}
			l.logger.WithField("stack", string(err.Stack)).WithError(err).Error("loop task panicked")
		}
	}()
	fn()
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
