package offload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/offload/internal/host"
	"github.com/seantiz/offload/internal/loop"
	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/pool"
)

// ErrClosed is returned when submitting to a bridge that has been shut down.
var ErrClosed = errors.New("offload: bridge closed")

// Argument error messages returned by Submit.
const (
	msgTooFewArgs   = "submit requires two parameters: number, callback"
	msgNotInteger   = "first argument must be an integer"
	msgOutOfRange   = "first argument must be between 0 and 2147483647"
	msgNotInvocable = "second argument must be a callback function"
)

// Event describes one lifecycle transition of a submission.
type Event struct {
	ID            string
	From          string
	To            string
	At            time.Time
	DurationMS    int32
	Result        *int32
	Error         string
	CallbackError string
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
}

// Observer is notified of every lifecycle transition. Transition is called on
// whichever goroutine performed the transition, a worker or the loop, and must
// not block.
type Observer interface {
	Transition(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

// Transition calls f(ev).
func (f ObserverFunc) Transition(ev Event) { f(ev) }

type nopObserver struct{}

func (nopObserver) Transition(Event) {}

// Options configure a Bridge. Loop, Pool and Process are required.
type Options struct {
	Loop     *loop.Loop
	Pool     *pool.Pool[*Work]
	Process  *host.Process
	Heap     *host.Heap
	Executor Executor
	Observer Observer
	Logger   logrus.FieldLogger

	// OnInternalError receives bookkeeping failures that indicate a bug, such
	// as an invalid lifecycle transition or a handle released twice.
	OnInternalError func(err error)
}

// Bridge offloads work from the origin loop to a worker pool and dispatches
// completions back to the loop.
type Bridge struct {
	loop     *loop.Loop
	pool     *pool.Pool[*Work]
	process  *host.Process
	heap     *host.Heap
	exec     Executor
	observer Observer
	logger   logrus.FieldLogger

	onInternalError func(err error)

	// pending is only read or written on the loop goroutine.
	pending map[string]*descriptor

	closed   atomic.Bool
	inflight atomic.Int64
}

// NewPool creates the worker pool a Bridge runs work on.
func NewPool(opts pool.Options, logger logrus.FieldLogger) *pool.Pool[*Work] {
	return pool.New[*Work](opts, logger)
}

// New creates a Bridge from opts.
func New(opts Options) (*Bridge, error) {
	if opts.Loop == nil {
		return nil, errors.New("offload: loop is required")
	}
	if opts.Pool == nil {
		return nil, errors.New("offload: pool is required")
	}
	if opts.Process == nil {
		return nil, errors.New("offload: process is required")
	}
	if opts.Heap == nil {
		opts.Heap = host.NewHeap()
	}
	if opts.Executor == nil {
		opts.Executor = SleepExecutor{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}

	return &Bridge{
		loop:            opts.Loop,
		pool:            opts.Pool,
		process:         opts.Process,
		heap:            opts.Heap,
		exec:            opts.Executor,
		observer:        opts.Observer,
		logger:          opts.Logger,
		onInternalError: opts.OnInternalError,
		pending:         make(map[string]*descriptor),
	}, nil
}

// Heap returns the handle heap the bridge persists callbacks in.
func (b *Bridge) Heap() *host.Heap { return b.heap }

// Inflight returns the number of submissions that have not been disposed.
func (b *Bridge) Inflight() int64 { return b.inflight.Load() }

// Stats is a point-in-time view of the bridge and its pool.
type Stats struct {
	Inflight      int64  `json:"inflight"`
	Workers       int    `json:"workers"`
	ActiveWorkers int32  `json:"active_workers"`
	Queued        int    `json:"queued"`
	Executed      uint64 `json:"executed"`
	LiveHandles   int    `json:"live_handles"`
	Closed        bool   `json:"closed"`
}

// Stats returns current counters. It is safe to call from any goroutine.
func (b *Bridge) Stats() Stats {
	return Stats{
		Inflight:      b.inflight.Load(),
		Workers:       b.pool.Workers(),
		ActiveWorkers: b.pool.ActiveWorkers(),
		Queued:        b.pool.QueueLength(),
		Executed:      b.pool.Executed(),
		LiveHandles:   b.heap.Live(),
		Closed:        b.closed.Load(),
	}
}

// Submit is the host-facing entry point: Submit(duration, callback). It must
// be called on the loop goroutine. Argument errors are returned as
// *host.Exception before anything is scheduled. On success the work is queued
// and Submit returns at once; callback is later invoked on the loop as
// callback(err) on failure or callback(nil, result) on success.
func (b *Bridge) Submit(args ...host.Value) error {
	if len(args) < 2 {
		return b.argumentError(host.NewError(msgTooFewArgs))
	}

	n, ok := host.ToInt64(args[0])
	if !ok {
		return b.argumentError(host.NewTypeError(msgNotInteger))
	}
	if n < 0 || n > math.MaxInt32 {
		return b.argumentError(host.NewRangeError(msgOutOfRange))
	}

	cb, ok := host.AsCallable(args[1])
	if !ok {
		return b.argumentError(host.NewTypeError(msgNotInvocable))
	}

	_, err := b.schedule(Input{DurationMS: int32(n)}, cb)
	return err
}

// Enqueue is the typed entry point for in-process callers. Like Submit it must
// run on the loop goroutine; other goroutines go through loop.Do. It returns
// the submission ID.
func (b *Bridge) Enqueue(durationMS int32, cb host.Callable) (string, error) {
	if durationMS < 0 {
		return "", b.argumentError(host.NewRangeError(msgOutOfRange))
	}
	fn, ok := host.AsCallable(cb)
	if !ok {
		return "", b.argumentError(host.NewTypeError(msgNotInvocable))
	}
	return b.schedule(Input{DurationMS: durationMS}, fn)
}

func (b *Bridge) argumentError(exc *host.Exception) error {
	argumentErrorsTotal.WithLabelValues(exc.Kind.String()).Inc()
	return exc
}

func (b *Bridge) schedule(in Input, cb host.Callable) (string, error) {
	if b.closed.Load() {
		return "", ErrClosed
	}

	w := newWork(in)
	d := &descriptor{callback: b.heap.Persist(cb), data: w}
	b.pending[w.id] = d
	b.loop.Ref()
	b.inflight.Add(1)
	inflight.Inc()

	// Observers hear about the submission only once the pool has taken it, so
	// a refused submission leaves no record behind.
	if err := b.pool.Submit(pool.Job[*Work]{Payload: w, Fn: b.execute}); err != nil {
		b.rollback(d)
		if errors.Is(err, pool.ErrClosed) {
			return "", ErrClosed
		}
		return "", fmt.Errorf("offload: queue work: %w", err)
	}

	b.notify(w, "", model.StatusCreated)
	b.advance(w, model.StatusQueued)
	close(w.queued)

	submissionsTotal.Inc()
	b.logger.WithFields(logrus.Fields{
		"submission_id": w.id,
		"duration_ms":   in.DurationMS,
	}).Debug("work queued")
	return w.id, nil
}

// rollback undoes schedule when the pool refused the work.
func (b *Bridge) rollback(d *descriptor) {
	if err := d.callback.Release(); err != nil {
		b.internalError(fmt.Errorf("release handle for %s: %w", d.data.id, err))
	}
	delete(b.pending, d.data.id)
	d.callback = nil
	b.inflight.Add(-1)
	inflight.Dec()
	b.loop.Unref()
}

// execute runs on a worker goroutine and only touches w.
func (b *Bridge) execute(w *Work) {
	<-w.queued

	start := time.Now()
	w.startedAt = start.UTC()
	b.advance(w, model.StatusExecuting)

	runWork(context.Background(), b.exec, w)
	workDuration.Observe(time.Since(start).Seconds())

	id := w.id
	if err := b.loop.Post(func() { b.complete(id) }); err != nil {
		b.internalError(fmt.Errorf("post completion for %s: %w", id, err))
	}
}

// complete runs on the loop goroutine and invokes the callback once.
func (b *Bridge) complete(id string) {
	d, ok := b.pending[id]
	if !ok {
		b.internalError(fmt.Errorf("completion for unknown submission %s", id))
		return
	}
	defer b.dispose(d)

	w := d.data
	w.completedAt = time.Now().UTC()
	b.advance(w, model.StatusCompleted)

	if w.outcome.Failed {
		completionsTotal.WithLabelValues(outcomeFailed).Inc()
	} else {
		completionsTotal.WithLabelValues(outcomeSucceeded).Inc()
	}

	err := d.callback.Call(w.outcome.args()...)
	if err == nil {
		return
	}
	if errors.Is(err, host.ErrReleased) {
		b.internalError(fmt.Errorf("callback for %s: %w", id, err))
		return
	}

	callbackFailuresTotal.Inc()
	w.callbackErr = err.Error()
	b.logger.WithError(err).WithField("submission_id", id).Error("completion callback raised")
	b.process.Escalate(err)
}

// dispose releases everything the submission owns. It runs exactly once per
// submission, on the loop goroutine.
func (b *Bridge) dispose(d *descriptor) {
	w := d.data
	if err := d.callback.Release(); err != nil {
		b.internalError(fmt.Errorf("release handle for %s: %w", w.id, err))
	}
	delete(b.pending, w.id)
	b.advance(w, model.StatusDisposed)

	d.callback = nil
	d.data = nil
	b.inflight.Add(-1)
	inflight.Dec()
	b.loop.Unref()
}

// advance moves w to the next lifecycle state and notifies the observer.
func (b *Bridge) advance(w *Work, to string) {
	from := w.state()
	if !model.ValidTransition(from, to) || !w.status.CompareAndSwap(from, to) {
		b.internalError(fmt.Errorf("invalid transition %s -> %s for %s", from, to, w.id))
		return
	}
	b.notify(w, from, to)
}

func (b *Bridge) notify(w *Work, from, to string) {
	ev := Event{
		ID:            w.id,
		From:          from,
		To:            to,
		At:            time.Now().UTC(),
		DurationMS:    w.input.DurationMS,
		CreatedAt:     w.createdAt,
		StartedAt:     w.startedAt,
		CompletedAt:   w.completedAt,
		CallbackError: w.callbackErr,
	}
	if to == model.StatusCompleted || to == model.StatusDisposed {
		if w.outcome.Failed {
			ev.Error = w.outcome.Message
		} else {
			r := w.outcome.Result
			ev.Result = &r
		}
	}
	b.transition(ev)
}

// transition hands ev to the observer. A panicking observer is reported as an
// internal error and never interrupts the submission's lifecycle.
func (b *Bridge) transition(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.internalError(fmt.Errorf("observer panicked on %s -> %s for %s: %v", ev.From, ev.To, ev.ID, r))
		}
	}()
	b.observer.Transition(ev)
}

func (b *Bridge) internalError(err error) {
	internalErrorsTotal.Inc()
	b.logger.WithError(err).Error("offload internal error")
	if b.onInternalError != nil {
		b.onInternalError(err)
	}
}

// Shutdown stops accepting submissions and waits for the pool to run every
// queued unit of work. Each drained unit still posts its completion, so the
// loop must keep running until Shutdown returns and the posted completions
// have been dispatched.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.closed.Store(true)
	if err := b.pool.Shutdown(ctx); err != nil {
		return fmt.Errorf("offload: drain pool: %w", err)
	}
	return nil
}
