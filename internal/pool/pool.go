// Package pool implements a fixed-size worker pool. Workers are started once,
// when the pool is created, and take jobs from an unbounded FIFO queue, so
// Submit never blocks the caller.
package pool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DefaultWorkers matches the default size of libuv's thread pool.
const DefaultWorkers = 4

var (
	// ErrClosed is returned when submitting to a pool that has been shut down.
	ErrClosed = errors.New("pool: closed")

	// ErrNilFunc is returned when a submitted Job has a nil Fn.
	ErrNilFunc = errors.New("pool: job func is nil")
)

// JobFunc is executed by a worker with the job's payload.
type JobFunc[T any] func(T)

// Job is a single unit of work. Payload is the only data a worker sees.
type Job[T any] struct {
	Payload T
	Fn      JobFunc[T]
}

// Options configure a Pool. Zero values are replaced in FillDefaults.
type Options struct {
	// Workers is the fixed number of worker goroutines.
	Workers int

	// LockOSThread wires each worker to its own OS thread for its lifetime.
	LockOSThread bool

	// PinWorkers additionally restricts worker i to CPU i mod NumCPU.
	// Only supported on Linux; implies LockOSThread.
	PinWorkers bool
}

// FillDefaults replaces zero values with defaults.
func (o *Options) FillDefaults() {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.PinWorkers {
		o.LockOSThread = true
	}
}

// Pool runs jobs on a fixed set of workers.
type Pool[T any] struct {
	opts   Options
	logger logrus.FieldLogger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  *fifoQueue[T]
	closed bool

	wg       sync.WaitGroup
	active   atomic.Int32
	executed atomic.Uint64

	// OnPanic, if set, receives the value of any job that panics. The worker
	// survives the panic either way.
	OnPanic func(r any)
}

// New creates a pool and starts its workers.
func New[T any](opts Options, logger logrus.FieldLogger) *Pool[T] {
	opts.FillDefaults()

	p := &Pool[T]{
		opts:   opts,
		logger: logger,
		queue:  newFifoQueue[T](initialQueueCapacity),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	logger.WithField("workers", opts.Workers).Debug("worker pool started")
	return p
}

// Submit queues job for execution.
func (p *Pool[T]) Submit(job Job[T]) error {
	if job.Fn == nil {
		return ErrNilFunc
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue.Push(job)
	p.mu.Unlock()

	p.cond.Signal()
	return nil
}

// Shutdown stops accepting jobs and waits until every queued job has run or
// ctx is done. Queued jobs are never discarded.
func (p *Pool[T]) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop is Shutdown without a deadline.
func (p *Pool[T]) Stop() { _ = p.Shutdown(context.Background()) }

// Workers returns the fixed worker count.
func (p *Pool[T]) Workers() int { return p.opts.Workers }

// ActiveWorkers returns the number of workers currently running a job.
func (p *Pool[T]) ActiveWorkers() int32 { return p.active.Load() }

// Executed returns the number of jobs run so far.
func (p *Pool[T]) Executed() uint64 { return p.executed.Load() }

// QueueLength returns the number of jobs waiting for a worker.
func (p *Pool[T]) QueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

func (p *Pool[T]) worker(id int) {
	defer p.wg.Done()

	if p.opts.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	if p.opts.PinWorkers {
		cpu := id % runtime.NumCPU()
		if err := pinToCPU(cpu); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{"worker": id, "cpu": cpu}).Warn("cpu pinning failed")
		}
	}

	for {
		job, ok := p.next()
		if !ok {
			return
		}
		p.run(id, job)
	}
}

// next blocks until a job is available. It reports false once the pool is
// closed and the queue is empty.
func (p *Pool[T]) next() (Job[T], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.queue.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	return p.queue.Pop()
}

func (p *Pool[T]) run(id int, job Job[T]) {
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.executed.Add(1)
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{"worker": id, "panic": r}).Error("job panicked")
			if p.OnPanic != nil {
				p.OnPanic(r)
			}
		}
	}()
	job.Fn(job.Payload)
}
