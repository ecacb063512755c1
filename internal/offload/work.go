package offload

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/seantiz/offload/internal/host"
	"github.com/seantiz/offload/internal/model"
)

// Input is the data a worker needs to run one unit of work.
type Input struct {
	DurationMS int32
}

// Outcome is the result a worker writes back. When Failed is set, Message
// describes the failure and Result is meaningless.
type Outcome struct {
	Result  int32
	Failed  bool
	Message string
}

// args returns the completion callback arguments for o: a single error value
// on failure, or an explicit nil error followed by the result.
func (o Outcome) args() []host.Value {
	if o.Failed {
		return []host.Value{host.NewError(o.Message)}
	}
	return []host.Value{nil, o.Result}
}

// Work is the plain-data half of a submission. It holds no host values and is
// the only thing handed to a worker.
type Work struct {
	id      string
	input   Input
	outcome Outcome
	status  atomic.Value // string, one of the model.Status constants

	// queued is closed once the loop has announced the Queued transition.
	// Workers wait on it so observers see transitions in order.
	queued chan struct{}

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	// Set on the loop goroutine if the completion callback failed.
	callbackErr string
}

func newWork(in Input) *Work {
	w := &Work{
		id:        model.NewID(),
		input:     in,
		queued:    make(chan struct{}),
		createdAt: time.Now().UTC(),
	}
	w.status.Store(model.StatusCreated)
	return w
}

func (w *Work) state() string {
	return w.status.Load().(string)
}

// descriptor is the loop-side record of a submission. It owns the callback
// handle and the work value. Only the loop goroutine touches it.
type descriptor struct {
	callback *host.Persistent
	data     *Work
}

// Executor runs a single unit of work.
type Executor interface {
	Execute(ctx context.Context, in Input) (int32, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, in Input) (int32, error)

// Execute calls f(ctx, in).
func (f ExecutorFunc) Execute(ctx context.Context, in Input) (int32, error) {
	return f(ctx, in)
}

// SleepExecutor blocks the worker for the requested number of milliseconds and
// returns that number.
type SleepExecutor struct{}

// Execute sleeps for in.DurationMS milliseconds.
func (SleepExecutor) Execute(ctx context.Context, in Input) (int32, error) {
	if in.DurationMS < 0 {
		return 0, fmt.Errorf("negative duration %d", in.DurationMS)
	}

	t := time.NewTimer(time.Duration(in.DurationMS) * time.Millisecond)
	defer t.Stop()

	select {
	case <-t.C:
		return in.DurationMS, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// runWork executes w on the calling worker and records the outcome. Nothing
// raised by the executor escapes; a panic is recorded as a failed outcome.
func runWork(ctx context.Context, exec Executor, w *Work) {
	defer func() {
		if r := recover(); r != nil {
			w.outcome = Outcome{Failed: true, Message: fmt.Sprintf("work panicked: %v", r)}
		}
	}()

	result, err := exec.Execute(ctx, w.input)
	if err != nil {
		w.outcome = Outcome{Failed: true, Message: err.Error()}
		return
	}
	w.outcome = Outcome{Result: result}
}
