package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/offload"
	"github.com/seantiz/offload/internal/store"
)

// Defaults for Options.
const (
	DefaultBuffer    = 1024
	DefaultCacheSize = 256
	DefaultCacheTTL  = 10 * time.Minute
)

// writeTimeout bounds a single store write from the writer goroutine.
const writeTimeout = 5 * time.Second

// Options configure a Recorder.
type Options struct {
	// Buffer is the number of transitions that may wait for the writer.
	// Transitions arriving while the buffer is full are dropped.
	Buffer int

	// CacheSize and CacheTTL bound the in-memory view of recent submissions.
	CacheSize int
	CacheTTL  time.Duration
}

func (o *Options) fillDefaults() {
	if o.Buffer <= 0 {
		o.Buffer = DefaultBuffer
	}
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}
}

// Recorder is an offload.Observer that journals every transition. Transition
// never blocks; a single writer goroutine applies transitions in arrival order.
type Recorder struct {
	store  store.Store
	broker *EventBroker
	recent *expirable.LRU[string, model.Submission]
	logger logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
	events chan offload.Event
	done   chan struct{}

	dropped atomic.Uint64
	written atomic.Uint64
}

var _ offload.Observer = (*Recorder)(nil)

// NewRecorder creates a Recorder and starts its writer goroutine.
func NewRecorder(s store.Store, logger logrus.FieldLogger, opts Options) *Recorder {
	opts.fillDefaults()

	r := &Recorder{
		store:  s,
		broker: NewEventBroker(),
		recent: expirable.NewLRU[string, model.Submission](opts.CacheSize, nil, opts.CacheTTL),
		logger: logger,
		events: make(chan offload.Event, opts.Buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Broker returns the broker live transitions are published to.
func (r *Recorder) Broker() *EventBroker { return r.broker }

// Dropped returns the number of transitions discarded because the buffer was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written returns the number of transitions applied by the writer.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Transition queues ev for the writer.
func (r *Recorder) Transition(ev offload.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.dropped.Add(1)
		return
	}

	select {
	case r.events <- ev:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.WithFields(logrus.Fields{
				"submission_id": ev.ID,
				"status":        ev.To,
				"dropped":       n,
			}).Warn("journal buffer full, dropping transition")
		}
	}
}

// Lookup returns the latest known state of a submission, from memory when it
// was touched recently and from the store otherwise.
func (r *Recorder) Lookup(ctx context.Context, id string) (*model.Submission, error) {
	if sub, ok := r.recent.Get(id); ok {
		return &sub, nil
	}
	return r.store.GetSubmission(ctx, id)
}

// Close stops accepting transitions and waits until the writer has applied
// every queued one, or ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.events {
		r.apply(ev)
	}
}

func (r *Recorder) apply(ev offload.Event) {
	sub := submissionFromEvent(ev)
	r.recent.Add(sub.ID, sub)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.persist(ctx, &sub); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"submission_id": ev.ID,
			"status":        ev.To,
		}).Error("failed to journal transition")
	} else {
		r.written.Add(1)
	}

	r.broker.Publish(ev)
	if model.IsTerminal(ev.To) {
		r.broker.Close(ev.ID)
	}
}

func (r *Recorder) persist(ctx context.Context, sub *model.Submission) error {
	if sub.Status == model.StatusCreated {
		return r.store.CreateSubmission(ctx, sub)
	}

	err := r.store.UpdateSubmission(ctx, sub)
	if errors.Is(err, store.ErrNotFound) {
		// The created transition was dropped; every event carries the full
		// record, so insert it now.
		if err := r.store.CreateSubmission(ctx, sub); err != nil {
			return fmt.Errorf("insert late submission: %w", err)
		}
		return nil
	}
	return err
}

func submissionFromEvent(ev offload.Event) model.Submission {
	sub := model.Submission{
		ID:            ev.ID,
		Status:        ev.To,
		DurationMS:    ev.DurationMS,
		Result:        ev.Result,
		Error:         ev.Error,
		CallbackError: ev.CallbackError,
		CreatedAt:     ev.CreatedAt,
	}
	if !ev.StartedAt.IsZero() {
		t := ev.StartedAt
		sub.StartedAt = &t
	}
	if !ev.CompletedAt.IsZero() {
		t := ev.CompletedAt
		sub.CompletedAt = &t
		if sub.StartedAt != nil {
			ms := t.Sub(*sub.StartedAt).Milliseconds()
			sub.WorkMS = &ms
		}
	}
	if ev.To == model.StatusDisposed {
		t := ev.At
		sub.DisposedAt = &t
	}
	return sub
}
