package journal_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/offload/internal/host"
	"github.com/seantiz/offload/internal/journal"
	"github.com/seantiz/offload/internal/loop"
	"github.com/seantiz/offload/internal/model"
	"github.com/seantiz/offload/internal/offload"
	"github.com/seantiz/offload/internal/pool"
	"github.com/seantiz/offload/internal/store"
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func closeRecorder(t *testing.T, r *journal.Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))
}

func lifecycle(id string, durationMS int32) []offload.Event {
	created := time.Now().UTC().Truncate(time.Millisecond)
	started := created.Add(time.Millisecond)
	completed := started.Add(time.Duration(durationMS) * time.Millisecond)
	result := durationMS

	base := offload.Event{ID: id, DurationMS: durationMS, CreatedAt: created}
	steps := []offload.Event{base, base, base, base, base}

	steps[0].To, steps[0].At = model.StatusCreated, created
	steps[1].From, steps[1].To, steps[1].At = model.StatusCreated, model.StatusQueued, created
	steps[2].From, steps[2].To, steps[2].At = model.StatusQueued, model.StatusExecuting, started
	steps[2].StartedAt = started
	for i := 3; i < 5; i++ {
		steps[i].StartedAt = started
		steps[i].CompletedAt = completed
		steps[i].Result = &result
		steps[i].At = completed
	}
	steps[3].From, steps[3].To = model.StatusExecuting, model.StatusCompleted
	steps[4].From, steps[4].To = model.StatusCompleted, model.StatusDisposed
	return steps
}

func TestRecorderPersistsLifecycle(t *testing.T) {
	s := newTestStore(t)
	r := journal.NewRecorder(s, newLogger(), journal.Options{})

	id := model.NewID()
	for _, e := range lifecycle(id, 40) {
		r.Transition(e)
	}
	closeRecorder(t, r)

	assert.Equal(t, uint64(5), r.Written())
	assert.Zero(t, r.Dropped())

	sub, err := s.GetSubmission(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisposed, sub.Status)
	assert.Equal(t, int32(40), sub.DurationMS)
	require.NotNil(t, sub.Result)
	assert.Equal(t, int32(40), *sub.Result)
	require.NotNil(t, sub.WorkMS)
	assert.Equal(t, int64(40), *sub.WorkMS)
	assert.NotNil(t, sub.DisposedAt)
}

func TestRecorderLookupPrefersRecent(t *testing.T) {
	s := newTestStore(t)
	r := journal.NewRecorder(s, newLogger(), journal.Options{CacheSize: 1})

	first, second := model.NewID(), model.NewID()
	for _, e := range lifecycle(first, 1) {
		r.Transition(e)
	}
	for _, e := range lifecycle(second, 2) {
		r.Transition(e)
	}
	closeRecorder(t, r)

	ctx := context.Background()

	// first was evicted from the one-entry cache and comes from the store.
	sub, err := r.Lookup(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisposed, sub.Status)

	sub, err = r.Lookup(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, int32(2), sub.DurationMS)

	_, err = r.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecorderRecoversFromDroppedCreate(t *testing.T) {
	s := newTestStore(t)
	r := journal.NewRecorder(s, newLogger(), journal.Options{})

	id := model.NewID()
	for _, e := range lifecycle(id, 5)[1:] {
		r.Transition(e)
	}
	closeRecorder(t, r)

	sub, err := s.GetSubmission(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisposed, sub.Status)
}

func TestRecorderDropsAfterClose(t *testing.T) {
	s := newTestStore(t)
	r := journal.NewRecorder(s, newLogger(), journal.Options{})
	closeRecorder(t, r)

	r.Transition(lifecycle(model.NewID(), 1)[0])
	assert.Equal(t, uint64(1), r.Dropped())

	// Closing twice is harmless.
	closeRecorder(t, r)
}

func TestRecorderStreamsToSubscribers(t *testing.T) {
	s := newTestStore(t)
	r := journal.NewRecorder(s, newLogger(), journal.Options{})
	defer closeRecorder(t, r)

	id := model.NewID()
	ch, unsub := r.Broker().Subscribe(id)
	defer unsub()

	for _, e := range lifecycle(id, 1) {
		r.Transition(e)
	}

	var got []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				assert.Equal(t, []string{
					model.StatusCreated,
					model.StatusQueued,
					model.StatusExecuting,
					model.StatusCompleted,
					model.StatusDisposed,
				}, got)
				return
			}
			got = append(got, e.To)
		case <-timeout:
			t.Fatalf("stream did not close, got %v", got)
		}
	}
}

func TestRecorderObservesBridge(t *testing.T) {
	logger := newLogger()
	s := newTestStore(t)
	r := journal.NewRecorder(s, logger, journal.Options{})

	l := loop.New(logger, nil)
	p := offload.NewPool(pool.Options{Workers: 2}, logger)
	defer p.Stop()
	proc := host.NewProcess(logger)

	b, err := offload.New(offload.Options{
		Loop:     l,
		Pool:     p,
		Process:  proc,
		Observer: r,
		Logger:   logger,
	})
	require.NoError(t, err)

	var results []host.Value
	cb := host.Function(func(args ...host.Value) error {
		results = append(results, args[1])
		return nil
	})
	require.NoError(t, b.Submit(10, cb))
	require.NoError(t, b.Submit(20, cb))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.RunUntilIdle(ctx))
	closeRecorder(t, r)

	assert.Len(t, results, 2)

	subs, total, err := s.ListSubmissions(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, sub := range subs {
		assert.Equal(t, model.StatusDisposed, sub.Status)
		require.NotNil(t, sub.Result)
		assert.Equal(t, sub.DurationMS, *sub.Result)
	}

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CountByStatus[model.StatusDisposed])
	assert.Zero(t, stats.Failed)
}
