package pool_test

import (
	"context"
	"errors"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/offload/internal/pool"
)

func newTestPool[T any](t *testing.T, workers int) *pool.Pool[T] {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	p := pool.New[T](pool.Options{Workers: workers}, logger)
	t.Cleanup(p.Stop)
	return p
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		runtime.Gosched()
	}
	t.Fatal("condition not satisfied before timeout")
}

func TestFillDefaults(t *testing.T) {
	var o pool.Options
	o.FillDefaults()

	if o.Workers != pool.DefaultWorkers {
		t.Errorf("Workers = %d, want %d", o.Workers, pool.DefaultWorkers)
	}

	o = pool.Options{PinWorkers: true}
	o.FillDefaults()
	if !o.LockOSThread {
		t.Error("PinWorkers should imply LockOSThread")
	}
}

func TestJobReceivesPayload(t *testing.T) {
	p := newTestPool[int](t, 1)

	got := make(chan int, 1)
	err := p.Submit(pool.Job[int]{
		Payload: 42,
		Fn:      func(v int) { got <- v },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case v := <-got:
		if v != 42 {
			t.Errorf("payload = %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
}

func TestSubmitNilFunc(t *testing.T) {
	p := newTestPool[int](t, 1)

	if err := p.Submit(pool.Job[int]{Payload: 1}); !errors.Is(err, pool.ErrNilFunc) {
		t.Errorf("Submit error = %v, want ErrNilFunc", err)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	p := newTestPool[int](t, 1)

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	err := p.Submit(pool.Job[int]{Fn: func(int) {}})
	if !errors.Is(err, pool.ErrClosed) {
		t.Errorf("Submit error = %v, want ErrClosed", err)
	}
}

func TestShutdownDrainsQueuedJobs(t *testing.T) {
	p := newTestPool[int](t, 2)

	var ran atomic.Int32
	for i := range 50 {
		err := p.Submit(pool.Job[int]{
			Payload: i,
			Fn: func(int) {
				time.Sleep(time.Millisecond)
				ran.Add(1)
			},
		})
		if err != nil {
			t.Fatalf("Submit[%d]: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got := ran.Load(); got != 50 {
		t.Errorf("ran = %d, want 50", got)
	}
	if got := p.Executed(); got != 50 {
		t.Errorf("Executed = %d, want 50", got)
	}
	if got := p.ActiveWorkers(); got != 0 {
		t.Errorf("ActiveWorkers = %d, want 0", got)
	}
}

func TestShutdownTimeout(t *testing.T) {
	p := newTestPool[int](t, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	_ = p.Submit(pool.Job[int]{Fn: func(int) {
		close(started)
		<-release
	}})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := p.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown error = %v, want deadline exceeded", err)
	}

	close(release)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestWorkerCountIsFixed(t *testing.T) {
	const workers = 3
	p := newTestPool[int](t, workers)

	var mu sync.Mutex
	running, peak := 0, 0
	var wg sync.WaitGroup
	for range 12 {
		wg.Add(1)
		_ = p.Submit(pool.Job[int]{Fn: func(int) {
			defer wg.Done()
			mu.Lock()
			running++
			peak = max(peak, running)
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			running--
			mu.Unlock()
		}})
	}
	wg.Wait()

	if peak > workers {
		t.Errorf("peak concurrency = %d, want <= %d", peak, workers)
	}
	if p.Workers() != workers {
		t.Errorf("Workers = %d, want %d", p.Workers(), workers)
	}
}

func TestPanicRecovery(t *testing.T) {
	p := newTestPool[int](t, 1)

	var panics atomic.Int32
	p.OnPanic = func(any) { panics.Add(1) }

	done := make(chan struct{})
	_ = p.Submit(pool.Job[int]{Fn: func(int) { panic("boom") }})
	_ = p.Submit(pool.Job[int]{Fn: func(int) { close(done) }})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second job did not run after panic")
	}

	waitUntil(t, time.Second, func() bool { return panics.Load() == 1 })
}

func TestLockedWorkersRunJobs(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	p := pool.New[int](pool.Options{Workers: 2, LockOSThread: true}, logger)
	defer p.Stop()

	done := make(chan struct{})
	_ = p.Submit(pool.Job[int]{Fn: func(int) { close(done) }})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not run on locked worker")
	}
}
