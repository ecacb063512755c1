package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/offload/internal/api"
	"github.com/seantiz/offload/internal/config"
	"github.com/seantiz/offload/internal/host"
	"github.com/seantiz/offload/internal/journal"
	"github.com/seantiz/offload/internal/loop"
	"github.com/seantiz/offload/internal/offload"
	"github.com/seantiz/offload/internal/pool"
	"github.com/seantiz/offload/internal/store"
)

const drainTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())

	logger.WithFields(logrus.Fields{
		"listen_addr": cfg.ListenAddr,
		"db_path":     cfg.DBPath,
		"workers":     cfg.Workers,
	}).Info("offload: starting")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("offload: exiting")
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logrus.Logger) error {
	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	rec := journal.NewRecorder(db, logger, journal.Options{
		Buffer:    cfg.JournalBuffer,
		CacheSize: cfg.RecentCache,
		CacheTTL:  cfg.RecentTTL,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// An uncaught exception stops the process. Drain first so nothing that
	// was accepted is lost from the journal.
	var fatal atomic.Bool
	proc := host.NewProcess(logger)
	if err := proc.SetFatalHandler(host.FatalHandlerFunc(func(err error) {
		entry := logger.WithError(err)
		var cbErr *host.CallbackError
		if errors.As(err, &cbErr) && cbErr.Stack != nil {
			entry = entry.WithField("stack", string(cbErr.Stack))
		}
		entry.Error("uncaught exception")
		fatal.Store(true)
		cancel(err)
	})); err != nil {
		return err
	}

	l := loop.New(logger, proc.Escalate)
	p := offload.NewPool(pool.Options{
		Workers:      cfg.Workers,
		LockOSThread: cfg.LockOSThread,
		PinWorkers:   cfg.PinWorkers,
	}, logger)

	bridge, err := offload.New(offload.Options{
		Loop:     l,
		Pool:     p,
		Process:  proc,
		Observer: rec,
		Logger:   logger,
		OnInternalError: func(err error) {
			logger.WithError(err).Warn("offload: bookkeeping error")
		},
	})
	if err != nil {
		return err
	}

	srv := api.NewServer(cfg.ListenAddr, db, rec, l, bridge, logger)

	g, gctx := errgroup.WithContext(ctx)

	// The loop outlives the HTTP server: drained work still completes on it.
	g.Go(func() error {
		return l.Run(context.Background())
	})

	g.Go(func() error {
		defer l.Close()

		serveErr := srv.Run(gctx)

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
		defer cancelDrain()

		logger.WithField("inflight", bridge.Inflight()).Info("draining offloaded work")
		if err := bridge.Shutdown(drainCtx); err != nil {
			return errors.Join(serveErr, err)
		}
		// Dispatch completions the pool posted while draining.
		if err := l.Do(drainCtx, func() error { return nil }); err != nil {
			return errors.Join(serveErr, err)
		}
		return serveErr
	})

	err = g.Wait()

	closeCtx, cancelClose := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelClose()
	if cerr := rec.Close(closeCtx); cerr != nil {
		logger.WithError(cerr).Warn("journal did not flush")
	}
	if dropped := rec.Dropped(); dropped > 0 {
		logger.WithField("dropped", dropped).Warn("journal dropped transitions")
	}

	if fatal.Load() {
		return context.Cause(ctx)
	}
	logger.Info("offload: stopped")
	return err
}
