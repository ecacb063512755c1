package host

import (
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrHandlerRegistered is returned when a fatal handler is registered twice.
var ErrHandlerRegistered = errors.New("host: fatal handler already registered")

// FatalHandler receives failures that have no caller left to return to, such
// as a completion callback that raised while being invoked.
type FatalHandler interface {
	HandleFatal(err error)
}

// FatalHandlerFunc adapts a function to FatalHandler.
type FatalHandlerFunc func(err error)

// HandleFatal calls f(err).
func (f FatalHandlerFunc) HandleFatal(err error) {
	f(err)
}

// Process holds the process-wide fatal exception hook. The hook is registered
// once at start-up; when none is registered an escalated failure is logged and
// the process exits, the same outcome as an unhandled exception.
type Process struct {
	mu      sync.Mutex
	handler FatalHandler
	logger  logrus.FieldLogger
	exit    func(code int)
}

// ProcessOption configures a Process.
type ProcessOption func(*Process)

// WithExit replaces os.Exit as the action taken when no handler is registered.
func WithExit(exit func(code int)) ProcessOption {
	return func(p *Process) {
		p.exit = exit
	}
}

// NewProcess creates a Process with no fatal handler registered.
func NewProcess(logger logrus.FieldLogger, opts ...ProcessOption) *Process {
	p := &Process{logger: logger, exit: os.Exit}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetFatalHandler registers h as the process-wide fatal handler.
func (p *Process) SetFatalHandler(h FatalHandler) error {
	if h == nil {
		return errors.New("host: fatal handler is nil")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handler != nil {
		return ErrHandlerRegistered
	}
	p.handler = h
	return nil
}

// Escalate hands err to the registered fatal handler. A handler that panics is
// treated like a missing handler.
func (p *Process) Escalate(err error) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()

	if h == nil {
		p.die(err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.die(fmt.Errorf("fatal handler panicked: %v (escalating %w)", r, err))
		}
	}()
	h.HandleFatal(err)
}

func (p *Process) die(err error) {
	entry := p.logger.WithError(err)
	var cbErr *CallbackError
	if errors.As(err, &cbErr) && cbErr.Stack != nil {
		entry = entry.WithField("stack", string(cbErr.Stack))
	} else {
		entry = entry.WithField("stack", string(debug.Stack()))
	}
	entry.Error("uncaught exception")
	p.exit(1)
}
