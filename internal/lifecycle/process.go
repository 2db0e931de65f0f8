package lifecycle

import (
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/cachemir/upcache/internal/logging"
)

// Process collects cleanup work for the running process and runs it exactly
// once: on normal return through a deferred Cleanup, or when a termination
// signal arrives.
//
// Example:
//
//	p := lifecycle.NewProcess(logger)
//	defer p.Cleanup()
//	p.RemoveOnExit("/tmp/upcache.json")
//	p.HandleSignals()
//	defer p.Stop()
type Process struct {
	log  *zap.Logger
	exit func(int)

	mu       sync.Mutex
	cleanups []func()
	once     sync.Once

	sigc     chan os.Signal
	stop     chan struct{}
	stopOnce sync.Once
}

// ProcessOption configures a Process.
type ProcessOption func(*Process)

// WithExit replaces os.Exit as the function called after a signal-triggered
// cleanup.
func WithExit(fn func(code int)) ProcessOption {
	return func(p *Process) { p.exit = fn }
}

// NewProcess returns a Process logging to l.
func NewProcess(l *zap.Logger, opts ...ProcessOption) *Process {
	p := &Process{
		log:  logging.OrNop(l),
		exit: os.Exit,
		stop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnCleanup registers fn. Callbacks run in reverse registration order.
func (p *Process) OnCleanup(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cleanups = append(p.cleanups, fn)
}

// RemoveOnExit registers deletion of path. A file that is already gone is
// not an error; other failures are logged and otherwise ignored.
func (p *Process) RemoveOnExit(path string) {
	p.OnCleanup(func() {
		err := os.Remove(path)
		switch {
		case err == nil:
			p.log.Debug("removed file", zap.String("path", path))
		case errors.Is(err, os.ErrNotExist):
		default:
			p.log.Warn("failed to remove file", zap.String("path", path), zap.Error(err))
		}
	})
}

// Cleanup runs the registered callbacks. Only the first call does anything.
func (p *Process) Cleanup() {
	p.once.Do(func() {
		p.mu.Lock()
		fns := p.cleanups
		p.cleanups = nil
		p.mu.Unlock()

		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	})
}

// HandleSignals runs Cleanup and exits when one of sigs arrives. With no
// arguments it handles SIGINT and SIGTERM. The exit status is 128 plus the
// signal number.
func (p *Process) HandleSignals(sigs ...os.Signal) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	p.sigc = make(chan os.Signal, 1)
	signal.Notify(p.sigc, sigs...)

	go func() {
		select {
		case sig := <-p.sigc:
			p.log.Info("received signal, cleaning up", zap.Stringer("signal", sig))
			p.Cleanup()
			p.exit(exitCode(sig))
		case <-p.stop:
		}
	}()
}

// Stop uninstalls the signal handler.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		if p.sigc != nil {
			signal.Stop(p.sigc)
		}
		close(p.stop)
	})
}

func exitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}
