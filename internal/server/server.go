// Package server implements the upcache TCP server.
//
// The server accepts connections and runs one handler goroutine per
// connection. Each handler reads requests in the binary protocol, applies them
// to a shared in-memory cache and writes the response. There is no in-protocol
// error reporting: any failure while serving a connection closes it.
//
// Architecture:
//   - Accept loop, shutdown watcher and auto-kill monitor run in an errgroup
//   - One goroutine per connection, tracked so shutdown can close it
//   - A live-connection counter drives auto-kill
//   - Explicit shutdown through Shutdown or the Shutdown command
//
// Example usage:
//
//	cfg := config.DefaultServerConfig()
//	cfg.AutoKill = true
//	srv := server.New(cfg, server.WithLogger(logger))
//	if err := srv.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
//	fmt.Println("listening on port", srv.Port())
//	if err := srv.Serve(ctx); err != nil {
//		log.Fatal(err)
//	}
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cachemir/upcache/internal/logging"
	"github.com/cachemir/upcache/internal/telemetry"
	"github.com/cachemir/upcache/pkg/cache"
	"github.com/cachemir/upcache/pkg/config"
)

// ErrNotListening is returned by Serve when Listen has not been called.
var ErrNotListening = errors.New("server: not listening")

// shutdownGrace bounds how long Serve lets handlers finish their current
// response before closing their connections.
const shutdownGrace = time.Second

// Server represents an upcache server instance.
// It owns the listener, the set of open connections and, unless one is
// supplied with WithCache, the cache.
//
// Example:
//
//	srv := server.New(config.DefaultServerConfig())
//	go func() {
//		if err := srv.ListenAndServe(ctx); err != nil {
//			log.Printf("Server error: %v", err)
//		}
//	}()
//
//	// Later, to stop the server
//	srv.Shutdown()
type Server struct {
	cfg         config.ServerConfig
	cache       *cache.Cache
	log         *zap.Logger
	metrics     *telemetry.ServerMetrics
	onConnError func(*ConnError)

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  bool

	active atomic.Int64 // live connections
	seen   atomic.Bool  // at least one connection was accepted

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithCache makes the server serve c instead of a fresh cache.
func WithCache(c *cache.Cache) Option {
	return func(s *Server) { s.cache = c }
}

// WithLogger sets the server logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = logging.OrNop(l) }
}

// WithMetrics sets the instruments the server records into.
func WithMetrics(m *telemetry.ServerMetrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithConnErrorHook registers fn to be called, from the connection's
// goroutine, with every error that terminates a connection.
func WithConnErrorHook(fn func(*ConnError)) Option {
	return func(s *Server) { s.onConnError = fn }
}

// New creates a Server for cfg. The server does not listen until Listen or
// ListenAndServe is called.
//
// Parameters:
//   - cfg: Host, port, auto-kill and limits; see config.ServerConfig
//   - opts: Optional cache, logger, metrics and hooks
//
// Returns:
//   - A new Server instance ready to be started
func New(cfg config.ServerConfig, opts ...Option) *Server {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.DefaultPollInterval
	}
	s := &Server{
		cfg:      cfg,
		log:      zap.NewNop(),
		metrics:  telemetry.Nop(),
		conns:    make(map[net.Conn]struct{}),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = cache.New()
	}
	return s
}

// Cache returns the cache the server operates on.
func (s *Server) Cache() *cache.Cache {
	return s.cache
}

// Listen binds the configured address. Port 0 asks the OS for a free port;
// use Port to learn which one was assigned.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.New("server: already listening")
	}

	addr := s.cfg.Address()
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Port returns the bound TCP port, or 0 before Listen.
func (s *Server) Port() int {
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Connections returns the number of live client connections.
func (s *Server) Connections() int64 {
	return s.active.Load()
}

// Done is closed once a shutdown has been requested.
func (s *Server) Done() <-chan struct{} {
	return s.shutdown
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections until the server is shut down, auto-kill fires
// or ctx ends, and returns nil in those cases. An accept failure is returned.
//
// Before Serve returns the cache is closed, which wakes blocked waits, every
// open connection is closed and all handler goroutines have exited.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return ErrNotListening
	}

	s.log.Info("upcache server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("auto_kill", s.cfg.AutoKill))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.acceptLoop(ctx, ln)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.shutdown:
		}
		s.Shutdown()
		return nil
	})

	if s.cfg.AutoKill {
		g.Go(func() error {
			s.monitor(gctx)
			return nil
		})
	}

	err := g.Wait()

	// Closing the cache answers pending WaitKey requests with "closed". The
	// read side of every connection is expired so idle handlers return,
	// and whatever is still running after the grace period is closed hard.
	s.cache.Close()
	s.closeConns(false)
	if !s.waitHandlers(shutdownGrace) {
		s.closeConns(true)
		s.wg.Wait()
	}

	s.log.Info("upcache server stopped")
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warn("accept timeout", zap.Error(err))
				continue
			}
			return fmt.Errorf("server: accept: %w", err)
		}

		if !s.track(nc) {
			_ = nc.Close()
			continue
		}

		// Counted here, before the handler starts, so the auto-kill monitor
		// never observes an accepted connection as absent.
		s.active.Add(1)
		s.seen.Store(true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, nc)
		}()
	}
}

// monitor implements auto-kill: once the live-connection count returns to
// zero after having been nonzero, it closes the cache and shuts down.
func (s *Server) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			if s.seen.Load() && s.active.Load() == 0 {
				s.log.Info("last client disconnected, shutting down")
				s.cache.Close()
				s.Shutdown()
				return
			}
		}
	}
}

// Shutdown stops the server: the listener is closed so no new connections
// are accepted and Serve unwinds. Shutdown is idempotent and safe to call from
// any goroutine, including connection handlers.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)

		s.mu.Lock()
		ln := s.listener
		s.mu.Unlock()

		if ln != nil {
			if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.log.Warn("error closing listener", zap.Error(err))
			}
		}
	})
}

func (s *Server) track(nc net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	s.conns[nc] = struct{}{}
	return true
}

func (s *Server) untrack(nc net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, nc)
}

// closeConns stops new connections from being tracked and either closes the
// open ones or expires their read deadline.
func (s *Server) closeConns(hard bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closing = true
	for nc := range s.conns {
		if hard {
			_ = nc.Close()
		} else {
			_ = nc.SetReadDeadline(time.Now())
		}
	}
}

func (s *Server) waitHandlers(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Server) stopping() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}
