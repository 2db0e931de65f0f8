package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cachemir/upcache/pkg/cache"
	"github.com/cachemir/upcache/pkg/protocol"
)

// ErrorKind classifies the error that terminated a connection.
type ErrorKind int

const (
	// KindTransport covers network failures, timeouts and truncated frames.
	KindTransport ErrorKind = iota
	// KindProtocol covers bad magic words, unknown commands and oversize fields.
	KindProtocol
	// KindApplication covers cache operation failures such as incrementing a
	// non-integer value.
	KindApplication
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindApplication:
		return "application"
	default:
		return "transport"
	}
}

// ConnError describes the error that terminated a connection.
type ConnError struct {
	Remote   string
	Command  protocol.Command // command being served; meaningless when Envelope is set
	Envelope bool             // the failure happened while reading the envelope
	Kind     ErrorKind
	Err      error
}

func (e *ConnError) Error() string {
	if e.Envelope {
		return fmt.Sprintf("%s: reading envelope: %v", e.Remote, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Remote, e.Command, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, cache.ErrNotInteger), errors.Is(err, cache.ErrOverflow):
		return KindApplication
	case errors.Is(err, protocol.ErrBadMagic),
		errors.Is(err, protocol.ErrUnknownCommand),
		errors.Is(err, protocol.ErrTooLarge):
		return KindProtocol
	default:
		return KindTransport
	}
}

// errHangup ends the dispatch loop without reporting an error. It is returned
// by the Disconnect and Shutdown handlers.
var errHangup = errors.New("hang up")

type handlerFunc func() error

// conn serves one client connection.
type conn struct {
	srv      *Server
	nc       net.Conn
	remote   string
	r        *protocol.Reader
	w        *protocol.Writer
	log      *zap.Logger
	handlers map[protocol.Command]handlerFunc
}

func newConn(s *Server, nc net.Conn) *conn {
	remote := nc.RemoteAddr().String()
	c := &conn{
		srv:    s,
		nc:     nc,
		remote: remote,
		r:      protocol.NewReader(nc, s.cfg.MaxValueSize),
		w:      protocol.NewWriter(nc),
		log:    s.log.With(zap.String("remote", remote)),
	}
	c.handlers = map[protocol.Command]handlerFunc{
		protocol.CmdShutdown:   c.handleShutdown,
		protocol.CmdDisconnect: c.handleDisconnect,
		protocol.CmdGetKey:     c.handleGet,
		protocol.CmdSetKey:     c.handleSet,
		protocol.CmdKeyExists:  c.handleExists,
		protocol.CmdWaitKey:    c.handleWait,
		protocol.CmdDecrKey:    c.handleDecr,
		protocol.CmdIncrKey:    c.handleIncr,
		protocol.CmdClearKeys:  c.handleClear,
		protocol.CmdDropKey:    c.handleDrop,
		protocol.CmdCountKeys:  c.handleCount,
		protocol.CmdAllKeys:    c.handleAllKeys,
		protocol.CmdAllItems:   c.handleAllItems,
	}
	return c
}

// serveConn runs the connection to completion. The live-connection counter
// was incremented by the accept loop; it is decremented here exactly once.
func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	c := newConn(s, nc)
	s.metrics.ConnOpened(ctx)
	c.log.Debug("client connected")

	defer func() {
		s.untrack(nc)
		_ = nc.Close()
		s.metrics.ConnClosed(ctx)
		c.log.Debug("client disconnected")
		s.active.Add(-1)
	}()

	err := c.serve(ctx)
	if err == nil {
		return
	}

	var ce *ConnError
	if !errors.As(err, &ce) {
		ce = &ConnError{Remote: c.remote, Kind: classify(err), Err: err}
	}
	s.metrics.ConnError(ctx, ce.Kind.String())

	if ce.Kind == KindApplication {
		c.log.Warn("closing connection", zap.Stringer("kind", ce.Kind), zap.Error(ce))
	} else {
		c.log.Debug("closing connection", zap.Stringer("kind", ce.Kind), zap.Error(ce))
	}
	if s.onConnError != nil {
		s.onConnError(ce)
	}
}

// serve is the dispatch loop. It returns nil when the client hangs up
// between requests or the server is stopping.
func (c *conn) serve(ctx context.Context) error {
	for {
		if c.srv.stopping() {
			return nil
		}
		if c.srv.cfg.IdleTimeout > 0 {
			if err := c.nc.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout)); err != nil {
				return err
			}
		}

		cmd, err := c.r.Envelope()
		if err != nil {
			if c.quiet(err) {
				return nil
			}
			return &ConnError{Remote: c.remote, Command: cmd, Envelope: true, Kind: classify(err), Err: err}
		}

		if c.srv.cfg.IdleTimeout > 0 {
			if err := c.nc.SetReadDeadline(time.Time{}); err != nil {
				return err
			}
		}

		start := time.Now()
		err = c.handlers[cmd]()
		c.srv.metrics.Command(ctx, cmd, time.Since(start))

		switch {
		case err == nil:
		case errors.Is(err, errHangup):
			return nil
		case c.stoppedBy(err):
			return nil
		default:
			return &ConnError{Remote: c.remote, Command: cmd, Kind: classify(err), Err: err}
		}
	}
}

// quiet reports whether an envelope read error is an orderly end of the
// connection rather than a failure.
func (c *conn) quiet(err error) bool {
	return errors.Is(err, io.EOF) || c.stoppedBy(err)
}

// stoppedBy reports whether err was caused by the server closing or expiring
// the connection during shutdown.
func (c *conn) stoppedBy(err error) bool {
	if !c.srv.stopping() {
		return false
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded)
}

func (c *conn) respond(cmd protocol.Command, payload func(w *protocol.Writer)) error {
	c.w.Envelope(cmd)
	if payload != nil {
		payload(c.w)
	}
	return c.w.Flush()
}

func (c *conn) handleShutdown() error {
	c.log.Info("shutdown requested by client")
	err := c.respond(protocol.CmdShutdown, nil)
	c.srv.Shutdown()
	if err != nil {
		return err
	}
	return errHangup
}

func (c *conn) handleDisconnect() error {
	if err := c.respond(protocol.CmdDisconnect, nil); err != nil {
		return err
	}
	return errHangup
}

func (c *conn) handleGet() error {
	key, err := c.r.Key()
	if err != nil {
		return err
	}
	value, found := c.srv.cache.Get(key)
	return c.respond(protocol.CmdGetKey, func(w *protocol.Writer) {
		w.GetKeyResponse(value, found)
	})
}

func (c *conn) handleSet() error {
	key, value, err := c.r.Pair()
	if err != nil {
		return err
	}
	c.srv.cache.Set(key, value)
	return c.respond(protocol.CmdSetKey, nil)
}

func (c *conn) handleExists() error {
	key, err := c.r.Key()
	if err != nil {
		return err
	}
	exists := c.srv.cache.Exists(key)
	return c.respond(protocol.CmdKeyExists, func(w *protocol.Writer) { w.Bool(exists) })
}

// handleWait blocks the connection until the key changes or the cache closes.
func (c *conn) handleWait() error {
	key, err := c.r.Key()
	if err != nil {
		return err
	}
	changed := c.srv.cache.WaitFor(key)
	return c.respond(protocol.CmdWaitKey, func(w *protocol.Writer) { w.Bool(changed) })
}

func (c *conn) handleIncr() error {
	return c.step(protocol.CmdIncrKey, c.srv.cache.Incr)
}

func (c *conn) handleDecr() error {
	return c.step(protocol.CmdDecrKey, c.srv.cache.Decr)
}

func (c *conn) step(cmd protocol.Command, op func(string) (int64, error)) error {
	key, err := c.r.Key()
	if err != nil {
		return err
	}
	n, err := op(key)
	if err != nil {
		return fmt.Errorf("key %q: %w", key, err)
	}
	return c.respond(cmd, func(w *protocol.Writer) { w.Int(n) })
}

func (c *conn) handleClear() error {
	c.srv.cache.Clear()
	return c.respond(protocol.CmdClearKeys, nil)
}

func (c *conn) handleDrop() error {
	key, err := c.r.Key()
	if err != nil {
		return err
	}
	dropped := c.srv.cache.Drop(key)
	return c.respond(protocol.CmdDropKey, func(w *protocol.Writer) { w.Bool(dropped) })
}

func (c *conn) handleCount() error {
	n := c.srv.cache.Count()
	return c.respond(protocol.CmdCountKeys, func(w *protocol.Writer) { w.Uint32(uint32(n)) })
}

func (c *conn) handleAllKeys() error {
	keys := c.srv.cache.Keys()
	return c.respond(protocol.CmdAllKeys, func(w *protocol.Writer) { w.Keys(keys) })
}

func (c *conn) handleAllItems() error {
	snapshot := c.srv.cache.Items()
	items := make([]protocol.Item, len(snapshot))
	for i, it := range snapshot {
		items[i] = protocol.Item{Key: it.Key, Value: it.Value}
	}
	return c.respond(protocol.CmdAllItems, func(w *protocol.Writer) { w.Items(items) })
}
