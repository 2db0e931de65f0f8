// Package client provides a Go client for upcache servers.
//
// A Client holds one persistent TCP connection and performs each call as a
// synchronous request/response exchange. Calls from multiple goroutines are
// serialized on the connection.
//
// There is no retry or reconnect logic. The protocol has no error responses:
// when the server rejects a request it closes the connection. Once any
// transport error occurs the Client is broken and every later call returns an
// error wrapping ErrBroken; dial a new Client to continue.
//
// Basic Usage:
//
//	c, err := client.Dial(ctx, "127.0.0.1:40123")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	err = c.Set(ctx, "user:123", []byte("john_doe"))
//	value, found, err := c.Get(ctx, "user:123")
//
//	// Counters
//	n, err := c.Incr(ctx, "visits")
//
//	// Block until another client touches the key
//	changed, err := c.WaitFor(ctx, "jobs:done")
//
// Discovering an ephemeral server through its discovery file:
//
//	c, err := client.DialDiscovery(ctx, "/tmp/upcache.json")
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cachemir/upcache/internal/lifecycle"
	"github.com/cachemir/upcache/pkg/config"
	"github.com/cachemir/upcache/pkg/protocol"
)

var (
	// ErrMismatch is returned when a response envelope names a different
	// command than the request.
	ErrMismatch = errors.New("client: response does not match request")

	// ErrBroken is returned by every call after the connection failed.
	ErrBroken = errors.New("client: connection is broken")

	// ErrClosed is returned by calls made after Close or Shutdown.
	ErrClosed = errors.New("client: closed")

	// ErrTooLarge is returned, without touching the connection, when a key
	// or value exceeds the configured maximum size.
	ErrTooLarge = errors.New("client: key or value too large")
)

type options struct {
	host         string
	dialTimeout  time.Duration
	maxValueSize int
}

// Option configures Dial and DialDiscovery.
type Option func(*options)

// WithHost sets the host DialDiscovery pairs with the discovered port
// (default 127.0.0.1).
func WithHost(host string) Option {
	return func(o *options) { o.host = host }
}

// WithDialTimeout bounds connection establishment (default 5s).
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithMaxValueSize sets the largest key or value the client sends or accepts,
// in bytes. Zero disables the limit. The default is 64 MiB.
func WithMaxValueSize(n int) Option {
	return func(o *options) { o.maxValueSize = n }
}

func buildOptions(opts []Option) options {
	o := options{
		host:         config.DefaultHost,
		dialTimeout:  config.DefaultDialTimeout,
		maxValueSize: config.DefaultMaxValueSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Client is a connection to one upcache server. It is safe for concurrent
// use; requests are sent one at a time.
type Client struct {
	conn    net.Conn
	r       *protocol.Reader
	w       *protocol.Writer
	maxSize int

	mu     sync.Mutex
	broken error // first transport error, sticky

	closed atomic.Bool
}

// Dial connects to the server at addr (host:port).
//
// Example:
//
//	c, err := client.Dial(ctx, "127.0.0.1:40123", client.WithDialTimeout(time.Second))
//
// Returns:
//   - A connected Client
//   - Error if the connection cannot be established
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)

	d := net.Dialer{Timeout: o.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return newClient(conn, o), nil
}

// DialDiscovery reads the port from the discovery file at path and connects
// to it on the configured host.
func DialDiscovery(ctx context.Context, path string, opts ...Option) (*Client, error) {
	port, err := lifecycle.ReadDiscovery(path)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return Dial(ctx, net.JoinHostPort(o.host, strconv.Itoa(port)), opts...)
}

// New wraps an established connection. The Client takes ownership of conn.
func New(conn net.Conn, opts ...Option) *Client {
	return newClient(conn, buildOptions(opts))
}

func newClient(conn net.Conn, o options) *Client {
	return &Client{
		conn:    conn,
		r:       protocol.NewReader(conn, o.maxValueSize),
		w:       protocol.NewWriter(conn),
		maxSize: o.maxValueSize,
	}
}

// RemoteAddr returns the server address.
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// do performs one request/response exchange. req writes the request payload
// and resp reads the response payload; either may be nil.
//
// If ctx ends during the exchange the connection deadline is forced into the
// past, the exchange fails and the Client becomes broken.
func (c *Client) do(ctx context.Context, cmd protocol.Command, req func(*protocol.Writer), resp func(*protocol.Reader) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	if c.broken != nil {
		return fmt.Errorf("%w: %w", ErrBroken, c.broken)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	err := c.exchange(cmd, req, resp)
	if !stop() {
		// The deadline has been poisoned; the connection cannot be reused
		// even if this exchange completed.
		cause := fmt.Errorf("client: %s: %w", cmd, context.Cause(ctx))
		c.broken = cause
		if err != nil {
			return cause
		}
		return nil
	}
	if err != nil {
		if c.closed.Load() {
			err = fmt.Errorf("%w: %w", ErrClosed, err)
		}
		c.broken = err
		return err
	}
	return nil
}

func (c *Client) exchange(cmd protocol.Command, req func(*protocol.Writer), resp func(*protocol.Reader) error) error {
	c.w.Envelope(cmd)
	if req != nil {
		req(c.w)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("client: send %s: %w", cmd, err)
	}

	got, err := c.r.Envelope()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("connection closed by server: %w", io.ErrUnexpectedEOF)
		}
		return fmt.Errorf("client: %s: %w", cmd, err)
	}
	if got != cmd {
		return fmt.Errorf("%w: sent %s, received %s", ErrMismatch, cmd, got)
	}

	if resp != nil {
		if err := resp(c.r); err != nil {
			return fmt.Errorf("client: %s: %w", cmd, err)
		}
	}
	return nil
}

func (c *Client) checkSize(n int) error {
	if c.maxSize > 0 && n > c.maxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, n, c.maxSize)
	}
	return nil
}

// Get retrieves the value stored under key. found is false when the key is
// absent.
//
// Example:
//
//	value, found, err := c.Get(ctx, "user:123")
//	if err != nil {
//		return err
//	}
//	if !found {
//		fmt.Println("not cached")
//	}
func (c *Client) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	if err := c.checkSize(len(key)); err != nil {
		return nil, false, err
	}
	err = c.do(ctx, protocol.CmdGetKey,
		func(w *protocol.Writer) { w.Key(key) },
		func(r *protocol.Reader) error {
			value, found, err = r.GetKeyResponse()
			return err
		})
	return value, found, err
}

// Set stores value under key, replacing any previous value.
func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	if err := c.checkSize(len(key)); err != nil {
		return err
	}
	if err := c.checkSize(len(value)); err != nil {
		return err
	}
	return c.do(ctx, protocol.CmdSetKey,
		func(w *protocol.Writer) { w.Pair(key, value) },
		nil)
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (exists bool, err error) {
	err = c.keyBool(ctx, protocol.CmdKeyExists, key, &exists)
	return exists, err
}

// WaitFor blocks until key is set, incremented, decremented, dropped or
// cleared on the server, or the server's cache closes.
//
// Returns:
//   - true if the key changed, false if the server closed its cache
//   - Error if the exchange failed; cancelling ctx breaks the Client
func (c *Client) WaitFor(ctx context.Context, key string) (changed bool, err error) {
	err = c.keyBool(ctx, protocol.CmdWaitKey, key, &changed)
	return changed, err
}

// Drop removes key and reports whether it was present.
func (c *Client) Drop(ctx context.Context, key string) (dropped bool, err error) {
	err = c.keyBool(ctx, protocol.CmdDropKey, key, &dropped)
	return dropped, err
}

func (c *Client) keyBool(ctx context.Context, cmd protocol.Command, key string, out *bool) error {
	if err := c.checkSize(len(key)); err != nil {
		return err
	}
	return c.do(ctx, cmd,
		func(w *protocol.Writer) { w.Key(key) },
		func(r *protocol.Reader) (err error) {
			*out, err = r.Bool()
			return err
		})
}

// Incr increments the integer stored under key and returns the new value.
// An absent key starts at 0.
//
// If the stored value is not an integer the server closes the connection,
// so the call fails and the Client becomes broken.
//
// Example:
//
//	views, err := c.Incr(ctx, "page_views")
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.step(ctx, protocol.CmdIncrKey, key)
}

// Decr decrements the integer stored under key and returns the new value.
func (c *Client) Decr(ctx context.Context, key string) (int64, error) {
	return c.step(ctx, protocol.CmdDecrKey, key)
}

func (c *Client) step(ctx context.Context, cmd protocol.Command, key string) (n int64, err error) {
	if err := c.checkSize(len(key)); err != nil {
		return 0, err
	}
	err = c.do(ctx, cmd,
		func(w *protocol.Writer) { w.Key(key) },
		func(r *protocol.Reader) error {
			n, err = r.Int()
			return err
		})
	return n, err
}

// Clear removes every key on the server.
func (c *Client) Clear(ctx context.Context) error {
	return c.do(ctx, protocol.CmdClearKeys, nil, nil)
}

// Count returns the number of keys on the server.
func (c *Client) Count(ctx context.Context) (int, error) {
	var n uint32
	err := c.do(ctx, protocol.CmdCountKeys, nil, func(r *protocol.Reader) (err error) {
		n, err = r.Uint32()
		return err
	})
	return int(n), err
}

// Keys returns every key on the server, in no particular order.
func (c *Client) Keys(ctx context.Context) (keys []string, err error) {
	err = c.do(ctx, protocol.CmdAllKeys, nil, func(r *protocol.Reader) error {
		keys, err = r.Keys()
		return err
	})
	return keys, err
}

// Items returns every key/value pair on the server, in no particular order.
func (c *Client) Items(ctx context.Context) (items []protocol.Item, err error) {
	err = c.do(ctx, protocol.CmdAllItems, nil, func(r *protocol.Reader) error {
		items, err = r.Items()
		return err
	})
	return items, err
}

// Shutdown asks the server to stop and closes the connection.
func (c *Client) Shutdown(ctx context.Context) error {
	err := c.do(ctx, protocol.CmdShutdown, nil, nil)
	if !c.closed.CompareAndSwap(false, true) {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close sends Disconnect and closes the connection. The server's answer is
// awaited for at most a second. Close is idempotent and does not wait for a
// call in flight on another goroutine: that call's connection is closed under
// it and it fails with ErrClosed, and no Disconnect is sent.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if !c.mu.TryLock() {
		err := c.conn.Close()
		c.mu.Lock()
		c.mu.Unlock()
		return err
	}
	defer c.mu.Unlock()

	if c.broken == nil {
		_ = c.conn.SetDeadline(time.Now().Add(time.Second))
		_ = c.exchange(protocol.CmdDisconnect, nil, nil)
	}
	return c.conn.Close()
}
