package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/cachemir/upcache/internal/telemetry"
	"github.com/cachemir/upcache/pkg/client"
	"github.com/cachemir/upcache/pkg/config"
	"github.com/cachemir/upcache/pkg/protocol"
)

const waitBound = 2 * time.Second

// wakeBound is how soon a WaitKey response must follow the mutation.
const wakeBound = 100 * time.Millisecond

type running struct {
	srv  *Server
	done chan struct{}
	err  error
}

func testConfig() config.ServerConfig {
	cfg := config.DefaultServerConfig()
	cfg.PollInterval = 10 * time.Millisecond
	return cfg
}

func start(t *testing.T, cfg config.ServerConfig, opts ...Option) *running {
	t.Helper()

	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	r := &running{srv: New(cfg, opts...), done: make(chan struct{})}
	require.NoError(t, r.srv.Listen(context.Background()))

	go func() {
		r.err = r.srv.Serve(context.Background())
		close(r.done)
	}()

	t.Cleanup(func() {
		r.srv.Shutdown()
		<-r.done
	})
	return r
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-r.done:
		return r.err
	case <-time.After(waitBound):
		t.Fatal("server did not stop")
		return nil
	}
}

func (r *running) stopped() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *running) dial(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), r.srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (r *running) raw(t *testing.T) net.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", r.srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })
	return nc
}

// expectClosed reads from nc until the server closes it.
func expectClosed(t *testing.T, nc net.Conn) {
	t.Helper()
	require.NoError(t, nc.SetReadDeadline(time.Now().Add(waitBound)))
	_, err := io.ReadAll(nc)
	assert.NoError(t, err, "server should close the connection, not time out")
}

func hookChan() (chan *ConnError, Option) {
	ch := make(chan *ConnError, 8)
	return ch, WithConnErrorHook(func(e *ConnError) { ch <- e })
}

func nextConnError(t *testing.T, ch chan *ConnError) *ConnError {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(waitBound):
		t.Fatal("no connection error reported")
		return nil
	}
}

func TestServerCommands(t *testing.T) {
	ctx := context.Background()
	r := start(t, testConfig())
	c := r.dial(t)

	_, found, err := c.Get(ctx, "foo")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "foo", []byte("bar")))
	value, found, err := c.Get(ctx, "foo")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("bar"), value)

	exists, err := c.Exists(ctx, "foo")
	require.NoError(t, err)
	assert.True(t, exists)

	n, err := c.Incr(ctx, "hits")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = c.Decr(ctx, "hits")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	n, err = c.Decr(ctx, "hits")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), n)

	count, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"foo", "hits"}, keys)

	items, err := c.Items(ctx)
	require.NoError(t, err)
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	assert.Equal(t, []protocol.Item{
		{Key: "foo", Value: []byte("bar")},
		{Key: "hits", Value: []byte("-1")},
	}, items)

	dropped, err := c.Drop(ctx, "foo")
	require.NoError(t, err)
	assert.True(t, dropped)
	dropped, err = c.Drop(ctx, "foo")
	require.NoError(t, err)
	assert.False(t, dropped)

	require.NoError(t, c.Clear(ctx))
	count, err = c.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestServerBinaryValues(t *testing.T) {
	ctx := context.Background()
	r := start(t, testConfig())
	c := r.dial(t)

	key := string([]byte{0, 0xff, '\n'})
	value := []byte{0, 1, 2, 0, 0xfe}
	require.NoError(t, c.Set(ctx, key, value))
	require.NoError(t, c.Set(ctx, "empty", nil))

	got, found, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, value, got)

	got, found, err = c.Get(ctx, "empty")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, got)
}

func TestServerSharedAcrossConnections(t *testing.T) {
	ctx := context.Background()
	r := start(t, testConfig())
	a, b := r.dial(t), r.dial(t)

	require.NoError(t, a.Set(ctx, "k", []byte("v")))
	got, found, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), got)
}

func TestServerConcurrentIncrements(t *testing.T) {
	const clients, perClient = 10, 50
	r := start(t, testConfig())

	var g errgroup.Group
	for i := 0; i < clients; i++ {
		c := r.dial(t)
		g.Go(func() error {
			for j := 0; j < perClient; j++ {
				if _, err := c.Incr(context.Background(), "counter"); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	value, _ := r.srv.Cache().Get("counter")
	assert.Equal(t, "500", string(value))
}

func TestServerWaitKey(t *testing.T) {
	ctx := context.Background()
	r := start(t, testConfig())
	waiter, writer := r.dial(t), r.dial(t)

	result := make(chan bool, 1)
	go func() {
		changed, err := waiter.WaitFor(ctx, "jobs:done")
		assert.NoError(t, err)
		result <- changed
	}()
	require.Eventually(t, func() bool { return r.srv.Cache().Waiting() == 1 }, waitBound, time.Millisecond)

	start := time.Now()
	_, err := writer.Incr(ctx, "jobs:done")
	require.NoError(t, err)

	select {
	case changed := <-result:
		assert.True(t, changed)
		assert.Less(t, time.Since(start), wakeBound, "WaitKey answered late")
	case <-time.After(waitBound):
		t.Fatal("WaitKey did not return")
	}
}

func TestServerShutdownCommand(t *testing.T) {
	ctx := context.Background()
	r := start(t, testConfig())
	waiter, admin := r.dial(t), r.dial(t)

	result := make(chan bool, 1)
	go func() {
		changed, err := waiter.WaitFor(ctx, "never")
		assert.NoError(t, err)
		result <- changed
	}()
	require.Eventually(t, func() bool { return r.srv.Cache().Waiting() == 1 }, waitBound, time.Millisecond)

	require.NoError(t, admin.Shutdown(ctx))
	assert.NoError(t, r.wait(t))

	select {
	case changed := <-result:
		assert.False(t, changed, "a shutdown wakes waiters with closed, not changed")
	case <-time.After(waitBound):
		t.Fatal("WaitKey did not return")
	}

	assert.True(t, r.srv.Cache().Closed())
	assert.Zero(t, r.srv.Connections())

	_, err := admin.Count(ctx)
	assert.ErrorIs(t, err, client.ErrClosed)

	_, err = net.DialTimeout("tcp", r.srv.Addr().String(), time.Second)
	assert.Error(t, err, "listener is closed")
}

func TestServerShutdownIdempotent(t *testing.T) {
	r := start(t, testConfig())
	r.srv.Shutdown()
	r.srv.Shutdown()
	assert.NoError(t, r.wait(t))
}

func TestServerContextCancel(t *testing.T) {
	srv := New(testConfig(), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, srv.Listen(context.Background()))
	assert.NotZero(t, srv.Port())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitBound):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServeWithoutListen(t *testing.T) {
	srv := New(testConfig())
	assert.ErrorIs(t, srv.Serve(context.Background()), ErrNotListening)
	assert.Nil(t, srv.Addr())
	assert.Zero(t, srv.Port())
}

func TestServerAutoKill(t *testing.T) {
	cfg := testConfig()
	cfg.AutoKill = true
	r := start(t, cfg)

	// no client has connected yet, so the server stays up
	time.Sleep(5 * cfg.PollInterval)
	assert.False(t, r.stopped())

	a, b := r.dial(t), r.dial(t)
	require.NoError(t, a.Set(context.Background(), "k", []byte("v")))
	require.Eventually(t, func() bool { return r.srv.Connections() == 2 }, waitBound, time.Millisecond)

	require.NoError(t, a.Close())
	time.Sleep(5 * cfg.PollInterval)
	assert.False(t, r.stopped(), "one client is still connected")

	require.NoError(t, b.Close())
	assert.NoError(t, r.wait(t))
	assert.True(t, r.srv.Cache().Closed())
}

func TestServerAutoKillAfterAbruptDisconnect(t *testing.T) {
	cfg := testConfig()
	cfg.AutoKill = true
	r := start(t, cfg)

	nc := r.raw(t)
	require.Eventually(t, func() bool { return r.srv.Connections() == 1 }, waitBound, time.Millisecond)
	require.NoError(t, nc.Close())

	assert.NoError(t, r.wait(t))
}

func TestServerConnectionCounter(t *testing.T) {
	r := start(t, testConfig())

	c := r.dial(t)
	nc := r.raw(t)
	require.Eventually(t, func() bool { return r.srv.Connections() == 2 }, waitBound, time.Millisecond)

	require.NoError(t, c.Close())
	_, err := nc.Write([]byte("garbage!"))
	require.NoError(t, err)
	expectClosed(t, nc)

	require.Eventually(t, func() bool { return r.srv.Connections() == 0 }, waitBound, time.Millisecond)
}

func TestServerBadMagic(t *testing.T) {
	ctx := context.Background()
	errs, hook := hookChan()
	r := start(t, testConfig(), hook)

	good := r.dial(t)
	require.NoError(t, good.Set(ctx, "k", []byte("v")))

	nc := r.raw(t)
	frame := make([]byte, protocol.EnvelopeSize)
	binary.BigEndian.PutUint32(frame[0:4], 0xdeadbeef)
	binary.BigEndian.PutUint32(frame[4:8], uint32(protocol.CmdCountKeys))
	_, err := nc.Write(frame)
	require.NoError(t, err)
	expectClosed(t, nc)

	e := nextConnError(t, errs)
	assert.Equal(t, KindProtocol, e.Kind)
	assert.True(t, e.Envelope)
	assert.ErrorIs(t, e, protocol.ErrBadMagic)

	// other connections are unaffected
	count, err := good.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestServerUnknownCommand(t *testing.T) {
	errs, hook := hookChan()
	r := start(t, testConfig(), hook)

	nc := r.raw(t)
	frame := make([]byte, protocol.EnvelopeSize)
	binary.BigEndian.PutUint32(frame[0:4], protocol.Magic)
	binary.BigEndian.PutUint32(frame[4:8], 99)
	_, err := nc.Write(frame)
	require.NoError(t, err)
	expectClosed(t, nc)

	e := nextConnError(t, errs)
	assert.Equal(t, KindProtocol, e.Kind)
	assert.ErrorIs(t, e, protocol.ErrUnknownCommand)
}

func TestServerIncrNonInteger(t *testing.T) {
	ctx := context.Background()
	errs, hook := hookChan()
	r := start(t, testConfig(), hook)
	c := r.dial(t)

	require.NoError(t, c.Set(ctx, "name", []byte("ada")))
	_, err := c.Incr(ctx, "name")
	require.Error(t, err)

	_, _, err = c.Get(ctx, "name")
	assert.ErrorIs(t, err, client.ErrBroken)

	e := nextConnError(t, errs)
	assert.Equal(t, KindApplication, e.Kind)
	assert.Equal(t, protocol.CmdIncrKey, e.Command)

	value, _ := r.srv.Cache().Get("name")
	assert.Equal(t, []byte("ada"), value, "failed increment leaves the value untouched")
}

func TestServerMaxValueSize(t *testing.T) {
	cfg := testConfig()
	cfg.MaxValueSize = 16
	errs, hook := hookChan()
	r := start(t, cfg, hook)

	c, err := client.Dial(context.Background(), r.srv.Addr().String(), client.WithMaxValueSize(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	err = c.Set(context.Background(), "k", make([]byte, 32))
	assert.Error(t, err)

	e := nextConnError(t, errs)
	assert.Equal(t, KindProtocol, e.Kind)
	assert.ErrorIs(t, e, protocol.ErrTooLarge)
}

func TestServerIdleTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	errs, hook := hookChan()
	r := start(t, cfg, hook)

	nc := r.raw(t)
	expectClosed(t, nc)

	e := nextConnError(t, errs)
	assert.Equal(t, KindTransport, e.Kind)
}

func TestServerMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := telemetry.NewServerMetrics(mp.Meter("test"))
	require.NoError(t, err)

	r := start(t, testConfig(), WithMetrics(m))
	c := r.dial(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "a", []byte("1")))
	_, _, err = c.Get(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return r.srv.Connections() == 0 }, waitBound, time.Millisecond)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				name := metric.Name
				if v, ok := dp.Attributes.Value(telemetry.AttrCommand); ok {
					name += "/" + v.AsString()
				}
				counts[name] += dp.Value
			}
		}
	}

	assert.Equal(t, int64(1), counts["upcache.connections.total"])
	assert.Equal(t, int64(0), counts["upcache.connections.active"])
	assert.Equal(t, int64(1), counts["upcache.commands.total/SetKey"])
	assert.Equal(t, int64(1), counts["upcache.commands.total/GetKey"])
	assert.Equal(t, int64(1), counts["upcache.commands.total/Disconnect"])
}
