// Package upcache is a single-node, in-memory key-value cache reached over a
// small binary TCP protocol.
//
// A server holds one map of string keys to byte values. Clients keep a
// persistent connection and issue one request at a time: get, set, exists,
// drop, clear, count, list keys or items, atomic increment and decrement of
// decimal integer values, and a blocking wait that returns once another
// client touches a key. There is no persistence, eviction or replication.
//
// The server is built to be started on demand next to the processes that use
// it. It binds an OS-assigned port, announces it in a discovery file and, with
// auto-kill enabled, exits by itself once its last client disconnects.
//
// # Quick Start
//
// Server:
//
//	upcache-server --port-file /tmp/upcache.json --auto-kill
//
// Or embedded:
//
//	srv := server.New(config.DefaultServerConfig(), server.WithLogger(logger))
//	if err := srv.Listen(ctx); err != nil {
//		return err
//	}
//	go srv.Serve(ctx)
//
// Client:
//
//	c, err := client.DialDiscovery(ctx, "/tmp/upcache.json")
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	err = c.Set(ctx, "user:123", []byte("john_doe"))
//	value, found, err := c.Get(ctx, "user:123")
//	n, err := c.Incr(ctx, "visits")
//	changed, err := c.WaitFor(ctx, "jobs:done")
//
// Typed values go through a codec:
//
//	err = client.SetAs(ctx, c, "session", sess, codec.JSON[Session]{})
//
// # Protocol
//
// Every request and response starts with an envelope: the magic word
// 0x55504341 ("UPCA") followed by a uint32 command id. Integers are
// big-endian, strings and values are length-prefixed. The protocol has no
// error responses; a request the server cannot serve closes the connection.
//
// # Configuration
//
// Every server flag has an UPCACHE_* environment variable and a key in the
// YAML file named by --config:
//
//	host: 127.0.0.1
//	port: 0
//	auto_kill: true
//	port_file: /tmp/upcache.json
//	log_format: console
//	metrics: prometheus
//	metrics_addr: 127.0.0.1:9464
//
// # Package Structure
//
//   - pkg/cache: Thread-safe store with key-change waits
//   - pkg/protocol: Wire format readers and writers
//   - pkg/client: Client library
//   - pkg/codec: Typed value codecs for the client
//   - pkg/config: Server and client configuration
//   - internal/server: TCP server and connection handling
//   - internal/lifecycle: Discovery file and termination cleanup
//   - internal/logging: zap logger construction
//   - internal/telemetry: OpenTelemetry metrics
//   - cmd/upcache-server: Server executable
//   - cmd/upcache: Command-line client
package upcache
