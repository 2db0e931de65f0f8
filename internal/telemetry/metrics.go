// Package telemetry wires OpenTelemetry metrics into the upcache server.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/cachemir/upcache/pkg/protocol"
)

// Attribute keys attached to server measurements.
const (
	AttrCommand   = attribute.Key("upcache.command")
	AttrErrorKind = attribute.Key("upcache.error.kind")
)

// ServerMetrics records connection and command measurements. The zero value
// is not usable; build one with NewServerMetrics or Nop.
type ServerMetrics struct {
	connsActive metric.Int64UpDownCounter
	connsTotal  metric.Int64Counter
	commands    metric.Int64Counter
	errors      metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewServerMetrics creates the server instruments on meter.
func NewServerMetrics(meter metric.Meter) (*ServerMetrics, error) {
	connsActive, err := meter.Int64UpDownCounter(
		"upcache.connections.active",
		metric.WithDescription("Number of open client connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	connsTotal, err := meter.Int64Counter(
		"upcache.connections.total",
		metric.WithDescription("Total number of accepted client connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	commands, err := meter.Int64Counter(
		"upcache.commands.total",
		metric.WithDescription("Total number of commands served"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}

	errs, err := meter.Int64Counter(
		"upcache.connections.errors",
		metric.WithDescription("Connections terminated by an error"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"upcache.command.duration_ms",
		metric.WithDescription("Command handling duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &ServerMetrics{
		connsActive: connsActive,
		connsTotal:  connsTotal,
		commands:    commands,
		errors:      errs,
		duration:    duration,
	}, nil
}

// Nop returns ServerMetrics backed by a no-op meter.
func Nop() *ServerMetrics {
	m, _ := NewServerMetrics(noop.NewMeterProvider().Meter("upcache"))
	return m
}

// ConnOpened records an accepted connection.
func (m *ServerMetrics) ConnOpened(ctx context.Context) {
	m.connsTotal.Add(ctx, 1)
	m.connsActive.Add(ctx, 1)
}

// ConnClosed records a closed connection.
func (m *ServerMetrics) ConnClosed(ctx context.Context) {
	m.connsActive.Add(ctx, -1)
}

// Command records one served command and how long it took. WaitKey durations
// include the time spent blocked.
func (m *ServerMetrics) Command(ctx context.Context, cmd protocol.Command, d time.Duration) {
	opt := metric.WithAttributes(AttrCommand.String(cmd.String()))
	m.commands.Add(ctx, 1, opt)
	m.duration.Record(ctx, float64(d)/float64(time.Millisecond), opt)
}

// ConnError records a connection terminated by an error of the given kind.
func (m *ServerMetrics) ConnError(ctx context.Context, kind string) {
	m.errors.Add(ctx, 1, metric.WithAttributes(AttrErrorKind.String(kind)))
}
