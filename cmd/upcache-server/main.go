// Command upcache-server runs an upcache server.
//
// The server binds an OS-assigned port by default and can announce it through
// a discovery file, so co-located clients find it without a fixed port:
//
//	upcache-server --port-file /tmp/upcache.json --auto-kill
//
// Every flag can also be set through an UPCACHE_* environment variable or a
// YAML file named with --config. Flags win over the environment, which wins
// over the file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cachemir/upcache/internal/lifecycle"
	"github.com/cachemir/upcache/internal/logging"
	"github.com/cachemir/upcache/internal/server"
	"github.com/cachemir/upcache/internal/telemetry"
	"github.com/cachemir/upcache/pkg/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(realMain())
}

func realMain() int {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			return ec.ExitCode()
		}
		return 1
	}
	return 0
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "upcache-server",
		Usage:   "in-memory key-value cache over TCP",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML configuration file",
				Sources: cli.EnvVars("UPCACHE_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "host",
				Usage:   "address to bind",
				Value:   config.DefaultHost,
				Sources: cli.EnvVars("UPCACHE_HOST"),
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "TCP port, 0 for an OS-assigned port",
				Sources: cli.EnvVars("UPCACHE_PORT"),
			},
			&cli.BoolFlag{
				Name:    "auto-kill",
				Usage:   "exit once the last client disconnects",
				Sources: cli.EnvVars("UPCACHE_AUTO_KILL"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "how often auto-kill checks the connection count",
				Value:   config.DefaultPollInterval,
				Sources: cli.EnvVars("UPCACHE_POLL_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "idle-timeout",
				Usage:   "close connections idle between requests for this long, 0 disables",
				Sources: cli.EnvVars("UPCACHE_IDLE_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "port-file",
				Usage:   "write {\"port\": N} to this file once listening",
				Sources: cli.EnvVars("UPCACHE_PORT_FILE"),
			},
			&cli.BoolFlag{
				Name:    "remove-port-file",
				Usage:   "delete the port file on exit",
				Value:   true,
				Sources: cli.EnvVars("UPCACHE_REMOVE_PORT_FILE"),
			},
			&cli.IntFlag{
				Name:    "max-value-size",
				Usage:   "largest accepted key or value in bytes, 0 for no limit",
				Value:   config.DefaultMaxValueSize,
				Sources: cli.EnvVars("UPCACHE_MAX_VALUE_SIZE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				Value:   config.DefaultLogLevel,
				Sources: cli.EnvVars("UPCACHE_LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "json, console or logrus",
				Value:   config.DefaultLogFormat,
				Sources: cli.EnvVars("UPCACHE_LOG_FORMAT"),
			},
			&cli.StringFlag{
				Name:    "metrics",
				Usage:   "metrics exporter: none, stdout, prometheus or otlp",
				Value:   config.DefaultMetrics,
				Sources: cli.EnvVars("UPCACHE_METRICS"),
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "serve Prometheus metrics on this address, required with --metrics prometheus",
				Sources: cli.EnvVars("UPCACHE_METRICS_ADDR"),
			},
		},
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
		Action:         run,
	}
}

// loadConfig starts from defaults, applies the YAML file if one is named and
// then every flag set on the command line or through the environment.
func loadConfig(cmd *cli.Command) (config.ServerConfig, error) {
	cfg := config.DefaultServerConfig()
	if path := cmd.String("config"); path != "" {
		var err error
		if cfg, err = config.LoadServerFile(path); err != nil {
			return cfg, err
		}
	}

	overlay := map[string]func(){
		"host":             func() { cfg.Host = cmd.String("host") },
		"port":             func() { cfg.Port = cmd.Int("port") },
		"auto-kill":        func() { cfg.AutoKill = cmd.Bool("auto-kill") },
		"poll-interval":    func() { cfg.PollInterval = cmd.Duration("poll-interval") },
		"idle-timeout":     func() { cfg.IdleTimeout = cmd.Duration("idle-timeout") },
		"port-file":        func() { cfg.PortFile = cmd.String("port-file") },
		"remove-port-file": func() { cfg.RemovePortFile = cmd.Bool("remove-port-file") },
		"max-value-size":   func() { cfg.MaxValueSize = cmd.Int("max-value-size") },
		"log-level":        func() { cfg.LogLevel = cmd.String("log-level") },
		"log-format":       func() { cfg.LogFormat = cmd.String("log-format") },
		"metrics":          func() { cfg.Metrics = cmd.String("metrics") },
		"metrics-addr":     func() { cfg.MetricsAddr = cmd.String("metrics-addr") },
	}
	for name, apply := range overlay {
		if cmd.IsSet(name) {
			apply()
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return cli.Exit(err, 2)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return cli.Exit(err, 2)
	}
	defer func() { _ = logger.Sync() }()

	proc := lifecycle.NewProcess(logger)
	defer proc.Cleanup()
	proc.HandleSignals()
	defer proc.Stop()

	provider, err := telemetry.Setup(ctx, cfg.Metrics, version)
	if err != nil {
		return cli.Exit(err, 2)
	}
	proc.OnCleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn("metrics shutdown failed", zap.Error(err))
		}
	})

	metrics, err := telemetry.NewServerMetrics(provider.Meter())
	if err != nil {
		return cli.Exit(err, 2)
	}

	srv := server.New(cfg,
		server.WithLogger(logger.Named("server")),
		server.WithMetrics(metrics),
	)
	if err := srv.Listen(ctx); err != nil {
		return cli.Exit(err, 2)
	}

	fmt.Fprintln(cmd.Root().Writer, srv.Port())

	if cfg.PortFile != "" {
		// Registered before writing so a signal arriving in between still
		// removes a file that did get written.
		if cfg.RemovePortFile {
			proc.RemoveOnExit(cfg.PortFile)
		}
		if err := lifecycle.WriteDiscovery(cfg.PortFile, srv.Port()); err != nil {
			return cli.Exit(err, 2)
		}
		logger.Info("wrote port file", zap.String("path", cfg.PortFile), zap.Int("port", srv.Port()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(gctx); err != nil {
			return err
		}
		// A clean stop still cancels gctx so the metrics endpoint goes too.
		return errServerDone
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
			return telemetry.ServeMetrics(gctx, telemetry.NewMetricsServer(cfg.MetricsAddr))
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errServerDone) {
		return cli.Exit(err, 1)
	}
	return nil
}

var errServerDone = errors.New("server stopped")
