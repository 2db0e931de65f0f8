// Command upcache is a command-line client for upcache servers.
//
//	upcache --port-file /tmp/upcache.json set greeting hello
//	upcache --addr 127.0.0.1:40123 get greeting
//	upcache --port-file /tmp/upcache.json incr visits
//
// get and exists exit with status 1 when the key is absent; any failure
// exits with status 2.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/urfave/cli/v3"

	"github.com/cachemir/upcache/pkg/client"
	"github.com/cachemir/upcache/pkg/config"
)

var version = "dev"

// errNotFound makes get and exists exit with status 1.
var errNotFound = cli.Exit("", 1)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	err := newApp(os.Stdout).Run(context.Background(), os.Args)
	if err == nil {
		return 0
	}
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		if msg := err.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		return ec.ExitCode()
	}
	fmt.Fprintln(os.Stderr, err)
	return 2
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "upcache",
		Usage:   "talk to an upcache server",
		Version: version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML client configuration file",
				Sources: cli.EnvVars("UPCACHE_CLIENT_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "server address as host:port",
				Sources: cli.EnvVars("UPCACHE_ADDR"),
			},
			&cli.StringFlag{
				Name:    "port-file",
				Usage:   "discovery file written by upcache-server",
				Sources: cli.EnvVars("UPCACHE_PORT_FILE"),
			},
			&cli.StringFlag{
				Name:    "host",
				Usage:   "host to pair with the discovered port",
				Value:   config.DefaultHost,
				Sources: cli.EnvVars("UPCACHE_HOST"),
			},
			&cli.DurationFlag{
				Name:    "dial-timeout",
				Value:   config.DefaultDialTimeout,
				Sources: cli.EnvVars("UPCACHE_DIAL_TIMEOUT"),
			},
		},
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "print the value stored under a key",
				ArgsUsage: "KEY",
				Action: withClient(1, func(ctx context.Context, cmd *cli.Command, c *client.Client) error {
					value, found, err := c.Get(ctx, cmd.Args().First())
					if err != nil {
						return err
					}
					if !found {
						return errNotFound
					}
					_, err = fmt.Fprintf(cmd.Root().Writer, "%s\n", value)
					return err
				}),
			},
			{
				Name:      "set",
				Usage:     "store a value under a key",
				ArgsUsage: "KEY VALUE",
				Action: withClient(2, func(ctx context.Context, cmd *cli.Command, c *client.Client) error {
					return c.Set(ctx, cmd.Args().Get(0), []byte(cmd.Args().Get(1)))
				}),
			},
			{
				Name:      "exists",
				Usage:     "report whether a key is present",
				ArgsUsage: "KEY",
				Action: withClient(1, func(ctx context.Context, cmd *cli.Command, c *client.Client) error {
					ok, err := c.Exists(ctx, cmd.Args().First())
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.Root().Writer, ok)
					if !ok {
						return errNotFound
					}
					return nil
				}),
			},
			{
				Name:      "wait",
				Usage:     "block until a key changes",
				ArgsUsage: "KEY",
				Action: withClient(1, func(ctx context.Context, cmd *cli.Command, c *client.Client) error {
					changed, err := c.WaitFor(ctx, cmd.Args().First())
					if err != nil {
						return err
					}
					if changed {
						fmt.Fprintln(cmd.Root().Writer, "changed")
					} else {
						fmt.Fprintln(cmd.Root().Writer, "closed")
					}
					return nil
				}),
			},
			{
				Name:      "incr",
				Usage:     "increment the integer under a key",
				ArgsUsage: "KEY",
				Action:    withClient(1, stepAction((*client.Client).Incr)),
			},
			{
				Name:      "decr",
				Usage:     "decrement the integer under a key",
				ArgsUsage: "KEY",
				Action:    withClient(1, stepAction((*client.Client).Decr)),
			},
			{
				Name:      "drop",
				Usage:     "remove a key",
				ArgsUsage: "KEY",
				Action: withClient(1, func(ctx context.Context, cmd *cli.Command, c *client.Client) error {
					dropped, err := c.Drop(ctx, cmd.Args().First())
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.Root().Writer, dropped)
					return nil
				}),
			},
			{
				Name:  "clear",
				Usage: "remove every key",
				Action: withClient(0, func(ctx context.Context, _ *cli.Command, c *client.Client) error {
					return c.Clear(ctx)
				}),
			},
			{
				Name:  "count",
				Usage: "print the number of keys",
				Action: withClient(0, func(ctx context.Context, cmd *cli.Command, c *client.Client) error {
					n, err := c.Count(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.Root().Writer, n)
					return nil
				}),
			},
			{
				Name:  "keys",
				Usage: "list every key, sorted",
				Action: withClient(0, func(ctx context.Context, cmd *cli.Command, c *client.Client) error {
					keys, err := c.Keys(ctx)
					if err != nil {
						return err
					}
					sort.Strings(keys)
					for _, k := range keys {
						fmt.Fprintln(cmd.Root().Writer, k)
					}
					return nil
				}),
			},
			{
				Name:  "items",
				Usage: "list every key and value, sorted by key",
				Action: withClient(0, func(ctx context.Context, cmd *cli.Command, c *client.Client) error {
					items, err := c.Items(ctx)
					if err != nil {
						return err
					}
					sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
					for _, it := range items {
						fmt.Fprintf(cmd.Root().Writer, "%s\t%s\n", it.Key, it.Value)
					}
					return nil
				}),
			},
			{
				Name:  "shutdown",
				Usage: "stop the server",
				Action: withClient(0, func(ctx context.Context, _ *cli.Command, c *client.Client) error {
					return c.Shutdown(ctx)
				}),
			},
		},
	}
}

type clientAction func(ctx context.Context, cmd *cli.Command, c *client.Client) error

// withClient checks the argument count, connects and runs fn.
func withClient(nargs int, fn clientAction) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		if cmd.Args().Len() != nargs {
			return cli.Exit(fmt.Sprintf("%s: expected %d argument(s), got %d", cmd.Name, nargs, cmd.Args().Len()), 2)
		}

		cfg, err := loadConfig(cmd.Root())
		if err != nil {
			return cli.Exit(err, 2)
		}
		c, err := dial(ctx, cfg)
		if err != nil {
			return cli.Exit(err, 2)
		}
		defer c.Close()

		err = fn(ctx, cmd, c)
		var ec cli.ExitCoder
		if err != nil && !errors.As(err, &ec) {
			return cli.Exit(err, 2)
		}
		return err
	}
}

func stepAction(op func(*client.Client, context.Context, string) (int64, error)) clientAction {
	return func(ctx context.Context, cmd *cli.Command, c *client.Client) error {
		n, err := op(c, ctx, cmd.Args().First())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.Root().Writer, strconv.FormatInt(n, 10))
		return nil
	}
}

// loadConfig layers flags and environment over the YAML file over defaults.
func loadConfig(root *cli.Command) (config.ClientConfig, error) {
	cfg := config.DefaultClientConfig()
	if path := root.String("config"); path != "" {
		var err error
		if cfg, err = config.LoadClientFile(path); err != nil {
			return cfg, err
		}
	}
	if root.IsSet("addr") {
		cfg.Addr = root.String("addr")
	}
	if root.IsSet("port-file") {
		cfg.PortFile = root.String("port-file")
	}
	if root.IsSet("host") {
		cfg.Host = root.String("host")
	}
	if root.IsSet("dial-timeout") {
		cfg.DialTimeout = root.Duration("dial-timeout")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func dial(ctx context.Context, cfg config.ClientConfig) (*client.Client, error) {
	opts := []client.Option{
		client.WithHost(cfg.Host),
		client.WithDialTimeout(cfg.DialTimeout),
		client.WithMaxValueSize(cfg.MaxValueSize),
	}
	if cfg.Addr != "" {
		return client.Dial(ctx, cfg.Addr, opts...)
	}
	return client.DialDiscovery(ctx, cfg.PortFile, opts...)
}
