// Package main provides the lycoris command: extract a LyCORIS delta from a
// base and a fine-tuned diffusion pipeline, merge one back, or inspect a
// delta file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/born-ml/lycoris/internal/blob"
	"github.com/born-ml/lycoris/internal/config"
	"github.com/born-ml/lycoris/internal/metrics"
	"github.com/born-ml/lycoris/internal/parallel"
)

const version = "v0.1.0-dev"

// app is the state shared by every subcommand, set up in the root Before
// hook.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func main() {
	if err := newRootCmd(&app{}).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cli.Command {
	var (
		envFile     string
		logLevel    string
		metricsFile string
	)

	return &cli.Command{
		Name:    "lycoris",
		Usage:   "Extract and merge LyCORIS deltas of diffusion models",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Usage: "dotenv file read before the environment", Value: ".env", Destination: &envFile},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (overrides " + config.EnvLogLevel + ")", Destination: &logLevel},
			&cli.StringFlag{Name: "metrics-file", Usage: "write Prometheus metrics to this file (overrides " + config.EnvMetricsFile + ")", Destination: &metricsFile},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			cfg, err := config.Load(envFile)
			if err != nil {
				return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if logLevel != "" {
				if cfg.LogLevel, err = config.ParseLevel(logLevel); err != nil {
					return ctx, cli.Exit(fmt.Sprintf("error: --log-level: %v", err), 1)
				}
			}
			if metricsFile != "" {
				cfg.MetricsFile = metricsFile
			}
			if cfg.Workers > 0 {
				parallel.SetWorkers(cfg.Workers)
			}
			a.cfg = cfg
			a.logger = slog.New(slog.NewTextHandler(c.Root().ErrWriter, &slog.HandlerOptions{Level: cfg.LogLevel}))
			a.metrics = metrics.NewRecorder()
			return ctx, nil
		},
		After: func(ctx context.Context, c *cli.Command) error {
			if a.metrics == nil {
				return nil
			}
			return a.metrics.WriteFile(a.cfg.MetricsFile)
		},
		Commands: []*cli.Command{
			extractCmd(a),
			mergeCmd(a),
			inspectCmd(a),
			versionCmd(),
		},
	}
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version",
		Action: func(ctx context.Context, c *cli.Command) error {
			_, err := fmt.Fprintf(c.Root().Writer, "lycoris %s\n", version)
			return err
		},
	}
}

// openDir opens a store rooted at a directory location.
func (a *app) openDir(ctx context.Context, uri string) (blob.Store, error) {
	loc, err := blob.ParseLocation(uri)
	if err != nil {
		return nil, err
	}
	return blob.Open(ctx, loc, a.cfg.S3)
}

// openFile opens the store holding a single file location and returns the
// file's key within it.
func (a *app) openFile(ctx context.Context, uri string) (blob.Store, string, error) {
	loc, err := blob.ParseLocation(uri)
	if err != nil {
		return nil, "", err
	}
	dir, name := loc.Split()
	if name == "" {
		return nil, "", fmt.Errorf("%s: not a file location", uri)
	}
	store, err := blob.Open(ctx, dir, a.cfg.S3)
	if err != nil {
		return nil, "", err
	}
	return store, name, nil
}

// timed runs fn and records its duration under op.
func (a *app) timed(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	a.metrics.ObserveRun(op, time.Since(start), err)
	return err
}
