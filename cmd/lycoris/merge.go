package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/born-ml/lycoris/internal/loader"
	"github.com/born-ml/lycoris/internal/lycoris"
	"github.com/born-ml/lycoris/internal/metrics"
)

func mergeCmd(a *app) *cli.Command {
	var (
		basePath    string
		lycorisPath string
		outPath     string
		scale       float64
		device      string
	)

	return &cli.Command{
		Name:  "merge",
		Usage: "Merge a LyCORIS file into a base pipeline and save the result",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "base", Aliases: []string{"b"}, Usage: "base pipeline directory or s3:// prefix", Destination: &basePath, Required: true},
			&cli.StringFlag{Name: "lycoris", Aliases: []string{"l"}, Usage: "LyCORIS .safetensors file or s3:// key", Destination: &lycorisPath, Required: true},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output pipeline directory or s3:// prefix", Destination: &outPath, Required: true},
			&cli.FloatFlag{Name: "scale", Aliases: []string{"s"}, Usage: "multiplier applied to every delta", Value: 1, Destination: &scale},
			&cli.StringFlag{Name: "device", Usage: "compute device (overrides LYCORIS_DEVICE)", Destination: &device},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			opts := lycoris.MergeOptions{
				Device: a.cfg.Device,
				Logger: a.logger,
				Progress: func(component, name string, done, total int) {
					a.logger.Debug("module done", "component", component, "module", name, "done", done, "total", total)
				},
			}
			if device != "" {
				opts.Device = device
			}
			if err := opts.Validate(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			err := a.timed(metrics.OpMerge, func() error {
				return a.merge(ctx, basePath, lycorisPath, outPath, scale, opts)
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: merge: %v", err), 1)
			}
			return nil
		},
	}
}

func (a *app) merge(ctx context.Context, basePath, lycorisPath, outPath string, scale float64, opts lycoris.MergeOptions) error {
	store, key, err := a.openFile(ctx, lycorisPath)
	if err != nil {
		return err
	}
	state, meta, err := loader.LoadSafeTensors(ctx, store, key)
	if err != nil {
		return err
	}
	if runID := meta[metaRunID]; runID != "" {
		a.logger.Debug("lycoris file loaded", "run_id", runID, "mode", meta[metaMode])
	}

	p, err := a.openPipeline(ctx, basePath)
	if err != nil {
		return fmt.Errorf("base: %w", err)
	}
	report, err := lycoris.Merge(bundleOf(p), state, scale, opts)
	if err != nil {
		return err
	}
	if report.Total == 0 {
		a.logger.Warn("no layer of the base pipeline matched the lycoris file", "lycoris", lycorisPath)
	}
	for component, byKind := range report.Counts {
		for kind, n := range byKind {
			a.metrics.AddLayers(metrics.OpMerge, component, kind.String(), n)
		}
	}

	dst, err := a.openDir(ctx, outPath)
	if err != nil {
		return err
	}
	if err := loader.SavePipeline(ctx, p, dst); err != nil {
		return err
	}
	a.logger.Info("pipeline written", "out", outPath, "layers", report.Total)
	return nil
}
