package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/born-ml/lycoris/internal/loader"
	"github.com/born-ml/lycoris/internal/lycoris"
	"github.com/born-ml/lycoris/internal/metrics"
	"github.com/born-ml/lycoris/internal/nn"
)

// Metadata keys written into extracted files.
const (
	metaRunID       = "lycoris_run_id"
	metaMode        = "lycoris_mode"
	metaLinearParam = "lycoris_linear_param"
	metaConvParam   = "lycoris_conv_param"
	metaPolicy      = "lycoris_policy"
	metaSmallConv   = "lycoris_small_conv"
	metaUseBias     = "lycoris_use_bias"
	metaVersion     = "lycoris_version"
)

func extractCmd(a *app) *cli.Command {
	var (
		basePath    string
		tunedPath   string
		outPath     string
		mode        string
		linearParam float64
		convParam   float64
		device      string
		useBias     bool
		sparsity    float64
		smallConv   bool
		minDiff     float64
	)

	return &cli.Command{
		Name:  "extract",
		Usage: "Extract the difference between a base and a fine-tuned pipeline as a LyCORIS file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "base", Aliases: []string{"b"}, Usage: "base pipeline directory or s3:// prefix", Destination: &basePath, Required: true},
			&cli.StringFlag{Name: "tuned", Aliases: []string{"t"}, Usage: "fine-tuned pipeline directory or s3:// prefix", Destination: &tunedPath, Required: true},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output .safetensors file or s3:// key", Destination: &outPath, Required: true},
			&cli.StringFlag{Name: "mode", Usage: "rank selection: fixed, threshold, ratio, quantile or percentile", Value: string(lycoris.ModeFixed), Destination: &mode},
			&cli.FloatFlag{Name: "linear-param", Usage: "mode parameter for linear and 1x1 conv layers", Value: lycoris.DefaultLinearParam, Destination: &linearParam},
			&cli.FloatFlag{Name: "conv-param", Usage: "mode parameter for other conv layers", Value: lycoris.DefaultConvParam, Destination: &convParam},
			&cli.StringFlag{Name: "device", Usage: "compute device (overrides LYCORIS_DEVICE)", Destination: &device},
			&cli.BoolFlag{Name: "use-bias", Usage: "store the decomposition residual as a sparse bias", Destination: &useBias},
			&cli.FloatFlag{Name: "sparsity", Usage: "fraction of residual elements dropped with --use-bias", Value: lycoris.DefaultSparsity, Destination: &sparsity},
			&cli.BoolFlag{Name: "small-conv", Usage: "compress k×k convolutions into an up/mid/down chain", Value: true, Destination: &smallConv},
			&cli.FloatFlag{Name: "min-diff", Usage: "skip layers whose largest change is below this value", Destination: &minDiff},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			m, err := lycoris.ParseMode(mode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: --mode: %v", err), 1)
			}
			opts := lycoris.DefaultOptions()
			opts.Mode = m
			opts.LinearParam = linearParam
			opts.ConvParam = convParam
			opts.Device = a.cfg.Device
			if device != "" {
				opts.Device = device
			}
			opts.UseBias = useBias
			opts.Sparsity = sparsity
			opts.SmallConv = smallConv
			opts.MinDiff = minDiff
			opts.Logger = a.logger
			opts.Progress = func(component, name string, done, total int) {
				a.logger.Debug("module done", "component", component, "module", name, "done", done, "total", total)
			}
			if err := opts.Validate(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			err = a.timed(metrics.OpExtract, func() error {
				return a.extract(ctx, basePath, tunedPath, outPath, opts)
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: extract: %v", err), 1)
			}
			return nil
		},
	}
}

func (a *app) extract(ctx context.Context, basePath, tunedPath, outPath string, opts lycoris.Options) error {
	base, err := a.openBundle(ctx, basePath)
	if err != nil {
		return fmt.Errorf("base: %w", err)
	}
	tuned, err := a.openBundle(ctx, tunedPath)
	if err != nil {
		return fmt.Errorf("tuned: %w", err)
	}

	state, err := lycoris.ExtractDiff(base, tuned, opts)
	if err != nil {
		return err
	}

	infos, err := lycoris.Inspect(state, opts.Policy)
	if err != nil {
		return err
	}
	for component, byKind := range lycoris.CountByKind(infos) {
		for kind, n := range byKind {
			a.metrics.AddLayers(metrics.OpExtract, component, kind.String(), n)
		}
	}

	store, key, err := a.openFile(ctx, outPath)
	if err != nil {
		return err
	}
	runID := uuid.NewString()
	if err := loader.SaveSafeTensors(ctx, store, key, state, extractMetadata(runID, opts)); err != nil {
		return err
	}
	a.logger.Info("lycoris file written", "out", outPath, "run_id", runID, "layers", len(infos))
	return nil
}

func extractMetadata(runID string, opts lycoris.Options) map[string]string {
	policy := lycoris.PolicyVersion
	if opts.Policy != nil {
		policy = opts.Policy.Version
	}
	return map[string]string{
		metaRunID:       runID,
		metaMode:        string(opts.Mode),
		metaLinearParam: strconv.FormatFloat(opts.LinearParam, 'g', -1, 64),
		metaConvParam:   strconv.FormatFloat(opts.ConvParam, 'g', -1, 64),
		metaPolicy:      policy,
		metaSmallConv:   strconv.FormatBool(opts.SmallConv),
		metaUseBias:     strconv.FormatBool(opts.UseBias),
		metaVersion:     version,
	}
}

// openBundle loads the pipeline at uri as a lycoris bundle.
func (a *app) openBundle(ctx context.Context, uri string) (lycoris.Bundle, error) {
	p, err := a.openPipeline(ctx, uri)
	if err != nil {
		return lycoris.Bundle{}, err
	}
	return bundleOf(p), nil
}

func (a *app) openPipeline(ctx context.Context, uri string) (*loader.Pipeline, error) {
	store, err := a.openDir(ctx, uri)
	if err != nil {
		return nil, err
	}
	p, err := loader.OpenPipeline(ctx, store)
	if err != nil {
		return nil, err
	}
	for _, c := range p.Components() {
		a.logger.Debug("component loaded", "location", uri, "component", c.Name, "files", len(c.Files), "params", nn.CountParameters(c.Root))
	}
	return p, nil
}

func bundleOf(p *loader.Pipeline) lycoris.Bundle {
	b := lycoris.Bundle{
		TextEncoder: p.TextEncoder.Root,
		UNet:        p.UNet.Root,
	}
	if p.TextEncoder2 != nil {
		b.TextEncoder2 = p.TextEncoder2.Root
	}
	return b
}
