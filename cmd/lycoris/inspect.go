package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/born-ml/lycoris/internal/loader"
	"github.com/born-ml/lycoris/internal/lycoris"
)

func inspectCmd(a *app) *cli.Command {
	var (
		showShapes bool
		showMeta   bool
		filter     string
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "List the layers of a LyCORIS file",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "shapes", Usage: "print the shape of every stored tensor", Destination: &showShapes},
			&cli.BoolFlag{Name: "metadata", Usage: "print the file metadata", Destination: &showMeta},
			&cli.StringFlag{Name: "filter", Usage: "substring filter for layer keys", Destination: &filter},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return cli.Exit("error: inspect takes exactly one FILE argument", 1)
			}
			path := c.Args().First()

			store, key, err := a.openFile(ctx, path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			state, meta, err := loader.LoadSafeTensors(ctx, store, key)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open %s: %v", path, err), 1)
			}
			infos, err := lycoris.Inspect(state, nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			out := c.Root().Writer
			if showMeta {
				printMetadata(out, meta)
			}
			if filter != "" {
				infos = slices.DeleteFunc(infos, func(info lycoris.LayerInfo) bool {
					return !strings.Contains(info.Key, filter)
				})
			}
			if err := printLayers(out, infos, showShapes); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}

func printMetadata(w io.Writer, meta map[string]string) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "%s=%s\n", k, meta[k])
	}
	_, _ = fmt.Fprintln(w)
}

func printLayers(w io.Writer, infos []lycoris.LayerInfo, shapes bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "KEY\tCOMPONENT\tKIND\tRANK\tALPHA\tPARAMS\tSPARSE")
	total := 0
	for _, info := range infos {
		component := info.Component
		if component == "" {
			component = "-"
		}
		rank, alpha := "-", "-"
		if info.Rank > 0 {
			rank = strconv.Itoa(info.Rank)
		}
		if info.Alpha != nil {
			alpha = strconv.FormatFloat(*info.Alpha, 'g', 6, 64)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n", info.Key, component, info.Kind, rank, alpha, info.Params, info.Sparse)
		if shapes {
			suffixes := make([]string, 0, len(info.Shapes))
			for s := range info.Shapes {
				suffixes = append(suffixes, s)
			}
			slices.Sort(suffixes)
			for _, s := range suffixes {
				_, _ = fmt.Fprintf(tw, "  .%s\t%v\t\t\t\t\t\n", s, info.Shapes[s])
			}
		}
		total += info.Params
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d layers, %d parameters\n", len(infos), total)
	return err
}
