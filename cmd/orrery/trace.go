package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/orrery/internal/logging"
	"github.com/signalsfoundry/orrery/model"
)

type traceOptions struct {
	samples int
	format  string
}

type tracePoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func newTraceCmd(opts *rootOptions) *cobra.Command {
	to := &traceOptions{}
	cmd := &cobra.Command{
		Use:   "trace <body-id>",
		Short: "Print the closed orbit path of a body around its parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd.Context(), opts, to, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&to.samples, "samples", 80, "samples per orbit; the first point is repeated to close the path")
	cmd.Flags().StringVar(&to.format, "format", "csv", "output format: csv or json")
	return cmd
}

func runTrace(ctx context.Context, opts *rootOptions, to *traceOptions, id string, out io.Writer) error {
	if to.samples < 1 {
		return fmt.Errorf("--samples must be >= 1, got %d", to.samples)
	}
	if to.format != "csv" && to.format != "json" {
		return fmt.Errorf("unknown --format %q (want csv or json)", to.format)
	}

	cfg := opts.cfg
	a, err := loadApp(ctx, cfg, logging.New(cfg.Log))
	if err != nil {
		return err
	}
	seq, err := a.engine.Trace(id, to.samples)
	if err != nil {
		return fmt.Errorf("trace %q: %w", id, err)
	}

	var pts []model.Vec3
	for p := range seq {
		pts = append(pts, p.Scale(cfg.Scale.Distance))
	}

	if to.format == "json" {
		doc := make([]tracePoint, len(pts))
		for i, p := range pts {
			doc[i] = tracePoint{X: p.X, Y: p.Y, Z: p.Z}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	w := csv.NewWriter(out)
	if err := w.Write([]string{"k", "x", "y", "z"}); err != nil {
		return err
	}
	for k, p := range pts {
		rec := []string{
			strconv.Itoa(k),
			strconv.FormatFloat(p.X, 'g', -1, 64),
			strconv.FormatFloat(p.Y, 'g', -1, 64),
			strconv.FormatFloat(p.Z, 'g', -1, 64),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
