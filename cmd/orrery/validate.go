package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/orrery/internal/logging"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the body table, build every motion model and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
}

func runValidate(ctx context.Context, opts *rootOptions, out io.Writer) error {
	cfg := opts.cfg
	a, err := loadApp(ctx, cfg, logging.New(cfg.Log))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tPARENT\tA\tE\tPERIOD_DAYS")
	for _, id := range a.system.BodyIDs {
		def, err := a.store.GetBody(id)
		if err != nil {
			return err
		}
		parent := def.ParentID
		if parent == "" {
			parent = "-"
		}
		if !def.Kind.Keplerian() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t-\t-\t-\n", def.ID, def.Kind, parent)
			continue
		}
		el := def.Elements
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.6g\t%.6g\t%.6g\n", def.ID, def.Kind, parent,
			el.SemiMajorAxis, el.Eccentricity, el.Period)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "ok: %d bodies, epoch %s\n", len(a.system.BodyIDs), a.system.Epoch.Format(time.RFC3339))
	return err
}
