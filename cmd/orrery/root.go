package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/signalsfoundry/orrery/internal/config"
)

// flagKeys binds command-line flags onto configuration keys. Only flags that
// the running command defines are bound.
var flagKeys = map[string]string{
	"system":       "system.path",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"http-addr":    "http.addr",
	"grpc-addr":    "grpc.addr",
	"tick":         "simulation.tick",
	"step-days":    "simulation.step_days",
	"rate-scale":   "simulation.rate_scale",
	"anomaly-mode": "simulation.anomaly_mode",
	"accelerated":  "simulation.accelerated",
	"workers":      "simulation.workers",
	"start":        "simulation.start",
	"scale":        "scale.distance",
}

type rootOptions struct {
	configFile string
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "orrery",
		Short:        "Keplerian orbit propagation for a solar-system body table",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.NewViper(opts.configFile)
			if err != nil {
				return err
			}
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "config file (default ./orrery.yaml when present)")
	pf.String("system", "", "path to the JSON body table")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	pf.Float64("scale", 0, "multiplier applied to published distances")

	cmd.AddCommand(
		newServeCmd(opts),
		newSimulateCmd(opts),
		newTraceCmd(opts),
		newValidateCmd(opts),
	)
	return cmd
}

// addSimulationFlags registers the engine flags shared by serve and simulate.
func addSimulationFlags(fs *pflag.FlagSet) {
	fs.Float64("step-days", 0, "simulated days per tick")
	fs.Float64("rate-scale", 0, "anomaly rate multiplier")
	fs.String("anomaly-mode", "", "anomaly interpretation: true or mean")
	fs.Int("workers", 0, "propagation workers per tick (0 = GOMAXPROCS)")
	fs.String("start", "", "simulation start time, RFC3339 (default: body table epoch)")
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}
