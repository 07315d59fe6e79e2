// Package config loads orrery settings from defaults, an optional YAML file,
// ORRERY_* environment variables and bound command-line flags.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/signalsfoundry/orrery/core"
	"github.com/signalsfoundry/orrery/internal/logging"
	"github.com/signalsfoundry/orrery/internal/observability"
)

// EnvPrefix is prepended to every environment override, e.g.
// ORRERY_SIMULATION_RATE_SCALE.
const EnvPrefix = "ORRERY"

// AUPerKM converts kilometres into astronomical units.
const AUPerKM = 1 / 149597870.7

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the fully resolved runtime configuration.
type Config struct {
	SystemPath string

	Simulation SimulationConfig
	Scale      ScaleConfig

	HTTPAddr string
	GRPCAddr string

	Stream StreamConfig

	Log     logging.Config
	Tracing observability.TracingConfig
}

// SimulationConfig controls the clock and the engine.
type SimulationConfig struct {
	Tick        time.Duration // wall-clock interval between ticks
	StepDays    float64       // simulated days per tick
	RateScale   float64
	AnomalyMode core.AnomalyMode
	Accelerated bool
	Workers     int
	Start       time.Time // zero means the body table's epoch
}

// Step returns the simulated time per tick.
func (s SimulationConfig) Step() time.Duration {
	return time.Duration(s.StepDays * float64(24*time.Hour))
}

// ScaleConfig maps body-table units onto API output units.
type ScaleConfig struct {
	Distance    float64 // multiplier applied to every published position
	SatelliteKM float64 // body-table units per SGP4 kilometre
}

// StreamConfig limits the WebSocket position stream.
type StreamConfig struct {
	Rate       float64 // new connections per second per client IP
	Burst      int
	TrustProxy bool // honour X-Forwarded-For / X-Real-IP
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("system.path", "configs/solar_system.json")

	v.SetDefault("simulation.tick", "50ms")
	v.SetDefault("simulation.step_days", 1.0)
	v.SetDefault("simulation.rate_scale", 1.0)
	v.SetDefault("simulation.anomaly_mode", string(core.AnomalyTrue))
	v.SetDefault("simulation.accelerated", false)
	v.SetDefault("simulation.workers", 0)
	v.SetDefault("simulation.start", "")

	v.SetDefault("scale.distance", 1.0)
	v.SetDefault("scale.satellite_km", AUPerKM)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("stream.rate", 1.0)
	v.SetDefault("stream.burst", 5)
	v.SetDefault("stream.trust_proxy", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	tracing := observability.DefaultTracingConfig()
	v.SetDefault("tracing.enabled", tracing.Enabled)
	v.SetDefault("tracing.service_name", tracing.ServiceName)
	v.SetDefault("tracing.exporter", tracing.Exporter)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sample_ratio", tracing.SampleRatio)
}

// NewViper returns a viper instance with defaults and environment binding.
// When configFile is non-empty it must exist; otherwise ./orrery.yaml is read
// if present.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// LOG_LEVEL and LOG_FORMAT are honoured when the prefixed names are unset.
	_ = v.BindEnv("log.level", EnvPrefix+"_LOG_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("log.format", EnvPrefix+"_LOG_FORMAT", "LOG_FORMAT")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", configFile, err)
		}
		return v, nil
	}

	v.SetConfigName("orrery")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load resolves and validates a Config from v.
func Load(v *viper.Viper) (Config, error) {
	mode, ok := core.ParseAnomalyMode(strings.ToLower(v.GetString("simulation.anomaly_mode")))
	if !ok {
		return Config{}, fmt.Errorf("%w: simulation.anomaly_mode %q (want true or mean)", ErrInvalidConfig, v.GetString("simulation.anomaly_mode"))
	}

	var start time.Time
	if s := strings.TrimSpace(v.GetString("simulation.start")); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return Config{}, fmt.Errorf("%w: simulation.start: %v", ErrInvalidConfig, err)
		}
		start = t.UTC()
	}

	cfg := Config{
		SystemPath: v.GetString("system.path"),
		Simulation: SimulationConfig{
			Tick:        v.GetDuration("simulation.tick"),
			StepDays:    v.GetFloat64("simulation.step_days"),
			RateScale:   v.GetFloat64("simulation.rate_scale"),
			AnomalyMode: mode,
			Accelerated: v.GetBool("simulation.accelerated"),
			Workers:     v.GetInt("simulation.workers"),
			Start:       start,
		},
		Scale: ScaleConfig{
			Distance:    v.GetFloat64("scale.distance"),
			SatelliteKM: v.GetFloat64("scale.satellite_km"),
		},
		HTTPAddr: v.GetString("http.addr"),
		GRPCAddr: v.GetString("grpc.addr"),
		Stream: StreamConfig{
			Rate:       v.GetFloat64("stream.rate"),
			Burst:      v.GetInt("stream.burst"),
			TrustProxy: v.GetBool("stream.trust_proxy"),
		},
		Log: logging.Config{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Tracing: observability.TracingConfig{
			Enabled:     v.GetBool("tracing.enabled"),
			ServiceName: v.GetString("tracing.service_name"),
			Exporter:    v.GetString("tracing.exporter"),
			Endpoint:    v.GetString("tracing.endpoint"),
			SampleRatio: v.GetFloat64("tracing.sample_ratio"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges that viper cannot express.
func (c Config) Validate() error {
	positive := []struct {
		key string
		val float64
	}{
		{"simulation.step_days", c.Simulation.StepDays},
		{"simulation.rate_scale", c.Simulation.RateScale},
		{"scale.distance", c.Scale.Distance},
		{"scale.satellite_km", c.Scale.SatelliteKM},
		{"stream.rate", c.Stream.Rate},
	}
	for _, p := range positive {
		if !(p.val > 0) || math.IsInf(p.val, 0) {
			return fmt.Errorf("%w: %s must be a positive finite number, got %v", ErrInvalidConfig, p.key, p.val)
		}
	}
	if c.Simulation.Tick <= 0 {
		return fmt.Errorf("%w: simulation.tick must be positive, got %v", ErrInvalidConfig, c.Simulation.Tick)
	}
	if c.Simulation.Step() <= 0 {
		return fmt.Errorf("%w: simulation.step_days %v is below clock resolution", ErrInvalidConfig, c.Simulation.StepDays)
	}
	if c.Simulation.Workers < 0 {
		return fmt.Errorf("%w: simulation.workers must be >= 0", ErrInvalidConfig)
	}
	if c.Stream.Burst < 1 {
		return fmt.Errorf("%w: stream.burst must be >= 1", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.SystemPath) == "" {
		return fmt.Errorf("%w: system.path is required", ErrInvalidConfig)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// MotionOptions converts the simulation settings into engine motion options.
// epoch is the body table's reference epoch.
func (c Config) MotionOptions(epoch time.Time) core.MotionOptions {
	opts := core.DefaultMotionOptions()
	opts.RateScale = c.Simulation.RateScale
	opts.Mode = c.Simulation.AnomalyMode
	opts.SatelliteScale = c.Scale.SatelliteKM
	opts.Epoch = epoch
	opts.Start = c.StartTime(epoch)
	return opts
}

// StartTime returns the configured start, or epoch when none is set.
func (c Config) StartTime(epoch time.Time) time.Time {
	if c.Simulation.Start.IsZero() {
		return epoch
	}
	return c.Simulation.Start
}
