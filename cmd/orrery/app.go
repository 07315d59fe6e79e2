package main

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/orrery/core"
	"github.com/signalsfoundry/orrery/internal/config"
	"github.com/signalsfoundry/orrery/internal/logging"
	"github.com/signalsfoundry/orrery/kb"
)

// app is the loaded body table and the engine driving it.
type app struct {
	store  *kb.KnowledgeBase
	system *core.System
	engine *core.SimulationEngine
}

// loadApp reads the configured body table and builds an engine over it.
func loadApp(ctx context.Context, cfg config.Config, log logging.Logger, extra ...core.EngineOption) (*app, error) {
	store := kb.NewKnowledgeBase()
	sys, err := core.LoadSystemFile(store, cfg.SystemPath)
	if err != nil {
		return nil, err
	}

	opts := append([]core.EngineOption{
		core.WithLogger(log),
		core.WithWorkers(cfg.Simulation.Workers),
		core.WithMotionOptions(cfg.MotionOptions(sys.Epoch)),
	}, extra...)
	engine, err := core.NewSimulationEngine(store, opts...)
	if err != nil {
		return nil, fmt.Errorf("build engine: %w", err)
	}

	log.Info(ctx, "body table loaded",
		logging.String("path", cfg.SystemPath),
		logging.Int("bodies", len(sys.BodyIDs)),
		logging.Time("epoch", sys.Epoch),
	)
	return &app{store: store, system: sys, engine: engine}, nil
}
