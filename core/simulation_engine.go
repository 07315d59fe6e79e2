package core

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/orrery/internal/logging"
	"github.com/signalsfoundry/orrery/kb"
	"github.com/signalsfoundry/orrery/model"
)

// ErrNotKeplerian is returned when an orbit-element operation is requested
// for a body that has no elements (the primary, TLE satellites).
var ErrNotKeplerian = errors.New("body has no orbital elements")

// StepRecorder receives per-tick engine measurements.
type StepRecorder interface {
	ObserveStep(d time.Duration, bodies, failed int)
}

// EngineOption configures a SimulationEngine.
type EngineOption func(*SimulationEngine)

// WithWorkers bounds the number of goroutines used per step. Values below one
// select runtime.GOMAXPROCS(0).
func WithWorkers(n int) EngineOption {
	return func(se *SimulationEngine) { se.workers = n }
}

// WithStepRecorder attaches a metrics recorder.
func WithStepRecorder(r StepRecorder) EngineOption {
	return func(se *SimulationEngine) { se.recorder = r }
}

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) EngineOption {
	return func(se *SimulationEngine) {
		if l != nil {
			se.log = l
		}
	}
}

// WithMotionOptions sets the options every motion model is built with.
func WithMotionOptions(opts MotionOptions) EngineOption {
	return func(se *SimulationEngine) { se.motion = opts }
}

// WithTracer overrides the tracer used for step spans.
func WithTracer(t trace.Tracer) EngineOption {
	return func(se *SimulationEngine) {
		if t != nil {
			se.tracer = t
		}
	}
}

// SimulationEngine owns one motion model per registered body and advances
// them together. Steps are serialised; within a step distinct bodies are
// propagated in parallel and then composed onto their parents.
type SimulationEngine struct {
	KB *kb.KnowledgeBase

	workers  int
	recorder StepRecorder
	log      logging.Logger
	tracer   trace.Tracer
	motion   MotionOptions

	// bodies is parent-first; parents holds the index of each body's parent
	// in bodies, or -1.
	bodies  []model.BodyDefinition
	parents []int
	models  []MotionModel

	stepMu   sync.Mutex
	tick     uint64
	lastTime time.Time

	mu            sync.RWMutex
	latest        model.Snapshot
	tickListeners []func(model.Snapshot)
}

// NewSimulationEngine builds motion models for every body currently in store.
func NewSimulationEngine(store *kb.KnowledgeBase, opts ...EngineOption) (*SimulationEngine, error) {
	if store == nil {
		return nil, fmt.Errorf("NewSimulationEngine: store is nil")
	}
	se := &SimulationEngine{
		KB:     store,
		log:    logging.Noop(),
		tracer: otel.Tracer("github.com/signalsfoundry/orrery/core"),
		motion: DefaultMotionOptions(),
	}
	for _, opt := range opts {
		opt(se)
	}
	if se.workers < 1 {
		se.workers = runtime.GOMAXPROCS(0)
	}

	defs := make(map[string]*model.BodyDefinition)
	ids := make([]string, 0, store.Len())
	for _, b := range store.ListBodies() {
		defs[b.ID] = &b
		ids = append(ids, b.ID)
	}
	sorted, err := parentsFirst(defs, ids)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(sorted))
	for i, id := range sorted {
		def := defs[id]
		m, err := NewMotionModel(def, se.motion)
		if err != nil {
			return nil, fmt.Errorf("build motion model for %q: %w", id, err)
		}
		parent := -1
		if def.ParentID != "" {
			parent = index[def.ParentID]
		}
		index[id] = i
		se.bodies = append(se.bodies, *def)
		se.parents = append(se.parents, parent)
		se.models = append(se.models, m)
	}
	se.lastTime = se.motion.Start
	se.latest = se.compose(se.motion.Start, se.initialStates())
	return se, nil
}

func (se *SimulationEngine) initialStates() []model.OrbitState {
	states := make([]model.OrbitState, len(se.models))
	for i, m := range se.models {
		states[i] = m.State()
	}
	return states
}

// RegisterTickListener registers fn to receive every snapshot produced by
// Step. Listeners run synchronously on the stepping goroutine and must treat
// the snapshot as read-only.
func (se *SimulationEngine) RegisterTickListener(fn func(model.Snapshot)) {
	se.mu.Lock()
	defer se.mu.Unlock()
	se.tickListeners = append(se.tickListeners, fn)
}

// Len returns the number of bodies the engine drives.
func (se *SimulationEngine) Len() int { return len(se.bodies) }

// Latest returns the most recent snapshot (the seeded state before the
// first step).
func (se *SimulationEngine) Latest() model.Snapshot {
	se.mu.RLock()
	defer se.mu.RUnlock()
	return se.latest
}

// Advance steps the engine to simTime, using the time since the previous
// step (or the configured start) as dt. Instants at or before the previous
// one produce a zero dt.
func (se *SimulationEngine) Advance(ctx context.Context, simTime time.Time) (model.Snapshot, error) {
	se.stepMu.Lock()
	defer se.stepMu.Unlock()
	var dt time.Duration
	if !se.lastTime.IsZero() && simTime.After(se.lastTime) {
		dt = simTime.Sub(se.lastTime)
	}
	return se.step(ctx, simTime, dt)
}

type stepJob struct {
	index int
}

// Step advances every body by dt to simTime, stores the resulting states in
// the knowledge base and notifies tick listeners. A body whose model fails
// keeps its previous state; the failure is logged and counted but does not
// fail the step. Step returns an error only when ctx is cancelled.
func (se *SimulationEngine) Step(ctx context.Context, simTime time.Time, dt time.Duration) (model.Snapshot, error) {
	se.stepMu.Lock()
	defer se.stepMu.Unlock()
	return se.step(ctx, simTime, dt)
}

func (se *SimulationEngine) step(ctx context.Context, simTime time.Time, dt time.Duration) (model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return model.Snapshot{}, err
	}
	ctx, span := se.tracer.Start(ctx, "engine.step", trace.WithAttributes(
		attribute.Int("orrery.bodies", len(se.bodies)),
		attribute.String("orrery.sim_time", simTime.UTC().Format(time.RFC3339)),
		attribute.Int64("orrery.dt_ms", dt.Milliseconds()),
	))
	defer span.End()

	start := time.Now()
	states := make([]model.OrbitState, len(se.models))
	errs := make([]error, len(se.models))

	workers := min(se.workers, len(se.models))
	jobs := make(chan stepJob, workers*2)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				states[job.index], errs[job.index] = se.models[job.index].Update(simTime, dt)
			}
		}()
	}

	var cancelled error
feed:
	for i := range se.models {
		select {
		case jobs <- stepJob{index: i}:
		case <-ctx.Done():
			cancelled = ctx.Err()
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if cancelled != nil {
		span.RecordError(cancelled)
		span.SetStatus(codes.Error, "step cancelled")
		return model.Snapshot{}, cancelled
	}

	failed := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		se.log.Warn(ctx, "propagation failed",
			logging.String("body_id", se.bodies[i].ID),
			logging.Time("sim_time", simTime),
			logging.Err(err),
		)
	}

	se.tick++
	se.lastTime = simTime
	snap := se.compose(simTime, states)
	snap.Tick = se.tick

	for _, st := range snap.Bodies {
		if err := se.KB.UpdateBodyState(st); err != nil {
			se.log.Error(ctx, "store body state failed",
				logging.String("body_id", st.ID),
				logging.Err(err),
			)
		}
	}

	elapsed := time.Since(start)
	if se.recorder != nil {
		se.recorder.ObserveStep(elapsed, len(se.bodies), failed)
	}
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d bodies failed to propagate", failed))
	}
	span.SetAttributes(attribute.Int("orrery.failed", failed))

	se.mu.Lock()
	se.latest = snap
	listeners := append([]func(model.Snapshot){}, se.tickListeners...)
	se.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
	return snap, nil
}

// compose turns parent-relative states into absolute positions. bodies is
// parent-first so every parent is resolved before its children.
func (se *SimulationEngine) compose(simTime time.Time, states []model.OrbitState) model.Snapshot {
	snap := model.Snapshot{
		SimTime: simTime,
		Bodies:  make([]model.BodyState, len(states)),
	}
	for i, st := range states {
		abs := st.Position
		if p := se.parents[i]; p >= 0 {
			abs = snap.Bodies[p].Position.Add(st.Position)
		}
		snap.Bodies[i] = model.BodyState{
			ID:       se.bodies[i].ID,
			SimTime:  simTime,
			Orbit:    st,
			Position: abs,
		}
	}
	return snap
}

// Elements returns the orbital elements of a Keplerian body.
func (se *SimulationEngine) Elements(id string) (model.OrbitalElements, error) {
	def, err := se.KB.GetBody(id)
	if err != nil {
		return model.OrbitalElements{}, err
	}
	if !def.Kind.Keplerian() {
		return model.OrbitalElements{}, fmt.Errorf("%q: %w", id, ErrNotKeplerian)
	}
	return def.Elements, nil
}

// Trace returns the closed orbit path of a Keplerian body, relative to its
// parent, sampled at n points.
func (se *SimulationEngine) Trace(id string, n int) (iter.Seq[model.Vec3], error) {
	el, err := se.Elements(id)
	if err != nil {
		return nil, err
	}
	return TraceOrbitPath(el, n), nil
}

// Listener adapts the engine to a time controller callback. Cancellation of
// ctx stops further steps.
func (se *SimulationEngine) Listener(ctx context.Context) func(time.Time) {
	return func(simTime time.Time) {
		if ctx.Err() != nil {
			return
		}
		if _, err := se.Advance(ctx, simTime); err != nil && !errors.Is(err, context.Canceled) {
			se.log.Error(ctx, "engine step failed", logging.Err(err))
		}
	}
}
