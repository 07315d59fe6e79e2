package core

import (
	"fmt"
	"time"

	"github.com/signalsfoundry/orrery/model"
)

// MotionModel advances one body's OrbitState. Implementations own the state
// of exactly one body, so distinct models may be updated concurrently.
type MotionModel interface {
	// Update moves the model to simTime, dt after the previous update, and
	// returns the new state relative to the parent body.
	Update(simTime time.Time, dt time.Duration) (model.OrbitState, error)
	// State returns the last computed state without advancing.
	State() model.OrbitState
}

// MotionOptions carries the configuration shared by all motion models.
type MotionOptions struct {
	// RateScale multiplies the anomaly advance. It is a visualisation speed
	// knob with no physical meaning.
	RateScale float64
	// Mode selects how the advancing anomaly is interpreted.
	Mode AnomalyMode
	// SatelliteScale converts SGP4 kilometres into body-table distance units.
	SatelliteScale float64
	// Epoch and Start, when both set, seed each Keplerian body with the
	// anomaly it has at Start instead of its epoch anomaly.
	Epoch time.Time
	Start time.Time
}

// DefaultMotionOptions returns real-rate, true-anomaly options with one
// kilometre mapped onto one astronomical unit's 1/149597870.7.
func DefaultMotionOptions() MotionOptions {
	return MotionOptions{
		RateScale:      1,
		Mode:           AnomalyTrue,
		SatelliteScale: 1 / 149597870.7,
	}
}

// StaticMotionModel keeps a body at its parent's origin.
type StaticMotionModel struct{}

// Update for static motion does nothing.
func (m *StaticMotionModel) Update(time.Time, time.Duration) (model.OrbitState, error) {
	return model.OrbitState{}, nil
}

// State returns the zero state.
func (m *StaticMotionModel) State() model.OrbitState { return model.OrbitState{} }

// KeplerianMotionModel advances an anomaly at the body's mean motion and
// places the body with Propagate.
type KeplerianMotionModel struct {
	elements model.OrbitalElements
	opts     MotionOptions
	state    model.OrbitState
}

// NewKeplerianMotionModel validates el and seeds the state at the epoch
// anomaly (or at opts.Start when an epoch is configured).
func NewKeplerianMotionModel(el model.OrbitalElements, opts MotionOptions) (*KeplerianMotionModel, error) {
	if err := el.Validate(); err != nil {
		return nil, err
	}
	anomaly := model.NormalizeAngle(el.EpochAnomaly)
	if !opts.Epoch.IsZero() && !opts.Start.IsZero() {
		anomaly = AnomalyAt(el, opts.Epoch, opts.Start, 1)
	}
	m := &KeplerianMotionModel{elements: el, opts: opts}
	m.state = model.OrbitState{
		Anomaly:  anomaly,
		Position: PropagateWithMode(el, anomaly, opts.Mode),
	}
	return m, nil
}

// Elements returns the model's element set.
func (m *KeplerianMotionModel) Elements() model.OrbitalElements { return m.elements }

// Update advances the anomaly by dt (converted to days) and re-propagates.
func (m *KeplerianMotionModel) Update(_ time.Time, dt time.Duration) (model.OrbitState, error) {
	days := dt.Hours() / 24
	if days > 0 {
		m.state.Anomaly = AdvanceAnomaly(m.state.Anomaly, m.elements.Period, days, m.opts.RateScale)
	}
	m.state.Position = PropagateWithMode(m.elements, m.state.Anomaly, m.opts.Mode)
	return m.state, nil
}

// State returns the last computed state.
func (m *KeplerianMotionModel) State() model.OrbitState { return m.state }

// NewMotionModel chooses the motion model for a body definition.
func NewMotionModel(def *model.BodyDefinition, opts MotionOptions) (MotionModel, error) {
	if def == nil {
		return nil, fmt.Errorf("NewMotionModel: nil body definition")
	}
	switch {
	case def.Kind == model.BodyKindSatellite:
		m, err := NewSGP4MotionModel(def.TLE1, def.TLE2, opts.SatelliteScale)
		if err != nil {
			return nil, fmt.Errorf("body %q: %w", def.ID, err)
		}
		return m, nil
	case def.Kind.Keplerian():
		m, err := NewKeplerianMotionModel(def.Elements, opts)
		if err != nil {
			return nil, fmt.Errorf("body %q: %w", def.ID, err)
		}
		return m, nil
	default:
		return &StaticMotionModel{}, nil
	}
}
