package api

import (
	"time"

	"github.com/signalsfoundry/orrery/model"
)

// JSON shapes served by the API. Positions are multiplied by the configured
// distance scale; element distances are reported in body-table units.

type vecJSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func toVec(v model.Vec3, scale float64) vecJSON {
	s := v.Scale(scale)
	return vecJSON{X: s.X, Y: s.Y, Z: s.Z}
}

type elementsJSON struct {
	SemiMajorAxis    float64 `json:"semi_major_axis"`
	Eccentricity     float64 `json:"eccentricity"`
	InclinationDeg   float64 `json:"inclination_deg"`
	ArgPeriapsisDeg  float64 `json:"arg_periapsis_deg"`
	AscendingNodeDeg float64 `json:"ascending_node_deg"`
	PeriodDays       float64 `json:"period_days"`
	EpochAnomalyDeg  float64 `json:"epoch_anomaly_deg"`
}

func toElements(el model.OrbitalElements) *elementsJSON {
	return &elementsJSON{
		SemiMajorAxis:    el.SemiMajorAxis,
		Eccentricity:     el.Eccentricity,
		InclinationDeg:   model.RadToDeg(el.Inclination),
		ArgPeriapsisDeg:  model.RadToDeg(el.ArgumentOfPeriapsis),
		AscendingNodeDeg: model.RadToDeg(el.LongitudeOfAscendingNode),
		PeriodDays:       el.Period,
		EpochAnomalyDeg:  model.RadToDeg(el.EpochAnomaly),
	}
}

type stateJSON struct {
	SimTime  time.Time `json:"sim_time"`
	Anomaly  float64   `json:"anomaly"`
	Position vecJSON   `json:"position"`
	Relative vecJSON   `json:"relative"`
}

func toState(st model.BodyState, scale float64) *stateJSON {
	return &stateJSON{
		SimTime:  st.SimTime,
		Anomaly:  st.Orbit.Anomaly,
		Position: toVec(st.Position, scale),
		Relative: toVec(st.Orbit.Position, scale),
	}
}

type bodyJSON struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Kind     string        `json:"kind"`
	Parent   string        `json:"parent,omitempty"`
	Radius   float64       `json:"radius,omitempty"`
	Color    string        `json:"color,omitempty"`
	Elements *elementsJSON `json:"elements,omitempty"`
	State    *stateJSON    `json:"state,omitempty"`
}

func toBody(def model.BodyDefinition, scale float64) bodyJSON {
	b := bodyJSON{
		ID:     def.ID,
		Name:   def.Name,
		Kind:   string(def.Kind),
		Parent: def.ParentID,
		Radius: def.Radius * scale,
		Color:  def.Color,
	}
	if def.Kind.Keplerian() {
		b.Elements = toElements(def.Elements)
	}
	return b
}

type bodyStateJSON struct {
	ID       string  `json:"id"`
	Anomaly  float64 `json:"anomaly"`
	Position vecJSON `json:"position"`
}

type snapshotJSON struct {
	Type    string          `json:"type"`
	Tick    uint64          `json:"tick"`
	SimTime time.Time       `json:"sim_time"`
	Bodies  []bodyStateJSON `json:"bodies"`
}

func toSnapshot(s model.Snapshot, scale float64) snapshotJSON {
	out := snapshotJSON{
		Type:    "snapshot",
		Tick:    s.Tick,
		SimTime: s.SimTime,
		Bodies:  make([]bodyStateJSON, len(s.Bodies)),
	}
	for i, b := range s.Bodies {
		out.Bodies[i] = bodyStateJSON{
			ID:       b.ID,
			Anomaly:  b.Orbit.Anomaly,
			Position: toVec(b.Position, scale),
		}
	}
	return out
}

type positionJSON struct {
	ID       string  `json:"id"`
	Anomaly  float64 `json:"anomaly"`
	Mode     string  `json:"mode"`
	Position vecJSON `json:"position"`
}

type pathJSON struct {
	ID      string    `json:"id"`
	Samples int       `json:"samples"`
	Points  []vecJSON `json:"points"`
}

type healthJSON struct {
	Status  string    `json:"status"`
	Bodies  int       `json:"bodies"`
	Tick    uint64    `json:"tick"`
	SimTime time.Time `json:"sim_time"`
}

type errorJSON struct {
	Error string `json:"error"`
}
