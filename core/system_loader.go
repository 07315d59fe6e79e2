package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/signalsfoundry/orrery/kb"
	"github.com/signalsfoundry/orrery/model"
)

// ErrInvalidSystem is returned for structural problems in a body table
// (missing IDs, unknown kinds, parent cycles). Element problems wrap
// model.ErrInvalidOrbitalElements instead.
var ErrInvalidSystem = errors.New("invalid system definition")

// DefaultEpoch is used when a body table does not name its reference epoch.
var DefaultEpoch = time.Date(2000, time.January, 1, 12, 0, 0, 0, time.UTC)

// System is a small summary of what was loaded.
type System struct {
	Epoch   time.Time
	BodyIDs []string // registration order, parents first
}

// internal JSON shapes, unexported so the file format can evolve.
type systemJSON struct {
	Epoch  string     `json:"epoch"`
	Bodies []bodyJSON `json:"bodies"`
}

type bodyJSON struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Parent string `json:"parent"`

	SemiMajorAxis    *float64 `json:"semi_major_axis"`
	Eccentricity     float64  `json:"eccentricity"`
	InclinationDeg   float64  `json:"inclination_deg"`
	ArgPeriapsisDeg  float64  `json:"arg_periapsis_deg"`
	AscendingNodeDeg float64  `json:"ascending_node_deg"`
	PeriodDays       *float64 `json:"period_days"`
	PeriodYears      *float64 `json:"period_years"` // sidereal period in Julian years

	// Epoch anomaly: either directly, or as mean longitude minus longitude
	// of periapsis. Zero when neither is given.
	MeanAnomalyDeg          *float64 `json:"mean_anomaly_deg"`
	MeanLongitudeDeg        *float64 `json:"mean_longitude_deg"`
	LongitudeOfPeriapsisDeg *float64 `json:"longitude_of_periapsis_deg"`

	TLE1 string `json:"tle1"`
	TLE2 string `json:"tle2"`

	Radius float64 `json:"radius"`
	Color  string  `json:"color"`
}

// LoadSystem reads a JSON body table from r, validates every body and
// registers them in store with parents ahead of their children.
func LoadSystem(store *kb.KnowledgeBase, r io.Reader) (*System, error) {
	if store == nil {
		return nil, fmt.Errorf("LoadSystem: store is nil")
	}

	var payload systemJSON
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("LoadSystem: decode failed: %w", err)
	}

	epoch := DefaultEpoch
	if payload.Epoch != "" {
		t, err := time.Parse(time.RFC3339, payload.Epoch)
		if err != nil {
			return nil, fmt.Errorf("%w: epoch %q: %v", ErrInvalidSystem, payload.Epoch, err)
		}
		epoch = t.UTC()
	}

	defs := make(map[string]*model.BodyDefinition, len(payload.Bodies))
	order := make([]string, 0, len(payload.Bodies))
	for _, js := range payload.Bodies {
		def, err := js.toDefinition()
		if err != nil {
			return nil, err
		}
		if _, dup := defs[def.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate body id %q", ErrInvalidSystem, def.ID)
		}
		defs[def.ID] = def
		order = append(order, def.ID)
	}

	sorted, err := parentsFirst(defs, order)
	if err != nil {
		return nil, err
	}

	result := &System{Epoch: epoch, BodyIDs: make([]string, 0, len(sorted))}
	for _, id := range sorted {
		if err := store.AddBody(defs[id]); err != nil {
			return nil, fmt.Errorf("LoadSystem: %w", err)
		}
		result.BodyIDs = append(result.BodyIDs, id)
	}
	return result, nil
}

// LoadSystemFile is LoadSystem over the file at path.
func LoadSystemFile(store *kb.KnowledgeBase, path string) (*System, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open system file %q: %w", path, err)
	}
	defer f.Close()
	return LoadSystem(store, f)
}

func (js bodyJSON) toDefinition() (*model.BodyDefinition, error) {
	id := strings.TrimSpace(js.ID)
	if id == "" {
		return nil, fmt.Errorf("%w: body with empty id", ErrInvalidSystem)
	}
	name := js.Name
	if name == "" {
		name = id
	}

	kind, err := kindFromString(js.Kind, js)
	if err != nil {
		return nil, fmt.Errorf("body %q: %w", id, err)
	}

	def := &model.BodyDefinition{
		ID:       id,
		Name:     name,
		Kind:     kind,
		ParentID: strings.TrimSpace(js.Parent),
		Radius:   js.Radius,
		Color:    js.Color,
	}

	switch {
	case kind == model.BodyKindSatellite:
		if js.TLE1 == "" || js.TLE2 == "" {
			return nil, fmt.Errorf("%w: satellite %q needs tle1 and tle2", ErrInvalidSystem, id)
		}
		if def.ParentID == "" {
			return nil, fmt.Errorf("%w: satellite %q needs a parent body", ErrInvalidSystem, id)
		}
		def.TLE1, def.TLE2 = js.TLE1, js.TLE2

	case kind.Keplerian():
		el, err := js.elements()
		if err != nil {
			return nil, fmt.Errorf("body %q: %w", id, err)
		}
		def.Elements = el
	}
	return def, nil
}

func (js bodyJSON) elements() (model.OrbitalElements, error) {
	if js.SemiMajorAxis == nil {
		return model.OrbitalElements{}, fmt.Errorf("%w: semi_major_axis is required", model.ErrInvalidOrbitalElements)
	}

	var period float64
	switch {
	case js.PeriodDays != nil:
		period = *js.PeriodDays
	case js.PeriodYears != nil:
		period = *js.PeriodYears * model.DaysPerYear
	default:
		return model.OrbitalElements{}, fmt.Errorf("%w: period_days or period_years is required", model.ErrInvalidOrbitalElements)
	}

	var epochAnomaly float64
	switch {
	case js.MeanAnomalyDeg != nil:
		epochAnomaly = model.DegToRad(*js.MeanAnomalyDeg)
	case js.MeanLongitudeDeg != nil && js.LongitudeOfPeriapsisDeg != nil:
		epochAnomaly = model.EpochAnomalyFromLongitudes(
			model.DegToRad(*js.MeanLongitudeDeg),
			model.DegToRad(*js.LongitudeOfPeriapsisDeg),
		)
	}

	return model.NewOrbitalElements(
		*js.SemiMajorAxis,
		js.Eccentricity,
		model.DegToRad(js.InclinationDeg),
		model.DegToRad(js.ArgPeriapsisDeg),
		model.DegToRad(js.AscendingNodeDeg),
		period,
		epochAnomaly,
	)
}

// kindFromString maps the JSON "kind" string to a BodyKind. An empty kind
// is inferred from which fields are present.
func kindFromString(s string, js bodyJSON) (model.BodyKind, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "star", "sun", "primary":
		return model.BodyKindStar, nil
	case "planet":
		return model.BodyKindPlanet, nil
	case "moon":
		return model.BodyKindMoon, nil
	case "small", "dwarf", "dwarf_planet", "comet", "asteroid":
		return model.BodyKindSmallBody, nil
	case "satellite", "spacecraft", "tle":
		return model.BodyKindSatellite, nil
	case "":
		switch {
		case js.TLE1 != "" || js.TLE2 != "":
			return model.BodyKindSatellite, nil
		case js.SemiMajorAxis != nil:
			return model.BodyKindPlanet, nil
		default:
			return model.BodyKindStar, nil
		}
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidSystem, s)
	}
}

// parentsFirst orders ids so that every parent precedes its children,
// keeping file order otherwise.
func parentsFirst(defs map[string]*model.BodyDefinition, order []string) ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	mark := make(map[string]int, len(order))
	sorted := make([]string, 0, len(order))

	var visit func(id string) error
	visit = func(id string) error {
		switch mark[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: parent cycle through %q", ErrInvalidSystem, id)
		}
		mark[id] = visiting
		if parent := defs[id].ParentID; parent != "" {
			if _, ok := defs[parent]; !ok {
				return fmt.Errorf("%w: body %q references unknown parent %q", ErrInvalidSystem, id, parent)
			}
			if err := visit(parent); err != nil {
				return err
			}
		}
		mark[id] = done
		sorted = append(sorted, id)
		return nil
	}

	for _, id := range order {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return sorted, nil
}
