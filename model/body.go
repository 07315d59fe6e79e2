package model

import "time"

// BodyKind indicates how a body's motion is determined.
type BodyKind string

const (
	BodyKindStar      BodyKind = "star"      // fixed at its parent's origin
	BodyKindPlanet    BodyKind = "planet"    // Keplerian elements
	BodyKindMoon      BodyKind = "moon"      // Keplerian elements around a parent body
	BodyKindSmallBody BodyKind = "small"     // dwarf planets, comets, asteroids
	BodyKindSatellite BodyKind = "satellite" // TLE-based SGP4 propagation
)

// Keplerian reports whether bodies of this kind are driven by orbital elements.
func (k BodyKind) Keplerian() bool {
	switch k {
	case BodyKindPlanet, BodyKindMoon, BodyKindSmallBody:
		return true
	}
	return false
}

// BodyDefinition is one entry of the body table. Elements are read-only once
// the body is registered; per-tick state lives in BodyState.
type BodyDefinition struct {
	ID       string
	Name     string
	Kind     BodyKind
	ParentID string // empty for the primary

	Elements OrbitalElements // Keplerian kinds only

	// TLE lines, satellites only.
	TLE1 string
	TLE2 string

	Radius float64 // display radius, same unit as the body table
	Color  string
}

// OrbitState is the mutable per-body propagation state. Position is derived
// from the elements and Anomaly and is never set on its own.
type OrbitState struct {
	Anomaly  float64 // radians, in [0, 2π)
	Position Vec3    // relative to the parent body
}

// BodyState is the published state of one body at a simulation instant.
type BodyState struct {
	ID       string
	SimTime  time.Time
	Orbit    OrbitState
	Position Vec3 // absolute: parent's Position + Orbit.Position
}

// Snapshot is the state of every body after one simulation tick.
type Snapshot struct {
	Tick    uint64
	SimTime time.Time
	Bodies  []BodyState
}
