package model

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidOrbitalElements is returned when an element set cannot describe a
// bound elliptical orbit.
var ErrInvalidOrbitalElements = errors.New("invalid orbital elements")

const (
	// TwoPi is one full turn in radians.
	TwoPi = 2 * math.Pi

	// DaysPerYear converts periods given in Julian years to days.
	DaysPerYear = 365.25
)

// OrbitalElements is the classical (Keplerian) element set of one body.
// Angles are radians, the period is in days. Values are meant to be built
// once through NewOrbitalElements and passed around by value.
type OrbitalElements struct {
	SemiMajorAxis            float64 // a, > 0
	Eccentricity             float64 // e, 0 <= e < 1
	Inclination              float64 // i
	ArgumentOfPeriapsis      float64 // ω
	LongitudeOfAscendingNode float64 // Ω
	Period                   float64 // days, > 0
	EpochAnomaly             float64 // anomaly at the reference epoch
}

// NewOrbitalElements validates and returns an element set.
func NewOrbitalElements(a, e, i, argPeriapsis, ascendingNode, period, epochAnomaly float64) (OrbitalElements, error) {
	el := OrbitalElements{
		SemiMajorAxis:            a,
		Eccentricity:             e,
		Inclination:              i,
		ArgumentOfPeriapsis:      argPeriapsis,
		LongitudeOfAscendingNode: ascendingNode,
		Period:                   period,
		EpochAnomaly:             epochAnomaly,
	}
	if err := el.Validate(); err != nil {
		return OrbitalElements{}, err
	}
	return el, nil
}

// ElementsFromDegrees is NewOrbitalElements with every angle given in degrees.
func ElementsFromDegrees(a, e, iDeg, argPeriapsisDeg, ascendingNodeDeg, period, epochAnomalyDeg float64) (OrbitalElements, error) {
	return NewOrbitalElements(
		a, e,
		DegToRad(iDeg),
		DegToRad(argPeriapsisDeg),
		DegToRad(ascendingNodeDeg),
		period,
		DegToRad(epochAnomalyDeg),
	)
}

// Validate checks the bound-orbit constraints.
func (el OrbitalElements) Validate() error {
	fields := []struct {
		name  string
		value float64
	}{
		{"semi-major axis", el.SemiMajorAxis},
		{"eccentricity", el.Eccentricity},
		{"inclination", el.Inclination},
		{"argument of periapsis", el.ArgumentOfPeriapsis},
		{"ascending node", el.LongitudeOfAscendingNode},
		{"period", el.Period},
		{"epoch anomaly", el.EpochAnomaly},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidOrbitalElements, f.name)
		}
	}
	if el.SemiMajorAxis <= 0 {
		return fmt.Errorf("%w: semi-major axis %g must be > 0", ErrInvalidOrbitalElements, el.SemiMajorAxis)
	}
	if el.Eccentricity < 0 || el.Eccentricity >= 1 {
		return fmt.Errorf("%w: eccentricity %g outside [0, 1)", ErrInvalidOrbitalElements, el.Eccentricity)
	}
	if el.Period <= 0 {
		return fmt.Errorf("%w: period %g must be > 0", ErrInvalidOrbitalElements, el.Period)
	}
	return nil
}

// SemiLatusRectum returns p = a(1 - e²).
func (el OrbitalElements) SemiLatusRectum() float64 {
	return el.SemiMajorAxis * (1 - el.Eccentricity*el.Eccentricity)
}

// PeriapsisDistance returns a(1 - e).
func (el OrbitalElements) PeriapsisDistance() float64 {
	return el.SemiMajorAxis * (1 - el.Eccentricity)
}

// ApoapsisDistance returns a(1 + e).
func (el OrbitalElements) ApoapsisDistance() float64 {
	return el.SemiMajorAxis * (1 + el.Eccentricity)
}

// MeanMotion returns the angular rate of anomaly advance in radians per day.
func (el OrbitalElements) MeanMotion() float64 {
	return TwoPi / el.Period
}

// EpochAnomalyFromLongitudes derives an anomaly at epoch from the mean
// longitude L and the longitude of periapsis ϖ (both radians): L - ϖ in [0, 2π).
func EpochAnomalyFromLongitudes(meanLongitude, longitudeOfPeriapsis float64) float64 {
	return NormalizeAngle(meanLongitude - longitudeOfPeriapsis)
}

// NormalizeAngle wraps an angle in radians into [0, 2π).
func NormalizeAngle(rad float64) float64 {
	rad = math.Mod(rad, TwoPi)
	if rad < 0 {
		rad += TwoPi
	}
	if rad >= TwoPi {
		rad = 0
	}
	return rad
}

// DegToRad converts degrees to radians.
func DegToRad(deg float64) float64 { return deg * math.Pi / 180 }

// RadToDeg converts radians to degrees.
func RadToDeg(rad float64) float64 { return rad * 180 / math.Pi }
