package core

import (
	"time"

	"github.com/soniakeys/meeus/v3/julian"
	"github.com/soniakeys/meeus/v3/kepler"
	"github.com/soniakeys/unit"

	"github.com/signalsfoundry/orrery/model"
)

// keplerPlaces is the number of decimal places the Newton solver iterates to.
const keplerPlaces = 10

// J2000 is the Julian date of the J2000.0 reference epoch.
const J2000 = 2451545.0

// EccentricAnomaly solves Kepler's equation M = E - e sin E for E.
// Newton's method is tried first; the closed-form approximation is used when
// it does not converge.
func EccentricAnomaly(e, meanAnomaly float64) float64 {
	M := unit.Angle(meanAnomaly)
	E, err := kepler.Kepler2(e, M, keplerPlaces)
	if err != nil {
		E = kepler.Kepler3(e, M)
	}
	return E.Rad()
}

// TrueAnomalyFromMean converts a mean anomaly into a true anomaly in [0, 2π).
func TrueAnomalyFromMean(e, meanAnomaly float64) float64 {
	if e == 0 {
		return model.NormalizeAngle(meanAnomaly)
	}
	E := unit.Angle(EccentricAnomaly(e, meanAnomaly))
	return model.NormalizeAngle(kepler.True(E, e).Rad())
}

// DaysSince returns the number of days from epoch to t (negative when t is
// before epoch).
func DaysSince(epoch, t time.Time) float64 {
	return julian.TimeToJD(t) - julian.TimeToJD(epoch)
}

// AnomalyAt returns the anomaly of el at time t given that el.EpochAnomaly
// holds at epoch. Unlike AdvanceAnomaly this wraps in both directions so it
// is valid for instants before the epoch.
func AnomalyAt(el model.OrbitalElements, epoch, t time.Time, rateScale float64) float64 {
	return model.NormalizeAngle(el.EpochAnomaly + el.MeanMotion()*DaysSince(epoch, t)*rateScale)
}

// JulianDate returns the Julian date of t.
func JulianDate(t time.Time) float64 {
	return julian.TimeToJD(t)
}
