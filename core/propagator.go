package core

import (
	"iter"
	"math"

	"github.com/signalsfoundry/orrery/model"
)

// Propagate returns the position of a body with elements el at the given
// anomaly, in the frame centred on its primary. The anomaly is used directly
// as the true anomaly; see PropagateWithMode for the Kepler-solved variant.
//
// Propagate is pure and safe for concurrent use.
func Propagate(el model.OrbitalElements, anomaly float64) model.Vec3 {
	p := el.SemiMajorAxis * (1 - el.Eccentricity*el.Eccentricity)
	r := p / (1 + el.Eccentricity*math.Cos(anomaly))

	u := el.ArgumentOfPeriapsis + anomaly
	cosU, sinU := math.Cos(u), math.Sin(u)
	cosO, sinO := math.Cos(el.LongitudeOfAscendingNode), math.Sin(el.LongitudeOfAscendingNode)
	cosI, sinI := math.Cos(el.Inclination), math.Sin(el.Inclination)

	return model.Vec3{
		X: r * (cosU*cosO - sinU*cosI*sinO),
		Y: r * (cosU*sinO + sinU*cosI*cosO),
		Z: r * (sinU * sinI),
	}
}

// AdvanceAnomaly moves an anomaly forward by dt (same time unit as period)
// scaled by rateScale, and wraps the result into [0, 2π). The increment is
// expected to be non-negative; only the upper bound is wrapped.
func AdvanceAnomaly(current, period, dt, rateScale float64) float64 {
	next := current + (model.TwoPi/period)*dt*rateScale
	if next >= model.TwoPi {
		next = math.Mod(next, model.TwoPi)
	}
	return next
}

// TraceOrbitPath yields sampleCount positions at evenly spaced anomalies
// 2πk/sampleCount, then the k = 0 position again so the path closes exactly.
// The sequence holds no state and can be ranged over any number of times.
func TraceOrbitPath(el model.OrbitalElements, sampleCount int) iter.Seq[model.Vec3] {
	return func(yield func(model.Vec3) bool) {
		if sampleCount < 1 {
			return
		}
		step := model.TwoPi / float64(sampleCount)
		first := Propagate(el, 0)
		if !yield(first) {
			return
		}
		for k := 1; k < sampleCount; k++ {
			if !yield(Propagate(el, float64(k)*step)) {
				return
			}
		}
		yield(first)
	}
}

// AnomalyMode selects how an anomaly value is interpreted by PropagateWithMode.
type AnomalyMode string

const (
	// AnomalyTrue uses the anomaly directly as the true anomaly.
	AnomalyTrue AnomalyMode = "true"
	// AnomalyMean treats the anomaly as a mean anomaly and solves Kepler's
	// equation before propagating.
	AnomalyMean AnomalyMode = "mean"
)

// ParseAnomalyMode maps a configuration string onto an AnomalyMode. Empty
// selects AnomalyTrue.
func ParseAnomalyMode(s string) (AnomalyMode, bool) {
	switch AnomalyMode(s) {
	case "", AnomalyTrue:
		return AnomalyTrue, true
	case AnomalyMean:
		return AnomalyMean, true
	}
	return "", false
}

// PropagateWithMode is Propagate with the anomaly interpreted according to mode.
func PropagateWithMode(el model.OrbitalElements, anomaly float64, mode AnomalyMode) model.Vec3 {
	if mode == AnomalyMean {
		anomaly = TrueAnomalyFromMean(el.Eccentricity, anomaly)
	}
	return Propagate(el, anomaly)
}
