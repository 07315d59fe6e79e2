package core

import (
	"math"

	"github.com/soniakeys/meeus/v3/nutation"
	"gonum.org/v1/gonum/mat"

	"github.com/signalsfoundry/orrery/model"
)

// R1 is the frame rotation by x about the first axis.
func R1(x float64) *mat.Dense {
	s, c := math.Sincos(x)
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, c, s, 0, -s, c})
}

// R3 is the frame rotation by x about the third axis.
func R3(x float64) *mat.Dense {
	s, c := math.Sincos(x)
	return mat.NewDense(3, 3, []float64{c, s, 0, -s, c, 0, 0, 0, 1})
}

// PerifocalToReference returns the matrix taking perifocal coordinates
// (x toward periapsis, z along the orbit normal) into the reference frame of
// el: R3(-Ω) R1(-i) R3(-ω).
func PerifocalToReference(el model.OrbitalElements) *mat.Dense {
	var tmp, out mat.Dense
	tmp.Mul(R3(-el.LongitudeOfAscendingNode), R1(-el.Inclination))
	out.Mul(&tmp, R3(-el.ArgumentOfPeriapsis))
	return &out
}

// Rotate applies m to v.
func Rotate(m mat.Matrix, v model.Vec3) model.Vec3 {
	var out mat.VecDense
	out.MulVec(m, mat.NewVecDense(3, []float64{v.X, v.Y, v.Z}))
	return model.Vec3{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// EquatorialToEcliptic rotates an equatorial vector into the ecliptic frame
// using the mean obliquity at the Julian ephemeris day jde.
func EquatorialToEcliptic(v model.Vec3, jde float64) model.Vec3 {
	return Rotate(R1(nutation.MeanObliquity(jde).Rad()), v)
}
