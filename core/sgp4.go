package core

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/orrery/model"
)

// SGP4MotionModel propagates an artificial satellite from its TLE with SGP4.
// The TEME position is rotated into the ecliptic frame the planets use and
// converted from kilometres into body-table units by scale.
type SGP4MotionModel struct {
	sat   satellite.Satellite
	scale float64
	state model.OrbitState
}

// NewSGP4MotionModel parses a TLE. The lines are checked before being handed
// to go-satellite, which exits the process on malformed input.
func NewSGP4MotionModel(line1, line2 string, scale float64) (*SGP4MotionModel, error) {
	line1, line2 = strings.TrimSpace(line1), strings.TrimSpace(line2)
	if err := validateTLELines(line1, line2); err != nil {
		return nil, fmt.Errorf("invalid TLE: %w", err)
	}
	if scale <= 0 || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("invalid satellite scale %g", scale)
	}
	sat := satellite.TLEToSat(line1, line2, satellite.GravityWGS72)
	if sat.Error != 0 {
		return nil, fmt.Errorf("sgp4 init failed: code=%d %s", sat.Error, sat.ErrorStr)
	}
	return &SGP4MotionModel{sat: sat, scale: scale}, nil
}

func validateTLELines(line1, line2 string) error {
	if len(line1) != 69 {
		return fmt.Errorf("line1 length %d, expected 69", len(line1))
	}
	if len(line2) != 69 {
		return fmt.Errorf("line2 length %d, expected 69", len(line2))
	}
	if line1[0] != '1' {
		return fmt.Errorf("line1 must start with '1', got '%c'", line1[0])
	}
	if line2[0] != '2' {
		return fmt.Errorf("line2 must start with '2', got '%c'", line2[0])
	}

	// Same column slices and rewrites as satellite.ParseTLE.
	ints := []struct {
		name, text string
	}{
		{"catalog number", strings.TrimSpace(line1[2:7])},
		{"epoch year", line1[18:20]},
	}
	for _, f := range ints {
		if _, err := strconv.ParseInt(f.text, 10, 0); err != nil {
			return fmt.Errorf("line1 %s %q is not an integer", f.name, f.text)
		}
	}

	floats := []struct {
		line       int
		name, text string
	}{
		{1, "epoch day", line1[20:32]},
		{1, "mean motion derivative", stripSpaces(line1[33:43])},
		{1, "mean motion second derivative", stripSpaces(line1[44:45] + "." + line1[45:50] + "e" + line1[50:52])},
		{1, "B*", stripSpaces(line1[53:54] + "." + line1[54:59] + "e" + line1[59:61])},
		{2, "inclination", stripSpaces(line2[8:16])},
		{2, "right ascension of ascending node", stripSpaces(line2[17:25])},
		{2, "eccentricity", "." + line2[26:33]},
		{2, "argument of perigee", stripSpaces(line2[34:42])},
		{2, "mean anomaly", stripSpaces(line2[43:51])},
		{2, "mean motion", stripSpaces(line2[52:63])},
	}
	for _, f := range floats {
		if _, err := strconv.ParseFloat(f.text, 64); err != nil {
			return fmt.Errorf("line%d %s %q is not a number", f.line, f.name, f.text)
		}
	}
	return nil
}

// stripSpaces drops at most two spaces, matching go-satellite's field cleanup.
func stripSpaces(s string) string { return strings.Replace(s, " ", "", 2) }

// Update propagates the satellite to simTime. dt is ignored; SGP4 is driven by
// absolute time at whole-second resolution, so sub-second parts of simTime are
// truncated. Only the position is kept; SGP4's velocity output is discarded.
func (m *SGP4MotionModel) Update(simTime time.Time, _ time.Duration) (model.OrbitState, error) {
	t := simTime.UTC().Truncate(time.Second)
	pos, _ := satellite.Propagate(m.sat, t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())

	local := model.Vec3{X: pos.X, Y: pos.Y, Z: pos.Z}
	if !local.IsFinite() {
		return m.state, fmt.Errorf("sgp4 propagation produced a non-finite position at %s", t.Format(time.RFC3339))
	}

	ecl := EquatorialToEcliptic(local, JulianDate(t))
	m.state = model.OrbitState{Position: ecl.Scale(m.scale)}
	return m.state, nil
}

// State returns the last computed state.
func (m *SGP4MotionModel) State() model.OrbitState { return m.state }
