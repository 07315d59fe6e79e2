package core

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/orrery/model"
)

// ISS sample TLE.
const (
	issTLE1 = "1 25544U 98067A   21275.59097222  .00000204  00000-0  10270-4 0  9990"
	issTLE2 = "2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257760"
)

func TestStaticMotionModel_NoChange(t *testing.T) {
	m := &StaticMotionModel{}
	t1 := time.Now().UTC()
	for _, at := range []time.Time{t1, t1.Add(time.Hour)} {
		st, err := m.Update(at, time.Hour)
		if err != nil {
			t.Fatalf("Update error: %v", err)
		}
		if st != (model.OrbitState{}) {
			t.Fatalf("static motion should stay at origin, got %#v", st)
		}
	}
}

func TestKeplerianMotionModel_SeedsAtEpochAnomaly(t *testing.T) {
	el := model.OrbitalElements{SemiMajorAxis: 1, Period: 4, EpochAnomaly: 2*math.Pi + 0.25}
	m, err := NewKeplerianMotionModel(el, DefaultMotionOptions())
	if err != nil {
		t.Fatalf("NewKeplerianMotionModel: %v", err)
	}
	st := m.State()
	if math.Abs(st.Anomaly-0.25) > 1e-12 {
		t.Fatalf("seeded anomaly = %v, want 0.25", st.Anomaly)
	}
	if st.Position != Propagate(el, st.Anomaly) {
		t.Fatalf("seeded position %+v does not match Propagate", st.Position)
	}
	if m.Elements() != el {
		t.Fatalf("Elements() = %+v, want %+v", m.Elements(), el)
	}
}

func TestKeplerianMotionModel_Update(t *testing.T) {
	el := model.OrbitalElements{SemiMajorAxis: 2, Period: 8}
	opts := DefaultMotionOptions()
	opts.RateScale = 2
	m, err := NewKeplerianMotionModel(el, opts)
	if err != nil {
		t.Fatalf("NewKeplerianMotionModel: %v", err)
	}

	// One day at double rate over an eight-day orbit is a quarter turn.
	st, err := m.Update(time.Time{}, 24*time.Hour)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if math.Abs(st.Anomaly-math.Pi/2) > 1e-12 {
		t.Fatalf("anomaly = %v, want π/2", st.Anomaly)
	}
	if st.Position.DistanceTo(model.Vec3{Y: 2}) > 1e-12 {
		t.Fatalf("position = %+v, want (0, 2, 0)", st.Position)
	}

	again, err := m.Update(time.Time{}, 0)
	if err != nil {
		t.Fatalf("Update(0): %v", err)
	}
	if again != st {
		t.Fatalf("zero dt changed state: %+v -> %+v", st, again)
	}
}

func TestKeplerianMotionModel_MeanMode(t *testing.T) {
	el := model.OrbitalElements{SemiMajorAxis: 1, Eccentricity: 0.4, Period: 10, EpochAnomaly: 1}
	opts := DefaultMotionOptions()
	opts.Mode = AnomalyMean
	m, err := NewKeplerianMotionModel(el, opts)
	if err != nil {
		t.Fatalf("NewKeplerianMotionModel: %v", err)
	}
	want := Propagate(el, TrueAnomalyFromMean(0.4, 1))
	if got := m.State().Position; got != want {
		t.Fatalf("mean-mode position = %+v, want %+v", got, want)
	}
}

func TestKeplerianMotionModel_SeedsFromEpoch(t *testing.T) {
	epoch := time.Date(2000, time.January, 1, 12, 0, 0, 0, time.UTC)
	el := model.OrbitalElements{SemiMajorAxis: 1, Period: 4}
	opts := DefaultMotionOptions()
	opts.Epoch = epoch
	opts.Start = epoch.Add(48 * time.Hour)

	m, err := NewKeplerianMotionModel(el, opts)
	if err != nil {
		t.Fatalf("NewKeplerianMotionModel: %v", err)
	}
	if got := m.State().Anomaly; math.Abs(got-math.Pi) > 1e-9 {
		t.Fatalf("anomaly two days after epoch = %v, want π", got)
	}
}

func TestKeplerianMotionModel_RejectsInvalidElements(t *testing.T) {
	_, err := NewKeplerianMotionModel(model.OrbitalElements{SemiMajorAxis: 1, Eccentricity: 1, Period: 1}, DefaultMotionOptions())
	if !errors.Is(err, model.ErrInvalidOrbitalElements) {
		t.Fatalf("err = %v, want ErrInvalidOrbitalElements", err)
	}
}

// We don't assert exact orbital values (those belong to go-satellite);
// we check the orbit radius and that positions differ at distinct times.
func TestSGP4MotionModel_ChangesOverTime(t *testing.T) {
	m, err := NewSGP4MotionModel(issTLE1, issTLE2, 1)
	if err != nil {
		t.Fatalf("NewSGP4MotionModel: %v", err)
	}

	t1 := time.Date(2021, 10, 2, 0, 0, 0, 0, time.UTC)
	first, err := m.Update(t1, 0)
	if err != nil {
		t.Fatalf("Update t1: %v", err)
	}
	second, err := m.Update(t1.Add(5*time.Minute), 5*time.Minute)
	if err != nil {
		t.Fatalf("Update t2: %v", err)
	}

	if first.Position == second.Position {
		t.Fatalf("expected orbital position to change over time, got %+v at both times", first.Position)
	}
	for _, st := range []model.OrbitState{first, second} {
		if r := st.Position.Norm(); r < 6600 || r > 6900 {
			t.Fatalf("ISS geocentric distance = %v km, want low Earth orbit", r)
		}
	}
	if m.State() != second {
		t.Fatalf("State() = %+v, want last update %+v", m.State(), second)
	}
}

func TestSGP4MotionModel_WholeSecondResolution(t *testing.T) {
	m, err := NewSGP4MotionModel(issTLE1, issTLE2, 1)
	if err != nil {
		t.Fatalf("NewSGP4MotionModel: %v", err)
	}

	t1 := time.Date(2021, 10, 2, 0, 0, 0, 0, time.UTC)
	whole, err := m.Update(t1, 0)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	frac, err := m.Update(t1.Add(900*time.Millisecond), 900*time.Millisecond)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if whole.Position != frac.Position {
		t.Fatalf("sub-second time moved the satellite: %+v vs %+v", whole.Position, frac.Position)
	}
}

func TestSGP4MotionModel_Scale(t *testing.T) {
	at := time.Date(2021, 10, 2, 0, 0, 0, 0, time.UTC)
	km, err := NewSGP4MotionModel(issTLE1, issTLE2, 1)
	if err != nil {
		t.Fatalf("NewSGP4MotionModel: %v", err)
	}
	scaled, err := NewSGP4MotionModel(issTLE1, issTLE2, 0.001)
	if err != nil {
		t.Fatalf("NewSGP4MotionModel: %v", err)
	}
	a, _ := km.Update(at, 0)
	b, _ := scaled.Update(at, 0)
	if math.Abs(a.Position.Norm()*0.001-b.Position.Norm()) > 1e-9 {
		t.Fatalf("scaled norm %v, want %v", b.Position.Norm(), a.Position.Norm()*0.001)
	}
}

func TestSGP4MotionModel_RejectsBadInput(t *testing.T) {
	cases := []struct {
		name         string
		line1, line2 string
		scale        float64
	}{
		{"short line1", issTLE1[:60], issTLE2, 1},
		{"swapped lines", issTLE2, issTLE1, 1},
		{"zero scale", issTLE1, issTLE2, 0},
		{"nan scale", issTLE1, issTLE2, math.NaN()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewSGP4MotionModel(tc.line1, tc.line2, tc.scale); err == nil {
				t.Fatalf("NewSGP4MotionModel accepted %s", tc.name)
			}
		})
	}
}

// corruptTLE overwrites line[from:to] with x characters, keeping the length.
func corruptTLE(line string, from, to int) string {
	return line[:from] + strings.Repeat("x", to-from) + line[to:]
}

func TestSGP4MotionModel_RejectsMalformedFields(t *testing.T) {
	cases := []struct {
		name         string
		line1, line2 string
	}{
		{"all garbage", "1" + strings.Repeat("x", 68), "2" + strings.Repeat("x", 68)},
		{"catalog number", corruptTLE(issTLE1, 2, 7), issTLE2},
		{"epoch year", corruptTLE(issTLE1, 18, 20), issTLE2},
		{"epoch day", corruptTLE(issTLE1, 24, 28), issTLE2},
		{"B*", corruptTLE(issTLE1, 54, 59), issTLE2},
		{"inclination", issTLE1, corruptTLE(issTLE2, 9, 15)},
		{"eccentricity", issTLE1, corruptTLE(issTLE2, 26, 33)},
		{"mean motion", issTLE1, corruptTLE(issTLE2, 53, 62)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if len(tc.line1) != 69 || len(tc.line2) != 69 {
				t.Fatalf("test lines must keep TLE length, got %d/%d", len(tc.line1), len(tc.line2))
			}
			m, err := NewSGP4MotionModel(tc.line1, tc.line2, 1)
			if err == nil || m != nil {
				t.Fatalf("NewSGP4MotionModel accepted malformed %s", tc.name)
			}
			if !strings.Contains(err.Error(), "invalid TLE") {
				t.Fatalf("error %q does not name the TLE", err)
			}
		})
	}
}

func TestNewMotionModel_DispatchesByKind(t *testing.T) {
	opts := DefaultMotionOptions()
	cases := []struct {
		def  *model.BodyDefinition
		want string
	}{
		{&model.BodyDefinition{ID: "sun", Kind: model.BodyKindStar}, "static"},
		{&model.BodyDefinition{ID: "earth", Kind: model.BodyKindPlanet, Elements: model.OrbitalElements{SemiMajorAxis: 1, Period: 365.25}}, "kepler"},
		{&model.BodyDefinition{ID: "moon", Kind: model.BodyKindMoon, Elements: model.OrbitalElements{SemiMajorAxis: 0.00257, Period: 27.32}}, "kepler"},
		{&model.BodyDefinition{ID: "iss", Kind: model.BodyKindSatellite, TLE1: issTLE1, TLE2: issTLE2}, "sgp4"},
	}
	for _, tc := range cases {
		m, err := NewMotionModel(tc.def, opts)
		if err != nil {
			t.Fatalf("NewMotionModel(%s): %v", tc.def.ID, err)
		}
		var got string
		switch m.(type) {
		case *StaticMotionModel:
			got = "static"
		case *KeplerianMotionModel:
			got = "kepler"
		case *SGP4MotionModel:
			got = "sgp4"
		}
		if got != tc.want {
			t.Fatalf("NewMotionModel(%s) = %T, want %s", tc.def.ID, m, tc.want)
		}
	}

	if _, err := NewMotionModel(nil, opts); err == nil {
		t.Fatalf("NewMotionModel(nil) returned no error")
	}
	bad := &model.BodyDefinition{ID: "bad", Kind: model.BodyKindPlanet}
	if _, err := NewMotionModel(bad, opts); !errors.Is(err, model.ErrInvalidOrbitalElements) {
		t.Fatalf("NewMotionModel(bad) err = %v, want ErrInvalidOrbitalElements", err)
	}
}
