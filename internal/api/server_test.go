package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/orrery/core"
	"github.com/signalsfoundry/orrery/internal/observability"
	"github.com/signalsfoundry/orrery/kb"
	"github.com/signalsfoundry/orrery/model"
)

var testStart = time.Date(2000, time.January, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) *core.SimulationEngine {
	t.Helper()
	store := kb.NewKnowledgeBase()
	earth, err := model.ElementsFromDegrees(1, 0.0167, 0, 102.94719, 0, 365.25, 0)
	if err != nil {
		t.Fatalf("ElementsFromDegrees: %v", err)
	}
	for _, def := range []*model.BodyDefinition{
		{ID: "sun", Name: "Sun", Kind: model.BodyKindStar, Radius: 0.5},
		{ID: "earth", Name: "Earth", Kind: model.BodyKindPlanet, ParentID: "sun", Elements: earth},
		{ID: "moon", Name: "Moon", Kind: model.BodyKindMoon, ParentID: "earth", Elements: model.OrbitalElements{SemiMajorAxis: 0.1, Period: 4}},
	} {
		if err := store.AddBody(def); err != nil {
			t.Fatalf("AddBody(%s): %v", def.ID, err)
		}
	}
	opts := core.DefaultMotionOptions()
	opts.Start = testStart
	se, err := core.NewSimulationEngine(store, core.WithMotionOptions(opts))
	if err != nil {
		t.Fatalf("NewSimulationEngine: %v", err)
	}
	return se
}

type testEnv struct {
	engine    *core.SimulationEngine
	server    *Server
	http      *httptest.Server
	collector *observability.Collector
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	collector, err := observability.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	opts.Metrics = collector
	se := newTestEngine(t)
	s := NewServer(se, opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return &testEnv{engine: se, server: s, http: ts, collector: collector}
}

func getJSON(t *testing.T, url string, wantStatus int, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Options{})
	var h healthJSON
	getJSON(t, env.http.URL+"/healthz", http.StatusOK, &h)
	if h.Status != "ok" || h.Bodies != 3 || h.Tick != 0 {
		t.Fatalf("healthz = %+v", h)
	}
	if !h.SimTime.Equal(testStart) {
		t.Fatalf("healthz sim_time = %v, want %v", h.SimTime, testStart)
	}
}

func TestListAndGetBodies(t *testing.T) {
	env := newTestEnv(t, Options{Scale: 10})
	if _, err := env.engine.Step(context.Background(), testStart.Add(24*time.Hour), 24*time.Hour); err != nil {
		t.Fatalf("Step: %v", err)
	}

	var bodies []bodyJSON
	getJSON(t, env.http.URL+"/api/v1/bodies", http.StatusOK, &bodies)
	if len(bodies) != 3 {
		t.Fatalf("got %d bodies, want 3", len(bodies))
	}
	for _, b := range bodies {
		if b.State == nil {
			t.Fatalf("body %s has no state after a step", b.ID)
		}
	}

	var earth bodyJSON
	getJSON(t, env.http.URL+"/api/v1/bodies/earth", http.StatusOK, &earth)
	if earth.Elements == nil || math.Abs(earth.Elements.ArgPeriapsisDeg-102.94719) > 1e-9 {
		t.Fatalf("earth elements = %+v", earth.Elements)
	}
	if earth.Parent != "sun" || earth.Kind != "planet" {
		t.Fatalf("earth = %+v", earth)
	}
	st, _, _ := env.engine.KB.GetBodyState("earth")
	if got, want := earth.State.Position.X, st.Position.X*10; math.Abs(got-want) > 1e-12 {
		t.Fatalf("scaled earth x = %v, want %v", got, want)
	}

	var sun bodyJSON
	getJSON(t, env.http.URL+"/api/v1/bodies/sun", http.StatusOK, &sun)
	if sun.Elements != nil || sun.Radius != 5 {
		t.Fatalf("sun = %+v, want no elements and scaled radius 5", sun)
	}

	var e errorJSON
	getJSON(t, env.http.URL+"/api/v1/bodies/vulcan", http.StatusNotFound, &e)
	if !strings.Contains(e.Error, "vulcan") {
		t.Fatalf("error body = %q", e.Error)
	}
}

func TestPosition(t *testing.T) {
	env := newTestEnv(t, Options{})

	var p positionJSON
	getJSON(t, env.http.URL+"/api/v1/bodies/earth/position?anomaly=3.141592653589793", http.StatusOK, &p)
	r := math.Sqrt(p.Position.X*p.Position.X + p.Position.Y*p.Position.Y + p.Position.Z*p.Position.Z)
	if math.Abs(r-1.0167) > 1e-9 || p.Mode != "true" {
		t.Fatalf("earth at π: |r| = %v mode %q, want 1.0167 true", r, p.Mode)
	}

	getJSON(t, env.http.URL+"/api/v1/bodies/earth/position?anomaly=1&mode=mean", http.StatusOK, &p)
	if p.Mode != "mean" {
		t.Fatalf("mode = %q, want mean", p.Mode)
	}

	for _, bad := range []string{
		"/api/v1/bodies/earth/position",
		"/api/v1/bodies/earth/position?anomaly=abc",
		"/api/v1/bodies/earth/position?anomaly=NaN",
		"/api/v1/bodies/earth/position?anomaly=1&mode=eccentric",
		"/api/v1/bodies/sun/position?anomaly=1",
	} {
		getJSON(t, env.http.URL+bad, http.StatusBadRequest, nil)
	}
	getJSON(t, env.http.URL+"/api/v1/bodies/vulcan/position?anomaly=1", http.StatusNotFound, nil)
}

func TestPath(t *testing.T) {
	env := newTestEnv(t, Options{})

	var p pathJSON
	getJSON(t, env.http.URL+"/api/v1/bodies/moon/path", http.StatusOK, &p)
	if p.Samples != defaultPathSamples || len(p.Points) != defaultPathSamples+1 {
		t.Fatalf("default path: samples %d, %d points", p.Samples, len(p.Points))
	}
	if p.Points[0] != p.Points[len(p.Points)-1] {
		t.Fatalf("path not closed")
	}

	getJSON(t, env.http.URL+"/api/v1/bodies/moon/path?samples=4", http.StatusOK, &p)
	if len(p.Points) != 5 {
		t.Fatalf("samples=4 gave %d points, want 5", len(p.Points))
	}

	for _, q := range []string{"0", "-1", "4097", "x"} {
		getJSON(t, env.http.URL+"/api/v1/bodies/moon/path?samples="+q, http.StatusBadRequest, nil)
	}
	getJSON(t, env.http.URL+"/api/v1/bodies/sun/path", http.StatusBadRequest, nil)
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv(t, Options{})
	if _, err := env.engine.Step(context.Background(), testStart.Add(time.Hour), time.Hour); err != nil {
		t.Fatalf("Step: %v", err)
	}
	var s snapshotJSON
	getJSON(t, env.http.URL+"/api/v1/snapshot", http.StatusOK, &s)
	if s.Type != "snapshot" || s.Tick != 1 || len(s.Bodies) != 3 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestRequestIDAndMetrics(t *testing.T) {
	env := newTestEnv(t, Options{})

	req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/api/v1/bodies/earth", nil)
	req.Header.Set(requestIDHeader, "abc123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(requestIDHeader); got != "abc123" {
		t.Fatalf("request id header = %q, want abc123", got)
	}

	resp = getJSON(t, env.http.URL+"/api/v1/bodies/pluto", http.StatusNotFound, nil)
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatalf("generated request id missing")
	}

	route := "GET /api/v1/bodies/{id}"
	if got := testutil.ToFloat64(env.collector.HTTPRequests.WithLabelValues(route, "GET", "200")); got != 1 {
		t.Fatalf("200 count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(env.collector.HTTPRequests.WithLabelValues(route, "GET", "404")); got != 1 {
		t.Fatalf("404 count = %v, want 1", got)
	}

	metricsResp, err := http.Get(env.http.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status = %d", metricsResp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{kb.ErrBodyNotFound, http.StatusNotFound},
		{core.ErrNotKeplerian, http.StatusBadRequest},
		{model.ErrInvalidOrbitalElements, http.StatusBadRequest},
		{errBadRequest, http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func wsURL(base string) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/api/v1/stream"
}

func readSnapshot(t *testing.T, conn *websocket.Conn) snapshotJSON {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var s snapshotJSON
	if err := conn.ReadJSON(&s); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamSendsSnapshots(t *testing.T) {
	env := newTestEnv(t, Options{Stream: StreamOptions{Rate: 100, Burst: 10}})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.http.URL), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	first := readSnapshot(t, conn)
	if first.Tick != 0 || len(first.Bodies) != 3 {
		t.Fatalf("initial snapshot = %+v", first)
	}

	waitFor(t, func() bool { return env.server.hub.clientCount() == 1 })
	if got := testutil.ToFloat64(env.collector.StreamClients); got != 1 {
		t.Fatalf("stream clients gauge = %v, want 1", got)
	}

	if _, err := env.engine.Step(context.Background(), testStart.Add(24*time.Hour), 24*time.Hour); err != nil {
		t.Fatalf("Step: %v", err)
	}
	next := readSnapshot(t, conn)
	if next.Tick != 1 {
		t.Fatalf("streamed tick = %d, want 1", next.Tick)
	}

	env.server.Close()
	waitFor(t, func() bool { return env.server.hub.clientCount() == 0 })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to close after server Close")
	}
	if got := testutil.ToFloat64(env.collector.StreamClients); got != 0 {
		t.Fatalf("stream clients gauge after close = %v, want 0", got)
	}
}

func TestStreamRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{Stream: StreamOptions{Rate: 0.001, Burst: 1}})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(env.http.URL), nil)
	if err != nil {
		t.Fatalf("first Dial: %v", err)
	}
	defer conn.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(env.http.URL), nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("second Dial err = %v, want ErrBadHandshake", err)
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second Dial response = %+v, want 429", resp)
	}
}

func TestBroadcastDropsForSlowClients(t *testing.T) {
	collector, err := observability.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	h := newHub(StreamOptions{Rate: 1, Burst: 1}, 1, func() model.Snapshot { return model.Snapshot{} }, collector, nil)
	c := &streamClient{send: make(chan []byte, 1)}
	h.clients[c] = struct{}{}

	h.broadcast(model.Snapshot{Tick: 1})
	h.broadcast(model.Snapshot{Tick: 2})

	if got := testutil.ToFloat64(collector.StreamDropped); got != 1 {
		t.Fatalf("dropped = %v, want 1", got)
	}
	var s snapshotJSON
	if err := json.Unmarshal(<-c.send, &s); err != nil || s.Tick != 1 {
		t.Fatalf("queued snapshot = %+v, %v; want tick 1", s, err)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.3:1234"
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1")
	if got := clientIP(r, false); got != "10.0.0.3" {
		t.Fatalf("clientIP untrusted = %q, want 10.0.0.3", got)
	}
	if got := clientIP(r, true); got != "1.2.3.4" {
		t.Fatalf("clientIP trusted = %q, want 1.2.3.4", got)
	}
	r.Header.Del("X-Forwarded-For")
	r.Header.Set("X-Real-IP", "5.6.7.8")
	if got := clientIP(r, true); got != "5.6.7.8" {
		t.Fatalf("clientIP X-Real-IP = %q, want 5.6.7.8", got)
	}
}
