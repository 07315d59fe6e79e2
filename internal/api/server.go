// Package api serves body definitions, propagated positions, orbit paths and
// a live snapshot stream over HTTP.
package api

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/orrery/core"
	"github.com/signalsfoundry/orrery/internal/logging"
	"github.com/signalsfoundry/orrery/internal/observability"
	"github.com/signalsfoundry/orrery/model"
)

const (
	defaultPathSamples = 80
	maxPathSamples     = 4096
)

// StreamOptions limits the WebSocket stream.
type StreamOptions struct {
	Rate       float64 // connection attempts per second per client IP
	Burst      int
	TrustProxy bool
}

// Options configures a Server. Zero values select defaults.
type Options struct {
	Scale   float64 // multiplier applied to every published distance
	Stream  StreamOptions
	Logger  logging.Logger
	Metrics *observability.Collector
	Tracer  trace.Tracer
}

// Server is the HTTP surface over a simulation engine.
type Server struct {
	engine  *core.SimulationEngine
	scale   float64
	log     logging.Logger
	metrics *observability.Collector
	hub     *hub
	handler http.Handler
}

// NewServer builds the handler tree and subscribes the stream to engine ticks.
func NewServer(engine *core.SimulationEngine, opts Options) *Server {
	if opts.Scale <= 0 {
		opts.Scale = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/signalsfoundry/orrery/internal/api")
	}
	if opts.Stream.Rate <= 0 {
		opts.Stream.Rate = 1
	}
	if opts.Stream.Burst < 1 {
		opts.Stream.Burst = 5
	}

	s := &Server{
		engine:  engine,
		scale:   opts.Scale,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
	var sm StreamMetrics
	if opts.Metrics != nil {
		sm = opts.Metrics
	}
	s.hub = newHub(opts.Stream, opts.Scale, engine.Latest, sm, opts.Logger)
	engine.RegisterTickListener(s.hub.broadcast)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", opts.Metrics.Handler())
	mux.HandleFunc("GET /api/v1/bodies", s.handleListBodies)
	mux.HandleFunc("GET /api/v1/bodies/{id}", s.handleGetBody)
	mux.HandleFunc("GET /api/v1/bodies/{id}/position", s.handlePosition)
	mux.HandleFunc("GET /api/v1/bodies/{id}/path", s.handlePath)
	mux.HandleFunc("GET /api/v1/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/v1/stream", s.hub.serveWS)

	// The metrics middleware sits directly on the mux so it sees the matched
	// pattern on the request the mux received.
	var handler http.Handler = mux
	handler = opts.Metrics.Middleware(handler)
	handler = requestMiddleware(opts.Logger, opts.Tracer)(handler)
	s.handler = handler
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// NewHTTPServer wraps the handler in an http.Server with conservative
// timeouts. WriteTimeout is left unset for the long-lived stream.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Close disconnects stream clients.
func (s *Server) Close() {
	s.hub.close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Latest()
	writeJSON(w, http.StatusOK, healthJSON{
		Status:  "ok",
		Bodies:  s.engine.Len(),
		Tick:    snap.Tick,
		SimTime: snap.SimTime,
	})
}

func (s *Server) handleListBodies(w http.ResponseWriter, r *http.Request) {
	defs := s.engine.KB.ListBodies()
	states := make(map[string]model.BodyState, len(defs))
	for _, st := range s.engine.KB.States() {
		states[st.ID] = st
	}
	out := make([]bodyJSON, 0, len(defs))
	for _, def := range defs {
		b := toBody(def, s.scale)
		if st, ok := states[def.ID]; ok {
			b.State = toState(st, s.scale)
		}
		out = append(out, b)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetBody(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	def, err := s.engine.KB.GetBody(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b := toBody(def, s.scale)
	if st, ok, err := s.engine.KB.GetBodyState(id); err == nil && ok {
		b.State = toState(st, s.scale)
	}
	writeJSON(w, http.StatusOK, b)
}

// handlePosition evaluates the propagator for an arbitrary anomaly without
// touching simulation state.
// GET /api/v1/bodies/{id}/position?anomaly=1.2&mode=mean
func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := r.URL.Query()

	raw := q.Get("anomaly")
	if raw == "" {
		s.writeError(w, r, fmt.Errorf("%w: anomaly parameter is required", errBadRequest))
		return
	}
	anomaly, err := strconv.ParseFloat(raw, 64)
	if err != nil || !isFinite(anomaly) {
		s.writeError(w, r, fmt.Errorf("%w: invalid anomaly %q", errBadRequest, raw))
		return
	}
	mode, ok := core.ParseAnomalyMode(strings.ToLower(q.Get("mode")))
	if !ok {
		s.writeError(w, r, fmt.Errorf("%w: invalid mode %q, must be true or mean", errBadRequest, q.Get("mode")))
		return
	}

	el, err := s.engine.Elements(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positionJSON{
		ID:       id,
		Anomaly:  anomaly,
		Mode:     string(mode),
		Position: toVec(core.PropagateWithMode(el, anomaly, mode), s.scale),
	})
}

// handlePath returns the closed orbit outline relative to the parent body.
// GET /api/v1/bodies/{id}/path?samples=80
func (s *Server) handlePath(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	samples := defaultPathSamples
	if v := r.URL.Query().Get("samples"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPathSamples {
			s.writeError(w, r, fmt.Errorf("%w: invalid samples parameter, must be 1-%d", errBadRequest, maxPathSamples))
			return
		}
		samples = n
	}

	path, err := s.engine.Trace(id, samples)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := pathJSON{ID: id, Samples: samples, Points: make([]vecJSON, 0, samples+1)}
	for p := range path {
		out.Points = append(out.Points, toVec(p, s.scale))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toSnapshot(s.engine.Latest(), s.scale))
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
