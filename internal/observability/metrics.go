package observability

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Collector bundles the orrery's Prometheus metrics: the HTTP and gRPC
// surfaces, the simulation engine and the position stream.
type Collector struct {
	gatherer prometheus.Gatherer

	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec
	RPCRequests   *prometheus.CounterVec

	Bodies        prometheus.Gauge
	Ticks         prometheus.Counter
	StepDurations prometheus.Histogram
	StepErrors    prometheus.Counter
	BodyDistance  *prometheus.GaugeVec

	StreamClients prometheus.Gauge
	StreamDropped prometheus.Counter
}

// NewCollector registers the metrics against reg, defaulting to the global
// Prometheus registry when nil. Registering twice on the same registry
// returns the already registered collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.HTTPRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orrery_http_requests_total",
		Help: "Total number of HTTP requests, labeled by route, method, and status code.",
	}, []string{"route", "method", "code"}), "orrery_http_requests_total"); err != nil {
		return nil, err
	}
	if c.HTTPDurations, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orrery_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"}), "orrery_http_request_duration_seconds"); err != nil {
		return nil, err
	}
	if c.RPCRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orrery_grpc_requests_total",
		Help: "Total number of handled gRPC calls, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "orrery_grpc_requests_total"); err != nil {
		return nil, err
	}
	if c.Bodies, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orrery_bodies",
		Help: "Number of bodies driven by the simulation engine.",
	}), "orrery_bodies"); err != nil {
		return nil, err
	}
	if c.Ticks, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orrery_ticks_total",
		Help: "Simulation ticks processed.",
	}), "orrery_ticks_total"); err != nil {
		return nil, err
	}
	if c.StepDurations, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orrery_step_duration_seconds",
		Help:    "Time spent propagating every body for one tick.",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}), "orrery_step_duration_seconds"); err != nil {
		return nil, err
	}
	if c.StepErrors, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orrery_step_errors_total",
		Help: "Bodies that failed to propagate during a tick.",
	}), "orrery_step_errors_total"); err != nil {
		return nil, err
	}
	if c.BodyDistance, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orrery_body_parent_distance",
		Help: "Latest distance of each body from its parent, in body-table units.",
	}, []string{"body"}), "orrery_body_parent_distance"); err != nil {
		return nil, err
	}
	if c.StreamClients, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orrery_stream_clients",
		Help: "Connected position stream clients.",
	}), "orrery_stream_clients"); err != nil {
		return nil, err
	}
	if c.StreamDropped, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orrery_stream_dropped_total",
		Help: "Snapshots dropped because a stream client was too slow.",
	}), "orrery_stream_dropped_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes through to the wrapped writer so WebSocket upgrades work
// behind the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Middleware records request counts and durations. Requests are labeled with
// the matched ServeMux pattern rather than the raw path.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		c.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		c.HTTPDurations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

// UnaryServerInterceptor records request counts for unary gRPC calls.
func (c *Collector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if c == nil || c.RPCRequests == nil {
			return resp, err
		}
		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// ObserveStep records one engine tick: its duration, the number of bodies
// propagated and how many of them failed.
func (c *Collector) ObserveStep(d time.Duration, bodies, failed int) {
	if c == nil {
		return
	}
	c.Ticks.Inc()
	c.StepDurations.Observe(d.Seconds())
	c.Bodies.Set(float64(bodies))
	if failed > 0 {
		c.StepErrors.Add(float64(failed))
	}
}

// ObserveBodyDistance records a body's current distance from its parent.
func (c *Collector) ObserveBodyDistance(id string, distance float64) {
	if c != nil {
		c.BodyDistance.WithLabelValues(id).Set(distance)
	}
}

// StreamClientConnected and StreamClientDisconnected track live stream clients.
func (c *Collector) StreamClientConnected() {
	if c != nil {
		c.StreamClients.Inc()
	}
}

func (c *Collector) StreamClientDisconnected() {
	if c != nil {
		c.StreamClients.Dec()
	}
}

// StreamSnapshotDropped counts a snapshot skipped for a slow client.
func (c *Collector) StreamSnapshotDropped() {
	if c != nil {
		c.StreamDropped.Inc()
	}
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components, returning "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

// register adds c to reg. When an equal collector is already registered it
// is returned instead, provided it has the same concrete type.
func register[T prometheus.Collector](reg prometheus.Registerer, c T, name string) (T, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return c, nil
}
