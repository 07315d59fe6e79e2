package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/orrery/core"
	"github.com/signalsfoundry/orrery/internal/config"
	"github.com/signalsfoundry/orrery/internal/logging"
	"github.com/signalsfoundry/orrery/internal/observability"
	"github.com/signalsfoundry/orrery/internal/rpc"
)

const systemPath = "../../configs/solar_system.json"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--system", systemPath, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "ok: 12 bodies, epoch 2000-01-01T12:00:00Z") {
		t.Fatalf("validate summary missing:\n%s", out)
	}
	for _, want := range []string{"earth", "moon", "iss", "satellite", "pluto"} {
		if !strings.Contains(out, want) {
			t.Fatalf("validate output missing %q:\n%s", want, out)
		}
	}
}

func TestValidateCommandMissingTable(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"validate", "--system", "does-not-exist.json"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error for missing body table")
	}
}

func TestTraceCommandCSV(t *testing.T) {
	out, err := execute(t, "trace", "earth", "--samples", "4")
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 6 {
		t.Fatalf("trace printed %d lines, want header + 5:\n%s", len(lines), out)
	}
	if lines[0] != "k,x,y,z" {
		t.Fatalf("header = %q", lines[0])
	}
	first := strings.SplitN(lines[1], ",", 2)[1]
	last := strings.SplitN(lines[5], ",", 2)[1]
	if first != last {
		t.Fatalf("path not closed: first %q last %q", first, last)
	}
}

func TestTraceCommandJSON(t *testing.T) {
	out, err := execute(t, "trace", "mars", "--format", "json")
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	var pts []tracePoint
	if err := json.Unmarshal([]byte(out), &pts); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(pts) != 81 {
		t.Fatalf("got %d points, want 81", len(pts))
	}
	if pts[0] != pts[80] {
		t.Fatalf("path not closed: %+v vs %+v", pts[0], pts[80])
	}
}

func TestTraceCommandErrors(t *testing.T) {
	if _, err := execute(t, "trace", "iss"); !errors.Is(err, core.ErrNotKeplerian) {
		t.Fatalf("trace iss error = %v, want ErrNotKeplerian", err)
	}
	if _, err := execute(t, "trace", "vulcan"); err == nil {
		t.Fatalf("expected error for unknown body")
	}
	if _, err := execute(t, "trace", "earth", "--samples", "0"); err == nil {
		t.Fatalf("expected error for zero samples")
	}
	if _, err := execute(t, "trace", "earth", "--format", "xml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestSimulateCommand(t *testing.T) {
	out, err := execute(t, "simulate", "--days", "3", "--bodies", "earth")
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("simulate printed %d lines, want 3:\n%s", len(lines), out)
	}
	for i, line := range lines {
		f := strings.Split(line, "\t")
		if len(f) != 6 {
			t.Fatalf("line %d has %d fields: %q", i, len(f), line)
		}
		if f[0] != strconv.Itoa(i+1) || f[2] != "earth" {
			t.Fatalf("line %d = %q", i, line)
		}
		var r2 float64
		for _, s := range f[3:] {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				t.Fatalf("parse %q: %v", s, err)
			}
			r2 += v * v
		}
		if r := math.Sqrt(r2); r < 0.98 || r > 1.02 {
			t.Fatalf("earth distance on tick %d = %v AU", i+1, r)
		}
	}
	if !strings.HasPrefix(strings.Split(lines[0], "\t")[1], "2000-01-02T12:00:00") {
		t.Fatalf("first tick time = %q, want epoch + 1 day", lines[0])
	}
}

func TestSimulateCommandRejectsUnknownBody(t *testing.T) {
	if _, err := execute(t, "simulate", "--days", "1", "--bodies", "vulcan"); err == nil {
		t.Fatalf("expected error for unknown body filter")
	}
}

func TestWatchBodiesFeedsDistanceGauge(t *testing.T) {
	ctx := context.Background()
	v, err := config.NewViper("")
	if err != nil {
		t.Fatalf("NewViper: %v", err)
	}
	v.Set("system.path", systemPath)
	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	collector, err := observability.NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	a, err := loadApp(ctx, cfg, logging.Noop())
	if err != nil {
		t.Fatalf("loadApp: %v", err)
	}

	unsubscribe := watchBodies(a.store, collector)
	start := cfg.StartTime(a.system.Epoch)
	if _, err := a.engine.Advance(ctx, start.Add(24*time.Hour)); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if got := testutil.ToFloat64(collector.BodyDistance.WithLabelValues("earth")); got < 0.98 || got > 1.02 {
		t.Fatalf("earth distance gauge = %v, want ~1 AU", got)
	}
	if got := testutil.ToFloat64(collector.BodyDistance.WithLabelValues("moon")); got <= 0 || got > 0.01 {
		t.Fatalf("moon distance gauge = %v, want a small positive distance from earth", got)
	}

	unsubscribe()
	collector.BodyDistance.Reset()
	if _, err := a.engine.Advance(ctx, start.Add(48*time.Hour)); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if n := testutil.CollectAndCount(collector.BodyDistance); n != 0 {
		t.Fatalf("distance gauge has %d series after unsubscribe, want 0", n)
	}
}

func TestServeStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	v, err := config.NewViper("")
	if err != nil {
		t.Fatalf("NewViper: %v", err)
	}
	v.Set("system.path", systemPath)
	v.Set("simulation.tick", "10ms")
	v.Set("log.level", "error")
	cfg, err := config.Load(v)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- runServe(runCtx, cfg, logging.New(cfg.Log), httpLis, grpcLis)
	}()

	conn, err := grpc.NewClient(grpcLis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: rpc.EngineServiceName})
	if err != nil {
		t.Fatalf("health Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health status = %v, want SERVING", resp.GetStatus())
	}

	snap := new(structpb.Struct)
	if err := conn.Invoke(ctx, "/"+rpc.EngineServiceName+"/Snapshot", &structpb.Struct{}, snap); err != nil {
		t.Fatalf("Engine/Snapshot: %v", err)
	}
	if got := len(snap.GetFields()["bodies"].GetListValue().GetValues()); got != 12 {
		t.Fatalf("Engine/Snapshot bodies = %d, want 12", got)
	}

	base := "http://" + httpLis.Addr().String()
	res, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("/healthz status = %d", res.StatusCode)
	}

	res, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	for _, want := range []string{"orrery_grpc_requests_total", "orrery_bodies", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("/metrics missing %s", want)
		}
	}

	stop()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("runServe returned error: %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("runServe did not stop")
	}
}
