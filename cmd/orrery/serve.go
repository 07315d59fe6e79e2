package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/orrery/core"
	"github.com/signalsfoundry/orrery/internal/api"
	"github.com/signalsfoundry/orrery/internal/config"
	"github.com/signalsfoundry/orrery/internal/logging"
	"github.com/signalsfoundry/orrery/internal/observability"
	"github.com/signalsfoundry/orrery/internal/rpc"
	"github.com/signalsfoundry/orrery/kb"
	"github.com/signalsfoundry/orrery/timectrl"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the clock, the HTTP API and the gRPC engine service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := opts.cfg
			httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
			}
			grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				httpLis.Close()
				return fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
			}
			return runServe(ctx, cfg, logging.New(cfg.Log), httpLis, grpcLis)
		},
	}
	fs := cmd.Flags()
	fs.String("http-addr", "", "HTTP listen address (default :8080)")
	fs.String("grpc-addr", "", "gRPC listen address (default :9090)")
	fs.Duration("tick", 0, "wall-clock interval between ticks")
	fs.Bool("accelerated", false, "step as fast as the engine allows")
	addSimulationFlags(fs)
	return cmd
}

// watchBodies mirrors every published body state into the per-body distance
// gauge. The returned function unsubscribes.
func watchBodies(store *kb.KnowledgeBase, collector *observability.Collector) func() {
	return store.Subscribe(func(ev kb.Event) {
		if ev.Type == kb.EventBodyMoved {
			collector.ObserveBodyDistance(ev.State.ID, ev.State.Orbit.Position.Norm())
		}
	})
}

// runServe owns both listeners and returns once ctx is done and every
// server has drained.
func runServe(ctx context.Context, cfg config.Config, log logging.Logger, httpLis, grpcLis net.Listener) error {
	defer httpLis.Close()
	defer grpcLis.Close()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := observability.NewCollector(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	a, err := loadApp(ctx, cfg, log, core.WithStepRecorder(collector))
	if err != nil {
		return err
	}
	defer watchBodies(a.store, collector)()

	mode := timectrl.RealTime
	if cfg.Simulation.Accelerated {
		mode = timectrl.Accelerated
	}
	clock := timectrl.NewTimeController(cfg.StartTime(a.system.Epoch), cfg.Simulation.Step(), mode,
		timectrl.WithInterval(cfg.Simulation.Tick))
	clock.AddListener(a.engine.Listener(ctx))

	apiServer := api.NewServer(a.engine, api.Options{
		Scale: cfg.Scale.Distance,
		Stream: api.StreamOptions{
			Rate:       cfg.Stream.Rate,
			Burst:      cfg.Stream.Burst,
			TrustProxy: cfg.Stream.TrustProxy,
		},
		Logger:  log,
		Metrics: collector,
	})
	httpServer := apiServer.NewHTTPServer(cfg.HTTPAddr)

	grpcServer := grpc.NewServer(append(
		[]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())},
		rpc.ServerOptions(log, collector)...,
	)...)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	rpc.RegisterEngineService(grpcServer, rpc.NewEngineService(a.engine, cfg.Scale.Distance))
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(rpc.EngineServiceName, healthpb.HealthCheckResponse_SERVING)

	errCh := make(chan error, 2)
	go func() {
		if err := grpcServer.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	clockCtx, stopClock := context.WithCancel(ctx)
	defer stopClock()
	clockDone := clock.Start(clockCtx, 0)

	log.Info(ctx, "orrery started",
		logging.String("http_addr", httpLis.Addr().String()),
		logging.String("grpc_addr", grpcLis.Addr().String()),
		logging.Int("bodies", a.engine.Len()),
		logging.String("mode", mode.String()),
		logging.Duration("step", cfg.Simulation.Step()),
		logging.Time("start", cfg.StartTime(a.system.Epoch)),
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info(context.Background(), "shutdown requested")
	case runErr = <-errCh:
		log.Error(context.Background(), "server failed", logging.Err(runErr))
	}

	healthServer.Shutdown()
	stopClock()
	<-clockDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	apiServer.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "http shutdown", logging.Err(err))
	}
	grpcServer.GracefulStop()

	log.Info(shutdownCtx, "orrery stopped", logging.Time("sim_time", clock.Now()))
	return runErr
}
