// Command linerouter loads a production line from HCL, routes items between
// its modules and serves gRPC health, Prometheus metrics and a JSON graph
// export.
//
// There is no operator RPC surface. Forced paths and ignore-downstream flags
// come from the force blocks and ignore_downstream list of the line
// configuration and are applied once at startup.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/linerouter/core"
	"github.com/signalsfoundry/linerouter/internal/config"
	"github.com/signalsfoundry/linerouter/internal/eventbus"
	"github.com/signalsfoundry/linerouter/internal/logging"
	"github.com/signalsfoundry/linerouter/internal/modulebus"
	"github.com/signalsfoundry/linerouter/internal/observability"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "configs/line.hcl", "Path to the HCL line configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.NewFromEnv().Error(context.Background(), "failed to load configuration",
			logging.String("path", *configPath), logging.Error(err))
		os.Exit(1)
	}
	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if err := listenAndRun(ctx, cfg, log); err != nil {
		log.Error(ctx, "linerouter exited", logging.Error(err))
		stop()
		os.Exit(1)
	}
	stop()
}

func listenAndRun(ctx context.Context, cfg *config.Config, log logging.Logger) error {
	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen for gRPC on %s: %w", cfg.GRPC.Addr, err)
	}
	httpLis, err := net.Listen("tcp", cfg.Metrics.Addr)
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("listen for HTTP on %s: %w", cfg.Metrics.Addr, err)
	}
	return run(ctx, cfg, log, grpcLis, httpLis)
}

// run brings the line up and serves health, metrics and the graph export
// until ctx is cancelled. It owns both listeners.
func run(ctx context.Context, cfg *config.Config, log logging.Logger, grpcLis, httpLis net.Listener) error {
	defer grpcLis.Close()
	defer httpLis.Close()

	reg := prometheus.NewRegistry()
	lineMetrics, err := observability.NewLineCollector(reg)
	if err != nil {
		return fmt.Errorf("line metrics: %w", err)
	}
	recalcMetrics, err := observability.NewRecalculationCollector(reg)
	if err != nil {
		return fmt.Errorf("recalculation metrics: %w", err)
	}

	tracingCfg := observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Line:        cfg.Line.Name,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	}.WithEnv()
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer observability.FlushTracing(shutdownTracing, log)

	bus := eventbus.NewItemBus()
	mgr := modulebus.New(cfg.Line, bus, log,
		modulebus.WithMetrics(lineMetrics),
		modulebus.WithRoutingRecorder(recalcMetrics),
		modulebus.WithCoalesceWindow(cfg.CoalesceWindow()),
		modulebus.WithTriggerObserver(recalcMetrics.ObserveTrigger),
	)
	defer mgr.Close()

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	if err := mgr.Construct(ctx); err != nil {
		return err
	}
	if err := mgr.Initialize(ctx); err != nil {
		return err
	}
	if err := mgr.Activate(ctx); err != nil {
		return err
	}
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	grpcSrv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(lineMetrics.UnaryServerInterceptor()),
	)
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	mux := http.NewServeMux()
	mux.Handle("/metrics", lineMetrics.Handler())
	mux.Handle("/graph", graphHandler(mgr))
	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(gctx, "serving gRPC health", logging.String("addr", grpcLis.Addr().String()))
		return grpcSrv.Serve(grpcLis)
	})
	g.Go(func() error {
		log.Info(gctx, "serving metrics and graph export", logging.String("addr", httpLis.Addr().String()))
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down linerouter")
		healthSrv.Shutdown()
		grpcSrv.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type graphSource interface {
	GraphDTO() core.ModuleGraphDTO
}

// graphHandler serves the module graph as JSON.
func graphHandler(src graphSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(src.GraphDTO()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}
