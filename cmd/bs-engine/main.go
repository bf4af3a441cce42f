package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/bs-mac-engine/internal/config"
	"github.com/signalsfoundry/bs-mac-engine/internal/diag"
	"github.com/signalsfoundry/bs-mac-engine/internal/engine"
	"github.com/signalsfoundry/bs-mac-engine/internal/logging"
	"github.com/signalsfoundry/bs-mac-engine/internal/observability"
	"github.com/signalsfoundry/bs-mac-engine/internal/phy"
	"github.com/signalsfoundry/bs-mac-engine/internal/provision"
	"github.com/signalsfoundry/bs-mac-engine/internal/queue"
	"github.com/signalsfoundry/bs-mac-engine/internal/timer"
	"github.com/signalsfoundry/bs-mac-engine/timectrl"
)

var (
	healthInterval  = time.Second
	shutdownTimeout = 5 * time.Second
)

func main() {
	strict := flag.Bool("strict", false, "refuse out-of-range configuration instead of substituting defaults")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Error(ctx, "failed to load configuration", logging.Err(err))
		os.Exit(1)
	}
	policy := config.Policy("")
	if *strict {
		policy = config.PolicyStrict
	}
	fallbacks, err := cfg.Normalize(policy)
	if err != nil {
		log.Error(ctx, "configuration refused", logging.Err(err))
		os.Exit(1)
	}

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(stopCtx, cfg, fallbacks, log, nil); err != nil {
		log.Error(ctx, "base station exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves the engine until ctx is done. A nil lis listens on
// cfg.DiagAddr.
func run(ctx context.Context, cfg config.Config, fallbacks []config.Fallback, log logging.Logger, lis net.Listener) error {
	ctx, log = logging.WithInstanceLogger(ctx, log)

	reg := prometheus.NewRegistry()
	collector, err := observability.NewEngineCollector(reg)
	if err != nil {
		return err
	}
	frameMetrics, err := observability.NewFrameCollector(reg)
	if err != nil {
		return err
	}
	for _, fb := range fallbacks {
		log.Warn(ctx, "configuration fallback applied",
			logging.String("field", fb.Field),
			logging.String("requested", fb.Requested),
			logging.String("applied", fb.Applied),
			logging.String("reason", fb.Reason))
	}
	collector.AddConfigFallbacks(len(fallbacks))

	tcfg, err := observability.TracingConfigFromEnv()
	if err != nil {
		return err
	}
	tcfg.InstanceID = logging.InstanceIDFromContext(ctx)
	shutdownTracing, err := observability.InitTracing(ctx, tcfg, log)
	if err != nil {
		log.Warn(ctx, "tracing unavailable", logging.Err(err))
	} else {
		defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)
	}

	metricsSrv := serveMetrics(cfg.MetricsAddr, collector, log)

	store := provision.NewStore(nil)
	if cfg.RedisAddr != "" {
		client, err := provision.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			if cfg.RequireProvisioning {
				return err
			}
			log.Warn(ctx, "provisioning unavailable; admitting every station", logging.Err(err))
		} else {
			defer client.Close()
			loader := provision.NewLoader(client, store, provision.WithLogger(log))
			go func() { _ = loader.Run(ctx, cfg.ProvisionReload) }()
		}
	}

	tc := timectrl.NewTimeController(time.Now().UTC(), cfg.FrameDuration, timectrl.RealTime)
	events := timer.NewEventScheduler(tc)
	model, err := phy.New(cfg.PHY(), nil)
	if err != nil {
		return err
	}
	e, err := engine.New(cfg.Engine(),
		engine.Deps{Events: events, PHY: model, Queue: queue.New(0)},
		engine.WithLogger(log),
		engine.WithMetrics(collector),
		engine.WithFrameMetrics(frameMetrics),
		engine.WithProvisioner(store),
		engine.WithTracer(observability.Tracer()),
		engine.WithInstanceID(logging.InstanceIDFromContext(ctx)),
	)
	if err != nil {
		return err
	}
	if err := e.Start(ctx); err != nil {
		return err
	}

	diagSrv := diag.NewServer(e, log)
	grpcSrv := diag.NewGRPCServer(diagSrv, collector, log)
	if lis == nil {
		if lis, err = net.Listen("tcp", cfg.DiagAddr); err != nil {
			return err
		}
	}
	log.Info(ctx, "starting diagnostics gRPC server", logging.Stringer("addr", lis.Addr()))
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error(ctx, "gRPC server exited", logging.Err(err))
		}
	}()
	go diagSrv.Watch(ctx, healthInterval)

	loopDone := runFrameLoop(ctx, tc, events)
	<-ctx.Done()
	<-loopDone

	e.Stop(ctx)
	st := e.Stats()
	log.Info(ctx, "shutting down base station",
		logging.Any("frames", st.Frames),
		logging.Any("registrations", st.Registrations),
		logging.Any("violations", st.Violations),
		logging.Uint64("frame_overruns", tc.Overruns()))
	grpcSrv.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// runFrameLoop drives the engine's event queue from the time controller
// until ctx is done. Every engine callback runs on the controller's
// goroutine.
func runFrameLoop(ctx context.Context, tc *timectrl.TimeController, events timer.EventScheduler) <-chan struct{} {
	tc.AddListener(func(time.Time) { events.RunDue() })
	return tc.StartWithStop(0, ctx.Done())
}

func serveMetrics(addr string, collector *observability.EngineCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
