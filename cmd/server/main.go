// Command server runs the routing core behind a small HTTP surface: a
// chat endpoint (with streaming), a per-provider status endpoint, health
// probes, and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/havenline/routecore/config"
	"github.com/havenline/routecore/latency"
	"github.com/havenline/routecore/metrics"
	"github.com/havenline/routecore/observability"
	"github.com/havenline/routecore/predictor"
	"github.com/havenline/routecore/provider"
	"github.com/havenline/routecore/resilience"
	"github.com/havenline/routecore/router"
	"github.com/havenline/routecore/scoring"
	"github.com/havenline/routecore/state"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config; falls back to environment-derived config when empty")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg *config.Config
	var mgr *config.Manager

	bootLogger := observability.NewLogger(observability.LoggerConfig{
		Level:      slog.LevelInfo,
		JSONFormat: true,
	}, observability.NewRedactor())

	if configPath != "" {
		var err error
		mgr, err = config.NewManager(configPath, bootLogger.Slog())
		if err != nil {
			return err
		}
		defer mgr.Close()
		cfg = mgr.Get()
	} else {
		cfg = config.FromEnv()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("environment-derived config: %w", err)
		}
	}

	logger := buildLogger(cfg.Logging)

	var tracer trace.Tracer
	if cfg.Tracing.Enabled {
		tp, err := observability.InitTracing(ctx, observability.TracingConfig{
			Enabled:     true,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
			SampleRate:  cfg.Tracing.SampleRate,
			Insecure:    cfg.Tracing.Insecure,
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
		tracer = tp.Tracer()
	}

	collector := metrics.NewCollector()

	app, err := buildApp(cfg, logger, collector, tracer)
	if err != nil {
		return err
	}

	var active atomic.Pointer[appState]
	active.Store(app)
	defer func() { active.Load().close(logger) }()

	if mgr != nil {
		mgr.OnChange(func(newCfg *config.Config) {
			rebuilt, err := buildApp(newCfg, logger, collector, tracer)
			if err != nil {
				logger.Error("config reload rejected, keeping current routing state", "error", err)
				return
			}
			old := active.Swap(rebuilt)
			old.close(logger)
			logger.Info("routing state rebuilt from reloaded config")
		})
		if err := mgr.Watch(ctx); err != nil {
			return fmt.Errorf("watch config: %w", err)
		}
	}

	go func() {
		// The poller follows the active router across reloads.
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collector.RecordStatus(active.Load().router.Status(ctx))
			}
		}
	}()

	mux := http.NewServeMux()
	registerRoutes(mux, routerSource(func() *router.Router { return active.Load().router }), logger)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.Handler())
	}

	var limiter *rate.Limiter
	if cfg.Server.MaxRPS > 0 {
		burst := cfg.Server.Burst
		if burst <= 0 {
			burst = int(cfg.Server.MaxRPS) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Server.MaxRPS), burst)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      buildMiddleware(logger, limiter)(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// appState is one fully wired routing pipeline. Config hot-reload swaps
// the whole thing atomically rather than mutating a live router.
type appState struct {
	router      *router.Router
	registry    *provider.Registry
	stateStore  state.Backend
	redisClient *redis.Client
}

func (a *appState) close(logger *observability.Logger) {
	if err := a.registry.CloseAll(); err != nil {
		logger.Warn("closing adapters", "error", err)
	}
	_ = a.stateStore.Close()
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
}

func buildApp(cfg *config.Config, logger *observability.Logger, collector *metrics.Collector, tracer trace.Tracer) (*appState, error) {
	registry := provider.NewRegistry()
	for _, p := range cfg.Providers {
		if err := registry.RegisterFromConfig(provider.Config{
			Name:    p.Name,
			Type:    p.Type,
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Model:   p.Model,
			RPM:     p.RPMLimit,
			TPM:     p.TPMLimit,
			Weight:  p.Weight,
			Enabled: p.IsEnabled(),
			Headers: p.Headers,
		}); err != nil {
			return nil, err
		}
	}

	var redisClient *redis.Client
	var backend state.Backend
	var breaker *resilience.Breaker

	breakerCfg := resilience.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		Cooldown:         time.Duration(cfg.CircuitBreaker.CooldownSeconds) * time.Second,
	}

	if cfg.SharedStoreURL != "" {
		opts, err := redis.ParseURL(cfg.SharedStoreURL)
		if err != nil {
			return nil, fmt.Errorf("parse shared_store_url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		backend = state.NewRedisStore(redisClient)
		breaker = resilience.NewShared(breakerCfg, resilience.NewRedisOpenStore(redisClient))
	} else {
		backend = state.NewMemoryStore()
		breaker = resilience.New(breakerCfg)
	}

	rt := router.New(router.Config{
		Registry:       registry,
		State:          backend,
		Latency:        latency.New(cfg.Routing.EMAAlpha),
		Predictor:      predictor.New(predictorConfig(cfg.Exhaustion)),
		Breaker:        breaker,
		ScoringOptions: scoringOptions(cfg.Routing),
		WindowSeconds:  cfg.Routing.WindowSeconds,
		SessionTTL:     time.Duration(cfg.Routing.SessionTTLSeconds) * time.Second,
		Tracer:         tracer,
		OnRoute: func(evt router.RouteEvent) {
			collector.OnRoute(evt)
			if evt.Success {
				logger.Debug("request routed",
					"provider", evt.Provider,
					"attempts", evt.Attempts,
					"priority", evt.Priority,
					"latency_ms", evt.LatencyMS,
				)
			} else {
				logger.Warn("attempt failed",
					"provider", evt.Provider,
					"attempts", evt.Attempts,
					"priority", evt.Priority,
					"error_kind", evt.ErrorKind,
				)
			}
		},
	})

	return &appState{
		router:      rt,
		registry:    registry,
		stateStore:  backend,
		redisClient: redisClient,
	}, nil
}

func scoringOptions(rc config.RoutingConfig) scoring.Options {
	opts := scoring.DefaultOptions()
	if rc.HighPriorityReserveFraction > 0 {
		opts.ReserveFraction = rc.HighPriorityReserveFraction
	}
	for name, w := range rc.Weights {
		opts.Weights[scoring.Priority(name)] = scoring.Weights{
			Capacity: w.Capacity,
			Latency:  w.Latency,
			Static:   w.Static,
		}
	}
	return opts
}

func predictorConfig(ec config.ExhaustionConfig) predictor.Config {
	pc := predictor.DefaultConfig()
	if ec.ShortWindowSeconds > 0 {
		pc.ShortWindow = time.Duration(ec.ShortWindowSeconds) * time.Second
		pc.LongWindow = 4 * pc.ShortWindow
	}
	if ec.LookaheadSeconds > 0 {
		pc.Lookahead = time.Duration(ec.LookaheadSeconds) * time.Second
	}
	if ec.Multiplier > 0 {
		pc.Multiplier = ec.Multiplier
	}
	return pc
}

func buildLogger(lc config.LoggingConfig) *observability.Logger {
	level := slog.LevelInfo
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return observability.NewLogger(observability.LoggerConfig{
		Level:      level,
		JSONFormat: lc.Format != "text",
	}, observability.NewRedactor())
}
