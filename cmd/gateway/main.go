// Package main is the entry point for the Kestrel gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/kestrelgw/kestrel/internal/auth"
	"github.com/kestrelgw/kestrel/internal/breaker"
	"github.com/kestrelgw/kestrel/internal/clock"
	"github.com/kestrelgw/kestrel/internal/config"
	"github.com/kestrelgw/kestrel/internal/handler"
	"github.com/kestrelgw/kestrel/internal/logging"
	"github.com/kestrelgw/kestrel/internal/metrics"
	"github.com/kestrelgw/kestrel/internal/middleware"
	"github.com/kestrelgw/kestrel/internal/observe"
	"github.com/kestrelgw/kestrel/internal/proxy"
	"github.com/kestrelgw/kestrel/internal/ratelimit"
	"github.com/kestrelgw/kestrel/internal/registry"
	"github.com/kestrelgw/kestrel/internal/shutdown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(&logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Environment: cfg.Server.Environment,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting kestrel gateway",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("env", cfg.Server.Environment),
		zap.Int("services", len(cfg.Services)),
		zap.Int("routes", len(cfg.Routes)),
	)

	clk := clock.New()
	m := metrics.New()
	sink := observe.NewLogSink(logger.Named("request").Logger, m)

	// Registry, seeded with the statically configured services.
	reg := registry.New(registry.Config{
		Clock:   clk,
		Sink:    sink,
		Metrics: m,
		Logger:  logger.Named("registry").Logger,
	})
	for _, svc := range cfg.Services {
		desc := registry.Descriptor{
			Name:            svc.Name,
			HealthCheckPath: svc.HealthCheckPath,
			Timeout:         svc.Timeout,
			Version:         svc.Version,
		}
		if _, err := reg.Register(desc, svc.URL, nil, true); err != nil {
			logger.Fatal("failed to register static service",
				zap.String("service", svc.Name),
				zap.Error(err),
			)
		}
	}

	transport := proxy.NewTransport(cfg.Proxy)

	prober := registry.NewProber(registry.ProberConfig{
		Registry:        reg,
		Client:          &http.Client{Transport: transport},
		Clock:           clk,
		Sink:            sink,
		Metrics:         m,
		Logger:          logger.Named("prober").Logger,
		Interval:        cfg.Health.ProbeInterval,
		Timeout:         cfg.Health.ProbeTimeout,
		ShutdownGrace:   cfg.Health.ShutdownGrace,
		HeartbeatExpiry: cfg.Health.HeartbeatExpiry,
	})
	prober.Start()

	breakers := breaker.NewSet(breaker.SetConfig{
		Breaker: breaker.Config{
			VolumeThreshold:        cfg.Breaker.VolumeThreshold,
			ErrorThresholdFraction: cfg.Breaker.ErrorThresholdFraction,
			ResetTimeout:           cfg.Breaker.ResetTimeout,
			WindowDuration:         cfg.Breaker.WindowDuration,
			WindowSize:             cfg.Breaker.WindowSize,
		},
		Clock:  clk,
		Sink:   sink,
		Logger: logger.Named("breaker").Logger,
	})

	verifier, err := auth.NewVerifier(cfg.Auth.SigningKey, cfg.Auth.Algorithm)
	if err != nil {
		logger.Fatal("failed to initialize token verifier", zap.Error(err))
	}
	gate := auth.NewOperatorGate(cfg.Admin.KeyHash, cfg.Admin.Roles)

	generalLimiter := ratelimit.NewLimiter(ratelimit.Policy{
		Requests: cfg.RateLimit.General.Requests,
		Window:   cfg.RateLimit.General.Window,
	}, clk, logger.Named("ratelimit").Logger)
	authLimiter := ratelimit.NewLimiter(ratelimit.Policy{
		Requests: cfg.RateLimit.Auth.Requests,
		Window:   cfg.RateLimit.Auth.Window,
	}, clk, logger.Named("ratelimit").Logger)
	generalLimiter.StartGC()
	authLimiter.StartGC()

	table, err := proxy.NewTable(cfg.Routes)
	if err != nil {
		logger.Fatal("invalid route table", zap.Error(err))
	}

	engine := proxy.NewEngine(proxy.EngineConfig{
		Table:          table,
		Registry:       reg,
		Breakers:       breakers,
		Verifier:       verifier,
		GeneralLimiter: generalLimiter,
		AuthLimiter:    authLimiter,
		Client:         &http.Client{Transport: transport},
		Clock:          clk,
		Sink:           sink,
		Metrics:        m,
		Logger:         logger.Named("proxy").Logger,

		UpstreamTimeout:         cfg.Proxy.UpstreamTimeout,
		MaxConcurrentPerService: cfg.Proxy.MaxConcurrentPerService,
		TrustedProxies:          cfg.RateLimit.TrustedProxies,
	})

	coordinator := shutdown.NewCoordinator(cfg.Server.ShutdownTimeout, logger.Named("shutdown").Logger)
	readiness := shutdown.NewReadinessProbe(coordinator)

	router := buildRouter(cfg, logger, m, engine, verifier, gate, reg, breakers, readiness, clk)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	coordinator.RegisterFunc(shutdown.PhaseDrain, "http-server", server.Shutdown)
	coordinator.RegisterFunc(shutdown.PhaseBackground, "health-prober", prober.Stop)
	coordinator.RegisterFunc(shutdown.PhaseBackground, "rate-limiter", func(ctx context.Context) error {
		_ = generalLimiter.Stop(ctx)
		return authLimiter.Stop(ctx)
	})
	coordinator.RegisterFunc(shutdown.PhaseFlush, "logger", func(context.Context) error {
		_ = logger.Sync()
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", zap.Error(err))
		os.Exit(1)
	}
}

// buildRouter assembles the single listener: the admin surface on its
// reserved prefixes, everything else into the proxy engine.
func buildRouter(
	cfg *config.Config,
	logger *logging.Logger,
	m *metrics.Metrics,
	engine *proxy.Engine,
	verifier *auth.Verifier,
	gate *auth.OperatorGate,
	reg *registry.Registry,
	breakers *breaker.Set,
	readiness *shutdown.ReadinessProbe,
	clk clock.Clock,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.Origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           int(cfg.CORS.MaxAge.Seconds()),
	}))
	r.Use(middleware.BodyLimit(cfg.Proxy.MaxBodyBytes))

	healthHandler := handler.NewHealthHandler(handler.HealthHandlerConfig{
		Registry:    reg,
		Breakers:    breakers,
		Readiness:   readiness,
		Clock:       clk,
		Logger:      logger.Named("handler").Logger,
		Environment: cfg.Server.Environment,
		Critical:    cfg.CriticalServices,
	})
	adminHandler := handler.NewAdminHandler(handler.AdminHandlerConfig{
		Registry: reg,
		Breakers: breakers,
		Logger:   logger.Named("handler").Logger,
	})

	healthHandler.RegisterRoutes(r)
	r.Handle("/metrics", m.Handler())

	r.Group(func(r chi.Router) {
		r.Use(m.Middleware)
		r.Use(middleware.RequireOperator(verifier, gate))
		adminHandler.RegisterRoutes(r)
		r.Method(http.MethodGet, "/admin/log-level", logger)
		r.Method(http.MethodPut, "/admin/log-level", logger)
	})

	r.Handle("/*", engine)

	return r
}
