// Package main provides the partograph API service entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-partograph/internal/api/handlers"
	"github.com/drfirst/go-partograph/internal/api/middleware"
	"github.com/drfirst/go-partograph/internal/app"
	"github.com/drfirst/go-partograph/internal/config"
	"github.com/drfirst/go-partograph/internal/domain/clock"
	"github.com/drfirst/go-partograph/internal/domain/partograph"
	"github.com/drfirst/go-partograph/internal/domain/ward"
	"github.com/drfirst/go-partograph/internal/infrastructure/guarded"
	"github.com/drfirst/go-partograph/internal/infrastructure/rediscache"
	"github.com/drfirst/go-partograph/internal/observability/metrics"
	"github.com/drfirst/go-partograph/internal/observability/tracing"
	"github.com/drfirst/go-partograph/pkg/circuitbreaker"
)

const serviceName = "partograph-api"

func main() {
	configPath := flag.String("config", os.Getenv("PARTOGRAPH_CONFIG"), "path to YAML config (defaults to environment)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()

	tp, err := tracing.Init(ctx, serviceName, cfg.Server.Environment, cfg.Tracing)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(nil)

	backend, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer backend.Close()

	var store partograph.Store = backend.Store
	if backend.Driver != config.DriverMemory {
		breakerCfg := circuitbreaker.DefaultConfig(backend.Driver + "-store")
		breakerCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(to.Gauge())
		}
		g, err := guarded.Wrap(backend.Store, breakerCfg, logger)
		if err != nil {
			logger.Fatal("circuit breaker init failed", zap.Error(err))
		}
		m.CircuitBreakerState.WithLabelValues(g.Breaker().Name()).Set(g.Breaker().State().Gauge())
		store = g
	}

	cache, err := rediscache.New(ctx, rediscache.Config{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: "partograph",
		TTL:       cfg.Redis.TTL,
		Enabled:   cfg.Redis.Enabled,
	}, logger)
	if err != nil {
		// the dashboard still works uncached
		logger.Warn("redis unavailable, dashboard cache disabled", zap.Error(err))
		cache = rediscache.Disabled()
	}
	defer cache.Close()

	clk := clock.System{}
	repo := partograph.NewRepository(store, clk, logger)
	engine := ward.NewEngine(repo, clk, cfg.Ward.Overdue, logger)

	inbox, err := app.OpenInbox(ctx, backend, cfg, logger)
	if err != nil {
		logger.Fatal("idempotency inbox init failed", zap.Error(err))
	}
	inbox.StartCleanup()
	defer inbox.Stop()

	handler := handlers.New(repo, engine, cache, m, logger).WithIdempotency(inbox)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.Server.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	// Health and metrics (no auth)
	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := backend.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if len(cfg.Server.APIKeys) > 0 {
			r.Use(middleware.APIKeyAuth(cfg.Server.APIKeys))
		} else {
			logger.Warn("no API keys configured, API is unauthenticated")
		}
		r.Mount("/", handler.Routes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting partograph API",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", backend.Driver),
		zap.Bool("dashboard_cache", cache.IsEnabled()))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.LoadFromEnv()
	return cfg, cfg.Validate()
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"%s","version":"%s"}`, serviceName, tracing.Version)
}
