// Package main provides the outbox relay service entry point. It forwards
// committed partograph events from PostgreSQL to Redpanda.
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

	"go.uber.org/zap"

	"github.com/drfirst/go-partograph/internal/app"
	"github.com/drfirst/go-partograph/internal/config"
	"github.com/drfirst/go-partograph/internal/infrastructure/postgres"
	"github.com/drfirst/go-partograph/internal/infrastructure/redpanda"
	"github.com/drfirst/go-partograph/internal/observability/metrics"
	"github.com/drfirst/go-partograph/internal/observability/tracing"
)

const serviceName = "outbox-relay"

func main() {
	configPath := flag.String("config", os.Getenv("PARTOGRAPH_CONFIG"), "path to YAML config (defaults to environment)")
	metricsAddr := flag.String("metrics-addr", ":9091", "address for /metrics and /health")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg = config.LoadFromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	// the outbox only exists in PostgreSQL
	cfg.Storage.Driver = config.DriverPostgres

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
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer backend.Close()

	admin, err := redpanda.NewAdmin(cfg.Redpanda.Brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx, cfg.Redpanda.Topic, cfg.Redpanda.DeadLetterTopic); err != nil {
		logger.Fatal("topic bootstrap failed", zap.Error(err))
	}
	admin.Close()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Redpanda.Brokers

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Redpanda.Brokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.PollInterval = cfg.Redpanda.PollInterval
	outboxCfg.BatchSize = cfg.Redpanda.BatchSize
	outboxCfg.DeadLetterTopic = cfg.Redpanda.DeadLetterTopic
	outbox := postgres.NewOutbox(backend.Pool, &countingPublisher{next: producer, m: m}, outboxCfg, logger)

	outbox.Start()

	statsCtx, stopStats := context.WithCancel(ctx)
	go watchBacklog(statsCtx, outbox, m, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := producer.Ping(r.Context()); err != nil {
			http.Error(w, "broker unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: *metricsAddr, Handler: mux, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopStats()
	outbox.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	stats := producer.Stats()
	logger.Info("outbox relay stopped",
		zap.Int64("messages_sent", stats.MessagesSent),
		zap.Int64("errors", stats.ErrorCount))
}

// countingPublisher counts relayed events on their way to the producer
type countingPublisher struct {
	next postgres.OutboxPublisher
	m    *metrics.Metrics
}

func (p *countingPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := p.next.Publish(ctx, topic, key, value); err != nil {
		return err
	}
	p.m.EventsRelayed.Inc()
	return nil
}

// watchBacklog exports the outbox backlog and prunes relayed entries
func watchBacklog(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	lastCleanup := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats, err := outbox.GetStats(ctx)
		if err != nil {
			logger.Warn("outbox stats failed", zap.Error(err))
			continue
		}
		m.OutboxPending.Set(float64(stats.Pending))
		if stats.Failed > 0 {
			logger.Warn("outbox has exhausted entries", zap.Int64("failed", stats.Failed))
		}

		if time.Since(lastCleanup) >= time.Hour {
			n, err := outbox.CleanupProcessed(ctx, 7*24*time.Hour)
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("outbox entries pruned", zap.Int64("count", n))
			}
			lastCleanup = time.Now()
		}
	}
}
