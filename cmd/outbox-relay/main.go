// Package main provides the outbox relay entry point. It publishes patient
// change events written by the API to Redpanda, for deployments that run
// the relay apart from the API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rxcare/rxcare/internal/config"
	"github.com/rxcare/rxcare/internal/infrastructure/postgres"
	"github.com/rxcare/rxcare/internal/infrastructure/redpanda"
	"github.com/rxcare/rxcare/internal/observability/metrics"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.DatabaseURL == "" || !cfg.KafkaEnabled() {
		logger.Fatal("DATABASE_URL and KAFKA_BROKERS are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 4})
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producerCfg.ClientID = cfg.InstanceID + "-relay"
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	m := metrics.New()
	relay := postgres.NewRelay(pool, producer, postgres.DefaultRelayConfig(), logger).WithObserver(m)
	relay.Start()
	logger.Info("outbox relay started")

	// metrics only; the relay has no API
	server := &http.Server{Addr: ":" + cfg.Port, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	relay.Stop()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(sctx)
	if stats, err := relay.Stats(sctx); err == nil {
		logger.Info("outbox relay stopped", zap.Int64("pending", stats.Pending), zap.Int64("dead", stats.Dead))
		return
	}
	logger.Info("outbox relay stopped")
}
