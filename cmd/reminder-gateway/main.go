// Package main provides the reminder gateway entry point.
// Consumes reminder notices and hands them to the email and SMS providers.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rxcare/rxcare/internal/api/handlers"
	"github.com/rxcare/rxcare/internal/config"
	"github.com/rxcare/rxcare/internal/infrastructure/postgres"
	"github.com/rxcare/rxcare/internal/infrastructure/redpanda"
	"github.com/rxcare/rxcare/internal/observability/metrics"
	"github.com/rxcare/rxcare/internal/reminders"
	"github.com/rxcare/rxcare/pkg/circuitbreaker"
	"github.com/rxcare/rxcare/pkg/idempotency"
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

	m := metrics.New()
	cbManager := circuitbreaker.NewManager(logger, m.BreakerStateChanged)

	inbox := idempotency.NewInbox(pool, idempotency.DefaultConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	// the providers are stand-ins that log each notice
	provider := reminders.NewLogSender(logger)
	gateway := reminders.NewGateway(map[reminders.Channel]reminders.Sender{
		reminders.ChannelEmail: provider,
		reminders.ChannelSMS:   provider,
	}, cbManager, inbox, logger).WithObserver(m)

	consumerCfg := redpanda.DefaultConsumerConfig("reminder-gateway", redpanda.TopicReminderDispatch)
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.StartOffset = "earliest"
	consumer, err := redpanda.NewConsumer(consumerCfg, gateway.Handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()
	logger.Info("reminder gateway started")

	// ready fails while a provider breaker is open
	r := chi.NewRouter()
	r.Handle("/metrics", m.Handler())
	r.Get("/ready", handlers.Ready(
		handlers.Check{Name: "postgres", Ping: pool.Ping},
		handlers.Check{Name: "providers", Ping: func(context.Context) error { return cbManager.Check() }},
	))
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	consumer.Stop()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(sctx)
	stats := consumer.Stats()
	logger.Info("reminder gateway stopped",
		zap.Int64("messages_read", stats.MessagesRead),
		zap.Int64("errors", stats.Errors))
}
