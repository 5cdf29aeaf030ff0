package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rxcare/rxcare/internal/api/handlers"
	"github.com/rxcare/rxcare/internal/auth"
	"github.com/rxcare/rxcare/internal/domain/delivery"
	"github.com/rxcare/rxcare/internal/domain/patient"
	"github.com/rxcare/rxcare/internal/domain/refill"
	"github.com/rxcare/rxcare/internal/infrastructure/postgres"
	"github.com/rxcare/rxcare/internal/infrastructure/redpanda"
	"github.com/rxcare/rxcare/internal/infrastructure/resilience"
	"github.com/rxcare/rxcare/internal/notify"
	"github.com/rxcare/rxcare/internal/observability/metrics"
	"github.com/rxcare/rxcare/internal/observability/tracing"
	"github.com/rxcare/rxcare/internal/reminders"
	"github.com/rxcare/rxcare/pkg/circuitbreaker"
	"github.com/rxcare/rxcare/pkg/idempotency"
)

const shutdownTimeout = 30 * time.Second

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	loc, _ := cfg.Location()
	policy, _ := cfg.Policy()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.ServiceVersion = version
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("connected to database")

	m := metrics.New()
	breakers := circuitbreaker.NewManager(logger, m.BreakerStateChanged)
	storeCB, err := breakers.GetOrCreate(resilience.BreakerName, resilience.StoreConfig())
	if err != nil {
		return err
	}

	var producer *redpanda.Producer
	changeTopic := ""
	if cfg.KafkaEnabled() {
		pcfg := redpanda.DefaultProducerConfig()
		pcfg.Brokers = cfg.KafkaBrokers
		pcfg.ClientID = cfg.InstanceID
		if producer, err = redpanda.NewProducer(pcfg, logger); err != nil {
			return err
		}
		defer producer.Close()
		changeTopic = redpanda.TopicPatientChanges
		logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	hub := notify.NewHub(logger)
	m.GaugeFunc("change_subscribers", "Open change-feed connections", func() float64 {
		return float64(hub.Count())
	})
	m.CounterFunc("change_events_dropped_total", "Change events dropped for slow subscribers", func() float64 {
		return float64(hub.Dropped())
	})

	// With a broker every instance learns of writes through the change
	// topic, its own included, so the service must not publish locally too.
	var publisher patient.Publisher = hub
	if cfg.KafkaEnabled() {
		publisher = nil
	}
	store := resilience.NewStore(postgres.NewPatientStore(pool, changeTopic, logger), storeCB)
	svc := patient.NewService(store,
		delivery.NewMachine(policy),
		refill.NewClassifier(loc),
		publisher,
		patient.Config{Timeout: cfg.PersistenceTimeout, ReminderWindowDays: cfg.ReminderWindowDays},
		logger,
	).WithInstrumentation(m)

	accounts := postgres.NewAccountStore(pool)
	sessions, err := auth.NewManager(cfg.JWTSecret, cfg.SessionTTL, accounts)
	if err != nil {
		return err
	}
	authSvc := auth.NewService(accounts, sessions, cfg.BcryptCost, logger)

	dispatcher, err := newDispatcher(cfg.ReminderWorkers, svc, producer, breakers, logger)
	if err != nil {
		return err
	}
	dispatcher.WithObserver(m)
	defer func() {
		if err := dispatcher.Stop(); err != nil {
			logger.Warn("reminder dispatcher stop", zap.Error(err))
		}
	}()

	checks := []handlers.Check{
		{Name: "postgres", Ping: pool.Ping},
		{Name: "store_breaker", Ping: func(context.Context) error { return breakers.Check(resilience.BreakerName) }},
		{Name: "reminder_queue", Ping: dispatcher.Ping},
	}
	if producer != nil {
		checks = append(checks, handlers.Check{Name: "redpanda", Ping: producer.Ping})

		relay := postgres.NewRelay(pool, producer, postgres.DefaultRelayConfig(), logger).WithObserver(m)
		relay.Start()
		defer relay.Stop()

		consumer, inbox, err := a.changeFeed(pool, hub)
		if err != nil {
			return err
		}
		inbox.StartCleanup()
		defer inbox.Stop()
		consumer.Start()
		defer consumer.Stop()
	}

	router := handlers.NewRouter(handlers.Deps{
		Service:       svc,
		Auth:          authSvc,
		Dispatcher:    dispatcher,
		Hub:           hub,
		Metrics:       m,
		MetricsPage:   m.Handler(),
		Checks:        checks,
		CORSOrigins:   cfg.CORSOrigins,
		SecureCookies: cfg.IsProduction(),
		ServiceName:   serviceName,
		Version:       version,
		Logger:        logger,
	})

	// no WriteTimeout: change streams stay open
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting API", zap.String("port", cfg.Port), zap.String("payment_policy", string(policy)))
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	// closing the hub ends open change streams so Shutdown can drain
	hub.Close()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}

// newDispatcher sends reminders through the gateway topic when a broker is
// configured and logs them otherwise
func newDispatcher(workers int, svc *patient.Service, producer *redpanda.Producer, breakers *circuitbreaker.Manager, logger *zap.Logger) (*reminders.Dispatcher, error) {
	var sender reminders.Sender = reminders.NewLogSender(logger)
	if producer != nil {
		sender = reminders.NewKafkaSender(producer, redpanda.TopicReminderDispatch)
	}
	senders := map[reminders.Channel]reminders.Sender{
		reminders.ChannelEmail: sender,
		reminders.ChannelSMS:   sender,
	}
	rcfg := reminders.DefaultConfig()
	rcfg.Pool.Workers = workers
	return reminders.NewDispatcher(svc, senders, breakers, rcfg, logger)
}

// changeFeed consumes the change topic into the hub. The group is per
// instance so every instance sees every event.
func (a *app) changeFeed(pool *pgxpool.Pool, hub *notify.Hub) (*redpanda.Consumer, *idempotency.Inbox, error) {
	inbox := idempotency.NewInbox(pool, idempotency.DefaultConfig(), a.logger)
	bridge := notify.NewBridge(hub, inbox, a.cfg.InstanceID, a.logger)

	ccfg := redpanda.DefaultConsumerConfig("rxcare-notify-"+a.cfg.InstanceID, redpanda.TopicPatientChanges)
	ccfg.Brokers = a.cfg.KafkaBrokers
	consumer, err := redpanda.NewConsumer(ccfg, bridge.Handle, a.logger)
	if err != nil {
		return nil, nil, err
	}
	return consumer, inbox, nil
}
