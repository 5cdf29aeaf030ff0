// Package postgres stores patient records, accounts and the change outbox
// in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rxcare/rxcare/internal/domain/patient"
)

const relayLockID int64 = 0x72786361 // "rxca"

// OutboxEntry is a change event waiting to be relayed to Kafka
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventID       string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// EntryFor builds the outbox row for a bound event. The record id is the key
// so every change to one patient lands on one partition in order.
func EntryFor(ev *patient.Event, topic string) (*OutboxEntry, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return &OutboxEntry{
		AggregateID:   ev.RecordID,
		AggregateType: "patient",
		EventID:       ev.ID,
		EventType:     string(ev.EventType),
		Payload:       payload,
		Topic:         topic,
		Key:           ev.RecordID,
	}, nil
}

// WriteEntry inserts entry inside tx, alongside the row change it describes
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_id, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		entry.AggregateID, entry.AggregateType, entry.EventID, entry.EventType,
		entry.Payload, entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// RelayConfig tunes the relay loop
type RelayConfig struct {
	BatchSize       int
	PollInterval    time.Duration
	MaxRetries      int
	DeadLetterTopic string
	// Retention is how long processed rows are kept; zero keeps them forever
	Retention time.Duration
}

// DefaultRelayConfig returns the defaults used by the relay binary
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    200 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
		Retention:       72 * time.Hour,
	}
}

// RelayPublisher sends one message and waits for the ack
type RelayPublisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// RelayObserver receives relay progress
type RelayObserver interface {
	OutboxRelayed(n int)
	OutboxFailed()
	OutboxPending(n int64)
}

type nopObserver struct{}

func (nopObserver) OutboxRelayed(int)   {}
func (nopObserver) OutboxFailed()       {}
func (nopObserver) OutboxPending(int64) {}

// Relay polls the outbox and publishes unprocessed entries in order
type Relay struct {
	pool      *pgxpool.Pool
	config    RelayConfig
	publisher RelayPublisher
	observer  RelayObserver
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a relay
func NewRelay(pool *pgxpool.Pool, publisher RelayPublisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultRelayConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = def.DeadLetterTopic
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		observer:  nopObserver{},
		logger:    logger,
		tracer:    otel.Tracer("outbox-relay"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WithObserver sets the metrics sink
func (r *Relay) WithObserver(o RelayObserver) *Relay {
	if o != nil {
		r.observer = o
	}
	return r
}

// Start launches the polling loop
func (r *Relay) Start() {
	go r.loop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop waits for the in-flight batch and stops polling
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()
	housekeeping := time.NewTicker(time.Minute)
	defer housekeeping.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RelayBatch(r.ctx); err != nil {
				r.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-housekeeping.C:
			r.housekeep(r.ctx)
		}
	}
}

func (r *Relay) housekeep(ctx context.Context) {
	if n, err := r.DeadLetter(ctx); err != nil {
		r.logger.Error("dead letter sweep failed", zap.Error(err))
	} else if n > 0 {
		r.logger.Warn("outbox entries dead-lettered", zap.Int64("count", n))
	}
	if r.config.Retention > 0 {
		if n, err := r.Cleanup(ctx, r.config.Retention); err != nil {
			r.logger.Error("outbox cleanup failed", zap.Error(err))
		} else if n > 0 {
			r.logger.Debug("outbox cleaned", zap.Int64("deleted", n))
		}
	}
	if st, err := r.Stats(ctx); err == nil {
		r.observer.OutboxPending(st.Pending)
	}
}

// RelayBatch publishes one batch inside a transaction holding the row locks.
// Only one relay works at a time; the others skip while the advisory lock is
// held. Returns how many entries were published.
func (r *Relay) RelayBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_relay_batch")
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, relayLockID).Scan(&locked); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !locked {
		return 0, nil
	}

	entries, err := r.fetch(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	sent := 0
	for _, e := range entries {
		if err := r.publish(ctx, tx, e); err != nil {
			r.observer.OutboxFailed()
			r.logger.Error("relay entry failed",
				zap.Int64("id", e.ID),
				zap.String("event_id", e.EventID),
				zap.String("event_type", e.EventType),
				zap.Error(err))
			// later entries for the same record must wait
			break
		}
		sent++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	if sent > 0 {
		r.observer.OutboxRelayed(sent)
	}
	return sent, nil
}

func (r *Relay) fetch(ctx context.Context, tx pgx.Tx) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_id, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, r.config.MaxRetries, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventID, &e.EventType,
			&e.Payload, &e.Topic, &e.Key, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Relay) publish(ctx context.Context, tx pgx.Tx, e *OutboxEntry) error {
	ctx, span := r.tracer.Start(ctx, "outbox_relay_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", e.ID),
			attribute.String("event_id", e.EventID),
			attribute.String("record_id", e.AggregateID),
		))
	defer span.End()

	if err := r.publisher.ProduceMessage(ctx, e.Topic, e.Key, e.Payload); err != nil {
		span.RecordError(err)
		if _, uerr := tx.Exec(ctx, `
			UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2`, err.Error(), e.ID); uerr != nil {
			r.logger.Error("record relay failure", zap.Error(uerr))
		}
		return fmt.Errorf("publish: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, e.ID); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	r.logger.Debug("outbox entry relayed", zap.Int64("id", e.ID), zap.String("topic", e.Topic))
	return nil
}

// DeadLetter moves entries that exhausted their retries to the dead letter
// topic and marks them processed
func (r *Relay) DeadLetter(ctx context.Context) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, event_id, event_type, payload, kafka_topic, kafka_key, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND retry_count >= $1
		FOR UPDATE SKIP LOCKED`, r.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query dead entries: %w", err)
	}
	var dead []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventID, &e.EventType, &e.Payload,
			&e.Topic, &e.Key, &e.RetryCount, &e.LastError); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan dead entry: %w", err)
		}
		dead = append(dead, e)
	}
	rows.Close()

	var moved int64
	for _, e := range dead {
		body, _ := json.Marshal(map[string]any{
			"original_topic": e.Topic,
			"event_id":       e.EventID,
			"event_type":     e.EventType,
			"record_id":      e.AggregateID,
			"payload":        e.Payload,
			"retry_count":    e.RetryCount,
			"last_error":     e.LastError,
		})
		if err := r.publisher.ProduceMessage(ctx, r.config.DeadLetterTopic, e.Key, body); err != nil {
			r.logger.Error("dead letter publish failed", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, e.ID); err != nil {
			return moved, fmt.Errorf("mark dead entry: %w", err)
		}
		moved++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return moved, nil
}

// Cleanup deletes processed entries older than olderThan
func (r *Relay) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL AND processed_at < $1`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats summarises the outbox
type OutboxStats struct {
	Pending       int64      `json:"pending"`
	Dead          int64      `json:"dead"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Stats counts pending and dead entries
func (r *Relay) Stats(ctx context.Context) (*OutboxStats, error) {
	st := &OutboxStats{}
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE retry_count < $1),
		       COUNT(*) FILTER (WHERE retry_count >= $1),
		       MIN(created_at)
		FROM outbox WHERE processed_at IS NULL`, r.config.MaxRetries).
		Scan(&st.Pending, &st.Dead, &st.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return st, nil
}
