// Package idempotency provides an inbox table that lets consumers process
// each message once even when the broker redelivers it.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing state of an inbox row
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicate means the key was already processed
	ErrDuplicate = errors.New("message already processed")
	// ErrInProgress means another handler holds the key
	ErrInProgress = errors.New("message in progress")
	// ErrPermanent marks handler errors that must not be retried
	ErrPermanent = errors.New("permanent failure")
)

// Permanent wraps err so the inbox records it as failed for good
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Config tunes retention and stale-entry recovery
type Config struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	// RecoveryTimeout is how long a STARTED row may sit before it is retried
	RecoveryTimeout time.Duration
}

// DefaultConfig returns the defaults
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Result describes one Process call
type Result struct {
	Duplicate bool
	Recovered bool
	Output    json.RawMessage
}

// Func is the guarded handler
type Func func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Inbox is backed by the inbox table
type Inbox struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox
func NewInbox(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Key derives a stable key from its parts
func Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

type entry struct {
	status    Status
	result    json.RawMessage
	updatedAt time.Time
}

// Process runs fn at most once per key. A duplicate returns the stored
// output with Duplicate set and a nil error.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn Func) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	var prev *entry
	e := &entry{}
	err := i.pool.QueryRow(ctx, `SELECT status, result, updated_at FROM inbox WHERE idempotency_key = $1`, key).
		Scan(&e.status, &e.result, &e.updatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("read inbox: %w", err)
	default:
		prev = e
	}

	if prev != nil {
		switch prev.status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &Result{Duplicate: true, Output: prev.result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: key %s failed permanently", ErrDuplicate, key)
		case StatusStarted:
			if time.Since(prev.updatedAt) < i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			if err := i.mark(ctx, key, StatusRecoverable, nil); err != nil {
				return nil, err
			}
		}
	}

	if err := i.claim(ctx, key, handler, payload); err != nil {
		return nil, err
	}

	out, herr := fn(ctx, payload)
	if herr != nil {
		status := StatusRecoverable
		if errors.Is(herr, ErrPermanent) {
			status = StatusFailed
		}
		msg, _ := json.Marshal(map[string]string{"error": herr.Error()})
		if err := i.mark(ctx, key, status, msg); err != nil {
			i.logger.Error("record handler failure", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(herr)
		return nil, herr
	}

	if err := i.mark(ctx, key, StatusFinished, out); err != nil {
		// the handler already ran; a redelivery will find STARTED and wait it out
		i.logger.Error("record handler success", zap.String("key", key), zap.Error(err))
	}
	return &Result{Recovered: prev != nil, Output: out}, nil
}

// claim inserts a STARTED row, or takes over a RECOVERABLE one
func (i *Inbox) claim(ctx context.Context, key, handler string, payload json.RawMessage) error {
	var got string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = EXCLUDED.status, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key`,
		key, handler, StatusStarted, payload, time.Now().Add(i.config.TTL)).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInProgress
	}
	if err != nil {
		return fmt.Errorf("claim inbox key: %w", err)
	}
	return nil
}

func (i *Inbox) mark(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3`, status, result, key)
	if err != nil {
		return fmt.Errorf("mark inbox %s: %w", status, err)
	}
	return nil
}

// StartCleanup deletes expired rows on an interval
func (i *Inbox) StartCleanup() {
	go func() {
		defer close(i.done)
		ticker := time.NewTicker(i.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-i.ctx.Done():
				return
			case <-ticker.C:
				if n, err := i.Cleanup(i.ctx); err != nil {
					i.logger.Error("inbox cleanup failed", zap.Error(err))
				} else if n > 0 {
					i.logger.Debug("inbox cleaned", zap.Int64("deleted", n))
				}
			}
		}
	}()
}

// Stop ends the cleanup loop started by StartCleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

// Cleanup deletes expired rows
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup inbox: %w", err)
	}
	return tag.RowsAffected(), nil
}
