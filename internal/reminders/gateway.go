package reminders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/rxcare/rxcare/internal/infrastructure/redpanda"
	"github.com/rxcare/rxcare/pkg/circuitbreaker"
	"github.com/rxcare/rxcare/pkg/idempotency"
)

// Deduper runs a handler at most once per key
type Deduper interface {
	Process(ctx context.Context, key, handler string, payload json.RawMessage, fn idempotency.Func) (*idempotency.Result, error)
}

// Gateway consumes notices published by KafkaSender and hands them to the
// channel providers. Redelivered notices are sent once.
type Gateway struct {
	senders  map[Channel]Sender
	breakers *circuitbreaker.Manager
	breaker  circuitbreaker.Config
	dedupe   Deduper
	observer Observer
	logger   *zap.Logger
}

// NewGateway creates a gateway; dedupe may be nil
func NewGateway(senders map[Channel]Sender, breakers *circuitbreaker.Manager, dedupe Deduper, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		senders:  senders,
		breakers: breakers,
		breaker:  DefaultConfig().Breaker,
		dedupe:   dedupe,
		observer: nopObserver{},
		logger:   logger,
	}
}

// WithObserver sets the metrics sink
func (g *Gateway) WithObserver(o Observer) *Gateway {
	if o != nil {
		g.observer = o
	}
	return g
}

// Handle is a redpanda.Handler. Errors leave the message for redelivery;
// notices that can never be sent are logged and skipped.
func (g *Gateway) Handle(ctx context.Context, msg *redpanda.Message) error {
	var n Notice
	if err := json.Unmarshal(msg.Value, &n); err != nil || n.ID == "" {
		g.logger.Warn("dropping malformed reminder notice",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	send := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, g.deliver(ctx, &n)
	}
	var err error
	if g.dedupe == nil {
		_, err = send(ctx, nil)
	} else {
		_, err = g.dedupe.Process(ctx, idempotency.Key("reminder", n.ID), "reminder-gateway", msg.Value, send)
	}

	switch {
	case err == nil, errors.Is(err, idempotency.ErrInProgress):
		return nil
	case errors.Is(err, idempotency.ErrPermanent), errors.Is(err, idempotency.ErrDuplicate):
		g.logger.Error("reminder notice not deliverable",
			zap.String("notice_id", n.ID),
			zap.String("record_id", n.RecordID),
			zap.Error(err))
		return nil
	}
	return err
}

func (g *Gateway) deliver(ctx context.Context, n *Notice) error {
	sender, ok := g.senders[n.Channel]
	if !ok {
		return idempotency.Permanent(fmt.Errorf("no sender for channel %q", n.Channel))
	}
	cfg := g.breaker
	cfg.Name = "gateway-" + string(n.Channel)
	cb, err := g.breakers.GetOrCreate(cfg.Name, cfg)
	if err != nil {
		return err
	}
	if _, err := cb.Execute(ctx, func() (any, error) { return nil, sender.Send(ctx, n) }); err != nil {
		return fmt.Errorf("send %s reminder for %s: %w", n.Channel, n.RecordID, err)
	}
	g.observer.ReminderSent(string(n.Channel))
	g.logger.Info("reminder delivered",
		zap.String("notice_id", n.ID),
		zap.String("record_id", n.RecordID),
		zap.String("channel", string(n.Channel)))
	return nil
}
