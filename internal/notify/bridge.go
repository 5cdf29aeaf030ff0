package notify

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/rxcare/rxcare/internal/infrastructure/redpanda"
	"github.com/rxcare/rxcare/pkg/idempotency"
)

// Deduper runs a handler at most once per key
type Deduper interface {
	Process(ctx context.Context, key, handler string, payload json.RawMessage, fn idempotency.Func) (*idempotency.Result, error)
}

// Bridge feeds change events consumed from Kafka into a Hub. Each instance
// uses its own consumer group, so dedupe keys include the instance id.
type Bridge struct {
	hub      *Hub
	dedupe   Deduper
	instance string
	logger   *zap.Logger
}

// NewBridge creates a bridge; dedupe may be nil
func NewBridge(hub *Hub, dedupe Deduper, instance string, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{hub: hub, dedupe: dedupe, instance: instance, logger: logger}
}

// Handle is a redpanda.Handler
func (b *Bridge) Handle(ctx context.Context, msg *redpanda.Message) error {
	ev, err := Decode(msg.Value)
	if err != nil {
		// a malformed event will never decode; skip it
		b.logger.Warn("dropping undecodable change event",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	if b.dedupe == nil {
		b.hub.Publish(ev)
		return nil
	}

	key := idempotency.Key(b.instance, ev.ID)
	res, err := b.dedupe.Process(ctx, key, "notify-bridge", msg.Value, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		b.hub.Publish(ev)
		return nil, nil
	})
	if errors.Is(err, idempotency.ErrInProgress) {
		return nil
	}
	if err != nil {
		return err
	}
	if res.Duplicate {
		b.logger.Debug("duplicate change event", zap.String("event_id", ev.ID))
	}
	return nil
}
