// Package reminders sends refill reminders for records that are due and
// records each successful send as a reminder transition.
package reminders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rxcare/rxcare/internal/domain/patient"
)

// Channel is how a patient is reached
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Notice is one reminder to deliver
type Notice struct {
	ID            string    `json:"id"`
	RecordID      string    `json:"record_id"`
	Channel       Channel   `json:"channel"`
	To            string    `json:"to"`
	Name          string    `json:"name"`
	Medication    string    `json:"medication"`
	RefillDate    string    `json:"refill_date"`
	DaysRemaining int       `json:"days_remaining"`
	Message       string    `json:"message"`
	CreatedAt     time.Time `json:"created_at"`
}

// NoticeFor builds the reminder for v, preferring email over phone
func NoticeFor(v *patient.View, now time.Time) (*Notice, error) {
	if v.Urgency == nil {
		return nil, fmt.Errorf("record %s has no refill date: %s", v.ID, v.UrgencyError)
	}
	n := &Notice{
		ID:            fmt.Sprintf("%s-%d", v.ID, v.Version),
		RecordID:      v.ID,
		Name:          v.Name,
		Medication:    v.Medication,
		RefillDate:    v.NextRefillDate.Format(time.DateOnly),
		DaysRemaining: v.Urgency.DaysRemaining,
		CreatedAt:     now,
	}
	switch {
	case v.Email != "":
		n.Channel, n.To = ChannelEmail, v.Email
	case v.Phone != "":
		n.Channel, n.To = ChannelSMS, v.Phone
	default:
		return nil, fmt.Errorf("record %s has no email or phone", v.ID)
	}
	n.Message = message(n)
	return n, nil
}

func message(n *Notice) string {
	switch {
	case n.DaysRemaining < 0:
		return fmt.Sprintf("Hi %s, your %s refill was due on %s. Please contact the pharmacy.", n.Name, n.Medication, n.RefillDate)
	case n.DaysRemaining == 0:
		return fmt.Sprintf("Hi %s, your %s refill is due today.", n.Name, n.Medication)
	case n.DaysRemaining == 1:
		return fmt.Sprintf("Hi %s, your %s refill is due tomorrow.", n.Name, n.Medication)
	}
	return fmt.Sprintf("Hi %s, your %s refill is due in %d days (%s).", n.Name, n.Medication, n.DaysRemaining, n.RefillDate)
}

// Sender delivers a notice on one channel
type Sender interface {
	Send(ctx context.Context, n *Notice) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, n *Notice) error

// Send calls f
func (f SenderFunc) Send(ctx context.Context, n *Notice) error { return f(ctx, n) }

// LogSender writes notices to the log. It stands in for a real gateway in
// development.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a LogSender
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send logs n
func (s *LogSender) Send(_ context.Context, n *Notice) error {
	s.logger.Info("reminder sent",
		zap.String("record_id", n.RecordID),
		zap.String("channel", string(n.Channel)),
		zap.String("to", n.To),
		zap.Int("days_remaining", n.DaysRemaining))
	return nil
}

// Producer is the subset of redpanda.Producer used to hand notices to a
// gateway worker
type Producer interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// KafkaSender publishes notices to a topic keyed by record id
type KafkaSender struct {
	producer Producer
	topic    string
}

// NewKafkaSender creates a KafkaSender
func NewKafkaSender(producer Producer, topic string) *KafkaSender {
	return &KafkaSender{producer: producer, topic: topic}
}

// Send produces n and waits for the broker ack
func (s *KafkaSender) Send(ctx context.Context, n *Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	return s.producer.ProduceMessage(ctx, s.topic, n.RecordID, data)
}
