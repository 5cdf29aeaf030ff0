package patient

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of change event
type EventType string

const (
	EventRecordCreated         EventType = "RecordCreated"
	EventRecordDeleted         EventType = "RecordDeleted"
	EventDeliveryStatusChanged EventType = "DeliveryStatusChanged"
	EventPaymentStatusChanged  EventType = "PaymentStatusChanged"
	EventReminderStatusChanged EventType = "ReminderStatusChanged"
)

// Event is emitted after every successful write. It doubles as the toast
// the presentation layer shows.
type Event struct {
	ID            string          `json:"id"`
	RecordID      string          `json:"record_id"`
	EventType     EventType       `json:"event_type"`
	From          string          `json:"from,omitempty"`
	To            string          `json:"to,omitempty"`
	Action        string          `json:"action,omitempty"`
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Actor         string          `json:"actor,omitempty"`
	Version       int64           `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Record        json.RawMessage `json:"record,omitempty"`
}

// NewEvent creates an event for a record; Bind fills in the stored state
func NewEvent(eventType EventType, recordID, from, to string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		RecordID:  recordID,
		EventType: eventType,
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
	}
}

// Bind attaches the record as written by the store
func (e *Event) Bind(rec *Record) *Event {
	e.RecordID = rec.ID
	e.Version = rec.Version
	e.Title, e.Description = describe(e.EventType, rec, e.From, e.To)
	if data, err := json.Marshal(rec); err == nil {
		e.Record = data
	}
	return e
}

// WithActor sets audit fields
func (e *Event) WithActor(actor, correlationID string) *Event {
	e.Actor = actor
	e.CorrelationID = correlationID
	return e
}

func describe(t EventType, rec *Record, from, to string) (string, string) {
	switch t {
	case EventRecordCreated:
		return "Patient Added", fmt.Sprintf("%s was added with %s.", rec.Name, rec.Medication)
	case EventRecordDeleted:
		return "Patient Removed", fmt.Sprintf("%s was removed.", rec.Name)
	case EventDeliveryStatusChanged:
		return "Delivery Status Updated", fmt.Sprintf("Delivery status changed from %s to %s.", from, to)
	case EventPaymentStatusChanged:
		return "Payment Status Updated", fmt.Sprintf("Payment status changed from %s to %s.", from, to)
	case EventReminderStatusChanged:
		return "Reminder Updated", fmt.Sprintf("Reminder status changed from %s to %s.", from, to)
	}
	return string(t), ""
}

// Publisher receives events after the write has been committed
type Publisher interface {
	Publish(e *Event)
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(e *Event)

// Publish calls f(e)
func (f PublisherFunc) Publish(e *Event) { f(e) }
