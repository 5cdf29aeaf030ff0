package patient

import (
	"context"

	"github.com/rxcare/rxcare/internal/domain/delivery"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Query          string
	Status         delivery.Status
	PaymentStatus  delivery.PaymentStatus
	ReminderStatus delivery.ReminderStatus
	Email          string
	Limit          int
	Offset         int
}

// Stats are aggregate counts computed by the store
type Stats struct {
	Total             int64                            `json:"total"`
	ByStatus          map[delivery.Status]int64        `json:"by_status"`
	ByPaymentStatus   map[delivery.PaymentStatus]int64 `json:"by_payment_status"`
	OutstandingAmount float64                          `json:"outstanding_amount"`
}

// Store is the persistence service for patient records.
//
// Writes take the event describing the change; implementations bind it to
// the written row and may persist it atomically with the write (outbox).
// Update methods with expectedVersion > 0 fail with ErrConflict when the
// stored version differs; expectedVersion 0 means last write wins.
type Store interface {
	List(ctx context.Context, f Filter) ([]*Record, error)
	Get(ctx context.Context, id string) (*Record, error)
	Insert(ctx context.Context, rec *Record, ev *Event) error
	Delete(ctx context.Context, id string, ev *Event) error
	UpdateStatus(ctx context.Context, id string, to delivery.Status, expectedVersion int64, ev *Event) (*Record, error)
	UpdatePaymentStatus(ctx context.Context, id string, to delivery.PaymentStatus, expectedVersion int64, ev *Event) (*Record, error)
	UpdateReminderStatus(ctx context.Context, id string, to delivery.ReminderStatus, expectedVersion int64, ev *Event) (*Record, error)
	Stats(ctx context.Context) (*Stats, error)
}
