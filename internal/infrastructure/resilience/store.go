// Package resilience wraps the patient store in a circuit breaker so a
// failing database fails fast instead of stacking up timeouts.
package resilience

import (
	"context"
	"errors"

	"github.com/rxcare/rxcare/internal/domain/delivery"
	"github.com/rxcare/rxcare/internal/domain/patient"
	"github.com/rxcare/rxcare/pkg/circuitbreaker"
)

// BreakerName is the registry name of the store breaker
const BreakerName = "patient-store"

// StoreConfig returns breaker settings for the store. Missing rows and
// version conflicts are answers, not outages.
func StoreConfig() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(BreakerName)
	cfg.IsSuccessful = func(err error) bool {
		return err == nil ||
			errors.Is(err, patient.ErrNotFound) ||
			errors.Is(err, patient.ErrConflict) ||
			errors.Is(err, context.Canceled)
	}
	return cfg
}

// Store is a patient.Store guarded by a breaker. Calls refused while the
// breaker is open surface as persistence failures.
type Store struct {
	next patient.Store
	cb   *circuitbreaker.CircuitBreaker
}

// NewStore wraps next
func NewStore(next patient.Store, cb *circuitbreaker.CircuitBreaker) *Store {
	return &Store{next: next, cb: cb}
}

func guard[T any](ctx context.Context, s *Store, op string, fn func() (T, error)) (T, error) {
	v, err := circuitbreaker.Do(ctx, s.cb, fn)
	if err != nil && circuitbreaker.IsOpen(err) {
		return v, &patient.PersistenceError{Op: op, Err: err}
	}
	return v, err
}

func (s *Store) List(ctx context.Context, f patient.Filter) ([]*patient.Record, error) {
	return guard(ctx, s, "list", func() ([]*patient.Record, error) { return s.next.List(ctx, f) })
}

func (s *Store) Get(ctx context.Context, id string) (*patient.Record, error) {
	return guard(ctx, s, "get", func() (*patient.Record, error) { return s.next.Get(ctx, id) })
}

func (s *Store) Insert(ctx context.Context, rec *patient.Record, ev *patient.Event) error {
	_, err := guard(ctx, s, "insert", func() (struct{}, error) { return struct{}{}, s.next.Insert(ctx, rec, ev) })
	return err
}

func (s *Store) Delete(ctx context.Context, id string, ev *patient.Event) error {
	_, err := guard(ctx, s, "delete", func() (struct{}, error) { return struct{}{}, s.next.Delete(ctx, id, ev) })
	return err
}

func (s *Store) UpdateStatus(ctx context.Context, id string, to delivery.Status, v int64, ev *patient.Event) (*patient.Record, error) {
	return guard(ctx, s, "update delivery", func() (*patient.Record, error) { return s.next.UpdateStatus(ctx, id, to, v, ev) })
}

func (s *Store) UpdatePaymentStatus(ctx context.Context, id string, to delivery.PaymentStatus, v int64, ev *patient.Event) (*patient.Record, error) {
	return guard(ctx, s, "update payment", func() (*patient.Record, error) { return s.next.UpdatePaymentStatus(ctx, id, to, v, ev) })
}

func (s *Store) UpdateReminderStatus(ctx context.Context, id string, to delivery.ReminderStatus, v int64, ev *patient.Event) (*patient.Record, error) {
	return guard(ctx, s, "update reminder", func() (*patient.Record, error) { return s.next.UpdateReminderStatus(ctx, id, to, v, ev) })
}

func (s *Store) Stats(ctx context.Context) (*patient.Stats, error) {
	return guard(ctx, s, "stats", func() (*patient.Stats, error) { return s.next.Stats(ctx) })
}

var _ patient.Store = (*Store)(nil)
