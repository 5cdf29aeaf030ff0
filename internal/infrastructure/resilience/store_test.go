package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxcare/rxcare/internal/domain/delivery"
	"github.com/rxcare/rxcare/internal/domain/patient"
	"github.com/rxcare/rxcare/internal/domain/patient/patienttest"
	"github.com/rxcare/rxcare/pkg/circuitbreaker"
)

func guarded(t *testing.T, inner *patienttest.Store) (*Store, *circuitbreaker.CircuitBreaker) {
	t.Helper()
	cfg := StoreConfig()
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Minute
	cb, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)
	return NewStore(inner, cb), cb
}

func TestOpenBreakerIsPersistenceFailure(t *testing.T) {
	inner := patienttest.NewStore(&patient.Record{ID: "p1", Name: "A", Status: delivery.StatusScheduled})
	s, cb := guarded(t, inner)
	ctx := context.Background()

	inner.Err = errors.New("connection refused")
	for i := 0; i < 3; i++ {
		_, err := s.Get(ctx, "p1")
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, cb.State())

	inner.Err = nil
	_, err := s.UpdateStatus(ctx, "p1", delivery.StatusInTransit, 0, patient.NewEvent(patient.EventDeliveryStatusChanged, "p1", "scheduled", "in-transit"))
	require.Error(t, err)
	assert.ErrorIs(t, err, patient.ErrPersistence)
	var pe *patient.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "update delivery", pe.Op)
	assert.Zero(t, inner.Writes)
}

func TestDomainErrorsDoNotTrip(t *testing.T) {
	inner := patienttest.NewStore()
	s, cb := guarded(t, inner)

	for i := 0; i < 10; i++ {
		_, err := s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, patient.ErrNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, cb.State())
}

func TestPassesThrough(t *testing.T) {
	inner := patienttest.NewStore()
	s, _ := guarded(t, inner)
	ctx := context.Background()

	rec := &patient.Record{ID: "p2", Name: "B", Medication: "M", Status: delivery.StatusScheduled, PaymentStatus: delivery.PaymentPending}
	require.NoError(t, s.Insert(ctx, rec, patient.NewEvent(patient.EventRecordCreated, "p2", "", "")))

	list, err := s.List(ctx, patient.Filter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Total)

	require.NoError(t, s.Delete(ctx, "p2", patient.NewEvent(patient.EventRecordDeleted, "p2", "", "")))
	_, err = s.Get(ctx, "p2")
	assert.ErrorIs(t, err, patient.ErrNotFound)
}
