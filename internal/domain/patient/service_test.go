package patient_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxcare/rxcare/internal/domain/delivery"
	"github.com/rxcare/rxcare/internal/domain/patient"
	"github.com/rxcare/rxcare/internal/domain/patient/patienttest"
	"github.com/rxcare/rxcare/internal/domain/refill"
)

var today = time.Date(2025, time.April, 6, 10, 0, 0, 0, time.UTC)

type capture struct {
	mu     sync.Mutex
	events []*patient.Event
}

func (c *capture) Publish(e *patient.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capture) all() []*patient.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*patient.Event(nil), c.events...)
}

type counters struct {
	applied, rejected []string
}

func (c *counters) TransitionApplied(kind, from, to string) {
	c.applied = append(c.applied, kind+":"+from+"->"+to)
}
func (c *counters) TransitionRejected(kind, reason string) {
	c.rejected = append(c.rejected, kind+":"+reason)
}
func (c *counters) UrgencyClassified(string) {}

func rec(id string, daysOut int, status delivery.Status) *patient.Record {
	return &patient.Record{
		ID:             id,
		Name:           "Patient " + id,
		Phone:          "555-0100",
		Address:        "12 Elm St",
		Medication:     "Metformin",
		Dosage:         "500mg",
		NextRefillDate: time.Date(2025, time.April, 6+daysOut, 0, 0, 0, 0, time.UTC),
		Status:         status,
		PaymentStatus:  delivery.PaymentPending,
		ReminderStatus: delivery.ReminderPending,
		Amount:         25,
		Version:        1,
	}
}

func newService(t *testing.T, store patient.Store, policy delivery.PaymentPolicy) (*patient.Service, *capture, *counters) {
	t.Helper()
	pub := &capture{}
	m := &counters{}
	cfg := patient.DefaultConfig()
	cfg.Now = func() time.Time { return today }
	svc := patient.NewService(store, delivery.NewMachine(policy), refill.NewClassifier(time.UTC), pub, cfg, nil).
		WithInstrumentation(m)
	return svc, pub, m
}

func TestClassifyTwoDaysOutIsUrgent(t *testing.T) {
	svc, _, _ := newService(t, patienttest.NewStore(), "")

	u, err := svc.Classify(rec("p1", 2, delivery.StatusScheduled))
	require.NoError(t, err)
	assert.Equal(t, 2, u.DaysRemaining)
	assert.Equal(t, refill.TierUrgent, u.Tier)
}

func TestClassifyMissingDate(t *testing.T) {
	svc, _, _ := newService(t, patienttest.NewStore(), "")
	r := rec("p1", 2, delivery.StatusScheduled)
	r.NextRefillDate = time.Time{}

	_, err := svc.Classify(r)
	assert.ErrorIs(t, err, refill.ErrInvalidDate)
	assert.Contains(t, err.Error(), "p1")
}

func TestRejectedTransitionTouchesNothing(t *testing.T) {
	store := patienttest.NewStore(rec("p1", 10, delivery.StatusScheduled))
	svc, pub, m := newService(t, store, "")

	r, err := svc.Get(context.Background(), "p1")
	require.NoError(t, err)

	_, err = svc.ApplyTransition(context.Background(), r, delivery.StatusDelivered, "staff")
	require.Error(t, err)
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)

	var te *delivery.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "scheduled", te.From)
	assert.Equal(t, "delivered", te.To)

	assert.Equal(t, delivery.StatusScheduled, r.Status)
	assert.Zero(t, store.Writes)
	assert.Empty(t, pub.all())
	assert.Equal(t, []string{"delivery:invalid_transition"}, m.rejected)
}

func TestDeliveredIsFinal(t *testing.T) {
	store := patienttest.NewStore(rec("p1", 10, delivery.StatusInTransit))
	svc, pub, _ := newService(t, store, "")
	ctx := context.Background()

	r, err := svc.Get(ctx, "p1")
	require.NoError(t, err)

	updated, err := svc.ApplyTransition(ctx, r, delivery.StatusDelivered, "staff")
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusDelivered, updated.Status)
	assert.Equal(t, int64(2), updated.Version)

	stored, err := svc.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusDelivered, stored.Status)

	for _, target := range []delivery.Status{
		delivery.StatusScheduled, delivery.StatusInTransit, delivery.StatusDelivered, delivery.StatusFailed,
	} {
		_, err := svc.ApplyTransition(ctx, stored, target, "staff")
		assert.ErrorIs(t, err, delivery.ErrInvalidTransition, "target %s", target)
	}

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, patient.EventDeliveryStatusChanged, events[0].EventType)
	assert.Equal(t, "Delivery Status Updated", events[0].Title)
	assert.Equal(t, "Delivery status changed from in-transit to delivered.", events[0].Description)
	assert.Equal(t, string(delivery.ActionConfirm), events[0].Action)
	assert.Equal(t, int64(2), events[0].Version)
}

func TestPaymentToggles(t *testing.T) {
	store := patienttest.NewStore(rec("p1", 10, delivery.StatusScheduled))
	svc, _, m := newService(t, store, delivery.PaymentToggleable)
	ctx := context.Background()

	r, err := svc.Get(ctx, "p1")
	require.NoError(t, err)

	_, err = svc.ApplyPaymentTransition(ctx, r, delivery.PaymentPaid, "staff")
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentPaid, r.PaymentStatus)

	_, err = svc.ApplyPaymentTransition(ctx, r, delivery.PaymentPending, "staff")
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentPending, r.PaymentStatus)

	stored, err := svc.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, delivery.PaymentPending, stored.PaymentStatus)
	assert.Equal(t, delivery.StatusScheduled, stored.Status)
	assert.Equal(t, []string{"payment:pending->paid", "payment:paid->pending"}, m.applied)
}

func TestPaymentTerminalPolicy(t *testing.T) {
	store := patienttest.NewStore(rec("p1", 10, delivery.StatusScheduled))
	svc, _, _ := newService(t, store, delivery.PaymentTerminal)
	ctx := context.Background()

	r, err := svc.Get(ctx, "p1")
	require.NoError(t, err)
	_, err = svc.ApplyPaymentTransition(ctx, r, delivery.PaymentPaid, "staff")
	require.NoError(t, err)

	_, err = svc.ApplyPaymentTransition(ctx, r, delivery.PaymentPending, "staff")
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)
	assert.Equal(t, delivery.PaymentPaid, r.PaymentStatus)
}

func TestSameValueIsRejected(t *testing.T) {
	store := patienttest.NewStore(rec("p1", 10, delivery.StatusScheduled))
	svc, _, _ := newService(t, store, "")
	ctx := context.Background()
	r, err := svc.Get(ctx, "p1")
	require.NoError(t, err)

	_, err = svc.ApplyTransition(ctx, r, delivery.StatusScheduled, "staff")
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)
	_, err = svc.ApplyPaymentTransition(ctx, r, delivery.PaymentPending, "staff")
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)
	_, err = svc.ApplyReminderTransition(ctx, r, delivery.ReminderPending, "staff")
	assert.ErrorIs(t, err, delivery.ErrInvalidTransition)
	assert.Zero(t, store.Writes)
}

func TestReminderLifecycle(t *testing.T) {
	store := patienttest.NewStore(rec("p1", 2, delivery.StatusScheduled))
	svc, pub, _ := newService(t, store, "")
	ctx := context.Background()

	for _, target := range []delivery.ReminderStatus{
		delivery.ReminderSent, delivery.ReminderContacted, delivery.ReminderCompleted, delivery.ReminderPending,
	} {
		_, err := svc.ReminderByID(ctx, "p1", target, 0, "staff")
		require.NoError(t, err, "target %s", target)
	}

	stored, err := svc.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, delivery.ReminderPending, stored.ReminderStatus)
	assert.Equal(t, int64(5), stored.Version)
	assert.Len(t, pub.all(), 4)
}

func TestDeletedConcurrently(t *testing.T) {
	store := patienttest.NewStore(rec("p1", 10, delivery.StatusScheduled))
	svc, pub, m := newService(t, store, "")
	ctx := context.Background()

	r, err := svc.Get(ctx, "p1")
	require.NoError(t, err)
	store.Remove("p1")

	_, err = svc.ApplyTransition(ctx, r, delivery.StatusInTransit, "staff")
	assert.ErrorIs(t, err, patient.ErrNotFound)
	assert.Equal(t, delivery.StatusScheduled, r.Status)
	assert.Empty(t, pub.all())
	assert.Equal(t, []string{"delivery:not_found"}, m.rejected)
}

func TestConcurrentEditConflicts(t *testing.T) {
	store := patienttest.NewStore(rec("p1", 10, delivery.StatusScheduled))
	svc, pub, _ := newService(t, store, "")
	ctx := context.Background()

	r, err := svc.Get(ctx, "p1")
	require.NoError(t, err)
	store.Bump("p1")

	_, err = svc.ApplyTransition(ctx, r, delivery.StatusInTransit, "staff")
	assert.ErrorIs(t, err, patient.ErrConflict)
	assert.Equal(t, delivery.StatusScheduled, r.Status)
	assert.Empty(t, pub.all())
}

func TestExpectedVersionMismatch(t *testing.T) {
	store := patienttest.NewStore(rec("p1", 10, delivery.StatusScheduled))
	svc, _, _ := newService(t, store, "")

	_, err := svc.TransitionByID(context.Background(), "p1", delivery.StatusInTransit, 7, "staff")
	assert.ErrorIs(t, err, patient.ErrConflict)
	assert.Zero(t, store.Writes)
}

func TestPersistenceFailureIsNotRetried(t *testing.T) {
	store := patienttest.NewStore(rec("p1", 10, delivery.StatusScheduled))
	svc, pub, _ := newService(t, store, "")
	ctx := context.Background()

	r, err := svc.Get(ctx, "p1")
	require.NoError(t, err)

	calls := 0
	store.BeforeWrite = func(string) { calls++ }
	store.Err = errors.New("connection reset")

	_, err = svc.ApplyTransition(ctx, r, delivery.StatusInTransit, "staff")
	require.Error(t, err)
	assert.ErrorIs(t, err, patient.ErrPersistence)

	var pe *patient.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "update delivery", pe.Op)
	assert.False(t, pe.Timeout())

	assert.Equal(t, 1, calls)
	assert.Equal(t, delivery.StatusScheduled, r.Status)
	assert.Empty(t, pub.all())
}

func TestPersistenceTimeout(t *testing.T) {
	store := patienttest.NewStore(rec("p1", 10, delivery.StatusScheduled))
	pub := &capture{}
	cfg := patient.DefaultConfig()
	cfg.Timeout = 10 * time.Millisecond
	cfg.Now = func() time.Time { return today }
	svc := patient.NewService(store, nil, nil, pub, cfg, nil)

	r, err := svc.Get(context.Background(), "p1")
	require.NoError(t, err)
	store.BeforeWrite = func(string) { time.Sleep(30 * time.Millisecond) }

	_, err = svc.ApplyTransition(context.Background(), r, delivery.StatusInTransit, "staff")
	var pe *patient.PersistenceError
	require.True(t, errors.As(err, &pe))
	assert.True(t, pe.Timeout())
	assert.Equal(t, delivery.StatusScheduled, r.Status)
}

func TestCreateAndDelete(t *testing.T) {
	store := patienttest.NewStore()
	svc, pub, _ := newService(t, store, "")
	ctx := context.Background()

	created, err := svc.Create(ctx, &patient.Record{
		Name:           "  Ada Lovelace ",
		Email:          "ADA@example.com",
		Medication:     "Lisinopril",
		NextRefillDate: time.Date(2025, time.April, 20, 0, 0, 0, 0, time.UTC),
		Amount:         12.5,
	}, "staff")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Ada Lovelace", created.Name)
	assert.Equal(t, "ada@example.com", created.Email)
	assert.Equal(t, delivery.StatusScheduled, created.Status)
	assert.Equal(t, delivery.PaymentPending, created.PaymentStatus)
	assert.Equal(t, delivery.ReminderPending, created.ReminderStatus)

	require.NoError(t, svc.Delete(ctx, created.ID, "staff"))
	_, err = svc.Get(ctx, created.ID)
	assert.ErrorIs(t, err, patient.ErrNotFound)

	events := pub.all()
	require.Len(t, events, 2)
	assert.Equal(t, "Patient Added", events[0].Title)
	assert.Equal(t, "Patient Removed", events[1].Title)

	stored := store.Events()
	require.Len(t, stored, 2)
	assert.Equal(t, events[0].ID, stored[0].ID)
}

func TestCreateRejectsInvalid(t *testing.T) {
	svc, _, _ := newService(t, patienttest.NewStore(), "")

	_, err := svc.Create(context.Background(), &patient.Record{Name: "Bob", Medication: "X"}, "staff")
	assert.ErrorIs(t, err, refill.ErrInvalidDate)

	_, err = svc.Create(context.Background(), &patient.Record{
		Medication:     "X",
		NextRefillDate: today,
	}, "staff")
	assert.ErrorIs(t, err, patient.ErrValidation)
}

func TestListTabs(t *testing.T) {
	store := patienttest.NewStore(
		rec("a", 1, delivery.StatusScheduled),
		rec("b", 5, delivery.StatusScheduled),
		rec("c", 20, delivery.StatusScheduled),
		rec("d", -2, delivery.StatusInTransit),
	)
	svc, _, _ := newService(t, store, "")
	ctx := context.Background()

	ids := func(tab patient.Tab) []string {
		views, err := svc.List(ctx, patient.Query{Tab: tab})
		require.NoError(t, err)
		var out []string
		for _, v := range views {
			out = append(out, v.ID)
		}
		return out
	}

	assert.Equal(t, []string{"d", "a", "b", "c"}, ids(patient.TabAll))
	assert.Equal(t, []string{"d", "a"}, ids(patient.TabUrgent))
	assert.Equal(t, []string{"b"}, ids(patient.TabUpcoming))
	assert.Equal(t, []string{"c"}, ids(patient.TabLater))
}

func TestListPagesWithinTab(t *testing.T) {
	store := patienttest.NewStore(
		rec("a", 30, delivery.StatusScheduled),
		rec("b", 2, delivery.StatusScheduled),
		rec("c", 25, delivery.StatusScheduled),
		rec("d", 0, delivery.StatusScheduled),
		rec("e", 1, delivery.StatusScheduled),
	)
	svc, _, _ := newService(t, store, "")
	ctx := context.Background()

	ids := func(q patient.Query) []string {
		views, err := svc.List(ctx, q)
		require.NoError(t, err)
		var out []string
		for _, v := range views {
			out = append(out, v.ID)
		}
		return out
	}

	urgent := patient.Query{Tab: patient.TabUrgent}
	urgent.Limit = 2
	assert.Equal(t, []string{"d", "e"}, ids(urgent))

	urgent.Offset = 2
	assert.Equal(t, []string{"b"}, ids(urgent))

	urgent.Offset = 5
	assert.Empty(t, ids(urgent))

	all := patient.Query{}
	all.Limit = 2
	assert.Len(t, ids(all), 2)
}

func TestViewWithBadDate(t *testing.T) {
	svc, _, _ := newService(t, patienttest.NewStore(), "")
	r := rec("p1", 0, delivery.StatusDelivered)
	r.NextRefillDate = time.Time{}

	v := svc.View(r)
	assert.Nil(t, v.Urgency)
	assert.NotEmpty(t, v.UrgencyError)
	assert.True(t, v.Terminal)
	assert.Empty(t, v.AllowedTransitions)
}

func TestDueReminders(t *testing.T) {
	sent := rec("sent", 1, delivery.StatusScheduled)
	sent.ReminderStatus = delivery.ReminderSent
	store := patienttest.NewStore(
		rec("late", 9, delivery.StatusScheduled),
		rec("soon", 6, delivery.StatusScheduled),
		rec("now", 0, delivery.StatusScheduled),
		sent,
	)
	svc, _, _ := newService(t, store, "")

	due, err := svc.DueReminders(context.Background())
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "now", due[0].ID)
	assert.Equal(t, "soon", due[1].ID)
}

func TestDashboard(t *testing.T) {
	paid := rec("paid", 5, delivery.StatusDelivered)
	paid.PaymentStatus = delivery.PaymentPaid
	store := patienttest.NewStore(
		rec("a", 1, delivery.StatusScheduled),
		rec("b", 2, delivery.StatusInTransit),
		rec("c", 30, delivery.StatusFailed),
		paid,
	)
	svc, _, _ := newService(t, store, "")

	d, err := svc.Dashboard(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), d.TotalPatients)
	assert.Equal(t, int64(2), d.UrgentRefills)
	assert.Equal(t, int64(1), d.DueThisWeek)
	assert.Equal(t, int64(1), d.Scheduled)
	assert.Equal(t, int64(1), d.InTransit)
	assert.Equal(t, int64(1), d.Delivered)
	assert.Equal(t, int64(1), d.FailedDeliveries)
	assert.Equal(t, int64(3), d.PendingPayments)
	assert.InDelta(t, 75.0, d.OutstandingAmount, 0.001)
	require.Len(t, d.RecentReminders, 4)
	assert.Equal(t, "a", d.RecentReminders[0].ID)
}

func TestParseTab(t *testing.T) {
	tab, err := patient.ParseTab("")
	require.NoError(t, err)
	assert.Equal(t, patient.TabAll, tab)

	tab, err = patient.ParseTab(" Urgent ")
	require.NoError(t, err)
	assert.Equal(t, patient.TabUrgent, tab)

	_, err = patient.ParseTab("overdue")
	assert.ErrorIs(t, err, patient.ErrValidation)
}
