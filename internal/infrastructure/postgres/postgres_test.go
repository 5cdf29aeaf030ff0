package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxcare/rxcare/internal/auth"
	"github.com/rxcare/rxcare/internal/domain/delivery"
	"github.com/rxcare/rxcare/internal/domain/patient"
	"github.com/rxcare/rxcare/pkg/idempotency"
)

const testTopic = "patient.changes"

// testPool connects to TEST_DATABASE_URL, applies migrations and empties the
// tables. Tests skip without it.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, PoolConfig{URL: url, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = Migrate(ctx, pool, nil)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE patients, accounts, revoked_sessions, outbox, inbox`)
	require.NoError(t, err)
	return pool
}

func newRecord(id string) *patient.Record {
	return &patient.Record{
		ID:             id,
		Name:           "Maria Lopez",
		Phone:          "555-0142",
		Email:          "Maria@Example.com",
		Address:        "88 Birch Rd",
		Medication:     "Lisinopril",
		Dosage:         "10mg",
		NextRefillDate: time.Date(2025, time.April, 9, 0, 0, 0, 0, time.UTC),
		Status:         delivery.StatusScheduled,
		PaymentStatus:  delivery.PaymentPending,
		ReminderStatus: delivery.ReminderPending,
		Amount:         32.5,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := LoadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 3)
	for i, m := range migrations {
		assert.Equal(t, i+1, m.Version)
		assert.NotEmpty(t, m.SQL)
	}
	assert.Equal(t, "001_patients.sql", migrations[0].Name)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\% off\_now\\`, escapeLike(`50% off_now\`))
}

func TestEntryFor(t *testing.T) {
	ev := patient.NewEvent(patient.EventPaymentStatusChanged, "p9", "pending", "paid")
	e, err := EntryFor(ev, testTopic)
	require.NoError(t, err)
	assert.Equal(t, "p9", e.Key)
	assert.Equal(t, "patient", e.AggregateType)
	assert.Equal(t, "PaymentStatusChanged", e.EventType)

	var back patient.Event
	require.NoError(t, json.Unmarshal(e.Payload, &back))
	assert.Equal(t, ev.ID, back.ID)
}

func TestPatientStoreLifecycle(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewPatientStore(pool, testTopic, nil)

	rec := newRecord("p1")
	require.NoError(t, store.Insert(ctx, rec, patient.NewEvent(patient.EventRecordCreated, "p1", "", "")))
	assert.Equal(t, int64(1), rec.Version)

	err := store.Insert(ctx, newRecord("p1"), patient.NewEvent(patient.EventRecordCreated, "p1", "", ""))
	assert.ErrorIs(t, err, patient.ErrConflict)

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Lisinopril", got.Medication)
	assert.Equal(t, 32.5, got.Amount)
	assert.Equal(t, rec.NextRefillDate.Format(time.DateOnly), got.NextRefillDate.Format(time.DateOnly))

	updated, err := store.UpdateStatus(ctx, "p1", delivery.StatusInTransit, 1,
		patient.NewEvent(patient.EventDeliveryStatusChanged, "p1", "scheduled", "in-transit"))
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusInTransit, updated.Status)
	assert.Equal(t, int64(2), updated.Version)

	_, err = store.UpdatePaymentStatus(ctx, "p1", delivery.PaymentPaid, 1,
		patient.NewEvent(patient.EventPaymentStatusChanged, "p1", "pending", "paid"))
	assert.ErrorIs(t, err, patient.ErrConflict)

	_, err = store.UpdateReminderStatus(ctx, "p1", delivery.ReminderSent, 0,
		patient.NewEvent(patient.EventReminderStatusChanged, "p1", "pending", "sent"))
	require.NoError(t, err)

	_, err = store.UpdateStatus(ctx, "missing", delivery.StatusFailed, 0,
		patient.NewEvent(patient.EventDeliveryStatusChanged, "missing", "", ""))
	assert.ErrorIs(t, err, patient.ErrNotFound)

	var pending int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL`).Scan(&pending))
	assert.Equal(t, 3, pending, "insert plus two successful updates")

	require.NoError(t, store.Delete(ctx, "p1", patient.NewEvent(patient.EventRecordDeleted, "p1", "", "")))
	_, err = store.Get(ctx, "p1")
	assert.ErrorIs(t, err, patient.ErrNotFound)
}

func TestPatientStoreListAndStats(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewPatientStore(pool, "", nil)

	a := newRecord("a")
	b := newRecord("b")
	b.Name, b.Email, b.Medication = "Tom Reyes", "tom@example.com", "Metformin"
	b.NextRefillDate = a.NextRefillDate.AddDate(0, 0, -3)
	b.PaymentStatus = delivery.PaymentPaid
	for _, r := range []*patient.Record{a, b} {
		require.NoError(t, store.Insert(ctx, r, patient.NewEvent(patient.EventRecordCreated, r.ID, "", "")))
	}

	all, err := store.List(ctx, patient.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ID, "ordered by refill date")

	byEmail, err := store.List(ctx, patient.Filter{Email: "maria@example.com"})
	require.NoError(t, err)
	require.Len(t, byEmail, 1)
	assert.Equal(t, "a", byEmail[0].ID)

	byQuery, err := store.List(ctx, patient.Filter{Query: "METF"})
	require.NoError(t, err)
	require.Len(t, byQuery, 1)
	assert.Equal(t, "b", byQuery[0].ID)

	paged, err := store.List(ctx, patient.Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "a", paged[0].ID)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.ByPaymentStatus[delivery.PaymentPending])
	assert.InDelta(t, 32.5, stats.OutstandingAmount, 0.001)
}

func TestAccountStore(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewAccountStore(pool)

	a := &auth.Account{ID: "acc-1", Email: "nurse@example.com", Name: "Nurse", Role: auth.RoleStaff, PasswordHash: "x", CreatedAt: time.Now()}
	require.NoError(t, store.CreateAccount(ctx, a))
	assert.ErrorIs(t, store.CreateAccount(ctx, a), auth.ErrEmailTaken)

	got, err := store.AccountByEmail(ctx, auth.RoleStaff, "NURSE@example.com")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", got.ID)

	_, err = store.AccountByEmail(ctx, auth.RolePatient, "nurse@example.com")
	assert.ErrorIs(t, err, auth.ErrAccountNotFound)

	revoked, err := store.IsRevoked(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, revoked)
	require.NoError(t, store.Revoke(ctx, "sess-1", time.Now().Add(time.Hour)))
	revoked, err = store.IsRevoked(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

type capture struct {
	mu   sync.Mutex
	keys []string
	fail bool
}

func (c *capture) ProduceMessage(_ context.Context, _, key string, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broker unavailable")
	}
	c.keys = append(c.keys, key)
	return nil
}

func TestRelayPublishesInOrder(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewPatientStore(pool, testTopic, nil)

	require.NoError(t, store.Insert(ctx, newRecord("p1"), patient.NewEvent(patient.EventRecordCreated, "p1", "", "")))
	require.NoError(t, store.Insert(ctx, newRecord("p2"), patient.NewEvent(patient.EventRecordCreated, "p2", "", "")))

	pub := &capture{fail: true}
	relay := NewRelay(pool, pub, DefaultRelayConfig(), nil)

	n, err := relay.RelayBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	pub.fail = false
	n, err = relay.RelayBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"p1", "p2"}, pub.keys)

	stats, err := relay.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
}

func TestInboxRunsHandlerOnce(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	inbox := idempotency.NewInbox(pool, idempotency.DefaultConfig(), nil)

	calls := 0
	fn := func(context.Context, json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"ok":true}`), nil
	}
	key := idempotency.Key("api-1", "event-1")
	_, err := inbox.Process(ctx, key, "notify-bridge", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	res, err := inbox.Process(ctx, key, "notify-bridge", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 1, calls)
}
