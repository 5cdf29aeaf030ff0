package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rxcare/rxcare/internal/domain/delivery"
	"github.com/rxcare/rxcare/internal/domain/patient"
)

const uniqueViolation = "23505"

const recordColumns = `id, name, phone, email, address, medication, dosage, next_refill_date,
	status, payment_status, reminder_status, amount, version, created_at, updated_at`

// PatientStore implements patient.Store. When ChangeTopic is set every write
// also inserts an outbox row in the same transaction.
type PatientStore struct {
	pool        *pgxpool.Pool
	changeTopic string
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewPatientStore creates a store; changeTopic "" disables the outbox
func NewPatientStore(pool *pgxpool.Pool, changeTopic string, logger *zap.Logger) *PatientStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatientStore{
		pool:        pool,
		changeTopic: changeTopic,
		logger:      logger,
		tracer:      otel.Tracer("patient-store"),
	}
}

func scanRecord(row pgx.Row) (*patient.Record, error) {
	r := &patient.Record{}
	err := row.Scan(&r.ID, &r.Name, &r.Phone, &r.Email, &r.Address, &r.Medication, &r.Dosage,
		&r.NextRefillDate, &r.Status, &r.PaymentStatus, &r.ReminderStatus, &r.Amount,
		&r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// List returns records matching f ordered by refill date
func (s *PatientStore) List(ctx context.Context, f patient.Filter) ([]*patient.Record, error) {
	ctx, span := s.tracer.Start(ctx, "patients_list")
	defer span.End()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if q := strings.TrimSpace(f.Query); q != "" {
		p := arg("%" + escapeLike(strings.ToLower(q)) + "%")
		where = append(where, fmt.Sprintf("(lower(name) LIKE %[1]s OR lower(medication) LIKE %[1]s OR lower(address) LIKE %[1]s)", p))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.PaymentStatus != "" {
		where = append(where, "payment_status = "+arg(string(f.PaymentStatus)))
	}
	if f.ReminderStatus != "" {
		where = append(where, "reminder_status = "+arg(string(f.ReminderStatus)))
	}
	if f.Email != "" {
		where = append(where, "lower(email) = "+arg(strings.ToLower(f.Email)))
	}

	query := "SELECT " + recordColumns + " FROM patients"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY next_refill_date, id"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + arg(f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var out []*patient.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	span.SetAttributes(attribute.Int("rows", len(out)))
	return out, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Get loads one record
func (s *PatientStore) Get(ctx context.Context, id string) (*patient.Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx, "SELECT "+recordColumns+" FROM patients WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, patient.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return r, nil
}

// Insert stores a new record at version 1
func (s *PatientStore) Insert(ctx context.Context, rec *patient.Record, ev *patient.Event) error {
	ctx, span := s.tracer.Start(ctx, "patients_insert", trace.WithAttributes(attribute.String("record_id", rec.ID)))
	defer span.End()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO patients (id, name, phone, email, address, medication, dosage, next_refill_date,
				status, payment_status, reminder_status, amount, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $13)
			RETURNING `+recordColumns,
			rec.ID, rec.Name, rec.Phone, rec.Email, rec.Address, rec.Medication, rec.Dosage,
			rec.NextRefillDate, rec.Status, rec.PaymentStatus, rec.ReminderStatus, rec.Amount, rec.CreatedAt)
		stored, err := scanRecord(row)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("%w: id %s already exists", patient.ErrConflict, rec.ID)
			}
			span.RecordError(err)
			return fmt.Errorf("insert patient: %w", err)
		}
		*rec = *stored
		return s.outbox(ctx, tx, ev.Bind(rec))
	})
}

// Delete removes a record
func (s *PatientStore) Delete(ctx context.Context, id string, ev *patient.Event) error {
	ctx, span := s.tracer.Start(ctx, "patients_delete", trace.WithAttributes(attribute.String("record_id", id)))
	defer span.End()

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		r, err := scanRecord(tx.QueryRow(ctx, "DELETE FROM patients WHERE id = $1 RETURNING "+recordColumns, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return patient.ErrNotFound
		}
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("delete patient: %w", err)
		}
		return s.outbox(ctx, tx, ev.Bind(r))
	})
}

func (s *PatientStore) UpdateStatus(ctx context.Context, id string, to delivery.Status, expectedVersion int64, ev *patient.Event) (*patient.Record, error) {
	return s.update(ctx, "status", id, string(to), expectedVersion, ev)
}

func (s *PatientStore) UpdatePaymentStatus(ctx context.Context, id string, to delivery.PaymentStatus, expectedVersion int64, ev *patient.Event) (*patient.Record, error) {
	return s.update(ctx, "payment_status", id, string(to), expectedVersion, ev)
}

func (s *PatientStore) UpdateReminderStatus(ctx context.Context, id string, to delivery.ReminderStatus, expectedVersion int64, ev *patient.Event) (*patient.Record, error) {
	return s.update(ctx, "reminder_status", id, string(to), expectedVersion, ev)
}

// update sets one status column. column is always a constant from the
// methods above.
func (s *PatientStore) update(ctx context.Context, column, id, value string, expectedVersion int64, ev *patient.Event) (*patient.Record, error) {
	ctx, span := s.tracer.Start(ctx, "patients_update",
		trace.WithAttributes(
			attribute.String("record_id", id),
			attribute.String("column", column),
			attribute.Int64("expected_version", expectedVersion),
		))
	defer span.End()

	var out *patient.Record
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		r, err := scanRecord(tx.QueryRow(ctx, `
			UPDATE patients
			SET `+column+` = $1, version = version + 1, updated_at = NOW()
			WHERE id = $2 AND ($3::bigint = 0 OR version = $3::bigint)
			RETURNING `+recordColumns, value, id, expectedVersion))
		if errors.Is(err, pgx.ErrNoRows) {
			return s.missing(ctx, tx, id)
		}
		if err != nil {
			return fmt.Errorf("update patient %s: %w", column, err)
		}
		out = r
		return s.outbox(ctx, tx, ev.Bind(r))
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// missing tells a deleted row from one whose version moved on
func (s *PatientStore) missing(ctx context.Context, tx pgx.Tx, id string) error {
	var version int64
	err := tx.QueryRow(ctx, "SELECT version FROM patients WHERE id = $1", id).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return patient.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check patient: %w", err)
	}
	return fmt.Errorf("%w: stored version is %d", patient.ErrConflict, version)
}

func (s *PatientStore) outbox(ctx context.Context, tx pgx.Tx, ev *patient.Event) error {
	if s.changeTopic == "" || ev == nil {
		return nil
	}
	entry, err := EntryFor(ev, s.changeTopic)
	if err != nil {
		return err
	}
	return WriteEntry(ctx, tx, entry)
}

// Stats aggregates counts in one query
func (s *PatientStore) Stats(ctx context.Context) (*patient.Stats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, payment_status, COUNT(*),
		       COALESCE(SUM(amount) FILTER (WHERE payment_status <> 'paid'), 0)
		FROM patients
		GROUP BY status, payment_status`)
	if err != nil {
		return nil, fmt.Errorf("patient stats: %w", err)
	}
	defer rows.Close()

	st := &patient.Stats{
		ByStatus:        make(map[delivery.Status]int64),
		ByPaymentStatus: make(map[delivery.PaymentStatus]int64),
	}
	for rows.Next() {
		var (
			status      delivery.Status
			payment     delivery.PaymentStatus
			n           int64
			outstanding float64
		)
		if err := rows.Scan(&status, &payment, &n, &outstanding); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		st.Total += n
		st.ByStatus[status] += n
		st.ByPaymentStatus[payment] += n
		st.OutstandingAmount += outstanding
	}
	return st, rows.Err()
}

var _ patient.Store = (*PatientStore)(nil)
