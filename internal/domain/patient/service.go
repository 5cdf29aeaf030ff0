package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rxcare/rxcare/internal/domain/delivery"
	"github.com/rxcare/rxcare/internal/domain/refill"
)

// Instrumentation receives counters from the service
type Instrumentation interface {
	TransitionApplied(kind, from, to string)
	TransitionRejected(kind, reason string)
	UrgencyClassified(tier string)
}

type nopInstrumentation struct{}

func (nopInstrumentation) TransitionApplied(string, string, string) {}
func (nopInstrumentation) TransitionRejected(string, string)        {}
func (nopInstrumentation) UrgencyClassified(string)                 {}

// Config holds service settings
type Config struct {
	// Timeout bounds every store call
	Timeout time.Duration
	// ReminderWindowDays selects reminders due for sending
	ReminderWindowDays int
	// Now is the clock; time.Now when nil
	Now func() time.Time
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Timeout:            5 * time.Second,
		ReminderWindowDays: refill.SoonWithinDays,
	}
}

// Service applies validated changes to patient records
type Service struct {
	store      Store
	machine    *delivery.Machine
	classifier *refill.Classifier
	publisher  Publisher
	config     Config
	logger     *zap.Logger
	tracer     trace.Tracer
	metrics    Instrumentation
}

// NewService creates a new service
func NewService(store Store, machine *delivery.Machine, classifier *refill.Classifier, publisher Publisher, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if machine == nil {
		machine = delivery.NewMachine(delivery.PaymentToggleable)
	}
	if classifier == nil {
		classifier = refill.NewClassifier(time.UTC)
	}
	if publisher == nil {
		publisher = PublisherFunc(func(*Event) {})
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.ReminderWindowDays <= 0 {
		cfg.ReminderWindowDays = DefaultConfig().ReminderWindowDays
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:      store,
		machine:    machine,
		classifier: classifier,
		publisher:  publisher,
		config:     cfg,
		logger:     logger,
		tracer:     otel.Tracer("patient-service"),
		metrics:    nopInstrumentation{},
	}
}

// WithInstrumentation sets the metrics sink
func (s *Service) WithInstrumentation(m Instrumentation) *Service {
	if m != nil {
		s.metrics = m
	}
	return s
}

// Machine returns the transition rules in use
func (s *Service) Machine() *delivery.Machine { return s.machine }

// Classifier returns the urgency classifier in use
func (s *Service) Classifier() *refill.Classifier { return s.classifier }

// Now returns the service clock
func (s *Service) Now() time.Time { return s.config.Now() }

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.Timeout)
}

// Classify derives urgency for rec at the service clock
func (s *Service) Classify(rec *Record) (refill.Urgency, error) {
	u, err := s.classifier.Classify(rec.NextRefillDate, s.config.Now())
	if err != nil {
		return u, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	s.metrics.UrgencyClassified(string(u.Tier))
	return u, nil
}

// Get loads a record
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, WrapPersistence("get", err)
	}
	return rec, nil
}

// Create validates and stores a new record
func (s *Service) Create(ctx context.Context, rec *Record, actor string) (*Record, error) {
	ctx, span := s.tracer.Start(ctx, "create_record")
	defer span.End()

	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := s.config.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	span.SetAttributes(attribute.String("record_id", rec.ID))

	ev := NewEvent(EventRecordCreated, rec.ID, "", "").WithActor(actor, "")

	wctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.store.Insert(wctx, rec, ev); err != nil {
		span.RecordError(err)
		return nil, WrapPersistence("insert", err)
	}

	s.logger.Info("patient record created",
		zap.String("id", rec.ID),
		zap.String("actor", actor))
	s.publisher.Publish(ev.Bind(rec))
	return rec, nil
}

// Delete removes a record
func (s *Service) Delete(ctx context.Context, id, actor string) error {
	ctx, span := s.tracer.Start(ctx, "delete_record", trace.WithAttributes(attribute.String("record_id", id)))
	defer span.End()

	ev := NewEvent(EventRecordDeleted, id, "", "").WithActor(actor, "")

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.store.Delete(ctx, id, ev); err != nil {
		span.RecordError(err)
		return WrapPersistence("delete", err)
	}

	s.logger.Info("patient record deleted", zap.String("id", id), zap.String("actor", actor))
	s.publisher.Publish(ev)
	return nil
}

// ApplyTransition moves rec's delivery status to target.
//
// The transition is validated against rec.Status before any I/O. On success
// rec is overwritten with the stored row and an event is published. Store
// failures are returned as-is and never retried.
func (s *Service) ApplyTransition(ctx context.Context, rec *Record, target delivery.Status, actor string) (*Record, error) {
	from := rec.Status
	if err := s.machine.Validate(from, target); err != nil {
		s.reject(delivery.KindDelivery, rec.ID, err)
		return nil, err
	}

	ev := NewEvent(EventDeliveryStatusChanged, rec.ID, string(from), string(target))
	ev.Action = string(s.machine.Action(from, target))

	return s.write(ctx, delivery.KindDelivery, rec, ev.WithActor(actor, ""), func(ctx context.Context) (*Record, error) {
		return s.store.UpdateStatus(ctx, rec.ID, target, rec.Version, ev)
	})
}

// ApplyPaymentTransition moves rec's payment status to target
func (s *Service) ApplyPaymentTransition(ctx context.Context, rec *Record, target delivery.PaymentStatus, actor string) (*Record, error) {
	from := rec.PaymentStatus
	if err := s.machine.ValidatePayment(from, target); err != nil {
		s.reject(delivery.KindPayment, rec.ID, err)
		return nil, err
	}

	ev := NewEvent(EventPaymentStatusChanged, rec.ID, string(from), string(target)).WithActor(actor, "")
	return s.write(ctx, delivery.KindPayment, rec, ev, func(ctx context.Context) (*Record, error) {
		return s.store.UpdatePaymentStatus(ctx, rec.ID, target, rec.Version, ev)
	})
}

// ApplyReminderTransition moves rec's reminder status to target
func (s *Service) ApplyReminderTransition(ctx context.Context, rec *Record, target delivery.ReminderStatus, actor string) (*Record, error) {
	from := rec.ReminderStatus
	if err := s.machine.ValidateReminder(from, target); err != nil {
		s.reject(delivery.KindReminder, rec.ID, err)
		return nil, err
	}

	ev := NewEvent(EventReminderStatusChanged, rec.ID, string(from), string(target)).WithActor(actor, "")
	return s.write(ctx, delivery.KindReminder, rec, ev, func(ctx context.Context) (*Record, error) {
		return s.store.UpdateReminderStatus(ctx, rec.ID, target, rec.Version, ev)
	})
}

func (s *Service) write(ctx context.Context, kind delivery.Kind, rec *Record, ev *Event, fn func(context.Context) (*Record, error)) (*Record, error) {
	ctx, span := s.tracer.Start(ctx, "apply_transition",
		trace.WithAttributes(
			attribute.String("record_id", rec.ID),
			attribute.String("kind", string(kind)),
			attribute.String("from", ev.From),
			attribute.String("to", ev.To),
		))
	defer span.End()

	wctx, cancel := s.withTimeout(ctx)
	defer cancel()

	updated, err := fn(wctx)
	if err != nil {
		err = WrapPersistence("update "+string(kind), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.TransitionRejected(string(kind), reason(err))
		s.logger.Warn("transition write failed",
			zap.String("id", rec.ID),
			zap.String("kind", string(kind)),
			zap.String("from", ev.From),
			zap.String("to", ev.To),
			zap.Error(err))
		return nil, err
	}

	*rec = *updated
	s.metrics.TransitionApplied(string(kind), ev.From, ev.To)
	s.logger.Info("transition applied",
		zap.String("id", rec.ID),
		zap.String("kind", string(kind)),
		zap.String("from", ev.From),
		zap.String("to", ev.To),
		zap.Int64("version", rec.Version),
		zap.String("actor", ev.Actor))

	s.publisher.Publish(ev.Bind(rec))
	return rec, nil
}

func (s *Service) reject(kind delivery.Kind, id string, err error) {
	s.metrics.TransitionRejected(string(kind), reason(err))
	s.logger.Debug("transition rejected", zap.String("id", id), zap.Error(err))
}

func reason(err error) string {
	switch {
	case errors.Is(err, delivery.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "persistence"
	}
}

// TransitionByID loads a record and applies a delivery transition
func (s *Service) TransitionByID(ctx context.Context, id string, target delivery.Status, expectedVersion int64, actor string) (*Record, error) {
	rec, err := s.load(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	return s.ApplyTransition(ctx, rec, target, actor)
}

// PaymentByID loads a record and applies a payment transition
func (s *Service) PaymentByID(ctx context.Context, id string, target delivery.PaymentStatus, expectedVersion int64, actor string) (*Record, error) {
	rec, err := s.load(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	return s.ApplyPaymentTransition(ctx, rec, target, actor)
}

// ReminderByID loads a record and applies a reminder transition
func (s *Service) ReminderByID(ctx context.Context, id string, target delivery.ReminderStatus, expectedVersion int64, actor string) (*Record, error) {
	rec, err := s.load(ctx, id, expectedVersion)
	if err != nil {
		return nil, err
	}
	return s.ApplyReminderTransition(ctx, rec, target, actor)
}

// load fetches id; a non-zero expectedVersion must match what the caller saw
func (s *Service) load(ctx context.Context, id string, expectedVersion int64) (*Record, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if expectedVersion > 0 && rec.Version != expectedVersion {
		return nil, fmt.Errorf("%w: have version %d, caller saw %d", ErrConflict, rec.Version, expectedVersion)
	}
	return rec, nil
}
