package reminders

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rxcare/rxcare/internal/domain/delivery"
	"github.com/rxcare/rxcare/internal/domain/patient"
	"github.com/rxcare/rxcare/pkg/circuitbreaker"
	"github.com/rxcare/rxcare/pkg/workerpool"
)

// Observer is notified of every reminder sent
type Observer interface {
	ReminderSent(channel string)
}

type nopObserver struct{}

func (nopObserver) ReminderSent(string) {}

// Config holds dispatcher settings
type Config struct {
	Pool workerpool.Config
	// Breaker is the template for each channel's breaker
	Breaker circuitbreaker.Config
}

// DefaultConfig returns the defaults
func DefaultConfig() Config {
	b := circuitbreaker.DefaultConfig("")
	b.IsSuccessful = func(err error) bool {
		return err == nil || errors.Is(err, context.Canceled)
	}
	return Config{Pool: workerpool.DefaultConfig(), Breaker: b}
}

// Outcome is the result for one record
type Outcome struct {
	RecordID string  `json:"record_id"`
	Channel  Channel `json:"channel,omitempty"`
	Sent     bool    `json:"sent"`
	Error    string  `json:"error,omitempty"`
	Attempts int     `json:"attempts"`
}

// Report summarises a dispatch run
type Report struct {
	Due      int        `json:"due"`
	Sent     int        `json:"sent"`
	Failed   int        `json:"failed"`
	Outcomes []*Outcome `json:"outcomes"`
}

type job struct {
	view  *patient.View
	actor string
}

// Dispatcher sends due reminders on a worker pool. Each channel has its own
// breaker so a failing SMS gateway does not stop email.
type Dispatcher struct {
	svc      *patient.Service
	senders  map[Channel]Sender
	breakers *circuitbreaker.Manager
	config   Config
	pool     *workerpool.Pool
	observer Observer
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewDispatcher creates a dispatcher and starts its pool
func NewDispatcher(svc *patient.Service, senders map[Channel]Sender, breakers *circuitbreaker.Manager, cfg Config, logger *zap.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if breakers == nil {
		breakers = circuitbreaker.NewManager(logger, nil)
	}
	d := &Dispatcher{
		svc:      svc,
		senders:  senders,
		breakers: breakers,
		config:   cfg,
		observer: nopObserver{},
		logger:   logger,
		tracer:   otel.Tracer("reminders"),
	}
	pool, err := workerpool.New(cfg.Pool, d.work, logger)
	if err != nil {
		return nil, fmt.Errorf("reminder pool: %w", err)
	}
	pool.Start()
	d.pool = pool
	return d, nil
}

// WithObserver sets the observer
func (d *Dispatcher) WithObserver(o Observer) *Dispatcher {
	if o != nil {
		d.observer = o
	}
	return d
}

// Ping fails while the send queue is close to full
func (d *Dispatcher) Ping(context.Context) error {
	if !d.pool.IsHealthy() {
		s := d.pool.Stats()
		return fmt.Errorf("reminder queue at %d of %d", s.QueueDepth, s.QueueCapacity)
	}
	return nil
}

// Stop drains the pool
func (d *Dispatcher) Stop() error {
	return d.pool.Stop()
}

// SendUrgent sends a reminder for every pending record inside the reminder
// window and moves it to sent. Records that fail stay pending.
func (d *Dispatcher) SendUrgent(ctx context.Context, actor string) (*Report, error) {
	ctx, span := d.tracer.Start(ctx, "send_urgent_reminders")
	defer span.End()

	due, err := d.svc.DueReminders(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("due", len(due)))

	tasks := make([]*workerpool.Task, len(due))
	for i, v := range due {
		tasks[i] = &workerpool.Task{ID: v.ID, Payload: &job{view: v, actor: actor}}
	}
	results, err := d.pool.Map(ctx, tasks)
	if err != nil {
		return nil, fmt.Errorf("dispatch reminders: %w", err)
	}

	report := &Report{Due: len(due), Outcomes: make([]*Outcome, len(results))}
	for i, r := range results {
		o, _ := r.Data.(*Outcome)
		if o == nil {
			o = &Outcome{RecordID: r.TaskID}
		}
		o.Sent = r.Success
		o.Attempts = r.Attempts
		if r.Error != nil {
			o.Error = r.Error.Error()
			report.Failed++
		} else {
			report.Sent++
		}
		report.Outcomes[i] = o
	}

	d.logger.Info("urgent reminders dispatched",
		zap.Int("due", report.Due),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.String("actor", actor))
	return report, nil
}

// work sends one notice then records the transition. A send that went out
// is never retried, since a retry would notify the patient twice.
func (d *Dispatcher) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	j := task.Payload.(*job)

	n, err := NoticeFor(j.view, d.svc.Now())
	if err != nil {
		return &workerpool.Result{Error: err, Final: true, Data: &Outcome{RecordID: j.view.ID}}
	}
	out := &Outcome{RecordID: n.RecordID, Channel: n.Channel}

	sender, ok := d.senders[n.Channel]
	if !ok {
		return &workerpool.Result{Error: fmt.Errorf("no sender for channel %s", n.Channel), Final: true, Data: out}
	}

	cfg := d.config.Breaker
	cfg.Name = "reminder-" + string(n.Channel)
	cb, err := d.breakers.GetOrCreate(cfg.Name, cfg)
	if err != nil {
		return &workerpool.Result{Error: err, Final: true, Data: out}
	}
	if _, err := cb.Execute(ctx, func() (any, error) { return nil, sender.Send(ctx, n) }); err != nil {
		return &workerpool.Result{Error: err, Final: circuitbreaker.IsOpen(err), Data: out}
	}
	d.observer.ReminderSent(string(n.Channel))

	rec := j.view.Record.Clone()
	if _, err := d.svc.ApplyReminderTransition(ctx, rec, delivery.ReminderSent, j.actor); err != nil {
		d.logger.Warn("reminder sent but not recorded",
			zap.String("record_id", rec.ID),
			zap.Error(err))
		return &workerpool.Result{Error: err, Final: true, Data: out}
	}
	return &workerpool.Result{Success: true, Data: out}
}
