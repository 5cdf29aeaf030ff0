package patient

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rxcare/rxcare/internal/domain/delivery"
	"github.com/rxcare/rxcare/internal/domain/refill"
)

// Tab selects records by urgency band, as the reminder and patient lists do
type Tab string

const (
	TabAll      Tab = "all"
	TabUrgent   Tab = "urgent"
	TabUpcoming Tab = "upcoming"
	TabLater    Tab = "later"
)

// ParseTab parses a tab name; empty means all
func ParseTab(s string) (Tab, error) {
	switch t := Tab(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return TabAll, nil
	case TabAll, TabUrgent, TabUpcoming, TabLater:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown tab %q", ErrValidation, s)
}

func (t Tab) includes(tier refill.Tier) bool {
	switch t {
	case TabUrgent:
		return tier == refill.TierUrgent
	case TabUpcoming:
		return tier == refill.TierSoon
	case TabLater:
		return tier == refill.TierOK
	}
	return true
}

// UrgencyView is the badge contract consumed by the portals
type UrgencyView struct {
	DaysRemaining int         `json:"days_remaining"`
	Tier          refill.Tier `json:"tier"`
	Label         string      `json:"label"`
	Color         string      `json:"color"`
}

// View is a record plus everything derived from it at read time
type View struct {
	*Record
	Urgency            *UrgencyView              `json:"urgency,omitempty"`
	UrgencyError       string                    `json:"urgency_error,omitempty"`
	AllowedTransitions []delivery.Status         `json:"allowed_transitions"`
	AllowedPayments    []delivery.PaymentStatus  `json:"allowed_payments"`
	AllowedReminders   []delivery.ReminderStatus `json:"allowed_reminders"`
	Terminal           bool                      `json:"terminal"`
}

// View derives urgency and the allowed transitions for rec. A record with a
// bad refill date gets UrgencyError instead of a default tier.
func (s *Service) View(rec *Record) *View {
	v := &View{
		Record:             rec,
		AllowedTransitions: s.machine.Allowed(rec.Status),
		AllowedPayments:    s.machine.AllowedPayment(rec.PaymentStatus),
		AllowedReminders:   s.machine.AllowedReminder(rec.ReminderStatus),
		Terminal:           s.machine.Terminal(rec.Status),
	}
	u, err := s.Classify(rec)
	if err != nil {
		v.UrgencyError = err.Error()
		return v
	}
	v.Urgency = &UrgencyView{
		DaysRemaining: u.DaysRemaining,
		Tier:          u.Tier,
		Label:         u.Tier.Label(),
		Color:         u.Tier.Color(),
	}
	return v
}

// Query combines store filters with the derived urgency tab
type Query struct {
	Filter
	Tab Tab
}

// List returns views matching q, most urgent first. Records without a
// usable refill date sort last. With a tab the store is read unpaged so
// Limit and Offset count only records inside the tab.
func (s *Service) List(ctx context.Context, q Query) ([]*View, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tabbed := q.Tab != "" && q.Tab != TabAll
	filter := q.Filter
	if tabbed {
		filter.Limit, filter.Offset = 0, 0
	}
	records, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, WrapPersistence("list", err)
	}

	views := make([]*View, 0, len(records))
	for _, rec := range records {
		v := s.View(rec)
		if tabbed && (v.Urgency == nil || !q.Tab.includes(v.Urgency.Tier)) {
			continue
		}
		views = append(views, v)
	}
	sortByDays(views)
	if tabbed {
		views = page(views, q.Offset, q.Limit)
	}
	return views, nil
}

func page(views []*View, offset, limit int) []*View {
	if offset > 0 {
		if offset >= len(views) {
			return views[:0]
		}
		views = views[offset:]
	}
	if limit > 0 && limit < len(views) {
		views = views[:limit]
	}
	return views
}

// DueReminders returns records whose reminder is pending and whose refill
// falls inside the reminder window
func (s *Service) DueReminders(ctx context.Context) ([]*View, error) {
	views, err := s.List(ctx, Query{Filter: Filter{ReminderStatus: delivery.ReminderPending}})
	if err != nil {
		return nil, err
	}
	due := views[:0]
	for _, v := range views {
		if v.Urgency != nil && v.Urgency.DaysRemaining <= s.config.ReminderWindowDays {
			due = append(due, v)
		}
	}
	sortByDays(due)
	return due, nil
}

// Dashboard summarises the staff landing page
type Dashboard struct {
	TotalPatients     int64   `json:"total_patients"`
	UrgentRefills     int64   `json:"urgent_refills"`
	DueThisWeek       int64   `json:"due_this_week"`
	Scheduled         int64   `json:"scheduled"`
	InTransit         int64   `json:"in_transit"`
	Delivered         int64   `json:"delivered"`
	FailedDeliveries  int64   `json:"failed_deliveries"`
	PendingPayments   int64   `json:"pending_payments"`
	OutstandingAmount float64 `json:"outstanding_amount"`
	RecentReminders   []*View `json:"recent_reminders"`
}

const dashboardReminders = 5

// Dashboard computes the staff dashboard
func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	sctx, cancel := s.withTimeout(ctx)
	stats, err := s.store.Stats(sctx)
	cancel()
	if err != nil {
		return nil, WrapPersistence("stats", err)
	}

	views, err := s.List(ctx, Query{})
	if err != nil {
		return nil, err
	}

	d := &Dashboard{
		TotalPatients:     stats.Total,
		Scheduled:         stats.ByStatus[delivery.StatusScheduled],
		InTransit:         stats.ByStatus[delivery.StatusInTransit],
		Delivered:         stats.ByStatus[delivery.StatusDelivered],
		FailedDeliveries:  stats.ByStatus[delivery.StatusFailed],
		PendingPayments:   stats.ByPaymentStatus[delivery.PaymentPending],
		OutstandingAmount: stats.OutstandingAmount,
	}

	var pending []*View
	for _, v := range views {
		if v.Urgency == nil {
			continue
		}
		switch v.Urgency.Tier {
		case refill.TierUrgent:
			d.UrgentRefills++
		case refill.TierSoon:
			d.DueThisWeek++
		}
		if v.ReminderStatus != delivery.ReminderCompleted {
			pending = append(pending, v)
		}
	}
	sortByDays(pending)
	if len(pending) > dashboardReminders {
		pending = pending[:dashboardReminders]
	}
	d.RecentReminders = pending
	return d, nil
}

func sortByDays(views []*View) {
	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i].Urgency, views[j].Urgency
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return a.DaysRemaining < b.DaysRemaining
	})
}
