// Package refill derives refill urgency from a patient's next refill date.
package refill

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Tier thresholds in days. A band includes its upper bound.
const (
	UrgentWithinDays = 3
	SoonWithinDays   = 7
)

// ErrInvalidDate is returned for a missing or malformed refill date
var ErrInvalidDate = errors.New("invalid refill date")

// Tier is the triage band shown on reminders, dashboards and badges
type Tier string

const (
	TierUrgent Tier = "urgent"
	TierSoon   Tier = "soon"
	TierOK     Tier = "ok"
)

// Label returns the display label for the tier
func (t Tier) Label() string {
	switch t {
	case TierUrgent:
		return "Urgent"
	case TierSoon:
		return "Soon"
	default:
		return "OK"
	}
}

// Color returns the badge color for the tier
func (t Tier) Color() string {
	switch t {
	case TierUrgent:
		return "red"
	case TierSoon:
		return "yellow"
	default:
		return "green"
	}
}

// TierFor maps a day count to its tier. Overdue counts are urgent.
func TierFor(daysRemaining int) Tier {
	switch {
	case daysRemaining <= UrgentWithinDays:
		return TierUrgent
	case daysRemaining <= SoonWithinDays:
		return TierSoon
	default:
		return TierOK
	}
}

// Urgency is derived on every read and never stored
type Urgency struct {
	DaysRemaining int  `json:"days_remaining"`
	Tier          Tier `json:"tier"`
}

// Classifier computes urgency using calendar dates in a fixed location
type Classifier struct {
	loc *time.Location
}

// NewClassifier creates a classifier for the given location (UTC when nil)
func NewClassifier(loc *time.Location) *Classifier {
	if loc == nil {
		loc = time.UTC
	}
	return &Classifier{loc: loc}
}

// Location returns the classifier's timezone
func (c *Classifier) Location() *time.Location { return c.loc }

// Classify returns days remaining until next and the resulting tier. The
// refill date is a calendar date and is read in its own location; only now
// is moved into the classifier's location.
func (c *Classifier) Classify(next, now time.Time) (Urgency, error) {
	if next.IsZero() {
		return Urgency{}, ErrInvalidDate
	}
	days := daysBetween(c.Today(now), next)
	return Urgency{DaysRemaining: days, Tier: TierFor(days)}, nil
}

// Today returns the calendar date of now in the classifier's location,
// as midnight UTC.
func (c *Classifier) Today(now time.Time) time.Time {
	return civilDate(now.In(c.loc))
}

// daysBetween counts calendar days from a to b, each read in its own location
func daysBetween(a, b time.Time) int {
	// Both are UTC midnights so the division is exact, DST included.
	return int(civilDate(b).Sub(civilDate(a)).Hours() / 24)
}

func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var defaultClassifier = NewClassifier(time.UTC)

// Classify uses a UTC classifier
func Classify(next, now time.Time) (Urgency, error) {
	return defaultClassifier.Classify(next, now)
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"Jan 2, 2006",
	"January 2, 2006",
}

// ParseDate parses a refill date in any of the accepted layouts.
func ParseDate(s string) (time.Time, error) {
	return ParseDateIn(s, time.UTC)
}

// ParseDateIn parses a refill date, interpreting zone-less layouts in loc
func ParseDateIn(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrInvalidDate
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
}
