// Package patient implements patient records and the service that applies
// delivery, payment and reminder transitions to them.
package patient

import (
	"errors"
	"strings"
	"time"

	"github.com/rxcare/rxcare/internal/domain/delivery"
	"github.com/rxcare/rxcare/internal/domain/refill"
)

// Record is a patient with one tracked medication delivery
type Record struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	Phone          string                  `json:"phone"`
	Email          string                  `json:"email,omitempty"`
	Address        string                  `json:"address"`
	Medication     string                  `json:"medication"`
	Dosage         string                  `json:"dosage"`
	NextRefillDate time.Time               `json:"next_refill_date"`
	Status         delivery.Status         `json:"status"`
	PaymentStatus  delivery.PaymentStatus  `json:"payment_status"`
	ReminderStatus delivery.ReminderStatus `json:"reminder_status"`
	Amount         float64                 `json:"amount"`
	Version        int64                   `json:"version"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// ErrValidation is returned for records that cannot be stored
var ErrValidation = errors.New("validation failed")

// Normalize fills in initial states for a new record
func (r *Record) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	if r.Status == "" {
		r.Status = delivery.StatusScheduled
	}
	if r.PaymentStatus == "" {
		r.PaymentStatus = delivery.PaymentPending
	}
	if r.ReminderStatus == "" {
		r.ReminderStatus = delivery.ReminderPending
	}
}

// Validate checks the invariants a stored record must hold
func (r *Record) Validate() error {
	switch {
	case r.Name == "":
		return fieldError("name is required")
	case strings.TrimSpace(r.Medication) == "":
		return fieldError("medication is required")
	case r.NextRefillDate.IsZero():
		return refill.ErrInvalidDate
	case r.Amount < 0:
		return fieldError("amount must not be negative")
	case !r.Status.Valid():
		return fieldError("unknown delivery status " + string(r.Status))
	case !r.PaymentStatus.Valid():
		return fieldError("unknown payment status " + string(r.PaymentStatus))
	case !r.ReminderStatus.Valid():
		return fieldError("unknown reminder status " + string(r.ReminderStatus))
	}
	return nil
}

// Clone returns a copy safe to hand to other goroutines
func (r *Record) Clone() *Record {
	c := *r
	return &c
}

// Matches reports whether q appears in the name, medication or address
func (r *Record) Matches(q string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(r.Name), q) ||
		strings.Contains(strings.ToLower(r.Medication), q) ||
		strings.Contains(strings.ToLower(r.Address), q)
}

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }
func (e *validationError) Unwrap() error { return ErrValidation }

func fieldError(msg string) error { return &validationError{msg: msg} }
