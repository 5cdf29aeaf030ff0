// Package delivery implements the delivery, payment and reminder status machines.
package delivery

import (
	"errors"
	"fmt"
	"strings"
)

// Status represents the delivery lifecycle state
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusInTransit Status = "in-transit"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// PaymentStatus is tracked independently of Status
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// ReminderStatus tracks refill reminder outreach
type ReminderStatus string

const (
	ReminderPending   ReminderStatus = "pending"
	ReminderSent      ReminderStatus = "sent"
	ReminderContacted ReminderStatus = "contacted"
	ReminderCompleted ReminderStatus = "completed"
)

// ErrUnknownStatus is returned when a value maps to no canonical status
var ErrUnknownStatus = errors.New("unknown status")

// Valid reports whether s is a canonical delivery status
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusInTransit, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// Label returns the display text
func (s Status) Label() string {
	switch s {
	case StatusScheduled:
		return "Scheduled"
	case StatusInTransit:
		return "In Transit"
	case StatusDelivered:
		return "Delivered"
	case StatusFailed:
		return "Failed"
	}
	return "Unknown"
}

// Valid reports whether p is a canonical payment status
func (p PaymentStatus) Valid() bool {
	switch p {
	case PaymentPending, PaymentPaid, PaymentFailed:
		return true
	}
	return false
}

// Label returns the display text
func (p PaymentStatus) Label() string {
	switch p {
	case PaymentPending:
		return "Pending"
	case PaymentPaid:
		return "Paid"
	case PaymentFailed:
		return "Failed"
	}
	return "Unknown"
}

// Valid reports whether r is a canonical reminder status
func (r ReminderStatus) Valid() bool {
	switch r {
	case ReminderPending, ReminderSent, ReminderContacted, ReminderCompleted:
		return true
	}
	return false
}

// Label returns the display text
func (r ReminderStatus) Label() string {
	switch r {
	case ReminderPending:
		return "Pending"
	case ReminderSent:
		return "Reminder Sent"
	case ReminderContacted:
		return "Contacted"
	case ReminderCompleted:
		return "Completed"
	}
	return "Unknown"
}

// legacyStatuses maps every delivery value seen in older records.
var legacyStatuses = map[string]Status{
	"scheduled":  StatusScheduled,
	"pending":    StatusScheduled,
	"processing": StatusScheduled,
	"in-transit": StatusInTransit,
	"in_transit": StatusInTransit,
	"intransit":  StatusInTransit,
	"delivered":  StatusDelivered,
	"failed":     StatusFailed,
}

var legacyPaymentStatuses = map[string]PaymentStatus{
	"pending":    PaymentPending,
	"unpaid":     PaymentPending,
	"processing": PaymentPending,
	"paid":       PaymentPaid,
	"completed":  PaymentPaid,
	"failed":     PaymentFailed,
}

// ParseStatus maps a canonical or legacy delivery value to a Status
func ParseStatus(s string) (Status, error) {
	if st, ok := legacyStatuses[strings.ToLower(strings.TrimSpace(s))]; ok {
		return st, nil
	}
	return "", fmt.Errorf("%w: delivery status %q", ErrUnknownStatus, s)
}

// ParsePaymentStatus maps a canonical or legacy payment value
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	if st, ok := legacyPaymentStatuses[strings.ToLower(strings.TrimSpace(s))]; ok {
		return st, nil
	}
	return "", fmt.Errorf("%w: payment status %q", ErrUnknownStatus, s)
}

// ParseReminderStatus accepts only canonical reminder values
func ParseReminderStatus(s string) (ReminderStatus, error) {
	r := ReminderStatus(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: reminder status %q", ErrUnknownStatus, s)
	}
	return r, nil
}
