package delivery

import (
	"fmt"
	"strings"
)

// PaymentPolicy controls how payment status may change
type PaymentPolicy string

const (
	// PaymentToggleable lets staff move between any two payment values, so
	// mis-clicks can be corrected.
	PaymentToggleable PaymentPolicy = "toggleable"
	// PaymentTerminal only allows leaving pending; paid and failed are final.
	PaymentTerminal PaymentPolicy = "terminal"
)

// ParsePaymentPolicy parses a configured policy name
func ParsePaymentPolicy(s string) (PaymentPolicy, error) {
	switch p := PaymentPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PaymentToggleable, nil
	case PaymentToggleable, PaymentTerminal:
		return p, nil
	}
	return "", fmt.Errorf("unknown payment policy %q", s)
}

// AllowedPayment returns the payment statuses reachable from p
func (m *Machine) AllowedPayment(p PaymentStatus) []PaymentStatus {
	var out []PaymentStatus
	for _, to := range []PaymentStatus{PaymentPending, PaymentPaid, PaymentFailed} {
		if m.CanPay(p, to) {
			out = append(out, to)
		}
	}
	return out
}

// CanPay reports whether from -> to is allowed under the policy
func (m *Machine) CanPay(from, to PaymentStatus) bool {
	if !from.Valid() || !to.Valid() || from == to {
		return false
	}
	if m.payment == PaymentTerminal {
		return from == PaymentPending
	}
	return true
}

// ValidatePayment returns a *TransitionError if from -> to is not allowed
func (m *Machine) ValidatePayment(from, to PaymentStatus) error {
	if !m.CanPay(from, to) {
		return &TransitionError{Kind: KindPayment, From: string(from), To: string(to)}
	}
	return nil
}
