package delivery

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a requested state change is not allowed
var ErrInvalidTransition = errors.New("invalid status transition")

// Kind names the field a transition applies to
type Kind string

const (
	KindDelivery Kind = "delivery"
	KindPayment  Kind = "payment"
	KindReminder Kind = "reminder"
)

// TransitionError describes a rejected transition
type TransitionError struct {
	Kind Kind
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s status cannot change from %q to %q", e.Kind, e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Action names the staff action that triggers a delivery transition
type Action string

const (
	ActionDispatch   Action = "dispatch"
	ActionMarkFailed Action = "mark failed"
	ActionConfirm    Action = "confirm delivered"
	ActionReschedule Action = "reschedule"
)

type edge struct {
	to     Status
	action Action
}

var deliveryEdges = map[Status][]edge{
	StatusScheduled: {
		{StatusInTransit, ActionDispatch},
		{StatusFailed, ActionMarkFailed},
	},
	StatusInTransit: {
		{StatusDelivered, ActionConfirm},
		{StatusFailed, ActionMarkFailed},
	},
	StatusFailed: {
		{StatusScheduled, ActionReschedule},
	},
	StatusDelivered: nil,
}

// Machine holds the transition rules for all three status fields
type Machine struct {
	payment PaymentPolicy
}

// NewMachine creates a machine with the given payment policy
func NewMachine(policy PaymentPolicy) *Machine {
	if policy == "" {
		policy = PaymentToggleable
	}
	return &Machine{payment: policy}
}

// PaymentPolicy returns the configured payment policy
func (m *Machine) PaymentPolicy() PaymentPolicy { return m.payment }

// Allowed returns the delivery statuses reachable from s
func (m *Machine) Allowed(s Status) []Status {
	edges := deliveryEdges[s]
	out := make([]Status, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.to)
	}
	return out
}

// Terminal reports whether no transition leaves s
func (m *Machine) Terminal(s Status) bool {
	return s.Valid() && len(deliveryEdges[s]) == 0
}

// Action returns the staff action for from -> to, or "" if not allowed
func (m *Machine) Action(from, to Status) Action {
	for _, e := range deliveryEdges[from] {
		if e.to == to {
			return e.action
		}
	}
	return ""
}

// Can reports whether from -> to is allowed
func (m *Machine) Can(from, to Status) bool {
	return m.Action(from, to) != ""
}

// Validate returns a *TransitionError if from -> to is not allowed
func (m *Machine) Validate(from, to Status) error {
	if !m.Can(from, to) {
		return &TransitionError{Kind: KindDelivery, From: string(from), To: string(to)}
	}
	return nil
}
