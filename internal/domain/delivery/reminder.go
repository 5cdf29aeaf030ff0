package delivery

var reminderEdges = map[ReminderStatus][]ReminderStatus{
	ReminderPending:   {ReminderSent, ReminderContacted, ReminderCompleted},
	ReminderSent:      {ReminderContacted, ReminderCompleted},
	ReminderContacted: {ReminderCompleted},
	// a completed reminder reopens for the next refill cycle
	ReminderCompleted: {ReminderPending},
}

// AllowedReminder returns the reminder statuses reachable from r
func (m *Machine) AllowedReminder(r ReminderStatus) []ReminderStatus {
	return append([]ReminderStatus(nil), reminderEdges[r]...)
}

// CanRemind reports whether from -> to is allowed
func (m *Machine) CanRemind(from, to ReminderStatus) bool {
	for _, s := range reminderEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateReminder returns a *TransitionError if from -> to is not allowed
func (m *Machine) ValidateReminder(from, to ReminderStatus) error {
	if !m.CanRemind(from, to) {
		return &TransitionError{Kind: KindReminder, From: string(from), To: string(to)}
	}
	return nil
}
