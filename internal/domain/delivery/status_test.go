package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatusLegacyValues(t *testing.T) {
	tests := map[string]Status{
		"scheduled":  StatusScheduled,
		"pending":    StatusScheduled,
		"processing": StatusScheduled,
		"in_transit": StatusInTransit,
		"In-Transit": StatusInTransit,
		"delivered":  StatusDelivered,
		" failed ":   StatusFailed,
	}
	for in, want := range tests {
		got, err := ParseStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseStatus("lost")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestParsePaymentStatusLegacyValues(t *testing.T) {
	tests := map[string]PaymentStatus{
		"pending":    PaymentPending,
		"unpaid":     PaymentPending,
		"processing": PaymentPending,
		"paid":       PaymentPaid,
		"completed":  PaymentPaid,
		"failed":     PaymentFailed,
	}
	for in, want := range tests {
		got, err := ParsePaymentStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePaymentStatus("refunded")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestParseReminderStatus(t *testing.T) {
	r, err := ParseReminderStatus("Sent")
	require.NoError(t, err)
	assert.Equal(t, ReminderSent, r)

	_, err = ParseReminderStatus("snoozed")
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestLabels(t *testing.T) {
	assert.Equal(t, "In Transit", StatusInTransit.Label())
	assert.Equal(t, "Unknown", Status("x").Label())
	assert.Equal(t, "Paid", PaymentPaid.Label())
	assert.Equal(t, "Reminder Sent", ReminderSent.Label())
}
