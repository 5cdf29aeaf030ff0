package refill

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestClassifyBoundaries(t *testing.T) {
	now := time.Date(2025, time.April, 6, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		offset int
		want   Tier
	}{
		{-10, TierUrgent},
		{-1, TierUrgent},
		{0, TierUrgent},
		{2, TierUrgent},
		{3, TierUrgent},
		{4, TierSoon},
		{7, TierSoon},
		{8, TierOK},
		{30, TierOK},
	}

	for _, tt := range tests {
		next := day(2025, time.April, 6).AddDate(0, 0, tt.offset)
		u, err := Classify(next, now)
		require.NoError(t, err)
		assert.Equal(t, tt.offset, u.DaysRemaining, "offset %d", tt.offset)
		assert.Equal(t, tt.want, u.Tier, "offset %d", tt.offset)
	}
}

func TestClassifyUrgentIffWithinThreeDays(t *testing.T) {
	now := day(2025, time.January, 1)
	for offset := -40; offset <= 40; offset++ {
		u, err := Classify(now.AddDate(0, 0, offset), now)
		require.NoError(t, err)
		assert.Equal(t, u.DaysRemaining <= 3, u.Tier == TierUrgent, "offset %d", offset)
	}
}

func TestClassifyIsIdempotent(t *testing.T) {
	next := day(2025, time.May, 1)
	now := day(2025, time.April, 27)

	first, err := Classify(next, now)
	require.NoError(t, err)
	second, err := Classify(next, now)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestClassifyZeroDate(t *testing.T) {
	_, err := Classify(time.Time{}, time.Now())
	assert.True(t, errors.Is(err, ErrInvalidDate))
}

func TestClassifyIgnoresTimeOfDay(t *testing.T) {
	now := time.Date(2025, time.April, 6, 23, 59, 0, 0, time.UTC)
	next := time.Date(2025, time.April, 8, 0, 1, 0, 0, time.UTC)

	u, err := Classify(next, now)
	require.NoError(t, err)
	assert.Equal(t, 2, u.DaysRemaining)
}

func TestClassifierLocation(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	c := NewClassifier(loc)

	// 20:00 UTC on the 6th is already the 7th in IST.
	now := time.Date(2025, time.April, 6, 20, 0, 0, 0, time.UTC)
	next := time.Date(2025, time.April, 10, 0, 0, 0, 0, loc)

	u, err := c.Classify(next, now)
	require.NoError(t, err)
	assert.Equal(t, 3, u.DaysRemaining)
	assert.Equal(t, TierUrgent, u.Tier)

	// The refill date keeps its own calendar day; UTC today is still the 6th.
	utc, err := Classify(next, now)
	require.NoError(t, err)
	assert.Equal(t, 4, utc.DaysRemaining)
}

func TestClassifierStoredDateWestOfUTC(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata not available: %v", err)
	}
	c := NewClassifier(loc)
	now := time.Date(2025, time.April, 6, 12, 0, 0, 0, loc)

	// Postgres DATE columns come back as midnight UTC.
	tests := []struct {
		offset int
		tier   Tier
	}{
		{2, TierUrgent},
		{3, TierUrgent},
		{4, TierSoon},
		{7, TierSoon},
		{8, TierOK},
	}
	for _, tt := range tests {
		next := time.Date(2025, time.April, 6+tt.offset, 0, 0, 0, 0, time.UTC)
		u, err := c.Classify(next, now)
		require.NoError(t, err)
		assert.Equal(t, tt.offset, u.DaysRemaining, "today+%d", tt.offset)
		assert.Equal(t, tt.tier, u.Tier, "today+%d", tt.offset)
	}

	late := time.Date(2025, time.April, 6, 23, 30, 0, 0, loc)
	u, err := c.Classify(time.Date(2025, time.April, 8, 0, 0, 0, 0, time.UTC), late)
	require.NoError(t, err)
	assert.Equal(t, 2, u.DaysRemaining, "late evening is still the 6th locally")
}

func TestClassifierAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata not available: %v", err)
	}
	c := NewClassifier(loc)

	now := time.Date(2025, time.March, 8, 12, 0, 0, 0, loc)
	next := time.Date(2025, time.March, 10, 12, 0, 0, 0, loc)

	u, err := c.Classify(next, now)
	require.NoError(t, err)
	assert.Equal(t, 2, u.DaysRemaining)
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-04-10", day(2025, time.April, 10)},
		{"Apr 10, 2025", day(2025, time.April, 10)},
		{"April 8, 2025", day(2025, time.April, 8)},
		{"2025-04-10T00:00:00Z", day(2025, time.April, 10)},
		{"  2025-04-10 ", day(2025, time.April, 10)},
	}
	for _, tt := range tests {
		got, err := ParseDate(tt.in)
		require.NoError(t, err, tt.in)
		assert.True(t, tt.want.Equal(got), "%s: got %s", tt.in, got)
	}
}

func TestParseDateRejectsMalformed(t *testing.T) {
	for _, in := range []string{"", "   ", "tomorrow", "2025-13-01", "10/04/2025", "Apr 31, 2025"} {
		_, err := ParseDate(in)
		assert.ErrorIs(t, err, ErrInvalidDate, in)
	}
}

func TestTierDisplay(t *testing.T) {
	assert.Equal(t, "Urgent", TierUrgent.Label())
	assert.Equal(t, "red", TierUrgent.Color())
	assert.Equal(t, "Soon", TierSoon.Label())
	assert.Equal(t, "yellow", TierSoon.Color())
	assert.Equal(t, "OK", TierOK.Label())
	assert.Equal(t, "green", TierOK.Color())
}
