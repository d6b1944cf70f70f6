package daterange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeForDays(t *testing.T) {
	now := time.Date(2026, 1, 17, 12, 0, 0, 0, time.UTC)

	r := RangeForDays(14, now)
	assert.Equal(t, 14, r.Days)
	assert.Equal(t, "2026-01-03", r.StartDate)
	assert.Equal(t, "2026-01-16", r.EndDate)
	assert.Equal(t, "14 days", r.Label)
}

func TestRangeForDays_TruncatesTimeOfDay(t *testing.T) {
	justAfterMidnight := time.Date(2026, 3, 1, 0, 0, 1, 0, time.UTC)
	justBeforeMidnight := time.Date(2026, 3, 1, 23, 59, 59, 0, time.UTC)

	assert.Equal(t, RangeForDays(7, justAfterMidnight), RangeForDays(7, justBeforeMidnight))
	assert.Equal(t, "2026-02-28", RangeForDays(7, justAfterMidnight).EndDate)
}

func TestRangeForDays_ConvertsToUTC(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	// 2026-01-17 05:00 in Tokyo is still 2026-01-16 in UTC.
	now := time.Date(2026, 1, 17, 5, 0, 0, 0, tokyo)

	r := RangeForDays(7, now)
	assert.Equal(t, "2026-01-15", r.EndDate)
	assert.Equal(t, "2026-01-09", r.StartDate)
}

func TestRangeForDays_ClampsUnsupportedDays(t *testing.T) {
	now := time.Date(2026, 1, 17, 12, 0, 0, 0, time.UTC)

	r := RangeForDays(45, now)
	assert.Equal(t, DefaultDays, r.Days)
	assert.Equal(t, "2025-12-18", r.StartDate)
}

func TestRangeForDays_AllAllowedLengths(t *testing.T) {
	now := time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC) // leap year boundary
	for _, days := range AllowedDays {
		r := RangeForDays(days, now)
		dates := ListDatesBetween(r.StartDate, r.EndDate)
		assert.Len(t, dates, days, "days=%d", days)
		assert.Equal(t, "2024-03-01", r.EndDate)
	}
}

func TestClampDays(t *testing.T) {
	assert.Equal(t, 7, ClampDays(7))
	assert.Equal(t, 365, ClampDays(365))
	assert.Equal(t, 30, ClampDays(0))
	assert.Equal(t, 30, ClampDays(-7))
	assert.Equal(t, 30, ClampDays(31))
	assert.True(t, IsAllowed(90))
	assert.False(t, IsAllowed(91))
	assert.Equal(t, "12 months", Label(365))
	assert.Equal(t, "30 days", Label(1))
}

func TestListDatesBetween(t *testing.T) {
	t.Run("inclusive run across month end", func(t *testing.T) {
		dates := ListDatesBetween("2026-01-30", "2026-02-02")
		assert.Equal(t, []string{"2026-01-30", "2026-01-31", "2026-02-01", "2026-02-02"}, dates)
	})

	t.Run("single day", func(t *testing.T) {
		assert.Equal(t, []string{"2026-01-01"}, ListDatesBetween("2026-01-01", "2026-01-01"))
	})

	t.Run("unparsable input", func(t *testing.T) {
		dates := ListDatesBetween("yesterday", "2026-01-01")
		require.NotNil(t, dates)
		assert.Empty(t, dates)
		assert.Empty(t, ListDatesBetween("2026-01-01", "2026-13-01"))
	})

	t.Run("inverted range", func(t *testing.T) {
		assert.Empty(t, ListDatesBetween("2026-01-02", "2026-01-01"))
	})
}

func TestPreviousDate(t *testing.T) {
	assert.Equal(t, "2025-12-31", PreviousDate("2026-01-01"))
	assert.Equal(t, "2024-02-29", PreviousDate("2024-03-01"))
	assert.Equal(t, "", PreviousDate("not-a-date"))
}
