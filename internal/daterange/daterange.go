// Package daterange converts day counts into UTC reporting windows. Every
// window ends "yesterday" because the registry's counts for the current day
// are still incomplete.
package daterange

import (
	"time"

	"github.com/npmstat/trafficd/internal/model"
)

// DateLayout is the ISO calendar date layout used on the wire.
const DateLayout = "2006-01-02"

// DefaultDays is used whenever a requested day count is not allowed.
const DefaultDays = 30

// AllowedDays lists the supported reporting windows in ascending order.
var AllowedDays = []int{7, 14, 30, 90, 180, 365}

var labels = map[int]string{
	7:   "7 days",
	14:  "14 days",
	30:  "30 days",
	90:  "3 months",
	180: "6 months",
	365: "12 months",
}

// IsAllowed reports whether days is one of AllowedDays.
func IsAllowed(days int) bool {
	_, ok := labels[days]
	return ok
}

// ClampDays returns days when it is allowed and DefaultDays otherwise.
func ClampDays(days int) int {
	if IsAllowed(days) {
		return days
	}
	return DefaultDays
}

// Label returns the human-readable label of an allowed day count.
func Label(days int) string {
	return labels[ClampDays(days)]
}

// RangeForDays anchors an inclusive window of days on yesterday (UTC), with
// the time of day truncated.
func RangeForDays(days int, now time.Time) model.DateRange {
	days = ClampDays(days)

	utcNow := now.UTC()
	today := time.Date(utcNow.Year(), utcNow.Month(), utcNow.Day(), 0, 0, 0, 0, time.UTC)
	endDate := today.AddDate(0, 0, -1)
	startDate := endDate.AddDate(0, 0, -(days - 1))

	return model.DateRange{
		Days:      days,
		Label:     labels[days],
		StartDate: startDate.Format(DateLayout),
		EndDate:   endDate.Format(DateLayout),
	}
}

// ListDatesBetween enumerates every ISO date in [start, end]. Unparsable input
// or an inverted range yields an empty slice.
func ListDatesBetween(start, end string) []string {
	startDate, startError := time.Parse(DateLayout, start)
	if startError != nil {
		return []string{}
	}
	endDate, endError := time.Parse(DateLayout, end)
	if endError != nil {
		return []string{}
	}
	if startDate.After(endDate) {
		return []string{}
	}

	dates := make([]string, 0, int(endDate.Sub(startDate).Hours()/24)+1)
	for current := startDate; !current.After(endDate); current = current.AddDate(0, 0, 1) {
		dates = append(dates, current.Format(DateLayout))
	}
	return dates
}

// PreviousDate returns the ISO date one day before date, or "" when date is
// unparsable.
func PreviousDate(date string) string {
	parsed, parseError := time.Parse(DateLayout, date)
	if parseError != nil {
		return ""
	}
	return parsed.AddDate(0, 0, -1).Format(DateLayout)
}
