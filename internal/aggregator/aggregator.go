// Package aggregator turns raw upstream download rows into the normalized,
// gap-free series served to clients, and computes the statistics derived
// from it.
//
// Behavior:
//   - Every calendar day of the requested range appears exactly once, in
//     ascending order; days the upstream omitted are filled with zero.
//   - Rows outside the range are ignored and negative counts are clamped.
//   - Totals and derived metrics are pure functions of the series and are
//     recomputed on every read.
package aggregator

import (
	"math"

	"github.com/npmstat/trafficd/internal/daterange"
	"github.com/npmstat/trafficd/internal/logger"
	"github.com/npmstat/trafficd/internal/model"
)

// NormalizeSeries aligns raw rows on the calendar days of dateRange.
//
// When the range cannot be enumerated (unparsable or inverted dates) the raw
// rows are returned as-is, mapped onto series rows.
func NormalizeSeries(raw []model.RawDownloadRow, dateRange model.DateRange) []model.TrafficSeriesRow {
	dates := daterange.ListDatesBetween(dateRange.StartDate, dateRange.EndDate)
	if len(dates) == 0 {
		logger.AggregatorLog.Warnf(
			"cannot enumerate range start=%s end=%s, passing %d raw row(s) through",
			dateRange.StartDate, dateRange.EndDate, len(raw),
		)
		fallbackSeries := make([]model.TrafficSeriesRow, 0, len(raw))
		for _, row := range raw {
			fallbackSeries = append(fallbackSeries, model.TrafficSeriesRow{
				Date:      row.Day,
				Downloads: clampDownloads(row.Downloads),
			})
		}
		return fallbackSeries
	}

	downloadsByDay := make(map[string]int64, len(raw))
	for _, row := range raw {
		downloadsByDay[row.Day] = clampDownloads(row.Downloads)
	}

	series := make([]model.TrafficSeriesRow, 0, len(dates))
	for _, date := range dates {
		series = append(series, model.TrafficSeriesRow{
			Date:      date,
			Downloads: downloadsByDay[date],
		})
	}

	if dropped := len(raw) - countMatched(raw, dates); dropped > 0 {
		logger.AggregatorLog.Debugf("dropped %d raw row(s) outside %s..%s", dropped, dateRange.StartDate, dateRange.EndDate)
	}

	return series
}

// ComputeTotals returns the sum of the series and the rounded per-day mean.
func ComputeTotals(series []model.TrafficSeriesRow) model.Totals {
	if len(series) == 0 {
		return model.Totals{}
	}

	var sum int64
	for _, row := range series {
		sum += row.Downloads
	}

	return model.Totals{
		Sum:       sum,
		AvgPerDay: int64(math.Round(float64(sum) / float64(len(series)))),
	}
}

func clampDownloads(downloads int64) int64 {
	if downloads < 0 {
		return 0
	}
	return downloads
}

func countMatched(raw []model.RawDownloadRow, dates []string) int {
	inRange := make(map[string]struct{}, len(dates))
	for _, date := range dates {
		inRange[date] = struct{}{}
	}

	matched := 0
	for _, row := range raw {
		if _, ok := inRange[row.Day]; ok {
			matched++
		}
	}
	return matched
}
