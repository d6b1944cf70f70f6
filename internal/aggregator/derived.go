package aggregator

import (
	"math"
	"sort"

	"github.com/npmstat/trafficd/internal/model"
)

const (
	// madScale makes the MAD a consistent estimator of the standard deviation
	// for normally distributed data.
	madScale = 1.4826

	// OutlierThreshold is the absolute robust score from which a day is
	// flagged.
	OutlierThreshold = 3.0
)

// ComputeDerived computes the 3- and 7-day trailing averages and the outlier
// scores of series.
func ComputeDerived(series []model.TrafficSeriesRow) model.Derived {
	return model.Derived{
		MA3:      ComputeTrailingMA(series, 3),
		MA7:      ComputeTrailingMA(series, 7),
		Outliers: ComputeOutliersMAD(series),
	}
}

// ComputeTrailingMA returns one point per row. The value stays nil until
// window rows have been seen, then holds the mean of the last window rows
// rounded to one decimal.
func ComputeTrailingMA(series []model.TrafficSeriesRow, window int) []model.DerivedValue {
	values := make([]model.DerivedValue, len(series))

	var runningSum int64
	for index, row := range series {
		values[index].Date = row.Date
		if window < 1 {
			continue
		}

		runningSum += row.Downloads
		if index >= window {
			runningSum -= series[index-window].Downloads
		}
		if index+1 >= window {
			mean := roundTo(float64(runningSum)/float64(window), 1)
			values[index].Value = &mean
		}
	}

	return values
}

// ComputeOutliersMAD scores each row by its distance from the median in units
// of the scaled median absolute deviation. A constant series (MAD == 0)
// scores zero everywhere and has no outliers.
func ComputeOutliersMAD(series []model.TrafficSeriesRow) []model.OutlierValue {
	if len(series) == 0 {
		return []model.OutlierValue{}
	}

	downloads := make([]float64, len(series))
	for index, row := range series {
		downloads[index] = float64(row.Downloads)
	}

	center := median(downloads)
	deviations := make([]float64, len(downloads))
	for index, value := range downloads {
		deviations[index] = math.Abs(value - center)
	}
	mad := median(deviations)

	outliers := make([]model.OutlierValue, len(series))
	for index, row := range series {
		var score float64
		if mad > 0 {
			score = (downloads[index] - center) / (mad * madScale)
		}
		outliers[index] = model.OutlierValue{
			Date:      row.Date,
			IsOutlier: mad > 0 && math.Abs(score) >= OutlierThreshold,
			Score:     roundTo(score, 2),
		}
	}

	return outliers
}

func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func roundTo(value float64, decimals int) float64 {
	factor := math.Pow(10, float64(decimals))
	rounded := math.Round(value*factor) / factor
	if rounded == 0 {
		// avoid -0 in JSON output
		return 0
	}
	return rounded
}
