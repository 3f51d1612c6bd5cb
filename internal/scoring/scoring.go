// Package scoring turns raw runtimes into per-sample anomaly scores or labels
// against a function's running statistics.
package scoring

import (
	"math"

	"github.com/rewired-gh/perfwatch/internal/detector"
	"github.com/rewired-gh/perfwatch/internal/runstats"
)

// ZScores returns |x - mean| / std for each value. Samples are scored 0 while
// the statistics carry no spread.
func ZScores(values []float64, stats runstats.RunStats) []float64 {
	scores := make([]float64, len(values))
	mean, std := stats.Mean(), stats.StdDev()
	if stats.Empty() || std == 0 || math.IsInf(std, 1) {
		return scores
	}
	for i, v := range values {
		scores[i] = math.Abs(v-mean) / std
	}
	return scores
}

// SSTD labels a value an outlier when it lies more than sigma standard
// deviations from the running mean. It also returns the outlier count.
func SSTD(values []float64, stats runstats.RunStats, sigma float64) ([]detector.Label, int) {
	labels := make([]detector.Label, len(values))
	mean, std := stats.Mean(), stats.StdDev()
	flagged := 0
	for i, v := range values {
		labels[i] = detector.Inlier
		if stats.Empty() || math.IsInf(std, 1) {
			continue
		}
		if math.Abs(v-mean) > sigma*std {
			labels[i] = detector.Outlier
			flagged++
		}
	}
	return labels, flagged
}
