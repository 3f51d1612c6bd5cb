package scoring

import (
	"math"
	"reflect"
	"testing"

	"github.com/rewired-gh/perfwatch/internal/detector"
	"github.com/rewired-gh/perfwatch/internal/runstats"
)

func statsOf(values ...float64) runstats.RunStats {
	var r runstats.RunStats
	for _, v := range values {
		r.Add(v)
	}
	return r
}

func TestZScores(t *testing.T) {
	stats := statsOf(2, 4, 4, 4, 5, 5, 7, 9) // mean 5, std 2
	got := ZScores([]float64{5, 9, 1}, stats)
	want := []float64{0, 2, 2}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("score %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestZScoresWithoutSpread(t *testing.T) {
	got := ZScores([]float64{1, 2}, runstats.RunStats{})
	if !reflect.DeepEqual(got, []float64{0, 0}) {
		t.Errorf("ZScores on empty stats = %v, want zeros", got)
	}
	got = ZScores([]float64{3, 3}, statsOf(3, 3, 3))
	for i, s := range got {
		if math.IsNaN(s) || s > 1e-6 {
			t.Errorf("score %d on constant stats = %v, want ~0", i, s)
		}
	}
}

func TestSSTD(t *testing.T) {
	stats := statsOf(2, 4, 4, 4, 5, 5, 7, 9)
	labels, flagged := SSTD([]float64{5, 11.5, 0.5, 8}, stats, 3)

	want := []detector.Label{detector.Inlier, detector.Outlier, detector.Inlier, detector.Inlier}
	if !reflect.DeepEqual(labels, want) {
		t.Errorf("labels = %v, want %v", labels, want)
	}
	if flagged != 1 {
		t.Errorf("flagged = %d, want 1", flagged)
	}
}

func TestSSTDEmptyStats(t *testing.T) {
	labels, flagged := SSTD([]float64{100}, runstats.RunStats{}, 1)
	if flagged != 0 || labels[0] != detector.Inlier {
		t.Errorf("labels = %v flagged = %d, want all inliers", labels, flagged)
	}
}
