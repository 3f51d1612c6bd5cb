// Package metrics exposes Prometheus collectors for the detection pipeline.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BatchesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "perfwatch_batches_processed_total", Help: "Batches run through the pipeline"},
		[]string{"status"},
	)
	ExecsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "perfwatch_execs_ingested_total", Help: "Function executions received"},
	)
	Anomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "perfwatch_anomalies_total", Help: "Executions classified anomalous"},
		[]string{"strategy"},
	)
	Exports = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "perfwatch_exports_total", Help: "Messages handed to the export sink"},
		[]string{"type", "status"},
	)
	TrackedFunctions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "perfwatch_tracked_functions", Help: "Functions with running statistics"},
	)
	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "perfwatch_batch_duration_seconds",
			Help:    "Time spent processing one batch",
			Buckets: prometheus.DefBuckets,
		},
	)
)

var registerOnce sync.Once

// MustRegister registers every collector with the default registry. It is
// safe to call more than once.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(BatchesProcessed, ExecsIngested, Anomalies, Exports, TrackedFunctions, BatchDuration)
	})
}

func Handler() http.Handler { return promhttp.Handler() }
