package monitor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rewired-gh/perfwatch/internal/aggregator"
	"github.com/rewired-gh/perfwatch/internal/detector"
	"github.com/rewired-gh/perfwatch/internal/export"
	"github.com/rewired-gh/perfwatch/internal/logger"
	"github.com/rewired-gh/perfwatch/internal/metrics"
	"github.com/rewired-gh/perfwatch/internal/models"
	"github.com/rewired-gh/perfwatch/internal/runstats"
	"github.com/rewired-gh/perfwatch/internal/scoring"
	"github.com/rewired-gh/perfwatch/internal/storage"
)

var tracer = otel.Tracer("monitor")

type Config struct {
	MinSamples         int
	Workers            int
	CheckpointInterval int
}

func DefaultConfig() Config {
	return Config{
		MinSamples:         10,
		Workers:            4,
		CheckpointInterval: 10,
	}
}

// Notifier is told about every batch that produced anomalies.
type Notifier interface {
	Send(results []models.FuncResult) error
}

type Monitor struct {
	mu         sync.Mutex
	storage    *storage.Storage
	ranker     *detector.Ranker
	exporter   export.Exporter
	agg        *aggregator.Aggregator
	notifier   Notifier
	counter    export.BatchCounter
	states     map[uint64]*models.FuncState
	config     Config
	batchCount int

	// cpMu serializes checkpoints against Reset. Acquire before mu.
	cpMu sync.Mutex
}

func New(s *storage.Storage, ranker *detector.Ranker, exp export.Exporter, agg *aggregator.Aggregator, config Config) *Monitor {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.CheckpointInterval < 1 {
		config.CheckpointInterval = 1
	}
	m := &Monitor{
		storage:  s,
		ranker:   ranker,
		exporter: exp,
		agg:      agg,
		states:   make(map[uint64]*models.FuncState),
		config:   config,
	}

	persisted, err := s.LoadAllAccumulators()
	if err != nil {
		logger.Warn("Failed to load persisted accumulators: %v", err)
	} else {
		m.restore(persisted)
		logger.Info("Loaded %d persisted function states", len(m.states))
	}

	last, err := s.LastBatch()
	if err != nil {
		logger.Warn("Failed to load last batch counter: %v", err)
	} else {
		m.counter.Restore(last)
	}

	return m
}

// SetNotifier installs n; nil disables notifications.
func (m *Monitor) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

func streamID(funcID uint64, kind string) string {
	return fmt.Sprintf("func:%d:%s", funcID, kind)
}

func parseStreamID(id string) (uint64, string, bool) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 || parts[0] != "func" {
		return 0, "", false
	}
	fid, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return fid, parts[2], true
}

func (m *Monitor) restore(persisted map[string]runstats.RunStats) {
	for id, stats := range persisted {
		fid, kind, ok := parseStreamID(id)
		if !ok {
			logger.Warn("Ignoring unknown accumulator %q", id)
			continue
		}
		state := m.getOrCreateState(fid, "")
		switch kind {
		case "inclusive":
			state.Inclusive = stats
		case "exclusive":
			state.Exclusive = stats
		}
	}
}

func (m *Monitor) getOrCreateState(funcID uint64, name string) *models.FuncState {
	state, exists := m.states[funcID]
	if !exists {
		state = &models.FuncState{FuncID: funcID}
		m.states[funcID] = state
	}
	if name != "" {
		state.Name = name
	}
	return state
}

func sampleCount(r runstats.RunStats) int {
	return int(math.Round(r.Count()))
}

// partition splits values into at most n contiguous chunks.
func partition(values []float64, n int) [][]float64 {
	if len(values) == 0 {
		return nil
	}
	n = min(max(n, 1), len(values))
	parts := make([][]float64, 0, n)
	size := (len(values) + n - 1) / n
	for start := 0; start < len(values); start += size {
		parts = append(parts, values[start:min(start+size, len(values))])
	}
	return parts
}

// ProcessBatch folds one batch into the running statistics, ranks every
// function with enough history and ships the outcome to the export sink.
// Results are returned in ascending function id order.
func (m *Monitor) ProcessBatch(ctx context.Context, batch *models.Batch) ([]models.FuncResult, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "ProcessBatch", trace.WithAttributes(
		attribute.Int("app", batch.AppID),
		attribute.Int("rank", batch.RankID),
		attribute.Int("step", batch.Step),
		attribute.Int("execs", len(batch.Execs)),
	))
	defer span.End()

	results, err := m.processBatch(ctx, batch)
	metrics.BatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BatchesProcessed.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	metrics.BatchesProcessed.WithLabelValues("ok").Inc()
	return results, nil
}

func (m *Monitor) processBatch(ctx context.Context, batch *models.Batch) ([]models.FuncResult, error) {
	if err := batch.Validate(); err != nil {
		return nil, &detector.ValidationError{Field: "batch", Reason: err.Error()}
	}
	metrics.ExecsIngested.Add(float64(len(batch.Execs)))

	groups, ids := batch.ByFunction()
	type partial struct {
		values    []float64
		inclusive runstats.RunStats
		exclusive runstats.RunStats
	}
	partials := make(map[uint64]partial, len(ids))
	for _, fid := range ids {
		execs := groups[fid]
		incl := make([]float64, len(execs))
		excl := make([]float64, len(execs))
		for i := range execs {
			incl[i] = execs[i].Inclusive()
			excl[i] = execs[i].ExclusiveTime()
		}
		inclStats, err := runstats.AccumulateParallel(ctx, partition(incl, m.config.Workers), m.config.Workers)
		if err != nil {
			return nil, fmt.Errorf("failed to accumulate function %d: %w", fid, err)
		}
		exclStats, err := runstats.AccumulateParallel(ctx, partition(excl, m.config.Workers), m.config.Workers)
		if err != nil {
			return nil, fmt.Errorf("failed to accumulate function %d: %w", fid, err)
		}
		partials[fid] = partial{values: incl, inclusive: inclStats, exclusive: exclStats}
	}

	m.mu.Lock()
	batchNo := m.counter.Next()
	now := time.Now()
	var results []models.FuncResult
	totalAnomalies := 0

	for _, fid := range ids {
		execs := groups[fid]
		p := partials[fid]
		state := m.getOrCreateState(fid, execs[0].FuncName)
		state.Inclusive = state.Inclusive.Merge(p.inclusive)
		state.Exclusive = state.Exclusive.Merge(p.exclusive)
		state.UpdatedAt = now

		nAnomaly := 0
		if sampleCount(state.Inclusive) >= m.config.MinSamples {
			scores := scoring.ZScores(p.values, state.Inclusive)
			res, err := m.rank(p.values, scores, state.Inclusive)
			if err != nil {
				m.mu.Unlock()
				return nil, fmt.Errorf("failed to rank function %d: %w", fid, err)
			}
			nAnomaly = res.AnomalousCount
			state.Inclusive.AddAbnormal(int64(nAnomaly))

			execIDs := make([]string, len(execs))
			for i := range execs {
				execIDs[i] = execs[i].ID
			}
			results = append(results, models.FuncResult{
				Batch:      batchNo,
				Step:       batch.Step,
				AppID:      batch.AppID,
				RankID:     batch.RankID,
				FuncID:     fid,
				FuncName:   state.Name,
				N:          len(execs),
				Mean:       state.Inclusive.Mean(),
				StdDev:     state.Inclusive.StdDev(),
				Result:     res,
				Scores:     scores,
				Labels:     res.Labels(),
				ExecIDs:    execIDs,
				DetectedAt: now,
			})
		} else {
			logger.Debug("Function %d (%s) has %d samples, waiting for %d",
				fid, state.Name, sampleCount(state.Inclusive), m.config.MinSamples)
		}
		totalAnomalies += nAnomaly

		m.agg.UpdateFunc(aggregator.FuncUpdate{
			FuncID:    fid,
			Name:      state.Name,
			NAnomaly:  nAnomaly,
			Inclusive: p.inclusive,
			Exclusive: p.exclusive,
		})
	}

	m.batchCount++
	checkpointDue := m.batchCount%m.config.CheckpointInterval == 0
	metrics.TrackedFunctions.Set(float64(len(m.states)))
	notifier := m.notifier
	m.mu.Unlock()

	minTS, maxTS := batch.MinMaxTS()
	if err := m.agg.AddAnomalyData(aggregator.AnomalyData{
		AppID:      batch.AppID,
		RankID:     batch.RankID,
		Step:       batch.Step,
		MinTS:      minTS,
		MaxTS:      maxTS,
		NAnomalies: totalAnomalies,
	}); err != nil {
		logger.Warn("Failed to record anomaly data for batch %d: %v", batchNo, err)
	}
	metrics.Anomalies.WithLabelValues(m.ranker.Strategy().String()).Add(float64(totalAnomalies))

	if err := m.storage.SaveLastBatch(batchNo); err != nil {
		logger.Warn("Failed to persist batch counter %d: %v", batchNo, err)
	}
	m.recordBatch(results)
	m.exportBatch(ctx, batchNo, groups, results)

	logger.Info("Batch %d (app %d, rank %d, step %d): %d execs, %d functions ranked, %d anomalies",
		batchNo, batch.AppID, batch.RankID, batch.Step, len(batch.Execs), len(results), totalAnomalies)

	if totalAnomalies > 0 && notifier != nil {
		if err := notifier.Send(results); err != nil {
			logger.Error("Failed to send anomaly notification: %v", err)
		}
	}

	if checkpointDue {
		m.checkpoint()
	}

	return results, nil
}

// rank scores one function's samples against its running statistics.
func (m *Monitor) rank(values, scores []float64, stats runstats.RunStats) (*detector.Result, error) {
	in := detector.Input{N: len(values), Scores: scores}
	if m.ranker.Strategy() == detector.StrategyMask {
		in.Labels, in.Flagged = scoring.SSTD(values, stats, m.ranker.Sigma())
	}
	return m.ranker.Rank(in)
}

func (m *Monitor) recordBatch(results []models.FuncResult) {
	for _, r := range results {
		rec := &storage.BatchRecord{
			Batch:     r.Batch,
			Step:      r.Step,
			FuncID:    r.FuncID,
			FuncName:  r.FuncName,
			N:         r.N,
			Anomalous: r.Result.AnomalousCount,
			Strategy:  r.Result.Summary.StrategyName,
			Threshold: r.Result.Summary.ThresholdDescription,
			CreatedAt: r.DetectedAt,
		}
		if err := m.storage.AddBatchRecord(rec); err != nil {
			logger.Warn("Failed to record batch %d function %d: %v", r.Batch, r.FuncID, err)
		}
	}
}

func (m *Monitor) exportBatch(ctx context.Context, batchNo uint64, groups map[uint64][]models.Exec, results []models.FuncResult) {
	info := export.Info{Events: []export.Event{}, FOI: []uint64{}, Labels: []int{}}
	functions := make(map[string]string, len(results))
	anomalous := []string{}

	for _, r := range results {
		functions[strconv.FormatUint(r.FuncID, 10)] = r.FuncName
		if r.Result.AnomalousCount > 0 {
			info.FOI = append(info.FOI, r.FuncID)
		}
		execs := groups[r.FuncID]
		for i := range execs {
			e := execs[i]
			info.Events = append(info.Events, export.Event{
				ID:        e.ID,
				AppID:     e.AppID,
				RankID:    e.RankID,
				ThreadID:  e.ThreadID,
				FuncID:    e.FuncID,
				Entry:     e.Entry,
				Exit:      e.Exit,
				Exclusive: e.ExclusiveTime(),
				Score:     r.Scores[i],
			})
			info.Labels = append(info.Labels, int(r.Labels[i]))
		}
		for _, idx := range r.Result.Anomalous {
			anomalous = append(anomalous, r.ExecIDs[idx])
		}
	}

	msgs := []export.Message{
		{Type: export.TypeFunctions, Value: functions, Counter: batchNo},
		{Type: export.TypeInfo, Value: info, Counter: batchNo},
		{Type: export.TypeLabels, Value: anomalous, Counter: batchNo},
	}
	for _, msg := range msgs {
		if err := m.exporter.Export(ctx, msg); err != nil {
			metrics.Exports.WithLabelValues(msg.Type, "error").Inc()
			logger.Warn("Failed to export %s for batch %d: %v", msg.Type, batchNo, err)
			continue
		}
		metrics.Exports.WithLabelValues(msg.Type, "ok").Inc()
	}
}

// Reset drops every running statistic and tells the export sink to do the same.
func (m *Monitor) Reset(ctx context.Context) error {
	m.cpMu.Lock()
	m.mu.Lock()
	m.states = make(map[uint64]*models.FuncState)
	batchNo := m.counter.Current()
	metrics.TrackedFunctions.Set(0)
	m.mu.Unlock()

	if err := m.storage.ClearAccumulators(); err != nil {
		logger.Warn("Failed to clear persisted accumulators: %v", err)
	}
	m.cpMu.Unlock()
	m.agg.Reset()
	if err := m.exporter.Export(ctx, export.Reset(batchNo)); err != nil {
		metrics.Exports.WithLabelValues(export.TypeReset, "error").Inc()
		return fmt.Errorf("failed to export reset: %w", err)
	}
	metrics.Exports.WithLabelValues(export.TypeReset, "ok").Inc()
	logger.Info("Running statistics reset at batch %d", batchNo)
	return nil
}

// State returns a copy of one function's running state.
func (m *Monitor) State(funcID uint64) (models.FuncState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[funcID]
	if !ok {
		return models.FuncState{}, false
	}
	return *state, true
}

// BatchCount returns the last batch number handed out.
func (m *Monitor) BatchCount() uint64 {
	return m.counter.Current()
}

func (m *Monitor) checkpoint() {
	m.cpMu.Lock()
	defer m.cpMu.Unlock()

	m.mu.Lock()
	snapshot := make(map[uint64]models.FuncState, len(m.states))
	for fid, state := range m.states {
		snapshot[fid] = *state
	}
	m.mu.Unlock()

	for fid, state := range snapshot {
		if err := m.storage.SaveAccumulator(streamID(fid, "inclusive"), state.Inclusive); err != nil {
			logger.Warn("Failed to checkpoint function %d: %v", fid, err)
		}
		if err := m.storage.SaveAccumulator(streamID(fid, "exclusive"), state.Exclusive); err != nil {
			logger.Warn("Failed to checkpoint function %d: %v", fid, err)
		}
	}
	if err := m.storage.RotateBatches(); err != nil {
		logger.Warn("Failed to rotate batch records: %v", err)
	}
}

func (m *Monitor) Shutdown() {
	m.mu.Lock()
	n := len(m.states)
	m.mu.Unlock()
	logger.Info("Checkpointing %d function states before shutdown", n)
	m.checkpoint()
}
