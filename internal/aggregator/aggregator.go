// Package aggregator keeps process-wide statistics merged from every batch:
// per-function runtime moments and per "app:rank" anomaly counts.
package aggregator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rewired-gh/perfwatch/internal/runstats"
)

// AnomalyData is the anomaly count one rank reported for one step.
type AnomalyData struct {
	AppID      int   `json:"app"`
	RankID     int   `json:"rank"`
	Step       int   `json:"step"`
	MinTS      int64 `json:"min_timestamp"`
	MaxTS      int64 `json:"max_timestamp"`
	NAnomalies int   `json:"n_anomalies"`
}

// StatID is the "app:rank" key anomaly data is grouped under.
func (d AnomalyData) StatID() string {
	return fmt.Sprintf("%d:%d", d.AppID, d.RankID)
}

// FuncUpdate carries one function's partial statistics.
type FuncUpdate struct {
	FuncID    uint64            `json:"fid"`
	Name      string            `json:"name"`
	NAnomaly  int               `json:"n_anomaly"`
	Inclusive runstats.RunStats `json:"inclusive"`
	Exclusive runstats.RunStats `json:"exclusive"`
}

// Partial is what a remote process sends to be folded into the global view.
type Partial struct {
	Anomalies []AnomalyData `json:"anomalies"`
	Funcs     []FuncUpdate  `json:"funcs"`
}

// AnomalyEntry summarizes one "app:rank" stream.
type AnomalyEntry struct {
	Key      string            `json:"key"`
	Stats    runstats.RunStats `json:"stats"`
	LastStep int               `json:"last_step"`
	MinTS    int64             `json:"min_timestamp"`
	MaxTS    int64             `json:"max_timestamp"`
	Data     []AnomalyData     `json:"data"`
}

// FuncEntry summarizes one function across all batches.
type FuncEntry struct {
	FuncID    uint64            `json:"fid"`
	Name      string            `json:"name"`
	Anomaly   runstats.RunStats `json:"stats"`
	Inclusive runstats.RunStats `json:"inclusive"`
	Exclusive runstats.RunStats `json:"exclusive"`
}

// Report is the collected global view.
type Report struct {
	Anomaly []AnomalyEntry `json:"anomaly"`
	Func    []FuncEntry    `json:"func"`
}

type anomalyStat struct {
	stats    runstats.RunStats
	lastStep int
	minTS    int64
	maxTS    int64
	pending  []AnomalyData
}

type funcStat struct {
	name      string
	anomaly   runstats.RunStats
	inclusive runstats.RunStats
	exclusive runstats.RunStats
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	mu        sync.Mutex
	anomalies map[string]*anomalyStat
	funcs     map[uint64]*funcStat
}

func New() *Aggregator {
	return &Aggregator{
		anomalies: make(map[string]*anomalyStat),
		funcs:     make(map[uint64]*funcStat),
	}
}

// UpdateFunc merges one function's partial statistics.
func (a *Aggregator) UpdateFunc(u FuncUpdate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updateFuncLocked(u)
}

func (a *Aggregator) updateFuncLocked(u FuncUpdate) {
	fs, ok := a.funcs[u.FuncID]
	if !ok {
		fs = &funcStat{}
		a.funcs[u.FuncID] = fs
	}
	if u.Name != "" {
		fs.name = u.Name
	}
	fs.anomaly.Add(float64(u.NAnomaly))
	fs.inclusive = fs.inclusive.Merge(u.Inclusive)
	fs.exclusive = fs.exclusive.Merge(u.Exclusive)
}

// AddAnomalyData records one rank's anomaly count for one step.
func (a *Aggregator) AddAnomalyData(d AnomalyData) error {
	if d.NAnomalies < 0 {
		return errors.New("anomaly count must not be negative")
	}
	if d.MaxTS < d.MinTS {
		return errors.New("max timestamp must be >= min timestamp")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addAnomalyLocked(d)
	return nil
}

func (a *Aggregator) addAnomalyLocked(d AnomalyData) {
	key := d.StatID()
	as, ok := a.anomalies[key]
	if !ok {
		as = &anomalyStat{minTS: d.MinTS, maxTS: d.MaxTS, lastStep: d.Step}
		a.anomalies[key] = as
	}
	as.stats.Add(float64(d.NAnomalies))
	as.lastStep = max(as.lastStep, d.Step)
	as.minTS = min(as.minTS, d.MinTS)
	as.maxTS = max(as.maxTS, d.MaxTS)
	as.pending = append(as.pending, d)
}

// MergeReport folds a partial report from another process. The whole
// report is validated before anything is applied.
func (a *Aggregator) MergeReport(p Partial) error {
	for i, d := range p.Anomalies {
		if d.NAnomalies < 0 || d.MaxTS < d.MinTS {
			return fmt.Errorf("anomaly entry %d is invalid", i)
		}
	}
	for i, u := range p.Funcs {
		if u.NAnomaly < 0 {
			return fmt.Errorf("function entry %d has a negative anomaly count", i)
		}
		if err := u.Inclusive.Validate(); err != nil {
			return fmt.Errorf("function entry %d inclusive stats: %w", i, err)
		}
		if err := u.Exclusive.Validate(); err != nil {
			return fmt.Errorf("function entry %d exclusive stats: %w", i, err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range p.Anomalies {
		a.addAnomalyLocked(d)
	}
	for _, u := range p.Funcs {
		a.updateFuncLocked(u)
	}
	return nil
}

// Collect returns the global view sorted by key and function id. Anomaly
// data received since the previous Collect is returned once and then dropped.
func (a *Aggregator) Collect() Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := Report{
		Anomaly: make([]AnomalyEntry, 0, len(a.anomalies)),
		Func:    make([]FuncEntry, 0, len(a.funcs)),
	}
	for key, as := range a.anomalies {
		r.Anomaly = append(r.Anomaly, AnomalyEntry{
			Key:      key,
			Stats:    as.stats,
			LastStep: as.lastStep,
			MinTS:    as.minTS,
			MaxTS:    as.maxTS,
			Data:     as.pending,
		})
		as.pending = nil
	}
	for id, fs := range a.funcs {
		r.Func = append(r.Func, FuncEntry{
			FuncID:    id,
			Name:      fs.name,
			Anomaly:   fs.anomaly,
			Inclusive: fs.inclusive,
			Exclusive: fs.exclusive,
		})
	}
	sort.Slice(r.Anomaly, func(i, j int) bool { return r.Anomaly[i].Key < r.Anomaly[j].Key })
	sort.Slice(r.Func, func(i, j int) bool { return r.Func[i].FuncID < r.Func[j].FuncID })
	return r
}

// Size returns the number of tracked functions and "app:rank" streams
// without draining pending data.
func (a *Aggregator) Size() (funcs, streams int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.funcs), len(a.anomalies)
}

// Reset clears every statistic.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.anomalies = make(map[string]*anomalyStat)
	a.funcs = make(map[uint64]*funcStat)
}
