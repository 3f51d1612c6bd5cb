// Package models defines the core domain entities: function executions, batches,
// per-function state and per-batch results.
package models

import (
	"errors"
	"fmt"
	"sort"
)

// Exec is one completed function call reported by an instrumented process.
// Timestamps are in microseconds.
type Exec struct {
	ID       string `json:"id" yaml:"id"`
	AppID    int    `json:"app" yaml:"app"`
	RankID   int    `json:"rank" yaml:"rank"`
	ThreadID int    `json:"thread" yaml:"thread"`
	FuncID   uint64 `json:"fid" yaml:"fid"`
	FuncName string `json:"name" yaml:"name"`
	Entry    int64  `json:"entry" yaml:"entry"`
	Exit     int64  `json:"exit" yaml:"exit"`
	// Exclusive is the runtime minus child calls; zero means no children.
	Exclusive float64 `json:"exclusive,omitempty" yaml:"exclusive,omitempty"`
}

// Inclusive returns the runtime including child calls.
func (e *Exec) Inclusive() float64 {
	return float64(e.Exit - e.Entry)
}

// ExclusiveTime returns the exclusive runtime, falling back to the inclusive
// runtime for leaf calls.
func (e *Exec) ExclusiveTime() float64 {
	if e.Exclusive > 0 {
		return e.Exclusive
	}
	return e.Inclusive()
}

// Validate checks exec field constraints.
func (e *Exec) Validate() error {
	if e.FuncName == "" {
		return errors.New("function name must not be empty")
	}
	if e.Entry < 0 {
		return errors.New("entry timestamp must not be negative")
	}
	if e.Exit < e.Entry {
		return errors.New("exit timestamp must be >= entry timestamp")
	}
	if e.Exclusive < 0 {
		return errors.New("exclusive runtime must not be negative")
	}
	if e.Exclusive > e.Inclusive() {
		return errors.New("exclusive runtime must be <= inclusive runtime")
	}
	return nil
}

// Batch is the set of executions one process reports for one io step.
type Batch struct {
	Step   int    `json:"step" yaml:"step"`
	AppID  int    `json:"app" yaml:"app"`
	RankID int    `json:"rank" yaml:"rank"`
	Execs  []Exec `json:"execs" yaml:"execs"`
}

// Validate checks the batch and every exec in it.
func (b *Batch) Validate() error {
	if b.Step < 0 {
		return errors.New("step must not be negative")
	}
	for i := range b.Execs {
		if err := b.Execs[i].Validate(); err != nil {
			return fmt.Errorf("exec %d: %w", i, err)
		}
	}
	return nil
}

// ByFunction groups execs by function id, keeping arrival order within each
// group, and returns the ids in ascending order.
func (b *Batch) ByFunction() (map[uint64][]Exec, []uint64) {
	groups := make(map[uint64][]Exec)
	for _, e := range b.Execs {
		groups[e.FuncID] = append(groups[e.FuncID], e)
	}
	ids := make([]uint64, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return groups, ids
}

// MinMaxTS returns the earliest entry and latest exit in the batch.
func (b *Batch) MinMaxTS() (int64, int64) {
	if len(b.Execs) == 0 {
		return 0, 0
	}
	lo, hi := b.Execs[0].Entry, b.Execs[0].Exit
	for _, e := range b.Execs[1:] {
		lo = min(lo, e.Entry)
		hi = max(hi, e.Exit)
	}
	return lo, hi
}
