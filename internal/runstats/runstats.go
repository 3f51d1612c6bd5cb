// Package runstats provides mergeable running statistics (count, sum, sum of
// squares) for a single metric stream.
package runstats

import (
	"encoding/json"
	"fmt"
	"math"
)

// ScaleFactor is applied to s0 only. Each Add contributes 1/ScaleFactor to s0,
// which keeps s0 in the same numeric range as s1 and s2 on long-running streams
// of microsecond-scale timings.
const ScaleFactor = 1000000.0

// RunStats accumulates the power sums of a sample stream. The zero value is an
// empty accumulator ready for use.
type RunStats struct {
	s0        float64
	s1        float64
	s2        float64
	nAbnormal int64
}

// Snapshot is the serialized form exchanged between processes and persisted
// across restarts.
type Snapshot struct {
	S0        float64 `json:"s0"`
	S1        float64 `json:"s1"`
	S2        float64 `json:"s2"`
	NAbnormal int64   `json:"n_abnormal"`
}

// New returns an accumulator seeded with raw power sums.
func New(s0, s1, s2 float64, nAbnormal int64) RunStats {
	if s0 < 0 {
		s0 = 0
	}
	if nAbnormal < 0 {
		nAbnormal = 0
	}
	return RunStats{s0: s0, s1: s1, s2: s2, nAbnormal: nAbnormal}
}

// FromSnapshot restores an accumulator from its serialized form.
func FromSnapshot(s Snapshot) RunStats {
	return New(s.S0, s.S1, s.S2, s.NAbnormal)
}

// Snapshot returns the serialized form of r.
func (r RunStats) Snapshot() Snapshot {
	return Snapshot{S0: r.s0, S1: r.s1, S2: r.s2, NAbnormal: r.nAbnormal}
}

func (r RunStats) String() string {
	return fmt.Sprintf("stat: s0 = %.3f, s1 = %.3f, s2 = %.3f", r.s0, r.s1, r.s2)
}

// Add records a single sample.
func (r *RunStats) Add(x float64) {
	r.s0 += 1.0 / ScaleFactor
	r.s1 += x
	r.s2 += x * x
}

// Update adds raw power sums computed elsewhere.
func (r *RunStats) Update(s0, s1, s2 float64) {
	r.s0 += s0
	r.s1 += s1
	r.s2 += s2
}

// Reset replaces the moment state. The abnormal count is left untouched.
func (r *RunStats) Reset(s0, s1, s2 float64) {
	if s0 < 0 {
		s0 = 0
	}
	r.s0 = s0
	r.s1 = s1
	r.s2 = s2
}

// AddAbnormal adds n to the abnormal count, never letting it go below zero.
func (r *RunStats) AddAbnormal(n int64) {
	r.nAbnormal += n
	if r.nAbnormal < 0 {
		r.nAbnormal = 0
	}
}

// ResetAbnormal sets the abnormal count.
func (r *RunStats) ResetAbnormal(n int64) {
	if n < 0 {
		n = 0
	}
	r.nAbnormal = n
}

// Merge returns the combination of r and o. Merge is associative and
// commutative, so partial accumulators can be combined in any order.
func (r RunStats) Merge(o RunStats) RunStats {
	return RunStats{
		s0:        r.s0 + o.s0,
		s1:        r.s1 + o.s1,
		s2:        r.s2 + o.s2,
		nAbnormal: r.nAbnormal + o.nAbnormal,
	}
}

// Stat returns the raw (s0, s1, s2) triple.
func (r RunStats) Stat() (s0, s1, s2 float64) {
	return r.s0, r.s1, r.s2
}

// Count returns the number of samples seen.
func (r RunStats) Count() float64 {
	return r.s0 * ScaleFactor
}

// Abnormal returns the abnormal count.
func (r RunStats) Abnormal() int64 {
	return r.nAbnormal
}

// Validate reports an abnormal count larger than the sample count.
func (r RunStats) Validate() error {
	if float64(r.nAbnormal) > math.Round(r.Count()) {
		return fmt.Errorf("abnormal count %d exceeds sample count %.0f", r.nAbnormal, math.Round(r.Count()))
	}
	return nil
}

// Empty reports whether no samples have been recorded.
func (r RunStats) Empty() bool {
	return r.s0 == 0
}

// Mean returns the running mean, or 0 with no samples.
func (r RunStats) Mean() float64 {
	if r.s0 == 0 {
		return 0
	}
	return r.s1 / r.Count()
}

// Variance returns the population variance, or +Inf with no samples.
// Cancellation in n*s2 - s1*s1 can produce tiny negative values when the true
// variance is near zero; they are returned as computed.
func (r RunStats) Variance() float64 {
	if r.s0 == 0 {
		return math.Inf(1)
	}
	n := r.Count()
	return (n*r.s2 - r.s1*r.s1) / (n * n)
}

// StdDev returns the population standard deviation, or +Inf with no samples.
func (r RunStats) StdDev() float64 {
	if r.s0 == 0 {
		return math.Inf(1)
	}
	n := r.Count()
	d := n*r.s2 - r.s1*r.s1
	if d < 0 {
		d = 0
	}
	return math.Sqrt(d) / n
}

func (r RunStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Snapshot())
}

func (r *RunStats) UnmarshalJSON(b []byte) error {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("failed to decode run stats: %w", err)
	}
	*r = FromSnapshot(s)
	return nil
}
