// Package detector partitions a scored batch into anomalous and normal
// samples under a contamination policy.
package detector

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Strategy selects how a batch is classified.
type Strategy int

const (
	// StrategyRanked sorts continuous scores (higher = more anomalous) and
	// labels the top EffectiveCount(n) samples anomalous.
	StrategyRanked Strategy = iota
	// StrategyMask takes per-sample labels computed by the scorer as-is.
	StrategyMask
)

func (s Strategy) String() string {
	switch s {
	case StrategyRanked:
		return "ranked-contamination"
	case StrategyMask:
		return "mask-threshold"
	default:
		return "unknown"
	}
}

// ParseStrategy accepts the configuration names of the strategies.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ranked-contamination", "ranked", "lof":
		return StrategyRanked, nil
	case "mask-threshold", "mask", "sstd":
		return StrategyMask, nil
	default:
		return 0, &ConfigurationError{Key: "strategy", Reason: fmt.Sprintf("unknown strategy %q", name)}
	}
}

// Label is the per-sample verdict of a discrete scorer.
type Label int8

const (
	Outlier Label = -1
	Inlier  Label = 1
)

func (l Label) String() string {
	switch l {
	case Outlier:
		return "outlier"
	case Inlier:
		return "inlier"
	default:
		return "invalid"
	}
}

// Config holds the ranker settings.
type Config struct {
	Strategy   Strategy
	FixedCount int
	Fraction   float64
	// Sigma is reported in mask-threshold summaries.
	Sigma float64
}

// Input is one batch to classify. Scores and Labels are aligned index for
// index with the samples.
type Input struct {
	N      int
	Scores []float64
	Labels []Label
	// Flagged is the number of samples the scorer already judged abnormal.
	Flagged int
}

// Summary describes how a result was produced, for labelling on export.
type Summary struct {
	StrategyName         string  `json:"strategy"`
	ThresholdDescription string  `json:"threshold"`
	FixedCount           int     `json:"fixed_count,omitempty"`
	Fraction             float64 `json:"fraction,omitempty"`
	Degenerate           bool    `json:"degenerate,omitempty"`
}

// Result is the partition of {0..N-1}.
type Result struct {
	Strategy       Strategy  `json:"-"`
	OrderedIndices []int     `json:"ordered_indices"`
	Anomalous      []int     `json:"anomalous"`
	Normal         []int     `json:"normal"`
	AnomalousCount int       `json:"anomalous_count"`
	Scores         []float64 `json:"scores,omitempty"`
	Summary        Summary   `json:"summary"`
}

// Labels returns the verdicts in original sample order.
func (r *Result) Labels() []Label {
	labels := make([]Label, len(r.OrderedIndices))
	for i := range labels {
		labels[i] = Inlier
	}
	for _, idx := range r.Anomalous {
		labels[idx] = Outlier
	}
	return labels
}

// Ranker classifies batches. It holds no per-batch state and is safe for
// concurrent use.
type Ranker struct {
	strategy Strategy
	policy   Policy
	sigma    float64
}

// New validates cfg and returns a Ranker.
func New(cfg Config) (*Ranker, error) {
	if cfg.Strategy != StrategyRanked && cfg.Strategy != StrategyMask {
		return nil, &ConfigurationError{Key: "strategy", Reason: fmt.Sprintf("unknown strategy %d", cfg.Strategy)}
	}
	policy, err := NewPolicy(cfg.FixedCount, cfg.Fraction)
	if err != nil {
		return nil, err
	}
	return &Ranker{strategy: cfg.Strategy, policy: policy, sigma: cfg.Sigma}, nil
}

// Strategy returns the configured strategy.
func (r *Ranker) Strategy() Strategy {
	return r.strategy
}

// Policy returns the contamination policy.
func (r *Ranker) Policy() Policy {
	return r.policy
}

// Sigma returns the configured mask-threshold width.
func (r *Ranker) Sigma() float64 {
	return r.sigma
}

// Rank partitions in. It fails with a *ValidationError on malformed input.
func (r *Ranker) Rank(in Input) (*Result, error) {
	if err := r.validate(in); err != nil {
		return nil, err
	}
	switch r.strategy {
	case StrategyMask:
		return r.rankMask(in), nil
	default:
		return r.rankScores(in), nil
	}
}

func (r *Ranker) validate(in Input) error {
	if in.N < 1 {
		return &ValidationError{Field: "n", Reason: fmt.Sprintf("sample count must be at least 1, got %d", in.N)}
	}
	if r.strategy == StrategyRanked || len(in.Scores) > 0 {
		if len(in.Scores) != in.N {
			return &ValidationError{Field: "scores", Reason: fmt.Sprintf("length %d does not match sample count %d", len(in.Scores), in.N)}
		}
	}
	for i, s := range in.Scores {
		if math.IsNaN(s) {
			return &ValidationError{Field: "scores", Reason: fmt.Sprintf("score %d is NaN", i)}
		}
	}
	if r.strategy == StrategyMask || len(in.Labels) > 0 {
		if len(in.Labels) != in.N {
			return &ValidationError{Field: "labels", Reason: fmt.Sprintf("length %d does not match sample count %d", len(in.Labels), in.N)}
		}
	}
	for i, l := range in.Labels {
		if l != Inlier && l != Outlier {
			return &ValidationError{Field: "labels", Reason: fmt.Sprintf("label %d has invalid value %d", i, l)}
		}
	}
	if in.Flagged < 0 {
		return &ValidationError{Field: "flagged", Reason: "must not be negative"}
	}
	return nil
}

func (r *Ranker) rankScores(in Input) *Result {
	n := in.N
	k := r.policy.EffectiveCount(n)

	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(i, j int) bool {
		return in.Scores[perm[i]] > in.Scores[perm[j]]
	})

	scores := make([]float64, n)
	for i, idx := range perm {
		scores[i] = in.Scores[idx]
	}

	flagged := max(in.Flagged, countOutliers(in.Labels))

	return &Result{
		Strategy:       StrategyRanked,
		OrderedIndices: perm,
		Anomalous:      append([]int(nil), perm[:k]...),
		Normal:         append([]int(nil), perm[k:]...),
		AnomalousCount: k,
		Scores:         scores,
		Summary: Summary{
			StrategyName:         StrategyRanked.String(),
			ThresholdDescription: "contamination " + r.policy.Describe(),
			FixedCount:           r.policy.FixedCount,
			Fraction:             r.fractionInUse(),
			Degenerate:           n <= flagged || n <= k,
		},
	}
}

func (r *Ranker) rankMask(in Input) *Result {
	n := in.N
	ordered := make([]int, n)
	anomalous := []int{}
	normal := []int{}
	for i, l := range in.Labels {
		ordered[i] = i
		if l == Outlier {
			anomalous = append(anomalous, i)
		} else {
			normal = append(normal, i)
		}
	}

	var scores []float64
	if len(in.Scores) > 0 {
		scores = append([]float64(nil), in.Scores...)
	}

	desc := "sigma " + strconv.FormatFloat(r.sigma, 'f', -1, 64)
	if r.policy.FixedCount > 0 {
		desc += ", contamination " + r.policy.Describe()
	}

	return &Result{
		Strategy:       StrategyMask,
		OrderedIndices: ordered,
		Anomalous:      anomalous,
		Normal:         normal,
		AnomalousCount: len(anomalous),
		Scores:         scores,
		Summary: Summary{
			StrategyName:         StrategyMask.String(),
			ThresholdDescription: desc,
			FixedCount:           r.policy.FixedCount,
			Degenerate:           n <= len(anomalous),
		},
	}
}

func (r *Ranker) fractionInUse() float64 {
	if r.policy.FixedCount > 0 {
		return 0
	}
	return r.policy.Fraction
}

func countOutliers(labels []Label) int {
	n := 0
	for _, l := range labels {
		if l == Outlier {
			n++
		}
	}
	return n
}

// Reorder applies perm to a payload that travels with the scores.
func Reorder[T any](items []T, perm []int) ([]T, error) {
	if len(items) != len(perm) {
		return nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("length %d does not match permutation length %d", len(items), len(perm))}
	}
	out := make([]T, len(perm))
	for i, idx := range perm {
		if idx < 0 || idx >= len(items) {
			return nil, &ValidationError{Field: "permutation", Reason: fmt.Sprintf("index %d out of range", idx)}
		}
		out[i] = items[idx]
	}
	return out, nil
}
