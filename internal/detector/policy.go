package detector

import (
	"fmt"
	"math"
	"strconv"
)

// Policy decides how many samples of a batch are treated as anomalous.
type Policy struct {
	// FixedCount > 0 selects exactly this many top samples.
	FixedCount int
	// Fraction is used only when FixedCount <= 0.
	Fraction float64
}

// NewPolicy validates the contamination settings.
func NewPolicy(fixedCount int, fraction float64) (Policy, error) {
	p := Policy{FixedCount: fixedCount, Fraction: fraction}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks the policy. Fraction is only checked when it is in use.
func (p Policy) Validate() error {
	if p.FixedCount < 0 {
		return &ConfigurationError{Key: "fix_contamination", Reason: "must not be negative"}
	}
	if p.FixedCount == 0 && (math.IsNaN(p.Fraction) || p.Fraction <= 0 || p.Fraction > 1) {
		return &ConfigurationError{Key: "contamination", Reason: "must be in (0, 1]"}
	}
	return nil
}

// EffectiveCount returns the number of anomalous samples for a batch of n,
// always in [0, n].
func (p Policy) EffectiveCount(n int) int {
	if n <= 0 {
		return 0
	}
	if p.FixedCount > 0 {
		return min(p.FixedCount, n)
	}
	k := int(math.Round(p.Fraction * float64(n)))
	return max(0, min(k, n))
}

// Describe returns the threshold annotation used in summaries, e.g. "top 3"
// or "5%".
func (p Policy) Describe() string {
	if p.FixedCount > 0 {
		return fmt.Sprintf("top %d", p.FixedCount)
	}
	pct := math.Round(p.Fraction*1e6) / 1e4
	return strconv.FormatFloat(pct, 'f', -1, 64) + "%"
}
