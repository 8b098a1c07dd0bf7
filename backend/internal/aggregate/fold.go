package aggregate

import (
	"math"
	"time"

	"nexo/backend/internal/issues"
)

// StanceKeyLength is the number of runes of stance text that name a histogram bucket.
const StanceKeyLength = 50

// Contribution is one user's stance on one canonical issue, as folded into
// the issue's aggregate.
type Contribution struct {
	Stance     string
	Intensity  float64
	Confidence issues.Confidence
}

// ConfidenceWeight maps the extractor's confidence to an energy multiplier.
// Unknown values get 0.5.
func ConfidenceWeight(c issues.Confidence) float64 {
	switch c {
	case issues.ConfidenceHigh:
		return 1.0
	case issues.ConfidenceMedium:
		return 0.6
	case issues.ConfidenceLow:
		return 0.3
	default:
		return 0.5
	}
}

// ClampIntensity forces intensity into [0,1]; NaN becomes 0.
func ClampIntensity(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Weight is the energy a contribution adds to its issue.
func (c Contribution) Weight() float64 {
	return ClampIntensity(c.Intensity) * ConfidenceWeight(c.Confidence)
}

// StanceKey truncates stance text to its histogram bucket key.
func StanceKey(stance string) string {
	runes := []rune(stance)
	if len(runes) <= StanceKeyLength {
		return stance
	}
	return string(runes[:StanceKeyLength])
}

// Consensus is the share of stances in the largest bucket, or 0 for an
// empty histogram.
func Consensus(histogram map[string]int) float64 {
	total, largest := 0, 0
	for _, n := range histogram {
		total += n
		if n > largest {
			largest = n
		}
	}
	if total == 0 {
		return 0
	}
	return float64(largest) / float64(total)
}

// FoldIssue returns existing with c folded in. existing is never mutated;
// nil starts a fresh row. Version is carried over for the caller's CAS write.
func FoldIssue(existing *issues.AggregateIssue, canonicalID string, c Contribution) issues.AggregateIssue {
	key := StanceKey(c.Stance)
	now := time.Now().UTC()

	if existing == nil {
		return issues.AggregateIssue{
			CanonicalIssueID: canonicalID,
			TotalUsers:       1,
			EnergyScore:      c.Weight(),
			StanceHistogram:  map[string]int{key: 1},
			ConsensusScore:   1.0,
			UpdatedAt:        now,
		}
	}

	histogram := make(map[string]int, len(existing.StanceHistogram)+1)
	for k, v := range existing.StanceHistogram {
		histogram[k] = v
	}
	histogram[key]++

	return issues.AggregateIssue{
		CanonicalIssueID: existing.CanonicalIssueID,
		TotalUsers:       existing.TotalUsers + 1,
		EnergyScore:      existing.EnergyScore + c.Weight(),
		StanceHistogram:  histogram,
		ConsensusScore:   Consensus(histogram),
		Version:          existing.Version,
		UpdatedAt:        now,
	}
}

// FoldConnection returns existing with one more observation of the pair.
// a and b must already be in canonical order.
func FoldConnection(existing *issues.AggregateConnection, a, b string) issues.AggregateConnection {
	now := time.Now().UTC()
	if existing == nil {
		return issues.AggregateConnection{
			IssueAID:    a,
			IssueBID:    b,
			TotalWeight: 1,
			UserCount:   1,
			UpdatedAt:   now,
		}
	}
	return issues.AggregateConnection{
		IssueAID:    existing.IssueAID,
		IssueBID:    existing.IssueBID,
		TotalWeight: existing.TotalWeight + 1,
		UserCount:   existing.UserCount + 1,
		Version:     existing.Version,
		UpdatedAt:   now,
	}
}
