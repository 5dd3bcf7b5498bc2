package normalize

import (
	"math"
	"time"
)

// Signals is the evidence that feeds a confidence score.
type Signals struct {
	// Base is the provider-supplied or inferred confidence before adjustments.
	Base float64
	// Corroborations counts independent signals that support the match.
	Corroborations int
	// ReuseCount is how many people share the identifier (ambiguity).
	ReuseCount int
	// Age is how long ago the evidence was last observed active.
	Age time.Duration
}

// Scoring tunes the confidence function.
type Scoring struct {
	// CommonThreshold is the reuse count at which ambiguity discounts start.
	CommonThreshold int
	// StaleAfter is the age at which freshness discounts start.
	StaleAfter time.Duration
	// CorroborationWeight is the share of remaining doubt each corroboration removes.
	CorroborationWeight float64
}

// DefaultScoring returns the production scoring parameters.
func DefaultScoring() Scoring {
	return Scoring{
		CommonThreshold:     5,
		StaleAfter:          2 * 365 * 24 * time.Hour,
		CorroborationWeight: 0.2,
	}
}

// Score computes a confidence in [0,1].
// Ambiguity and staleness scale the base down to at most half; each corroboration then
// removes a fixed share of the remaining doubt, so adding one never lowers the score.
func (s Scoring) Score(sig Signals) float64 {
	c := clamp01(sig.Base)
	c *= s.ambiguityFactor(sig.ReuseCount)
	c *= s.freshnessFactor(sig.Age)

	if sig.Corroborations > 0 && s.CorroborationWeight > 0 {
		doubt := (1 - c) * math.Pow(1-clamp01(s.CorroborationWeight), float64(sig.Corroborations))
		c = 1 - doubt
	}
	return clamp01(c)
}

func (s Scoring) ambiguityFactor(reuse int) float64 {
	if s.CommonThreshold <= 0 || reuse <= s.CommonThreshold {
		return 1
	}
	f := 1 - 0.1*math.Log2(float64(reuse)/float64(s.CommonThreshold))
	return math.Max(0.5, f)
}

func (s Scoring) freshnessFactor(age time.Duration) float64 {
	if s.StaleAfter <= 0 || age <= s.StaleAfter {
		return 1
	}
	years := (age - s.StaleAfter).Hours() / (365 * 24)
	return math.Max(0.5, 1-0.1*years)
}

// Combine merges independent per-source confidences as 1 - Π(1 - cᵢ), capped at 1.
func Combine(confidences ...float64) float64 {
	doubt := 1.0
	for _, c := range confidences {
		doubt *= 1 - clamp01(c)
	}
	return clamp01(1 - doubt)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
