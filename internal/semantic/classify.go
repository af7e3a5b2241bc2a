package semantic

import "math"

// RiskLevel grades how close a prompt is to a known attack.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// MaxMargin bounds the decision margin added to both cutoffs.
const MaxMargin = 0.20

// cutoffTolerance absorbs the rounding error of threshold+margin, so that
// with 0.80 and 0.02 a similarity of exactly 0.82 reaches the cutoff.
const cutoffTolerance = 1e-9

// Thresholds are the configured similarity cutoffs.
type Thresholds struct {
	Medium float64 `json:"medium" yaml:"medium"`
	High   float64 `json:"high" yaml:"high"`
	Margin float64 `json:"margin" yaml:"margin"`
}

// DefaultThresholds returns medium 0.70, high 0.80 and margin 0.02.
func DefaultThresholds() Thresholds {
	return Thresholds{Medium: 0.70, High: 0.80, Margin: 0.02}
}

// Classify maps a similarity to a risk level. Both boundaries are inclusive:
// a similarity equal to a cutoff takes the higher level.
//
// The margin is clamped to [0, MaxMargin], with non-finite values treated as
// zero. The high cutoff never falls below the medium cutoff, whatever the
// configured thresholds.
func Classify(similarity, medium, high, margin float64) RiskLevel {
	margin = NormalizeMargin(margin)
	mediumCutoff := clamp(medium+margin, 0, 1)
	highCutoff := clamp(math.Max(high, medium)+margin, mediumCutoff, 1)

	switch {
	case similarity >= highCutoff-cutoffTolerance:
		return RiskHigh
	case similarity >= mediumCutoff-cutoffTolerance:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Classify applies the thresholds to a similarity.
func (t Thresholds) Classify(similarity float64) RiskLevel {
	return Classify(similarity, t.Medium, t.High, t.Margin)
}

// NormalizeMargin clamps a margin to [0, MaxMargin]. NaN and infinities map
// to zero.
func NormalizeMargin(margin float64) float64 {
	if math.IsNaN(margin) || math.IsInf(margin, 0) {
		return 0
	}
	return clamp(margin, 0, MaxMargin)
}

// CosineSimilarity returns the cosine of the angle between a and b. Vectors
// of different lengths, empty vectors and zero vectors give 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
