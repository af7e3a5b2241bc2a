// Package bias scores text for stereotyping language with weighted keyword
// rules. The score is evidence only; the gateway never blocks on it.
package bias

import (
	"math"
	"sort"
	"strings"
)

// Level is the bias risk level.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// Category groups related terms.
type Category string

const (
	Gender        Category = "gender"
	RaceEthnicity Category = "race_ethnicity"
	Age           Category = "age"
	Religion      Category = "religion"
	Disability    Category = "disability"
	SocioEconomic Category = "socio_economic"
)

// DefaultThreshold is the medium-risk score when none is configured.
const DefaultThreshold = 0.35

type rule struct {
	category Category
	terms    []string
	weight   float64
	hint     string
}

var rules = []rule{
	{
		category: Gender,
		terms:    []string{"women are bad at", "men are naturally better", "female drivers"},
		weight:   0.35,
		hint:     "Avoid gender generalizations and attribute behavior to individuals.",
	},
	{
		category: RaceEthnicity,
		terms:    []string{"those people are", "all immigrants", "racially inferior"},
		weight:   0.45,
		hint:     "Avoid race/ethnicity stereotypes and use evidence-based wording.",
	},
	{
		category: Age,
		terms:    []string{"too old to", "young people are lazy", "elderly cannot"},
		weight:   0.30,
		hint:     "Reframe age assumptions as role-specific skill criteria.",
	},
	{
		category: Religion,
		terms:    []string{"all muslims", "all christians", "religion makes people"},
		weight:   0.40,
		hint:     "Use respectful, non-generalizing language about faith groups.",
	},
	{
		category: Disability,
		terms:    []string{"disabled people cannot", "wheelchair bound people are"},
		weight:   0.40,
		hint:     "Use person-first wording and avoid assumptions about capability.",
	},
	{
		category: SocioEconomic,
		terms:    []string{"poor people are lazy", "low income people are dishonest"},
		weight:   0.35,
		hint:     "Avoid socioeconomic stereotyping and reference context factors.",
	},
}

// Result is the outcome of a scan. Categories and MitigationHints are
// sorted; MatchedTerms are in rule order.
type Result struct {
	Score           float64    `json:"score"`
	Level           Level      `json:"level"`
	Categories      []Category `json:"categories"`
	MatchedTerms    []string   `json:"matched_terms"`
	MitigationHints []string   `json:"mitigation_hints"`
}

// Scanner holds the default medium-risk threshold.
type Scanner struct {
	threshold float64
}

// NewScanner creates a scanner. The threshold is clamped to [0,1]; a
// non-finite value means DefaultThreshold.
func NewScanner(threshold float64) *Scanner {
	return &Scanner{threshold: normalizeThreshold(threshold, DefaultThreshold)}
}

// Threshold returns the default threshold.
func (s *Scanner) Threshold() float64 { return s.threshold }

// Scan scores text with the scanner's threshold.
func (s *Scanner) Scan(text string) Result {
	return s.ScanWithThreshold(text, math.NaN())
}

// ScanWithThreshold scores text with a per-call threshold override. A
// non-finite override falls back to the scanner's threshold.
func (s *Scanner) ScanWithThreshold(text string, override float64) Result {
	threshold := normalizeThreshold(override, s.threshold)
	normalized := strings.ToLower(text)

	var (
		score   float64
		matched = []string{}
		cats    = map[Category]bool{}
		hints   = map[string]bool{}
	)
	for _, r := range rules {
		for _, term := range r.terms {
			if strings.Contains(normalized, term) {
				score += r.weight
				matched = append(matched, term)
				cats[r.category] = true
				hints[r.hint] = true
			}
		}
	}
	score = math.Min(score, 1)

	level := LevelLow
	switch {
	case score >= HighCutoff(threshold):
		level = LevelHigh
	case score >= threshold:
		level = LevelMedium
	}

	res := Result{
		Score:           score,
		Level:           level,
		Categories:      make([]Category, 0, len(cats)),
		MatchedTerms:    matched,
		MitigationHints: make([]string, 0, len(hints)),
	}
	for c := range cats {
		res.Categories = append(res.Categories, c)
	}
	sort.Slice(res.Categories, func(i, j int) bool { return res.Categories[i] < res.Categories[j] })
	for h := range hints {
		res.MitigationHints = append(res.MitigationHints, h)
	}
	sort.Strings(res.MitigationHints)
	return res
}

func normalizeThreshold(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = fallback
	}
	return math.Max(0, math.Min(v, 1))
}

// HighCutoff derives the high-risk score from the medium threshold. It is
// never below the threshold.
func HighCutoff(threshold float64) float64 {
	cutoff := math.Max(0.60, math.Min(threshold+0.30, 0.95))
	return math.Max(cutoff, threshold)
}
