// Package compliance classifies an AI system's intended use into EU AI Act
// risk tiers by keyword and lists the documentation gaps for that tier.
// It is a screening aid, not legal advice.
package compliance

import (
	"fmt"
	"os"
	"strings"

	"github.com/ctrlai/promptgate/internal/schema"
	"gopkg.in/yaml.v3"
)

// RiskTier is the EU AI Act risk tier.
type RiskTier string

const (
	TierMinimal      RiskTier = "minimal"
	TierLimited      RiskTier = "limited"
	TierHigh         RiskTier = "high"
	TierUnacceptable RiskTier = "unacceptable"
)

// minIntendedUseLength is the shortest intended-use text, in bytes, that is
// considered descriptive enough to classify.
const minIntendedUseLength = 8

// Finding is one compliance gap.
type Finding struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Request describes the system being checked.
type Request struct {
	IntendedUse                     string `json:"intended_use"`
	TechnicalDocumentationAvailable bool   `json:"technical_documentation_available"`
	TransparencyNoticeAvailable     bool   `json:"transparency_notice_available"`
	CopyrightControlsAvailable      bool   `json:"copyright_controls_available"`
}

// Result is the outcome of a check. A system is compliant when its tier is
// not unacceptable and there are no findings.
type Result struct {
	RiskTier  RiskTier  `json:"risk_tier"`
	Compliant bool      `json:"compliant"`
	Findings  []Finding `json:"findings"`
}

// Keywords lists the lower-case phrases that place an intended use in a
// tier. Tiers are tested from unacceptable down; the first hit wins.
type Keywords struct {
	Unacceptable []string `yaml:"unacceptable" json:"unacceptable"`
	High         []string `yaml:"high" json:"high"`
	Limited      []string `yaml:"limited" json:"limited"`
}

// DefaultKeywords returns the built-in keyword lists.
func DefaultKeywords() Keywords {
	return Keywords{
		Unacceptable: []string{
			"social scoring",
			"biometric surveillance",
			"biometric categorization",
			"emotion recognition in workplace",
			"emotion recognition in school",
			"manipulative subliminal",
		},
		High: []string{
			"employment",
			"hiring",
			"education",
			"credit",
			"insurance",
			"critical infrastructure",
			"law enforcement",
			"migration",
			"asylum",
			"border control",
			"justice",
			"judicial",
			"essential public service",
			"medical triage",
		},
		Limited: []string{
			"chatbot",
			"recommendation",
			"generative assistant",
			"customer support bot",
			"deepfake",
		},
	}
}

const keywordsSchemaDoc = `{
  "type": "object",
  "properties": {
    "unacceptable": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "high": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "limited": {"type": "array", "items": {"type": "string", "minLength": 1}}
  },
  "additionalProperties": false
}`

var keywordsSchema = schema.MustCompile("eu_risk_keywords.json", keywordsSchemaDoc)

// LoadKeywords reads a YAML or JSON keyword file. Tiers the file omits keep
// their built-in lists. An empty path returns the defaults.
func LoadKeywords(path string) (Keywords, error) {
	kw := DefaultKeywords()
	if path == "" {
		return kw, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Keywords{}, fmt.Errorf("reading EU keyword file %s: %w", path, err)
	}
	if err := keywordsSchema.Validate(data); err != nil {
		return Keywords{}, fmt.Errorf("invalid EU keyword file %s: %w", path, err)
	}

	var file struct {
		Unacceptable *[]string `yaml:"unacceptable"`
		High         *[]string `yaml:"high"`
		Limited      *[]string `yaml:"limited"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Keywords{}, fmt.Errorf("parsing EU keyword file %s: %w", path, err)
	}
	if file.Unacceptable != nil {
		kw.Unacceptable = lowerAll(*file.Unacceptable)
	}
	if file.High != nil {
		kw.High = lowerAll(*file.High)
	}
	if file.Limited != nil {
		kw.Limited = lowerAll(*file.Limited)
	}
	return kw, nil
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// Checker runs compliance checks against a fixed keyword set.
type Checker struct {
	keywords Keywords
}

// NewChecker creates a checker.
func NewChecker(kw Keywords) *Checker {
	return &Checker{keywords: kw}
}

// Keywords returns the checker's keyword lists.
func (c *Checker) Keywords() Keywords { return c.keywords }

// Classify returns the risk tier of an intended-use description.
func (c *Checker) Classify(intendedUse string) RiskTier {
	text := strings.ToLower(intendedUse)
	switch {
	case containsAny(text, c.keywords.Unacceptable):
		return TierUnacceptable
	case containsAny(text, c.keywords.High):
		return TierHigh
	case containsAny(text, c.keywords.Limited):
		return TierLimited
	default:
		return TierMinimal
	}
}

// Check classifies req and reports the findings for its tier.
func (c *Checker) Check(req Request) Result {
	intendedUse := strings.TrimSpace(req.IntendedUse)
	tier := c.Classify(intendedUse)
	findings := []Finding{}

	if len(intendedUse) < minIntendedUseLength {
		findings = append(findings, Finding{"EU-SCOPE-001", "Intended-use description is too short for reliable risk classification."})
	}
	if tier == TierUnacceptable {
		findings = append(findings, Finding{"EU-RISK-001", "Intended use matches a prohibited-risk category under EU AI Act controls."})
	}

	switch tier {
	case TierHigh, TierUnacceptable:
		if !req.TechnicalDocumentationAvailable {
			findings = append(findings, Finding{"EU-DOC-001", "Technical documentation is missing."})
		}
		if !req.TransparencyNoticeAvailable {
			findings = append(findings, Finding{"EU-TRN-001", "Transparency notice is missing."})
		}
		if !req.CopyrightControlsAvailable {
			findings = append(findings, Finding{"EU-CPY-001", "Copyright safeguard documentation is missing."})
		}
	case TierLimited:
		if !req.TransparencyNoticeAvailable {
			findings = append(findings, Finding{"EU-TRN-002", "Limited-risk systems must include a transparency notice."})
		}
	}

	return Result{
		RiskTier:  tier,
		Compliant: tier != TierUnacceptable && len(findings) == 0,
		Findings:  findings,
	}
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
