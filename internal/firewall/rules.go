// Package firewall implements the static prompt firewall.
//
// The firewall loads rules from a YAML or JSON rules file and merges them with
// the built-in rule table. Every prompt is checked in four stages:
//   - input length (runes), reported as rule PFW-LENGTH
//   - block rules, matched against the canonical form of the prompt, exactly
//     or within a small edit distance
//   - sanitize rules, removed from the prompt as case-insensitive literals
//   - block rules again on the sanitized prompt, when sanitizing changed it
//
// The result is a Verdict: allow, sanitize or block.
package firewall

import (
	"errors"
	"fmt"
	"os"

	"github.com/ctrlai/promptgate/internal/fuzzy"
	"github.com/ctrlai/promptgate/internal/schema"
	"gopkg.in/yaml.v3"
)

// Action is the firewall's decision for one prompt.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionSanitize Action = "sanitize"
	ActionBlock    Action = "block"
)

// Severity grades a Verdict.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Kind says what a rule does when it matches.
type Kind string

const (
	KindBlock    Kind = "block"
	KindSanitize Kind = "sanitize"
)

// LengthRuleID is reported when a prompt exceeds the configured length.
const LengthRuleID = "PFW-LENGTH"

// Rule is a single firewall rule. IDs are unique across both kinds.
type Rule struct {
	ID      string `yaml:"id" json:"id"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Kind    Kind   `yaml:"-" json:"kind"`
	Builtin bool   `yaml:"-" json:"builtin"`

	// canonical is the canonical form of Pattern, set by compileRule.
	// Only block rules use it.
	canonical string
}

// FuzzyConfig controls near-miss matching of block rules.
type FuzzyConfig struct {
	Enabled          bool `yaml:"enabled" json:"enabled"`
	MaxDistance      int  `yaml:"max_distance" json:"max_distance"`
	MinPatternLength int  `yaml:"min_pattern_length" json:"min_pattern_length"`
}

// DefaultFuzzyConfig returns fuzzy matching on with distance 2.
func DefaultFuzzyConfig() FuzzyConfig {
	return FuzzyConfig{
		Enabled:          true,
		MaxDistance:      fuzzy.DefaultMaxDistance,
		MinPatternLength: fuzzy.DefaultMinPatternLength,
	}
}

// Verdict is the outcome of evaluating one prompt. It is not modified after
// Evaluate returns.
type Verdict struct {
	Action         Action   `json:"action"`
	Severity       Severity `json:"severity"`
	SanitizedText  string   `json:"sanitized_text"`
	Reasons        []string `json:"reasons"`
	MatchedRuleIDs []string `json:"matched_rule_ids"`
}

// Blocked reports whether the prompt must not reach the provider.
func (v Verdict) Blocked() bool { return v.Action == ActionBlock }

// RuleInfo is a summary of a rule for display (used by `promptgate rules list`).
type RuleInfo struct {
	ID      string `json:"id"`
	Pattern string `json:"pattern"`
	Kind    Kind   `json:"kind"`
	Builtin bool   `json:"builtin"`
}

// rulesFile is the envelope for the rules file.
type rulesFile struct {
	BlockRules       []Rule      `yaml:"block_rules,omitempty"`
	SanitizePatterns []Rule      `yaml:"sanitize_patterns,omitempty"`
	Fuzzy            FuzzyConfig `yaml:"fuzzy_matching"`
	Disabled         []string    `yaml:"disabled,omitempty"`
}

const rulesSchemaDoc = `{
  "type": "object",
  "properties": {
    "block_rules": {"$ref": "#/$defs/rules"},
    "sanitize_patterns": {"$ref": "#/$defs/rules"},
    "fuzzy_matching": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "max_distance": {"type": "integer", "minimum": 0, "maximum": 8},
        "min_pattern_length": {"type": "integer", "minimum": 1}
      },
      "additionalProperties": false
    },
    "disabled": {"type": "array", "items": {"type": "string", "minLength": 1}}
  },
  "additionalProperties": false,
  "$defs": {
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "pattern": {"type": "string", "minLength": 1}
        },
        "required": ["id", "pattern"],
        "additionalProperties": false
      }
    }
  }
}`

var rulesSchema = schema.MustCompile("firewall_rules.json", rulesSchemaDoc)

// loadRulesFromFile reads, validates and parses the rules file.
// A missing or empty file yields an empty rule set with default fuzzy settings.
func loadRulesFromFile(path string) (rulesFile, error) {
	file := rulesFile{Fuzzy: DefaultFuzzyConfig()}
	if path == "" {
		return file, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return file, nil
		}
		return file, fmt.Errorf("reading rules %s: %w", path, err)
	}
	if len(data) == 0 {
		return file, nil
	}

	if err := rulesSchema.Validate(data); err != nil {
		return file, fmt.Errorf("rules %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return file, fmt.Errorf("parsing rules %s: %w", path, err)
	}

	for i := range file.BlockRules {
		file.BlockRules[i].Kind = KindBlock
	}
	for i := range file.SanitizePatterns {
		file.SanitizePatterns[i].Kind = KindSanitize
	}
	return file, nil
}

// saveRulesToFile writes custom rules, the disabled list and fuzzy settings.
// Built-in rules are never written.
func saveRulesToFile(path string, file rulesFile) error {
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling rules: %w", err)
	}

	header := "# promptgate firewall rules\n# Built-in rules are always loaded unless listed under disabled (glob patterns).\n\n"
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// WriteDefaultRules writes a rules file with no custom rules and default
// fuzzy settings. Used by first-run setup.
func WriteDefaultRules(path string) error {
	return saveRulesToFile(path, rulesFile{Fuzzy: DefaultFuzzyConfig()})
}

// CheckFile validates a rules file without building an engine. It returns the
// number of active rules the file would produce.
func CheckFile(path string) (int, error) {
	file, err := loadRulesFromFile(path)
	if err != nil {
		return 0, err
	}
	set, err := buildRuleSet(file)
	if err != nil {
		return 0, err
	}
	return len(set.block) + len(set.sanitize), nil
}
