package firewall

import (
	"fmt"
	"strings"

	"github.com/ctrlai/promptgate/internal/canonical"
	"github.com/ctrlai/promptgate/internal/fuzzy"
	"github.com/gobwas/glob"
)

// ruleSet is the compiled, merged table the engine evaluates against.
type ruleSet struct {
	block    []Rule
	sanitize []Rule
	fuzzy    FuzzyConfig
	builtins int
}

// compileRule validates a rule and precomputes its canonical pattern.
func compileRule(r *Rule) error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rule must have an id")
	}
	if r.Pattern == "" {
		return fmt.Errorf("rule %q: empty pattern", r.ID)
	}
	if r.Kind == KindBlock {
		r.canonical = canonical.Canonicalize(r.Pattern)
		if r.canonical == "" {
			return fmt.Errorf("rule %q: pattern %q has no letters or digits", r.ID, r.Pattern)
		}
	}
	return nil
}

// buildRuleSet merges enabled built-ins with the file's custom rules.
// Built-in rules come first, then custom rules in file order.
func buildRuleSet(file rulesFile) (*ruleSet, error) {
	disabled := make([]glob.Glob, 0, len(file.Disabled))
	for _, p := range file.Disabled {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid disabled pattern %q: %w", p, err)
		}
		disabled = append(disabled, g)
	}
	isDisabled := func(id string) bool {
		for _, g := range disabled {
			if g.Match(id) {
				return true
			}
		}
		return false
	}

	if file.Fuzzy.MaxDistance < 0 {
		return nil, fmt.Errorf("fuzzy_matching.max_distance must not be negative")
	}
	if file.Fuzzy.MinPatternLength <= 0 {
		file.Fuzzy.MinPatternLength = fuzzy.DefaultMinPatternLength
	}

	set := &ruleSet{fuzzy: file.Fuzzy}
	seen := make(map[string]bool)
	add := func(dst *[]Rule, r Rule, kind Kind, builtin bool) error {
		r.Kind = kind
		r.Builtin = builtin
		if err := compileRule(&r); err != nil {
			return err
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		*dst = append(*dst, r)
		return nil
	}

	for _, r := range builtinBlockRules() {
		if isDisabled(r.ID) {
			continue
		}
		if err := add(&set.block, r, KindBlock, true); err != nil {
			return nil, err
		}
	}
	for _, r := range builtinSanitizeRules() {
		if isDisabled(r.ID) {
			continue
		}
		if err := add(&set.sanitize, r, KindSanitize, true); err != nil {
			return nil, err
		}
	}
	set.builtins = len(set.block) + len(set.sanitize)

	for _, r := range file.BlockRules {
		if err := add(&set.block, r, KindBlock, false); err != nil {
			return nil, err
		}
	}
	for _, r := range file.SanitizePatterns {
		if err := add(&set.sanitize, r, KindSanitize, false); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// blockMatches returns every block rule the text matches, in table order.
func (s *ruleSet) blockMatches(text string) []Rule {
	canon := canonical.Canonicalize(text)
	if canon == "" {
		return nil
	}

	var matched []Rule
	for _, r := range s.block {
		if strings.Contains(canon, r.canonical) {
			matched = append(matched, r)
			continue
		}
		if s.fuzzyEligible(r.canonical) && fuzzy.ContainsFuzzy(canon, r.canonical, s.fuzzy.MaxDistance) {
			matched = append(matched, r)
		}
	}
	return matched
}

// fuzzyEligible reports whether a canonical pattern is long enough for
// near-miss matching. Short patterns like "jailbreak" only match exactly.
func (s *ruleSet) fuzzyEligible(pattern string) bool {
	return s.fuzzy.Enabled && s.fuzzy.MaxDistance > 0 && len(pattern) >= s.fuzzy.MinPatternLength
}

// sanitizeText strips every sanitize pattern in order and trims the result.
// It returns the ids of the rules that removed something.
func (s *ruleSet) sanitizeText(text string) (string, []string) {
	var applied []string
	out := text
	for _, r := range s.sanitize {
		updated := stripCaseInsensitive(out, r.Pattern)
		if updated != out {
			applied = append(applied, r.ID)
			out = updated
		}
	}
	return strings.TrimSpace(out), applied
}

// stripCaseInsensitive removes every occurrence of pattern from input,
// comparing ASCII letters without case. Non-ASCII bytes compare exactly, so
// byte offsets in the folded copy line up with the input.
func stripCaseInsensitive(input, pattern string) string {
	if pattern == "" {
		return input
	}

	folded := asciiLower(input)
	needle := asciiLower(pattern)

	var b strings.Builder
	cursor := 0
	for {
		idx := strings.Index(folded[cursor:], needle)
		if idx < 0 {
			break
		}
		start := cursor + idx
		b.WriteString(input[cursor:start])
		cursor = start + len(needle)
	}
	if cursor == 0 {
		return input
	}
	b.WriteString(input[cursor:])
	return b.String()
}

func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
