package firewall

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"
)

// Engine evaluates prompts against the merged built-in and custom rule table.
//
// Evaluate is called concurrently from request goroutines while Reload,
// AddRule and RemoveRule replace the table on configuration changes. The
// RWMutex lets evaluations proceed in parallel.
type Engine struct {
	mu     sync.RWMutex
	set    *ruleSet
	file   rulesFile // custom rules, disabled list and fuzzy settings as loaded
	logger *zap.Logger
}

// New creates a firewall engine, loading custom rules from the given path
// and merging them with the built-in table.
//
// A missing file is not an error. A malformed file, an invalid disabled
// glob, a duplicate id or a pattern with no letters or digits is.
func New(rulesPath string, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{logger: logger}
	if err := e.Reload(rulesPath); err != nil {
		return nil, err
	}
	return e, nil
}

// Evaluate runs the firewall stages on text. maxInputLength is counted in
// runes; zero or negative disables the length check.
func (e *Engine) Evaluate(text string, maxInputLength int) Verdict {
	if maxInputLength > 0 && utf8.RuneCountInString(text) > maxInputLength {
		return Verdict{
			Action:         ActionBlock,
			Severity:       SeverityHigh,
			SanitizedText:  truncateRunes(text, maxInputLength),
			Reasons:        []string{fmt.Sprintf("input length exceeds configured max (%d)", maxInputLength)},
			MatchedRuleIDs: []string{LengthRuleID},
		}
	}

	e.mu.RLock()
	set := e.set
	e.mu.RUnlock()

	if direct := set.blockMatches(text); len(direct) > 0 {
		return blockVerdict(direct, text, "matched high-risk injection pattern: ")
	}

	sanitized, applied := set.sanitizeText(text)
	if len(applied) > 0 {
		if after := set.blockMatches(sanitized); len(after) > 0 {
			return blockVerdict(after, sanitized, "matched high-risk injection pattern after sanitization: ")
		}
		return Verdict{
			Action:         ActionSanitize,
			Severity:       SeverityMedium,
			SanitizedText:  sanitized,
			Reasons:        []string{"removed suspicious formatting or HTML/script markers"},
			MatchedRuleIDs: applied,
		}
	}

	return Verdict{
		Action:         ActionAllow,
		Severity:       SeverityLow,
		SanitizedText:  strings.TrimSpace(text),
		Reasons:        []string{"prompt passed static firewall checks"},
		MatchedRuleIDs: []string{},
	}
}

func blockVerdict(matched []Rule, text, reasonPrefix string) Verdict {
	v := Verdict{
		Action:         ActionBlock,
		Severity:       SeverityCritical,
		SanitizedText:  text,
		Reasons:        make([]string, 0, len(matched)),
		MatchedRuleIDs: make([]string, 0, len(matched)),
	}
	for _, r := range matched {
		v.Reasons = append(v.Reasons, reasonPrefix+r.Pattern)
		v.MatchedRuleIDs = append(v.MatchedRuleIDs, r.ID)
	}
	return v
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Reload reloads rules from the given path and swaps the table in.
// On error the previous table stays active.
// Called by the file watcher when the rules file changes.
func (e *Engine) Reload(path string) error {
	file, err := loadRulesFromFile(path)
	if err != nil {
		return err
	}
	set, err := buildRuleSet(file)
	if err != nil {
		return fmt.Errorf("rules %s: %w", path, err)
	}

	e.mu.Lock()
	e.set = set
	e.file = file
	e.mu.Unlock()

	e.logger.Info("firewall rules loaded",
		zap.String("path", path),
		zap.Int("block", len(set.block)),
		zap.Int("sanitize", len(set.sanitize)),
		zap.Int("builtin", set.builtins),
		zap.Bool("fuzzy", set.fuzzy.Enabled),
	)
	return nil
}

// TotalRules returns the number of active rules of both kinds.
func (e *Engine) TotalRules() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.set.block) + len(e.set.sanitize)
}

// BuiltinCount returns the number of active built-in rules.
func (e *Engine) BuiltinCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.set.builtins
}

// CustomCount returns the number of custom rules.
func (e *Engine) CustomCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.set.block) + len(e.set.sanitize) - e.set.builtins
}

// Fuzzy returns the active fuzzy matching settings.
func (e *Engine) Fuzzy() FuzzyConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.set.fuzzy
}

// ListRules returns summary info for all active rules, block rules first.
// Used by `promptgate rules list`.
func (e *Engine) ListRules() []RuleInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	infos := make([]RuleInfo, 0, len(e.set.block)+len(e.set.sanitize))
	for _, group := range [][]Rule{e.set.block, e.set.sanitize} {
		for _, r := range group {
			infos = append(infos, RuleInfo{ID: r.ID, Pattern: r.Pattern, Kind: r.Kind, Builtin: r.Builtin})
		}
	}
	return infos
}

// AddRule adds a custom rule. The rule is validated and the table rebuilt
// before the change becomes visible.
func (e *Engine) AddRule(kind Kind, id, pattern string) error {
	if kind != KindBlock && kind != KindSanitize {
		return fmt.Errorf("unknown rule kind %q (want block or sanitize)", kind)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	file := e.file
	r := Rule{ID: id, Pattern: pattern, Kind: kind}
	if kind == KindBlock {
		file.BlockRules = append(append([]Rule(nil), file.BlockRules...), r)
	} else {
		file.SanitizePatterns = append(append([]Rule(nil), file.SanitizePatterns...), r)
	}

	set, err := buildRuleSet(file)
	if err != nil {
		return err
	}
	e.file = file
	e.set = set
	return nil
}

// RemoveRule removes a custom rule by id. Built-in rules cannot be removed;
// list them under disabled in the rules file instead.
func (e *Engine) RemoveRule(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	file := e.file
	var found bool
	file.BlockRules, found = withoutRule(file.BlockRules, id)
	if !found {
		file.SanitizePatterns, found = withoutRule(file.SanitizePatterns, id)
	}
	if !found {
		return fmt.Errorf("custom rule %q not found (built-in rules can only be disabled)", id)
	}

	set, err := buildRuleSet(file)
	if err != nil {
		return err
	}
	e.file = file
	e.set = set
	return nil
}

func withoutRule(rules []Rule, id string) ([]Rule, bool) {
	out := make([]Rule, 0, len(rules))
	found := false
	for _, r := range rules {
		if r.ID == id {
			found = true
			continue
		}
		out = append(out, r)
	}
	return out, found
}

// Save persists the custom rules, disabled list and fuzzy settings.
func (e *Engine) Save(path string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return saveRulesToFile(path, e.file)
}
