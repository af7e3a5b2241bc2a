package gateway

import (
	"fmt"
	"strings"

	"github.com/ctrlai/promptgate/internal/bias"
	"github.com/ctrlai/promptgate/internal/firewall"
	"github.com/ctrlai/promptgate/internal/provider"
	"github.com/ctrlai/promptgate/internal/semantic"
)

// Decision is the final allow / sanitize / block outcome.
type Decision string

const (
	DecisionAllow    Decision = "allow"
	DecisionSanitize Decision = "sanitize"
	DecisionBlock    Decision = "block"
)

// Status is the terminal state of one request.
type Status string

const (
	StatusCompleted                 Status = "completed"
	StatusSanitized                 Status = "sanitized"
	StatusBlockedByFirewall         Status = "blocked_by_firewall"
	StatusBlockedBySemantic         Status = "blocked_by_semantic"
	StatusBlockedByInputModeration  Status = "blocked_by_input_moderation"
	StatusBlockedByOutputModeration Status = "blocked_by_output_moderation"
	// StatusFailed is only written to the audit log. The caller gets an error.
	StatusFailed Status = "failed"
)

// Decision maps a status to its final decision. A failed request never
// reached the caller, so it counts as blocked.
func (s Status) Decision() Decision {
	switch s {
	case StatusCompleted:
		return DecisionAllow
	case StatusSanitized:
		return DecisionSanitize
	default:
		return DecisionBlock
	}
}

// Evidence explains which stage produced the final decision.
type Evidence struct {
	FirewallAction          firewall.Action    `json:"firewall_action"`
	FirewallMatchedRules    []string           `json:"firewall_matched_rules"`
	FirewallReasons         []string           `json:"firewall_reasons"`
	SemanticRiskScore       *float64           `json:"semantic_risk_score,omitempty"`
	SemanticRiskLevel       semantic.RiskLevel `json:"semantic_risk_level,omitempty"`
	SemanticMatchedTemplate string             `json:"semantic_matched_template,omitempty"`
	SemanticCategory        string             `json:"semantic_category,omitempty"`
	ModerationFlagged       bool               `json:"moderation_flagged"`
	ModerationCategories    []string           `json:"moderation_categories"`
	DetectedLanguage        string             `json:"detected_language,omitempty"`
	BiasScore               float64            `json:"bias_score"`
	BiasLevel               bias.Level         `json:"bias_level"`
	FinalDecision           Decision           `json:"final_decision"`
	FinalReason             string             `json:"final_reason"`
}

// evidenceBuilder collects evidence as stages resolve. finalize may be
// called once.
type evidenceBuilder struct {
	ev        Evidence
	finalized bool
}

func newEvidence(fw firewall.Verdict) *evidenceBuilder {
	return &evidenceBuilder{ev: Evidence{
		FirewallAction:       fw.Action,
		FirewallMatchedRules: fw.MatchedRuleIDs,
		FirewallReasons:      fw.Reasons,
		ModerationCategories: []string{},
	}}
}

func (b *evidenceBuilder) bias(r bias.Result) {
	b.ev.BiasScore = r.Score
	b.ev.BiasLevel = r.Level
}

func (b *evidenceBuilder) semantic(v *semantic.Verdict) {
	if v == nil {
		return
	}
	score := v.RiskScore
	b.ev.SemanticRiskScore = &score
	b.ev.SemanticRiskLevel = v.RiskLevel
	b.ev.SemanticMatchedTemplate = v.NearestTemplateID
	b.ev.SemanticCategory = v.Category
}

func (b *evidenceBuilder) language(lang string) {
	b.ev.DetectedLanguage = lang
}

func (b *evidenceBuilder) moderation(m *provider.Moderation) {
	if m == nil || !m.Flagged {
		return
	}
	b.ev.ModerationFlagged = true
	b.ev.ModerationCategories = append(b.ev.ModerationCategories, m.Categories...)
}

func (b *evidenceBuilder) finalize(status Status, reason string) Evidence {
	if b.finalized {
		panic("gateway: decision evidence finalized twice")
	}
	b.finalized = true
	b.ev.FinalDecision = status.Decision()
	b.ev.FinalReason = reason
	return b.ev
}

func firewallReason(fw firewall.Verdict) string {
	return "blocked by prompt firewall: " + strings.Join(fw.Reasons, "; ")
}

func semanticReason(v semantic.Verdict) string {
	return fmt.Sprintf("blocked by semantic classifier: similarity %.3f to attack template %s (%s)",
		v.Similarity, v.NearestTemplateID, v.Category)
}

func moderationReason(stage string, m provider.Moderation) string {
	if len(m.Categories) == 0 {
		return "blocked by " + stage + " moderation"
	}
	return "blocked by " + stage + " moderation: " + strings.Join(m.Categories, ", ")
}

func passReason(fw firewall.Verdict, sem *semantic.Verdict) string {
	var parts []string
	if fw.Action == firewall.ActionSanitize {
		parts = append(parts, "prompt sanitized by firewall ("+strings.Join(fw.MatchedRuleIDs, ", ")+")")
	}
	if sem != nil && sem.RiskLevel == semantic.RiskMedium {
		parts = append(parts, fmt.Sprintf("medium semantic risk near template %s", sem.NearestTemplateID))
	}
	if len(parts) == 0 {
		return "all checks passed"
	}
	return strings.Join(parts, "; ")
}
