// Package gateway is the decision engine. It runs every prompt through the
// firewall, the semantic classifier and provider moderation, applies a
// fixed precedence, optionally generates a response, and records exactly
// one audit record per request.
//
// Precedence, highest first:
//
//	blocked_by_firewall > blocked_by_semantic > blocked_by_input_moderation
//	  > blocked_by_output_moderation > sanitized | completed
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ctrlai/promptgate/internal/analytics"
	"github.com/ctrlai/promptgate/internal/audit"
	"github.com/ctrlai/promptgate/internal/bias"
	"github.com/ctrlai/promptgate/internal/firewall"
	"github.com/ctrlai/promptgate/internal/provider"
	"github.com/ctrlai/promptgate/internal/semantic"
)

var (
	// ErrModeration wraps a failed input or output moderation call.
	ErrModeration = errors.New("moderation failed")
	// ErrGeneration wraps a failed generation call.
	ErrGeneration = errors.New("generation failed")
	// ErrAudit wraps a failed audit write. The decision was not returned.
	ErrAudit = errors.New("audit write failed")
)

const (
	DefaultMaxInputLength     = 4096
	DefaultOutputPreviewChars = 160
)

// Firewall evaluates a prompt. Implemented by *firewall.Engine.
type Firewall interface {
	Evaluate(text string, maxInputLength int) firewall.Verdict
}

// SemanticScanner scores a prompt against the attack-template bank.
// Implemented by *semantic.Classifier.
type SemanticScanner interface {
	Scan(ctx context.Context, text string) (semantic.Verdict, error)
}

// Provider is the subset of the provider service the engine calls.
// Implemented by *provider.Service.
type Provider interface {
	Generate(ctx context.Context, prompt string) (provider.Completion, error)
	Moderate(ctx context.Context, text string) (provider.Moderation, error)
	DetectLanguage(ctx context.Context, text string) (provider.LanguageDetection, error)
	Translate(ctx context.Context, text, targetLanguage string) (string, error)
}

// AuditLog appends decision records. Implemented by *audit.Chain.
type AuditLog interface {
	Append(ctx context.Context, correlationID string, event any) (audit.Proof, error)
	Query(ctx context.Context, f audit.Filter) (audit.Page, error)
}

// Options wires the engine's collaborators. Firewall, Provider and Audit
// are required.
type Options struct {
	Firewall       Firewall
	MaxInputLength int
	// Semantic may be nil to disable semantic classification.
	Semantic SemanticScanner
	Bias     *bias.Scanner
	Provider Provider
	Audit    AuditLog
	// Analytics receives one event per decision. Defaults to analytics.Nop.
	Analytics analytics.EventWriter
	// TranslateResponses translates generated text back into the prompt's
	// language when it is not English.
	TranslateResponses bool
	OutputPreviewChars int
	Logger             *zap.Logger
	// NewCorrelationID generates ids for requests that do not bring one.
	// Defaults to uuid.NewString.
	NewCorrelationID func() string
}

// Engine is safe for concurrent use.
type Engine struct {
	firewall       Firewall
	maxInputLength int
	semantic       SemanticScanner
	bias           *bias.Scanner
	provider       Provider
	audit          AuditLog
	analytics      analytics.EventWriter
	translate      bool
	previewChars   int
	logger         *zap.Logger
	newID          func() string
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Firewall == nil || opts.Provider == nil || opts.Audit == nil {
		return nil, errors.New("gateway: firewall, provider and audit log are required")
	}
	if opts.MaxInputLength <= 0 {
		opts.MaxInputLength = DefaultMaxInputLength
	}
	if opts.Bias == nil {
		opts.Bias = bias.NewScanner(bias.DefaultThreshold)
	}
	if opts.Analytics == nil {
		opts.Analytics = analytics.Nop{}
	}
	if opts.OutputPreviewChars <= 0 {
		opts.OutputPreviewChars = DefaultOutputPreviewChars
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewCorrelationID == nil {
		opts.NewCorrelationID = uuid.NewString
	}
	return &Engine{
		firewall:       opts.Firewall,
		maxInputLength: opts.MaxInputLength,
		semantic:       opts.Semantic,
		bias:           opts.Bias,
		provider:       opts.Provider,
		audit:          opts.Audit,
		analytics:      opts.Analytics,
		translate:      opts.TranslateResponses,
		previewChars:   opts.OutputPreviewChars,
		logger:         opts.Logger,
		newID:          opts.NewCorrelationID,
	}, nil
}

// Request is one prompt to evaluate.
type Request struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Prompt        string `json:"prompt"`
}

// Response is the outcome of Evaluate. GeneratedText is nil unless the
// status is completed or sanitized.
type Response struct {
	CorrelationID    string               `json:"correlation_id"`
	Status           Status               `json:"status"`
	Firewall         firewall.Verdict     `json:"firewall"`
	Semantic         *semantic.Verdict    `json:"semantic,omitempty"`
	Bias             bias.Result          `json:"bias"`
	InputModeration  *provider.Moderation `json:"input_moderation,omitempty"`
	OutputModeration *provider.Moderation `json:"output_moderation,omitempty"`
	GeneratedText    *string              `json:"generated_text"`
	DetectedLanguage string               `json:"detected_language,omitempty"`
	Evidence         Evidence             `json:"decision_evidence"`
	AuditProof       audit.Proof          `json:"audit_proof"`
}

// Event is the audit payload written for every request.
type Event struct {
	CorrelationID           string   `json:"correlation_id"`
	OriginalPrompt          string   `json:"original_prompt"`
	SanitizedPrompt         string   `json:"sanitized_prompt"`
	FinalStatus             Status   `json:"final_status"`
	ModelUsed               string   `json:"model_used,omitempty"`
	OutputPreview           string   `json:"output_preview,omitempty"`
	InputModerationFlagged  bool     `json:"input_moderation_flagged"`
	OutputModerationFlagged bool     `json:"output_moderation_flagged"`
	Failure                 string   `json:"failure,omitempty"`
	Evidence                Evidence `json:"decision_evidence"`
}

// request carries the per-request state through the pipeline.
type request struct {
	id       string
	prompt   string
	started  time.Time
	logger   *zap.Logger
	resp     Response
	evidence *evidenceBuilder
	event    Event
}

// Evaluate runs the full pipeline for one prompt. It returns an error only
// when moderation or generation fails (ErrModeration, ErrGeneration) or
// the decision could not be audited (ErrAudit).
func (e *Engine) Evaluate(ctx context.Context, req Request) (Response, error) {
	id := req.CorrelationID
	if id == "" {
		id = e.newID()
	}
	r := &request{
		id:      id,
		prompt:  req.Prompt,
		started: time.Now(),
		logger:  e.logger.With(zap.String("correlation_id", id)),
	}
	r.logger.Debug("evaluating prompt", zap.Int("length", utf8.RuneCountInString(req.Prompt)))

	// Stage 1: firewall.
	fw := e.firewall.Evaluate(req.Prompt, e.maxInputLength)
	r.resp = Response{CorrelationID: id, Firewall: fw}
	r.evidence = newEvidence(fw)
	r.event = Event{
		CorrelationID:   id,
		OriginalPrompt:  req.Prompt,
		SanitizedPrompt: fw.SanitizedText,
	}

	// Stage 2: bias is evidence only and runs on every request.
	r.resp.Bias = e.bias.Scan(fw.SanitizedText)
	r.evidence.bias(r.resp.Bias)

	if fw.Blocked() {
		r.logger.Warn("prompt blocked by firewall", zap.Strings("rules", fw.MatchedRuleIDs))
		return e.finish(ctx, r, StatusBlockedByFirewall, firewallReason(fw))
	}

	// Stage 3: semantic classification and input moderation in parallel.
	var (
		wg      sync.WaitGroup
		sem     semanticOutcome
		mod     provider.Moderation
		modErr  error
		payload = fw.SanitizedText
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		sem = e.classify(ctx, r.logger, payload)
	}()
	go func() {
		defer wg.Done()
		mod, modErr = e.provider.Moderate(ctx, payload)
	}()
	wg.Wait()

	r.resp.Semantic = sem.verdict
	r.resp.DetectedLanguage = sem.language
	r.evidence.semantic(sem.verdict)
	r.evidence.language(sem.language)

	// Stage 4: semantic block.
	if sem.verdict != nil && sem.verdict.RiskLevel == semantic.RiskHigh {
		r.logger.Warn("prompt blocked by semantic classifier",
			zap.String("template", sem.verdict.NearestTemplateID),
			zap.Float64("similarity", sem.verdict.Similarity),
		)
		return e.finish(ctx, r, StatusBlockedBySemantic, semanticReason(*sem.verdict))
	}

	// Stage 5: input moderation.
	if modErr != nil {
		return e.fail(ctx, r, ErrModeration, "input moderation", modErr)
	}
	r.resp.InputModeration = &mod
	if mod.Flagged {
		r.evidence.moderation(&mod)
		r.event.InputModerationFlagged = true
		r.logger.Warn("input flagged by moderation", zap.Strings("categories", mod.Categories))
		return e.finish(ctx, r, StatusBlockedByInputModeration, moderationReason("input", mod))
	}

	// Stage 6: generate and moderate the output.
	gen, err := e.provider.Generate(ctx, payload)
	if err != nil {
		return e.fail(ctx, r, ErrGeneration, "generation", err)
	}
	r.event.ModelUsed = gen.Model
	r.event.OutputPreview = preview(gen.Text, e.previewChars)

	outMod, err := e.provider.Moderate(ctx, gen.Text)
	if err != nil {
		return e.fail(ctx, r, ErrModeration, "output moderation", err)
	}
	r.resp.OutputModeration = &outMod
	if outMod.Flagged {
		r.evidence.moderation(&outMod)
		r.event.OutputModerationFlagged = true
		r.logger.Warn("output flagged by moderation", zap.Strings("categories", outMod.Categories))
		return e.finish(ctx, r, StatusBlockedByOutputModeration, moderationReason("output", outMod))
	}

	// Stage 7: pass, possibly translated back.
	text := gen.Text
	if e.translate && sem.language != "" && !semantic.IsEnglish(sem.language) {
		translated, err := e.provider.Translate(ctx, text, sem.language)
		if err != nil {
			r.logger.Warn("translating response failed, returning untranslated text",
				zap.String("language", sem.language),
				zap.Error(err),
			)
		} else {
			text = translated
		}
	}
	r.resp.GeneratedText = &text

	status := StatusCompleted
	if fw.Action == firewall.ActionSanitize || (sem.verdict != nil && sem.verdict.RiskLevel == semantic.RiskMedium) {
		status = StatusSanitized
	}
	return e.finish(ctx, r, status, passReason(fw, sem.verdict))
}

type semanticOutcome struct {
	verdict  *semantic.Verdict // nil means no signal
	language string
}

// classify detects the prompt language, translates it to English when
// needed and scans it. Every failure degrades to "no signal".
func (e *Engine) classify(ctx context.Context, logger *zap.Logger, text string) semanticOutcome {
	var out semanticOutcome
	if e.semantic == nil && !e.translate {
		return out
	}

	det, err := e.provider.DetectLanguage(ctx, text)
	if err != nil {
		logger.Warn("language detection failed, assuming English", zap.Error(err))
	} else {
		out.language = det.Language
	}

	if e.semantic == nil {
		return out
	}

	scanText := text
	if out.language != "" && !semantic.IsEnglish(out.language) {
		translated, err := e.provider.Translate(ctx, text, "English")
		if err != nil {
			logger.Warn("translating prompt for semantic scan failed, scanning original", zap.Error(err))
		} else {
			scanText = translated
		}
	}

	v, err := e.semantic.Scan(ctx, scanText)
	if err != nil {
		logger.Warn("semantic scan failed, continuing without semantic signal", zap.Error(err))
		return out
	}
	out.verdict = &v
	return out
}

// finish finalizes evidence, writes the audit record and emits analytics.
func (e *Engine) finish(ctx context.Context, r *request, status Status, reason string) (Response, error) {
	r.resp.Status = status
	r.resp.Evidence = r.evidence.finalize(status, reason)
	r.event.FinalStatus = status
	r.event.Evidence = r.resp.Evidence

	proof, err := e.audit.Append(ctx, r.id, r.event)
	if err != nil {
		r.logger.Error("audit write failed", zap.String("status", string(status)), zap.Error(err))
		return Response{}, fmt.Errorf("%w: %w", ErrAudit, err)
	}
	r.resp.AuditProof = proof

	e.emit(r, proof)
	r.logger.Info("decision",
		zap.String("status", string(status)),
		zap.String("decision", string(r.resp.Evidence.FinalDecision)),
		zap.Duration("latency", time.Since(r.started)),
	)
	return r.resp, nil
}

// fail records a provider failure and returns it wrapped in sentinel.
func (e *Engine) fail(ctx context.Context, r *request, sentinel error, stage string, cause error) (Response, error) {
	r.logger.Error("provider call failed", zap.String("stage", stage), zap.Error(cause))
	wrapped := fmt.Errorf("%w: %s: %w", sentinel, stage, cause)

	r.resp.Status = StatusFailed
	r.resp.Evidence = r.evidence.finalize(StatusFailed, stage+" failed")
	r.event.FinalStatus = StatusFailed
	r.event.Failure = stage + " failed"
	r.event.Evidence = r.resp.Evidence

	proof, err := e.audit.Append(ctx, r.id, r.event)
	if err != nil {
		r.logger.Error("audit write failed", zap.String("status", string(StatusFailed)), zap.Error(err))
		return Response{}, errors.Join(wrapped, fmt.Errorf("%w: %w", ErrAudit, err))
	}
	e.emit(r, proof)
	return Response{}, wrapped
}

func (e *Engine) emit(r *request, proof audit.Proof) {
	ev := &analytics.DecisionEvent{
		CorrelationID:   r.id,
		Timestamp:       time.Now().UTC(),
		Status:          string(r.resp.Status),
		Decision:        string(r.resp.Evidence.FinalDecision),
		Reason:          r.resp.Evidence.FinalReason,
		FirewallAction:  string(r.resp.Firewall.Action),
		FirewallRuleIDs: r.resp.Firewall.MatchedRuleIDs,
		Language:        r.resp.DetectedLanguage,
		BiasScore:       float32(r.resp.Bias.Score),
		BiasLevel:       string(r.resp.Bias.Level),
		PromptHash:      analytics.HashPrompt(r.prompt),
		PromptLength:    uint32(utf8.RuneCountInString(r.prompt)),
		AuditChainHash:  proof.ChainHash,
		LatencyMs:       float32(time.Since(r.started).Microseconds()) / 1000,
	}
	if s := r.resp.Semantic; s != nil {
		ev.SemanticLevel = string(s.RiskLevel)
		ev.SemanticScore = float32(s.RiskScore)
		ev.SemanticTemplateID = s.NearestTemplateID
	}
	ev.ModerationFlagged = r.resp.Evidence.ModerationFlagged
	ev.ModerationCategories = r.resp.Evidence.ModerationCategories
	e.analytics.Write(ev)
}

// Inspect runs only the firewall.
func (e *Engine) Inspect(prompt string) firewall.Verdict {
	return e.firewall.Evaluate(prompt, e.maxInputLength)
}

// QueryAudit pages through audit records, newest first.
func (e *Engine) QueryAudit(ctx context.Context, f audit.Filter) (audit.Page, error) {
	return e.audit.Query(ctx, f)
}

func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
