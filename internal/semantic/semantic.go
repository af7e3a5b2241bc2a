// Package semantic scores prompts by embedding similarity to a bank of known
// attack templates.
//
// The bank is embedded once when loaded and published as an immutable slice
// through an atomic pointer, so concurrent scans never lock and a reload
// replaces the whole bank in one step. Prompt embeddings are memoized in an
// LRU cache keyed by the exact text.
package semantic

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// DefaultCacheSize is the number of prompt embeddings kept in memory.
const DefaultCacheSize = 1024

// Embedder turns text into a vector. Implemented by the provider client.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Verdict is the per-request semantic result.
type Verdict struct {
	RiskScore         float64   `json:"risk_score"`
	RiskLevel         RiskLevel `json:"risk_level"`
	NearestTemplateID string    `json:"nearest_template_id,omitempty"`
	Similarity        float64   `json:"similarity"`
	Category          string    `json:"category,omitempty"`
}

// LowRisk is the verdict for "no match": used when the bank is empty or not
// yet loaded.
func LowRisk() Verdict {
	return Verdict{RiskLevel: RiskLow}
}

// Options configures a Classifier.
type Options struct {
	Thresholds Thresholds
	CacheSize  int
	Logger     *zap.Logger
}

// Classifier finds the nearest attack template for a prompt.
type Classifier struct {
	embedder   Embedder
	thresholds Thresholds
	bank       atomic.Pointer[[]CachedTemplate]
	cache      *lru.Cache[string, []float32]
	logger     *zap.Logger
}

// New creates a classifier with an empty bank. Scans return LowRisk until
// LoadBank or SetBank succeeds.
func New(embedder Embedder, opts Options) (*Classifier, error) {
	if embedder == nil {
		return nil, fmt.Errorf("semantic: embedder is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}

	cache, err := lru.New[string, []float32](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("semantic: creating embedding cache: %w", err)
	}

	return &Classifier{
		embedder:   embedder,
		thresholds: opts.Thresholds,
		cache:      cache,
		logger:     opts.Logger,
	}, nil
}

// LoadBank reads the bank at path (built-in bank when empty), embeds every
// template and swaps the result in. On error the previous bank stays active.
func (c *Classifier) LoadBank(ctx context.Context, path string) error {
	bank, err := LoadBankFile(path)
	if err != nil {
		return err
	}
	if err := c.SetBank(ctx, bank.Templates); err != nil {
		return err
	}
	c.logger.Info("attack template bank loaded",
		zap.String("path", path),
		zap.String("version", bank.Version),
		zap.Int("templates", len(bank.Templates)),
	)
	return nil
}

// SetBank embeds templates and replaces the bank.
func (c *Classifier) SetBank(ctx context.Context, templates []Template) error {
	cached := make([]CachedTemplate, 0, len(templates))
	for _, t := range templates {
		vec, err := c.embedder.Embed(ctx, t.Text)
		if err != nil {
			return fmt.Errorf("embedding template %s: %w", t.ID, err)
		}
		cached = append(cached, CachedTemplate{Template: t, Embedding: vec})
	}
	c.bank.Store(&cached)
	return nil
}

// TemplateCount returns the number of templates in the active bank.
func (c *Classifier) TemplateCount() int {
	if b := c.bank.Load(); b != nil {
		return len(*b)
	}
	return 0
}

// Thresholds returns the configured cutoffs.
func (c *Classifier) Thresholds() Thresholds { return c.thresholds }

// Scan embeds text and classifies its similarity to the nearest template.
// An embedding failure is returned to the caller; an empty bank is not a
// failure.
func (c *Classifier) Scan(ctx context.Context, text string) (Verdict, error) {
	b := c.bank.Load()
	if b == nil || len(*b) == 0 {
		c.logger.Debug("template bank empty, returning low risk")
		return LowRisk(), nil
	}

	vec, err := c.embed(ctx, text)
	if err != nil {
		return Verdict{}, err
	}

	tmpl, sim, ok := Nearest(vec, *b)
	if !ok {
		return LowRisk(), nil
	}

	v := Verdict{
		RiskScore:         clamp(sim, 0, 1),
		RiskLevel:         c.thresholds.Classify(sim),
		NearestTemplateID: tmpl.ID,
		Similarity:        sim,
		Category:          tmpl.Category,
	}
	c.logger.Debug("semantic scan",
		zap.Float64("similarity", sim),
		zap.String("template", tmpl.ID),
		zap.String("risk", string(v.RiskLevel)),
	)
	return v, nil
}

func (c *Classifier) embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.Get(text); ok {
		return vec, nil
	}
	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding prompt: %w", err)
	}
	c.cache.Add(text, vec)
	return vec, nil
}

// Nearest returns the template with the highest cosine similarity to vec.
// Ties keep the earlier template. ok is false only for an empty bank.
func Nearest(vec []float32, bank []CachedTemplate) (CachedTemplate, float64, bool) {
	if len(bank) == 0 {
		return CachedTemplate{}, 0, false
	}

	best := 0
	bestSim := math.Inf(-1)
	for i, t := range bank {
		if sim := CosineSimilarity(vec, t.Embedding); sim > bestSim {
			best, bestSim = i, sim
		}
	}
	return bank[best], bestSim, true
}
