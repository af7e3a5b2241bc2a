package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ctrlai/promptgate/internal/analytics"
	"github.com/ctrlai/promptgate/internal/audit"
	"github.com/ctrlai/promptgate/internal/bias"
	"github.com/ctrlai/promptgate/internal/compliance"
	"github.com/ctrlai/promptgate/internal/config"
	"github.com/ctrlai/promptgate/internal/firewall"
	"github.com/ctrlai/promptgate/internal/gateway"
	"github.com/ctrlai/promptgate/internal/provider"
	"github.com/ctrlai/promptgate/internal/semantic"
)

// stack holds every component the gateway is built from. Fields that a
// configuration disables stay nil.
type stack struct {
	firewall   *firewall.Engine
	classifier *semantic.Classifier
	bias       *bias.Scanner
	compliance *compliance.Checker
	provider   *provider.Service
	audit      *audit.Chain
	analytics  analytics.EventWriter
	gateway    *gateway.Engine
}

// Close releases the audit store and flushes analytics.
func (s *stack) Close() error {
	if s.analytics != nil {
		s.analytics.Close()
	}
	if s.audit != nil {
		return s.audit.Close()
	}
	return nil
}

// newProviderClient returns the HTTP client for the configured endpoint, or
// the in-process fake when --offline is set.
func newProviderClient(cfg *config.Config, logger *zap.Logger) (provider.Client, error) {
	if offline {
		return &provider.Fake{}, nil
	}
	if cfg.Provider.APIKey == "" {
		return nil, fmt.Errorf("no provider API key: set %s or %s (or use --offline)",
			config.EnvProviderAPIKey, config.EnvMistralAPIKey)
	}
	return provider.NewHTTPClient(provider.HTTPOptions{
		BaseURL:      cfg.Provider.BaseURL,
		APIKey:       cfg.Provider.APIKey,
		Timeout:      cfg.Provider.Timeout(),
		MaxRetries:   cfg.Provider.MaxRetries,
		RetryDelay:   cfg.Provider.RetryDelay(),
		UtilityModel: cfg.Provider.Models.Generation,
		Logger:       logger.Named("provider"),
	}), nil
}

// openAuditStore opens the store selected by audit.backend.
func openAuditStore(ctx context.Context, cfg *config.Config) (audit.Store, error) {
	switch cfg.Audit.Backend {
	case config.BackendSQLite:
		if err := os.MkdirAll(cfg.Audit.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating audit directory %s: %w", cfg.Audit.Dir, err)
		}
		store, err := audit.OpenSQLite(filepath.Join(cfg.Audit.Dir, "audit.db"))
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendPostgres:
		store, err := audit.OpenPostgres(ctx, cfg.Audit.DSN)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := audit.OpenFileStore(cfg.Audit.Dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

// openAuditChain opens the configured store and resumes the chain from it.
func openAuditChain(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*audit.Chain, error) {
	alg, err := audit.ParseAlgorithm(cfg.Audit.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	store, err := openAuditStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}
	chain, err := audit.New(ctx, store, audit.Options{Algorithm: alg, Logger: logger.Named("audit")})
	if err != nil {
		store.Close()
		return nil, err
	}
	return chain, nil
}

// newAnalytics returns the ClickHouse writer when a DSN is configured and a
// log-backed writer otherwise.
func newAnalytics(ctx context.Context, cfg *config.Config, logger *zap.Logger) (analytics.EventWriter, error) {
	if cfg.Analytics.ClickHouseDSN == "" {
		return analytics.NewLogWriter(logger.Named("analytics")), nil
	}
	w, err := analytics.NewClickHouseWriter(ctx, cfg.Analytics.ClickHouseDSN, logger.Named("analytics"))
	if err != nil {
		return nil, fmt.Errorf("connecting to ClickHouse: %w", err)
	}
	return w, nil
}

// buildStack wires the full pipeline. chain may be supplied by the caller
// (for example an in-memory log); when nil the configured store is opened.
// On error everything opened so far, chain included, is closed.
func buildStack(ctx context.Context, cfg *config.Config, logger *zap.Logger, chain *audit.Chain) (_ *stack, err error) {
	s := &stack{audit: chain}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.firewall, err = firewall.New(cfg.Firewall.RulesFile, logger.Named("firewall"))
	if err != nil {
		return nil, fmt.Errorf("loading firewall rules: %w", err)
	}
	s.bias = bias.NewScanner(cfg.Bias.Threshold)

	kw, err := compliance.LoadKeywords(cfg.Compliance.KeywordsFile)
	if err != nil {
		return nil, err
	}
	s.compliance = compliance.NewChecker(kw)

	client, err := newProviderClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	s.provider = provider.NewService(client, cfg.Provider.Models, logger.Named("provider"))

	if cfg.Semantic.Enabled {
		s.classifier, err = semantic.New(s.provider, semantic.Options{
			Thresholds: semantic.Thresholds{
				Medium: cfg.Semantic.MediumThreshold,
				High:   cfg.Semantic.HighThreshold,
				Margin: cfg.Semantic.Margin,
			},
			CacheSize: cfg.Semantic.CacheSize,
			Logger:    logger.Named("semantic"),
		})
		if err != nil {
			return nil, err
		}
		// A broken bank file is a startup error. An unreachable embedding
		// model only leaves the bank empty, so scans report low risk.
		if _, err := semantic.LoadBankFile(cfg.Semantic.TemplatesFile); err != nil {
			return nil, fmt.Errorf("loading attack templates: %w", err)
		}
		if loadErr := s.classifier.LoadBank(ctx, cfg.Semantic.TemplatesFile); loadErr != nil {
			logger.Warn("attack template bank not embedded", zap.Error(loadErr))
		}
	}

	if s.audit == nil {
		s.audit, err = openAuditChain(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	s.analytics, err = newAnalytics(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := gateway.Options{
		Firewall:           s.firewall,
		MaxInputLength:     cfg.Firewall.MaxInputLength,
		Bias:               s.bias,
		Provider:           s.provider,
		Audit:              s.audit,
		Analytics:          s.analytics,
		TranslateResponses: cfg.Gateway.TranslateResponses,
		OutputPreviewChars: cfg.Gateway.OutputPreviewChars,
		Logger:             logger.Named("gateway"),
	}
	// A nil *Classifier must not become a non-nil interface.
	if s.classifier != nil {
		opts.Semantic = s.classifier
	}
	s.gateway, err = gateway.New(opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}
