// Package config handles loading, validating, and writing the promptgate
// configuration from ~/.promptgate/config.yaml.
//
// The config defines:
//   - Server bind address, API key and gRPC health port
//   - Provider endpoint, models, timeout and retry policy
//   - Firewall, semantic classifier and bias scanner settings
//   - Audit backend and hash algorithm
//   - Optional ClickHouse analytics and the dashboard toggle
//
// Secrets never live in the file: the provider key comes from
// PROMPTGATE_PROVIDER_API_KEY (or MISTRAL_API_KEY), and the server key may be
// overridden with PROMPTGATE_SERVER_API_KEY.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ctrlai/promptgate/internal/audit"
	"github.com/ctrlai/promptgate/internal/provider"
)

// Environment variables read by Load.
const (
	EnvProviderAPIKey = "PROMPTGATE_PROVIDER_API_KEY"
	EnvMistralAPIKey  = "MISTRAL_API_KEY"
	EnvServerAPIKey   = "PROMPTGATE_SERVER_API_KEY"
)

// Audit backends.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config is the top-level promptgate configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Provider   ProviderConfig   `yaml:"provider"`
	Firewall   FirewallConfig   `yaml:"firewall"`
	Semantic   SemanticConfig   `yaml:"semantic"`
	Bias       BiasConfig       `yaml:"bias"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Audit      AuditConfig      `yaml:"audit"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig defines where the API listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// APIKey, when set, is required as a bearer token on /api/ routes.
	APIKey string `yaml:"api_key,omitempty"`
	// GRPCHealthPort serves the gRPC health protocol. 0 disables it.
	GRPCHealthPort int `yaml:"grpc_health_port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ProviderConfig struct {
	BaseURL      string          `yaml:"base_url"`
	Models       provider.Models `yaml:"models"`
	TimeoutMs    int             `yaml:"timeout_ms"`
	MaxRetries   int             `yaml:"max_retries"`
	RetryDelayMs int             `yaml:"retry_delay_ms"`
	// APIKey is read from the environment only.
	APIKey string `yaml:"-"`
}

func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

func (p ProviderConfig) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelayMs) * time.Millisecond
}

type FirewallConfig struct {
	// MaxInputLength is counted in characters (runes).
	MaxInputLength int    `yaml:"max_input_length"`
	RulesFile      string `yaml:"rules_file"`
}

type SemanticConfig struct {
	Enabled bool `yaml:"enabled"`
	// TemplatesFile is the attack-template bank. Empty uses the built-in bank.
	TemplatesFile   string  `yaml:"templates_file"`
	MediumThreshold float64 `yaml:"medium_threshold"`
	HighThreshold   float64 `yaml:"high_threshold"`
	Margin          float64 `yaml:"margin"`
	CacheSize       int     `yaml:"cache_size"`
}

type BiasConfig struct {
	Threshold float64 `yaml:"threshold"`
}

type ComplianceConfig struct {
	// KeywordsFile overrides the EU AI Act intended-use keyword tiers.
	KeywordsFile string `yaml:"keywords_file"`
}

type AuditConfig struct {
	Backend string `yaml:"backend"`
	// Dir holds the JSONL files (file backend) or audit.db (sqlite backend).
	Dir string `yaml:"dir"`
	// DSN is the Postgres connection string (postgres backend).
	DSN           string `yaml:"dsn,omitempty"`
	HashAlgorithm string `yaml:"hash_algorithm"`
}

type AnalyticsConfig struct {
	// ClickHouseDSN enables the ClickHouse writer. Empty logs decision
	// events instead.
	ClickHouseDSN string `yaml:"clickhouse_dsn,omitempty"`
}

type GatewayConfig struct {
	TranslateResponses bool `yaml:"translate_responses"`
	OutputPreviewChars int  `yaml:"output_preview_chars"`
}

// DashboardConfig controls the web dashboard served at /dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error. Relative file
// paths are resolved against the directory holding the config file.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// No config file: defaults. Normal before `promptgate config generate`.
	case err != nil:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Default returns the default configuration with environment secrets
// applied and paths resolved against dir.
func Default(dir string) *Config {
	cfg := applyDefaults()
	cfg.applyEnv()
	cfg.resolvePaths(dir)
	return cfg
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `promptgate config generate`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# promptgate configuration
#
# server:      API bind address; api_key requires "Authorization: Bearer <key>"
#              on /api/ routes; grpc_health_port 0 disables the gRPC health server
# provider:    Mistral-compatible endpoint and models. The API key is read from
#              PROMPTGATE_PROVIDER_API_KEY or MISTRAL_API_KEY, never from this file.
# firewall:    max_input_length in characters; rules_file is hot-reloaded
# semantic:    attack-template classifier; templates_file empty = built-in bank,
#              hot-reloaded when set
# bias:        medium-risk score threshold in [0, 1]
# compliance:  optional EU AI Act keyword tier override
# audit:       backend file | sqlite | postgres; hash_algorithm sha256 | blake2b-256
# analytics:   clickhouse_dsn empty = decision events go to the log
# gateway:     translate_responses back into the prompt language
# log:         debug | info | warn | error

`
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, []byte(header+string(data)), 0o600)
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
		Provider: ProviderConfig{
			BaseURL: provider.DefaultBaseURL,
			Models: provider.Models{
				Generation: "mistral-large-latest",
				Moderation: "mistral-moderation-latest",
				Embedding:  "mistral-embed",
			},
			TimeoutMs:    int(provider.DefaultTimeout / time.Millisecond),
			MaxRetries:   provider.DefaultMaxRetries,
			RetryDelayMs: int(provider.DefaultRetryDelay / time.Millisecond),
		},
		Firewall: FirewallConfig{
			MaxInputLength: 4096,
			RulesFile:      "firewall_rules.yaml",
		},
		Semantic: SemanticConfig{
			Enabled:         true,
			MediumThreshold: 0.70,
			HighThreshold:   0.80,
			Margin:          0.02,
			CacheSize:       1024,
		},
		Bias: BiasConfig{
			Threshold: 0.35,
		},
		Audit: AuditConfig{
			Backend:       BackendFile,
			Dir:           "audit",
			HashAlgorithm: string(audit.SHA256),
		},
		Gateway: GatewayConfig{
			TranslateResponses: true,
			OutputPreviewChars: 160,
		},
		Dashboard: DashboardConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvProviderAPIKey); v != "" {
		c.Provider.APIKey = v
	} else {
		c.Provider.APIKey = os.Getenv(EnvMistralAPIKey)
	}
	if v := os.Getenv(EnvServerAPIKey); v != "" {
		c.Server.APIKey = v
	}
}

func (c *Config) resolvePaths(dir string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	resolve(&c.Firewall.RulesFile)
	resolve(&c.Semantic.TemplatesFile)
	resolve(&c.Compliance.KeywordsFile)
	resolve(&c.Audit.Dir)
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}
	if cfg.Server.GRPCHealthPort < 0 || cfg.Server.GRPCHealthPort > 65535 {
		return fmt.Errorf("server.grpc_health_port %d out of range (0-65535)", cfg.Server.GRPCHealthPort)
	}
	if cfg.Server.GRPCHealthPort != 0 && cfg.Server.GRPCHealthPort == cfg.Server.Port {
		return fmt.Errorf("server.grpc_health_port must differ from server.port")
	}

	if cfg.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url must not be empty")
	}
	if cfg.Provider.Models.Generation == "" {
		return fmt.Errorf("provider.models.generation must not be empty")
	}
	if cfg.Semantic.Enabled && cfg.Provider.Models.Embedding == "" {
		return fmt.Errorf("provider.models.embedding is required when semantic classification is enabled")
	}
	if cfg.Provider.TimeoutMs <= 0 {
		return fmt.Errorf("provider.timeout_ms must be positive")
	}
	if cfg.Provider.MaxRetries < 0 || cfg.Provider.RetryDelayMs < 0 {
		return fmt.Errorf("provider.max_retries and provider.retry_delay_ms must be non-negative")
	}

	if cfg.Firewall.MaxInputLength <= 0 {
		return fmt.Errorf("firewall.max_input_length must be positive")
	}

	for name, v := range map[string]float64{
		"semantic.medium_threshold": cfg.Semantic.MediumThreshold,
		"semantic.high_threshold":   cfg.Semantic.HighThreshold,
		"bias.threshold":            cfg.Bias.Threshold,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, v)
		}
	}
	if cfg.Semantic.CacheSize <= 0 {
		return fmt.Errorf("semantic.cache_size must be positive")
	}

	switch cfg.Audit.Backend {
	case BackendFile, BackendSQLite:
		if cfg.Audit.Dir == "" {
			return fmt.Errorf("audit.dir is required for the %s backend", cfg.Audit.Backend)
		}
	case BackendPostgres:
		if cfg.Audit.DSN == "" {
			return fmt.Errorf("audit.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("audit.backend %q is not one of file, sqlite, postgres", cfg.Audit.Backend)
	}
	if _, err := audit.ParseAlgorithm(cfg.Audit.HashAlgorithm); err != nil {
		return fmt.Errorf("audit.hash_algorithm: %w", err)
	}

	if cfg.Gateway.OutputPreviewChars <= 0 {
		return fmt.Errorf("gateway.output_preview_chars must be positive")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", cfg.Log.Level)
	}

	return nil
}
