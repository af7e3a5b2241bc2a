// Package main is the CLI entry point for promptgate, an inline
// content-safety gateway that sits between applications and an LLM provider.
//
// Every prompt passes a deterministic firewall, a semantic attack-template
// classifier and provider moderation before it is forwarded for generation,
// and every decision is written to a tamper-evident hash-chained audit log:
//
//	client --> promptgate (:3200) --> firewall (canonicalize, fuzzy match, sanitize)
//	                |               |-- semantic classifier (embeddings)
//	                |               |-- input moderation
//	                |               |-- generation + output moderation
//	                |               +-- audit chain + analytics
//	                +-- REST API, live feed, dashboard
//
// CLI commands (cobra):
//
//	promptgate start [-d]    - Start the gateway (foreground or daemon)
//	promptgate stop          - Stop the gateway
//	promptgate status        - Show gateway status and audit chain health
//	promptgate evaluate      - Run one prompt through the pipeline
//	promptgate rules         - Manage firewall rules
//	promptgate templates     - Validate attack-template banks
//	promptgate audit         - Query, verify and export the audit log
//	promptgate config        - View or generate the configuration
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/ctrlai/promptgate/internal/config"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-10-19"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns ~/.promptgate/, which holds config.yaml,
// firewall_rules.yaml, the audit/ directory and the PID and log files.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".promptgate"
	}
	return filepath.Join(home, ".promptgate")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var (
	// configDir is the promptgate config/state directory.
	configDir string
	// logLevel overrides log.level from config.yaml when set.
	logLevel string
	// offline replaces the provider with a deterministic in-process fake.
	offline bool
)

var rootCmd = &cobra.Command{
	Use:   "promptgate",
	Short: "Content-safety gateway for LLM prompts",
	Long: `promptgate screens prompts before they reach an LLM provider. Each prompt
is canonicalized and checked against firewall rules, compared with known
attack templates, moderated on the way in and out, and recorded in a
hash-chained audit log.

Run 'promptgate config generate' once, then 'promptgate start'.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", defaultConfigDir(),
		"Path to promptgate config and state directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error); overrides config.yaml")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false,
		"Use a deterministic local provider instead of the configured endpoint")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(templatesCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(configCmd)
}

// configPath returns the path of config.yaml inside configDir.
func configPath() string {
	return filepath.Join(configDir, "config.yaml")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// mustBuildLogger builds a JSON zap logger at the given level writing to
// output ("stdout" or "stderr").
func mustBuildLogger(level, output string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

// cliLogger is used by one-shot commands. Only warnings and errors are
// logged so they do not drown the command output.
func cliLogger(cfg *config.Config) *zap.Logger {
	level := "warn"
	if cfg.Log.Level == "debug" || cfg.Log.Level == "error" {
		level = cfg.Log.Level
	}
	return mustBuildLogger(level, "stderr")
}

// ============================================================================
// Terminal output
// ============================================================================

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
)

// colorEnabled reports whether stdout is a terminal. Piped output stays
// free of escape codes.
var colorEnabled = term.IsTerminal(int(os.Stdout.Fd()))

func colorize(color, s string) string {
	if !colorEnabled {
		return s
	}
	return color + s + ansiReset
}

// decisionColor picks the colour for an allow/sanitize/block decision.
func decisionColor(decision string) string {
	switch decision {
	case "allow":
		return ansiGreen
	case "sanitize":
		return ansiYellow
	default:
		return ansiRed
	}
}
