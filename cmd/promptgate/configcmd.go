package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ctrlai/promptgate/internal/config"
	"github.com/ctrlai/promptgate/internal/firewall"
)

// ============================================================================
// promptgate config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit the gateway configuration",
	Long: `Manage the promptgate configuration. The config file lives at
~/.promptgate/config.yaml and defines the bind address, provider endpoint
and models, firewall and classifier thresholds, and the audit backend.

The provider API key is never stored in the file: set
PROMPTGATE_PROVIDER_API_KEY (or MISTRAL_API_KEY).`,
}

var configGenerateForce bool

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configGenerateCmd)

	configGenerateCmd.Flags().BoolVar(&configGenerateForce, "force", false, "Overwrite an existing config.yaml")
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Print the configuration as loaded: file values over defaults, with
environment overrides applied and relative paths resolved. The server API
key is masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath()); errors.Is(err, os.ErrNotExist) {
			fmt.Printf("# No config file at %s; showing defaults.\n", configPath())
			fmt.Println("# Run 'promptgate config generate' to write one.")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Server.APIKey != "" {
			cfg.Server.APIKey = "********"
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}
		fmt.Print(string(data))

		if cfg.Provider.APIKey == "" {
			fmt.Printf("# provider API key: not set (%s)\n", config.EnvProviderAPIKey)
		} else {
			fmt.Println("# provider API key: set")
		}
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in editor",
	Long:  `Open the promptgate config file in your default editor ($EDITOR or $VISUAL).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = os.Getenv("VISUAL")
		}
		if editor == "" {
			if runtime.GOOS == "windows" {
				editor = "notepad"
			} else {
				editor = "vi"
			}
		}

		if _, err := os.Stat(configPath()); errors.Is(err, os.ErrNotExist) {
			if err := config.WriteDefault(configPath()); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
		}

		fmt.Printf("[promptgate] Opening %s in %s...\n", configPath(), editor)
		editorCmd := exec.Command(editor, configPath())
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		if err := editorCmd.Run(); err != nil {
			return err
		}

		if _, err := config.Load(configPath()); err != nil {
			return fmt.Errorf("saved config is invalid: %w", err)
		}
		return nil
	},
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default config.yaml and firewall_rules.yaml",
	Long: `Write a default config.yaml to the config directory, plus an empty
firewall_rules.yaml if none exists. An existing config.yaml is kept unless
--force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := os.Stat(configPath())
		exists := err == nil
		if exists && !configGenerateForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", configPath())
		}
		if err := config.WriteDefault(configPath()); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("[promptgate] Wrote %s\n", configPath())

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := os.Stat(cfg.Firewall.RulesFile); errors.Is(err, os.ErrNotExist) {
			if err := firewall.WriteDefaultRules(cfg.Firewall.RulesFile); err != nil {
				return fmt.Errorf("failed to write rules: %w", err)
			}
			fmt.Printf("[promptgate] Wrote %s\n", cfg.Firewall.RulesFile)
		}

		if cfg.Provider.APIKey == "" {
			fmt.Printf("[promptgate] Set %s before running 'promptgate start'\n", config.EnvProviderAPIKey)
		}
		return nil
	},
}
