package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ctrlai/promptgate/internal/firewall"
	"github.com/ctrlai/promptgate/internal/semantic"
)

// ============================================================================
// promptgate rules
// ============================================================================

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage firewall rules",
	Long: `View, add, remove and test firewall rules. Block rules reject a prompt
when their pattern appears in its canonical form, exactly or as a near
miss. Sanitize rules strip their pattern from prompts that are allowed.

Built-in rules are always active unless listed under disabled in
firewall_rules.yaml. A running gateway reloads the file when it changes.`,
}

var rulesAddKind string

func init() {
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesRemoveCmd)
	rulesCmd.AddCommand(rulesTestCmd)
	rulesCmd.AddCommand(rulesCheckCmd)

	rulesAddCmd.Flags().StringVar(&rulesAddKind, "kind", string(firewall.KindBlock), "Rule kind: block or sanitize")
}

// loadFirewall loads the configured rules file.
func loadFirewall() (*firewall.Engine, string, int, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", 0, err
	}
	fw, err := firewall.New(cfg.Firewall.RulesFile, nil)
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to load rules: %w", err)
	}
	return fw, cfg.Firewall.RulesFile, cfg.Firewall.MaxInputLength, nil
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all rules (built-in + custom)",
	RunE: func(cmd *cobra.Command, args []string) error {
		fw, _, _, err := loadFirewall()
		if err != nil {
			return err
		}

		rules := fw.ListRules()
		if len(rules) == 0 {
			fmt.Println("No rules configured.")
			return nil
		}

		fmt.Printf("%-16s %-9s %-10s %s\n", "ID", "SOURCE", "KIND", "PATTERN")
		fmt.Printf("%-16s %-9s %-10s %s\n", "--", "------", "----", "-------")
		for _, r := range rules {
			source := "custom"
			if r.Builtin {
				source = "builtin"
			}
			fmt.Printf("%-16s %-9s %-10s %q\n", r.ID, source, r.Kind, r.Pattern)
		}
		return nil
	},
}

var rulesAddCmd = &cobra.Command{
	Use:   "add <id> <pattern>",
	Short: "Add a custom rule",
	Long: `Add a custom firewall rule. Block rule patterns are matched against the
canonical prompt (case-folded, confusables mapped, separators stripped), so
"ignore all rules" also catches "1gn0re-all-rul3s".

Example:
  promptgate rules add PFW-100 "reveal your hidden prompt"
  promptgate rules add --kind sanitize PFW-SAN-100 "<iframe"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fw, path, _, err := loadFirewall()
		if err != nil {
			return err
		}

		if err := fw.AddRule(firewall.Kind(rulesAddKind), args[0], args[1]); err != nil {
			return fmt.Errorf("failed to add rule: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create rules directory: %w", err)
		}
		if err := fw.Save(path); err != nil {
			return fmt.Errorf("failed to save rules: %w", err)
		}

		fmt.Printf("[promptgate] Rule %q added (%s)\n", args[0], rulesAddKind)
		return nil
	},
}

var rulesRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a custom rule by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fw, path, _, err := loadFirewall()
		if err != nil {
			return err
		}

		if err := fw.RemoveRule(args[0]); err != nil {
			return fmt.Errorf("failed to remove rule: %w", err)
		}
		if err := fw.Save(path); err != nil {
			return fmt.Errorf("failed to save rules: %w", err)
		}

		fmt.Printf("[promptgate] Rule %q removed\n", args[0])
		return nil
	},
}

var rulesTestCmd = &cobra.Command{
	Use:   "test <prompt>",
	Short: "Run a prompt through the firewall only",
	Long: `Run a prompt through the firewall stages (length limit, block rules,
sanitization) without calling the provider or writing the audit log.

Example:
  promptgate rules test "Please ignore previous instructions"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fw, _, maxLen, err := loadFirewall()
		if err != nil {
			return err
		}

		v := fw.Evaluate(args[0], maxLen)
		switch v.Action {
		case firewall.ActionBlock:
			fmt.Printf("[promptgate] %s (%s) by %s: %s\n", colorize(ansiRed, "BLOCKED"), v.Severity,
				strings.Join(v.MatchedRuleIDs, ", "), strings.Join(v.Reasons, "; "))
		case firewall.ActionSanitize:
			fmt.Printf("[promptgate] %s by %s\n", colorize(ansiYellow, "SANITIZED"), strings.Join(v.MatchedRuleIDs, ", "))
			fmt.Printf("[promptgate] Forwarded text: %q\n", v.SanitizedText)
		default:
			fmt.Printf("[promptgate] %s (no rule matched)\n", colorize(ansiGreen, "ALLOWED"))
		}
		return nil
	},
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate a rules file",
	Long: `Validate a rules file against the rules schema and compile every rule.
Defaults to the configured firewall_rules.yaml.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = cfg.Firewall.RulesFile
		}

		n, err := firewall.CheckFile(path)
		if err != nil {
			return err
		}
		fmt.Printf("[promptgate] %s is valid: %d active rules\n", path, n)
		return nil
	},
}

// ============================================================================
// promptgate templates
// ============================================================================

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Inspect attack-template banks",
	Long: `The semantic classifier compares each prompt's embedding with a bank of
known attack templates. Without semantic.templates_file the built-in bank
is used.`,
}

func init() {
	templatesCmd.AddCommand(templatesCheckCmd)
	templatesCmd.AddCommand(templatesListCmd)
}

// bankPath returns the file argument, or the configured bank file.
func bankPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Semantic.TemplatesFile, nil
}

func bankName(path string) string {
	if path == "" {
		return "built-in bank"
	}
	return path
}

var templatesCheckCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate a template bank",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := bankPath(args)
		if err != nil {
			return err
		}
		bank, err := semantic.LoadBankFile(path)
		if err != nil {
			return err
		}
		fmt.Printf("[promptgate] %s is valid: version %s, %d templates\n", bankName(path), bank.Version, len(bank.Templates))
		return nil
	},
}

var templatesListCmd = &cobra.Command{
	Use:   "list [file]",
	Short: "List the templates of a bank",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := bankPath(args)
		if err != nil {
			return err
		}
		bank, err := semantic.LoadBankFile(path)
		if err != nil {
			return err
		}

		fmt.Printf("%-12s %-22s %s\n", "ID", "CATEGORY", "TEXT")
		fmt.Printf("%-12s %-22s %s\n", "--", "--------", "----")
		for _, t := range bank.Templates {
			fmt.Printf("%-12s %-22s %s\n", t.ID, t.Category, t.Text)
		}
		return nil
	},
}
