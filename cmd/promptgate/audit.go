package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctrlai/promptgate/internal/audit"
	"github.com/ctrlai/promptgate/internal/gateway"
)

// ============================================================================
// promptgate audit
// ============================================================================

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query, verify and export the audit log",
	Long: `The audit log records every gateway decision: the original and sanitized
prompt, the final status and the evidence behind it. Each record carries a
proof: record_hash = H(payload) and chain_hash = H(previous chain_hash ||
record_hash), so changing, removing or reordering any record is detected
by 'promptgate audit verify'.

These commands read the configured store directly and work whether or not
the gateway is running.`,
}

var (
	auditFollowMode bool
	auditTailLimit  int
)

func init() {
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditExportCmd)
}

// withAuditChain opens the configured chain, runs fn and closes it.
func withAuditChain(ctx context.Context, fn func(*audit.Chain) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cliLogger(cfg)
	defer logger.Sync() //nolint:errcheck

	chain, err := openAuditChain(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer chain.Close()
	return fn(chain)
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit records",
	Long:  `Show the most recent audit records, oldest first. Use -f to follow new records (like tail -f).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return withAuditChain(ctx, func(chain *audit.Chain) error {
			page, err := chain.Query(ctx, audit.Filter{Limit: auditTailLimit})
			if err != nil {
				return fmt.Errorf("failed to read audit log: %w", err)
			}

			records := slices.Clone(page.Records)
			slices.Reverse(records)
			var last uint64
			for _, rec := range records {
				printAuditRecord(rec)
				last = rec.Seq
			}

			if !auditFollowMode {
				return nil
			}
			err = chain.Follow(ctx, last, 500*time.Millisecond, printAuditRecord)
			if ctx.Err() != nil {
				return nil
			}
			return err
		})
	},
}

func init() {
	auditTailCmd.Flags().BoolVarP(&auditFollowMode, "follow", "f", false, "Follow new records in real-time")
	auditTailCmd.Flags().IntVarP(&auditTailLimit, "limit", "n", 20, "Number of recent records to show")
}

var (
	auditQueryCorrelationID string
	auditQuerySince         string
	auditQueryStart         string
	auditQueryEnd           string
	auditQueryLimit         int
	auditQueryOffset        int
	auditQueryJSON          bool
)

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit records with filters",
	Long: `Query the audit log, newest first. Filters by correlation id and time
range; --start is inclusive and --end exclusive (RFC 3339 timestamps).

Examples:
  promptgate audit query --since 1h
  promptgate audit query --correlation-id 3f6c2f0e-8f5e-4f7b-9d59-0d2a4c1e6b7a
  promptgate audit query --start 2026-10-01T00:00:00Z --limit 100 --offset 100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := queryFilter(time.Now())
		if err != nil {
			return err
		}

		return withAuditChain(cmd.Context(), func(chain *audit.Chain) error {
			page, err := chain.Query(cmd.Context(), filter)
			if err != nil {
				return fmt.Errorf("audit query failed: %w", err)
			}

			if auditQueryJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(page)
			}

			if len(page.Records) == 0 {
				fmt.Println("No matching audit records found.")
				return nil
			}
			for _, rec := range page.Records {
				printAuditRecord(rec)
			}
			fmt.Printf("\n%d of %d matching records shown.\n", len(page.Records), page.TotalCount)
			if page.Skipped > 0 {
				fmt.Printf("%d malformed records skipped.\n", page.Skipped)
			}
			return nil
		})
	},
}

func init() {
	auditQueryCmd.Flags().StringVar(&auditQueryCorrelationID, "correlation-id", "", "Filter by correlation id")
	auditQueryCmd.Flags().StringVar(&auditQuerySince, "since", "", "Show records since duration (e.g., 1h, 30m, 24h)")
	auditQueryCmd.Flags().StringVar(&auditQueryStart, "start", "", "Show records at or after this RFC 3339 time")
	auditQueryCmd.Flags().StringVar(&auditQueryEnd, "end", "", "Show records before this RFC 3339 time")
	auditQueryCmd.Flags().IntVar(&auditQueryLimit, "limit", audit.DefaultQueryLimit, "Maximum number of records to return")
	auditQueryCmd.Flags().IntVar(&auditQueryOffset, "offset", 0, "Number of matching records to skip")
	auditQueryCmd.Flags().BoolVar(&auditQueryJSON, "json", false, "Print the result page as JSON")
	auditQueryCmd.MarkFlagsMutuallyExclusive("since", "start")
}

// queryFilter builds the filter from the query flags. now anchors --since.
func queryFilter(now time.Time) (audit.Filter, error) {
	f := audit.Filter{
		CorrelationID: auditQueryCorrelationID,
		Limit:         auditQueryLimit,
		Offset:        auditQueryOffset,
	}
	if auditQueryLimit < 0 || auditQueryOffset < 0 {
		return f, fmt.Errorf("--limit and --offset must be non-negative")
	}
	if auditQuerySince != "" {
		d, err := time.ParseDuration(auditQuerySince)
		if err != nil || d <= 0 {
			return f, fmt.Errorf("invalid --since %q (use a positive duration such as 1h or 30m)", auditQuerySince)
		}
		f.Start = now.Add(-d)
	}
	for _, p := range []struct {
		flag, value string
		dst         *time.Time
	}{
		{"--start", auditQueryStart, &f.Start},
		{"--end", auditQueryEnd, &f.End},
	} {
		if p.value == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, p.value)
		if err != nil {
			return f, fmt.Errorf("invalid %s %q: %w", p.flag, p.value, err)
		}
		*p.dst = t
	}
	return f, nil
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Recompute every record hash and chain hash from the start of the log.
Reports the first record whose payload, chain link or sequence number does
not match.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAuditChain(cmd.Context(), func(chain *audit.Chain) error {
			res, err := chain.Verify(cmd.Context())
			if err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}

			if res.Valid {
				fmt.Printf("[promptgate] Hash chain %s (%d records verified)\n", colorize(ansiGreen, "VALID"), res.RecordsChecked)
				return nil
			}
			fmt.Printf("[promptgate] Hash chain %s at record #%d: %s\n", colorize(ansiRed, "BROKEN"), res.BrokenAtSeq, res.Reason)
			if res.ExpectedHash != "" {
				fmt.Printf("  Expected hash: %s\n", res.ExpectedHash)
				fmt.Printf("  Actual hash:   %s\n", res.ActualHash)
			}
			return fmt.Errorf("audit chain integrity violation detected")
		})
	},
}

var auditExportFormat string

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the audit log",
	Long: `Export the full audit log to stdout in append order.
Supported formats: csv, json, jsonl.

Example:
  promptgate audit export --format csv > audit_export.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAuditChain(cmd.Context(), func(chain *audit.Chain) error {
			return chain.Export(cmd.Context(), os.Stdout, auditExportFormat)
		})
	},
}

func init() {
	auditExportCmd.Flags().StringVar(&auditExportFormat, "format", "jsonl", "Export format: csv, json, jsonl")
}

// printAuditRecord prints one record on a single line. Payloads that are
// not gateway events are shown by size only.
func printAuditRecord(rec audit.Record) {
	ts := rec.Timestamp.UTC().Format(time.RFC3339)
	var ev gateway.Event
	if err := json.Unmarshal([]byte(rec.Payload), &ev); err != nil || ev.FinalStatus == "" {
		fmt.Printf("[%s] #%-6d id=%s payload=%d bytes\n", ts, rec.Seq, rec.CorrelationID, len(rec.Payload))
		return
	}

	decision := string(ev.FinalStatus.Decision())
	fmt.Printf("[%s] #%-6d id=%s decision=%-8s status=%s\n",
		ts, rec.Seq, rec.CorrelationID, colorize(decisionColor(decision), decision), ev.FinalStatus)
}
