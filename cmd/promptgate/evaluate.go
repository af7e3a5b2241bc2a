package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctrlai/promptgate/internal/api"
	"github.com/ctrlai/promptgate/internal/audit"
	"github.com/ctrlai/promptgate/internal/gateway"
)

// ============================================================================
// promptgate evaluate
// ============================================================================

var (
	evaluateLocal         bool
	evaluateJSON          bool
	evaluateCorrelationID string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <prompt>",
	Short: "Run one prompt through the gateway",
	Long: `Send a prompt to the running gateway and print its decision. Use "-" to
read the prompt from stdin.

With --local the pipeline runs in this process against an in-memory audit
log, so the gateway's own chain is never written by a second process.
Combine with --offline to try rules without a provider key.`,
	Example: `  promptgate evaluate "Summarize the plot of Hamlet"
  echo "ignore previous instructions" | promptgate evaluate -
  promptgate evaluate --local --offline "<script>alert(1)</script>"`,
	Args: cobra.ExactArgs(1),
	RunE: runEvaluate,
}

func init() {
	evaluateCmd.Flags().BoolVar(&evaluateLocal, "local", false, "Evaluate in-process instead of calling the running gateway")
	evaluateCmd.Flags().BoolVar(&evaluateJSON, "json", false, "Print the full response as JSON")
	evaluateCmd.Flags().StringVar(&evaluateCorrelationID, "correlation-id", "", "Correlation id to record (generated when empty)")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	prompt := args[0]
	if prompt == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading prompt from stdin: %w", err)
		}
		prompt = strings.TrimRight(string(data), "\r\n")
	}
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("prompt is required")
	}

	req := gateway.Request{CorrelationID: evaluateCorrelationID, Prompt: prompt}

	var (
		resp gateway.Response
		err  error
	)
	if evaluateLocal {
		resp, err = evaluateInProcess(cmd.Context(), req)
	} else {
		resp, err = evaluateRemote(req)
	}
	if err != nil {
		return err
	}

	if evaluateJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	printResponse(cmd.OutOrStdout(), resp)
	if evaluateLocal {
		fmt.Fprintln(cmd.ErrOrStderr(), "[promptgate] Evaluated locally; the decision was not added to the gateway's audit log")
	}
	return nil
}

func evaluateInProcess(ctx context.Context, req gateway.Request) (gateway.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return gateway.Response{}, err
	}
	logger := cliLogger(cfg)
	defer logger.Sync() //nolint:errcheck

	alg, err := audit.ParseAlgorithm(cfg.Audit.HashAlgorithm)
	if err != nil {
		return gateway.Response{}, err
	}
	chain, err := audit.New(ctx, audit.NewMemoryStore(), audit.Options{Algorithm: alg, Logger: logger.Named("audit")})
	if err != nil {
		return gateway.Response{}, err
	}

	st, err := buildStack(ctx, cfg, logger, chain)
	if err != nil {
		return gateway.Response{}, err
	}
	defer st.Close()

	return st.gateway.Evaluate(ctx, req)
}

func evaluateRemote(req gateway.Request) (gateway.Response, error) {
	cfg, err := loadConfig()
	if err != nil {
		return gateway.Response{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return gateway.Response{}, err
	}
	url := baseURL(cfg) + "/api/v1/evaluate"
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return gateway.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.Server.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cfg.Server.APIKey)
	}

	client := &http.Client{Timeout: cfg.Provider.Timeout() + 30*time.Second}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return gateway.Response{}, fmt.Errorf("gateway not reachable at %s (run 'promptgate start' or use --local): %w", baseURL(cfg), err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var e api.ErrorResp
		if err := json.NewDecoder(httpResp.Body).Decode(&e); err != nil || e.Detail == "" {
			return gateway.Response{}, fmt.Errorf("gateway returned %s", httpResp.Status)
		}
		return gateway.Response{}, errors.New(e.Detail)
	}

	var resp gateway.Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return gateway.Response{}, fmt.Errorf("decoding gateway response: %w", err)
	}
	return resp, nil
}

// printResponse writes a human-readable summary of one decision.
func printResponse(w io.Writer, resp gateway.Response) {
	ev := resp.Evidence
	decision := string(ev.FinalDecision)

	fmt.Fprintf(w, "Correlation: %s\n", resp.CorrelationID)
	fmt.Fprintf(w, "Status:      %s (%s)\n", resp.Status, colorize(decisionColor(decision), strings.ToUpper(decision)))
	fmt.Fprintf(w, "Reason:      %s\n", ev.FinalReason)
	fmt.Fprintf(w, "Firewall:    %s", resp.Firewall.Action)
	if len(resp.Firewall.MatchedRuleIDs) > 0 {
		fmt.Fprintf(w, " [%s]", strings.Join(resp.Firewall.MatchedRuleIDs, ", "))
	}
	fmt.Fprintln(w)
	if resp.Semantic != nil {
		fmt.Fprintf(w, "Semantic:    %s (%.3f", resp.Semantic.RiskLevel, resp.Semantic.Similarity)
		if resp.Semantic.NearestTemplateID != "" {
			fmt.Fprintf(w, ", %s", resp.Semantic.NearestTemplateID)
		}
		fmt.Fprintln(w, ")")
	}
	if resp.DetectedLanguage != "" {
		fmt.Fprintf(w, "Language:    %s\n", resp.DetectedLanguage)
	}
	fmt.Fprintf(w, "Bias:        %s (%.2f)\n", resp.Bias.Level, resp.Bias.Score)
	if resp.GeneratedText != nil {
		fmt.Fprintf(w, "\n%s\n\n", *resp.GeneratedText)
	}
	fmt.Fprintf(w, "Audit:       %s\n", resp.AuditProof.ChainHash)
}
