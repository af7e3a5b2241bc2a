package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ctrlai/promptgate/internal/api"
	"github.com/ctrlai/promptgate/internal/audit"
	"github.com/ctrlai/promptgate/internal/config"
)

// daemonEnv marks the re-exec'd child of `start -d`.
const daemonEnv = "PROMPTGATE_DAEMONIZED"

// ============================================================================
// promptgate start
// ============================================================================

var daemonMode bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the promptgate gateway",
	Long: `Start the gateway. Serves the REST API, the live decision feed and the
dashboard on the address from config.yaml (default 127.0.0.1:3200):
  - API:       http://127.0.0.1:3200/api/v1/evaluate
  - Dashboard: http://127.0.0.1:3200/dashboard

By default runs in the foreground. Use -d for daemon/background mode.
firewall_rules.yaml and the template bank are reloaded when they change.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run gateway in daemon/background mode")
}

// runStart wires every component and serves until SIGINT/SIGTERM or a
// POST to /shutdown:
//
//  1. Handle daemon mode (re-exec as background process if -d)
//  2. Load config.yaml and build the logger
//  3. Build the pipeline (firewall, classifier, provider, audit, analytics)
//  4. Mount the API and the loopback-only /shutdown endpoint
//  5. Write the PID file and start the hot-reload watcher
//  6. Start the optional gRPC health server
//  7. Serve, then shut down gracefully
func runStart(cmd *cobra.Command, args []string) error {
	if daemonMode && os.Getenv(daemonEnv) != "1" {
		return spawnDaemon()
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := mustBuildLogger(cfg.Log.Level, "stdout")
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	fmt.Printf("[promptgate] Firewall: %d rules (%d built-in, %d custom)\n",
		st.firewall.TotalRules(), st.firewall.BuiltinCount(), st.firewall.CustomCount())
	if st.classifier != nil {
		fmt.Printf("[promptgate] Semantic classifier: %d attack templates\n", st.classifier.TemplateCount())
	} else {
		fmt.Println("[promptgate] Semantic classifier: disabled")
	}
	fmt.Printf("[promptgate] Audit: %s backend, %s\n", cfg.Audit.Backend, st.audit.Algorithm())
	if offline {
		fmt.Println("[promptgate] Provider: offline (deterministic local responses)")
	} else {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := st.provider.CheckModels(checkCtx); err != nil {
			fmt.Fprintf(os.Stderr, "[promptgate] Warning: %v\n", err)
		}
		cancel()
	}

	srv := api.New(api.Options{
		Gateway:    st.gateway,
		Audit:      st.audit,
		Bias:       st.bias,
		Compliance: st.compliance,
		Models:     st.provider,
		APIKey:     cfg.Server.APIKey,
		Dashboard:  cfg.Dashboard.Enabled,
		Logger:     logger.Named("api"),
	})
	go srv.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())

	// /shutdown lets `promptgate stop` work where Unix signals do not.
	shutdownCh := make(chan struct{}, 1)
	mux.HandleFunc("POST /shutdown", func(w http.ResponseWriter, r *http.Request) {
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	})

	addr := cfg.Server.Addr()
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: generation plus moderation can take minutes. The
		// provider client enforces its own timeout.
	}

	pidFile := filepath.Join(configDir, "promptgate.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	watcher, err := config.NewWatcher([]config.WatchTarget{
		{
			Path: cfg.Firewall.RulesFile,
			OnChange: func() {
				if err := st.firewall.Reload(cfg.Firewall.RulesFile); err != nil {
					fmt.Fprintf(os.Stderr, "[promptgate] Warning: failed to reload rules: %v\n", err)
					return
				}
				fmt.Printf("[promptgate] Firewall rules reloaded (%d rules)\n", st.firewall.TotalRules())
			},
		},
		{
			Path:     templatesWatchPath(cfg, st),
			OnChange: func() { reloadTemplates(ctx, cfg, st) },
		},
	}, logger.Named("watcher"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "[promptgate] Warning: file watcher not started: %v\n", err)
	} else {
		defer watcher.Close()
	}

	var health *api.HealthServer
	if cfg.Server.GRPCHealthPort != 0 {
		health = api.NewHealthServer(logger.Named("health"))
		healthAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCHealthPort))
		go func() {
			if err := health.Serve(ctx, healthAddr); err != nil {
				logger.Error("grpc health server stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[promptgate] Listening on http://%s\n", addr)
		if cfg.Dashboard.Enabled {
			fmt.Printf("[promptgate] Dashboard at http://%s/dashboard\n", addr)
		}
		if !daemonMode {
			fmt.Println("[promptgate] Press Ctrl+C to stop")
		}
		errCh <- server.ListenAndServe()
	}()
	if health != nil {
		health.SetServing(true)
	}

	select {
	case <-ctx.Done():
		fmt.Println("\n[promptgate] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[promptgate] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}
	if health != nil {
		health.SetServing(false)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "[promptgate] Shutdown error: %v\n", err)
	}

	fmt.Println("[promptgate] Stopped")
	return nil
}

// templatesWatchPath returns the bank file to watch, or "" when the
// built-in bank is in use.
func templatesWatchPath(cfg *config.Config, st *stack) string {
	if st.classifier == nil {
		return ""
	}
	return cfg.Semantic.TemplatesFile
}

// reloadTemplates re-embeds the bank file. The previous bank stays active
// when the new one fails to load.
func reloadTemplates(ctx context.Context, cfg *config.Config, st *stack) {
	reloadCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := st.classifier.LoadBank(reloadCtx, cfg.Semantic.TemplatesFile); err != nil {
		fmt.Fprintf(os.Stderr, "[promptgate] Warning: failed to reload attack templates: %v\n", err)
		return
	}
	fmt.Printf("[promptgate] Attack templates reloaded (%d templates)\n", st.classifier.TemplateCount())
}

// spawnDaemon re-executes the binary as a detached background process with
// PROMPTGATE_DAEMONIZED=1 and its output redirected to promptgate.log. Go
// cannot fork safely, so the child is a fresh process that skips this step.
func spawnDaemon() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "promptgate.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}
	defer logFile.Close()

	daemonArgs := []string{"start", "--config-dir", configDir}
	if logLevel != "" {
		daemonArgs = append(daemonArgs, "--log-level", logLevel)
	}
	if offline {
		daemonArgs = append(daemonArgs, "--offline")
	}

	child := exec.Command(exePath, daemonArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), daemonEnv+"=1")

	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[promptgate] Gateway started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[promptgate] Log file: %s\n", logPath)
	fmt.Println("[promptgate] Use 'promptgate stop' to stop the gateway")

	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[promptgate] Warning: failed to release child process: %v\n", err)
	}
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	os.Remove(path)
}

// isLoopback reports whether an "ip:port" remote address is a loopback
// address.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = strings.Trim(remoteAddr, "[]")
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// baseURL returns the gateway's HTTP address from the config.
func baseURL(cfg *config.Config) string {
	return "http://" + cfg.Server.Addr()
}

// ============================================================================
// promptgate stop
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running gateway",
	Long: `Stop a running gateway. Tries HTTP shutdown first (cross-platform),
then falls back to PID file + SIGTERM on Unix systems.`,
	RunE: runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	addr := baseURL(cfg)
	pidFile := filepath.Join(configDir, "promptgate.pid")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(addr+"/shutdown", "application/json", nil)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[promptgate] Stop signal sent to gateway")
			os.Remove(pidFile)
			return nil
		}
	}

	if runtime.GOOS == "windows" {
		return fmt.Errorf("gateway is not responding at %s, cannot stop", addr)
	}

	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("gateway is not running (no PID file and HTTP unreachable)")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidFile)
		return fmt.Errorf("failed to stop gateway (PID %d): %w", pid, err)
	}

	os.Remove(pidFile)
	fmt.Printf("[promptgate] Sent stop signal to gateway (PID %d)\n", pid)
	return nil
}

// ============================================================================
// promptgate status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status and audit chain health",
	Long: `Display whether the gateway is running, its listen address, the number of
audited decisions and whether the audit hash chain verifies.

Queries the live gateway, so the server API key from config.yaml (or
PROMPTGATE_SERVER_API_KEY) is sent when one is configured.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	addr := baseURL(cfg)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Println("[promptgate] Status: " + colorize(ansiRed, "NOT RUNNING"))
		fmt.Printf("[promptgate] Expected at: %s\n", addr)
		return nil
	}
	resp.Body.Close()

	fmt.Println("[promptgate] Status: " + colorize(ansiGreen, "RUNNING"))
	fmt.Printf("[promptgate] Address: %s\n", addr)
	if data, err := os.ReadFile(filepath.Join(configDir, "promptgate.pid")); err == nil {
		fmt.Printf("[promptgate] PID: %s\n", strings.TrimSpace(string(data)))
	}

	var page audit.Page
	if err := getJSON(client, cfg, addr+"/api/v1/audit?limit=1", &page); err != nil {
		fmt.Fprintf(os.Stderr, "[promptgate] Warning: %v\n", err)
		return nil
	}
	fmt.Printf("[promptgate] Audited decisions: %d\n", page.TotalCount)

	var res audit.VerifyResult
	if err := getJSON(client, cfg, addr+"/api/v1/audit/verify", &res); err != nil {
		fmt.Fprintf(os.Stderr, "[promptgate] Warning: %v\n", err)
		return nil
	}
	if res.Valid {
		fmt.Printf("[promptgate] Audit chain: %s (%d records)\n", colorize(ansiGreen, "VALID"), res.RecordsChecked)
	} else {
		fmt.Printf("[promptgate] Audit chain: %s at seq %d: %s\n", colorize(ansiRed, "BROKEN"), res.BrokenAtSeq, res.Reason)
	}
	return nil
}

// getJSON performs an authenticated GET against the running gateway.
func getJSON(client *http.Client, cfg *config.Config, url string, v any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if cfg.Server.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Server.APIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResp
		json.NewDecoder(resp.Body).Decode(&e) //nolint:errcheck
		return fmt.Errorf("GET %s: %s %s", url, resp.Status, e.Detail)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
