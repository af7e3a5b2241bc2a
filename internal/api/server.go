// Package api serves the promptgate HTTP API, the live decision feed and the
// dashboard page.
//
//   - POST /api/v1/evaluate           full pipeline for one prompt
//   - GET  /api/v1/audit              paged audit records, newest first
//   - GET  /api/v1/audit/verify       hash chain verification
//   - POST /api/v1/firewall/inspect   firewall only, nothing audited
//   - POST /api/v1/bias/scan          bias scan with optional threshold
//   - POST /api/v1/eu/check           EU AI Act readiness check
//   - GET  /api/v1/models             provider model availability
//   - GET  /api/v1/feed               websocket, one message per audit record
//   - GET  /dashboard                 embedded single-page UI
//   - GET  /health
//
// Every /api/ route requires "Authorization: Bearer <key>" when an API key
// is configured. Error bodies are always {"detail": "..."} and never carry
// provider error text.
package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ctrlai/promptgate/internal/audit"
	"github.com/ctrlai/promptgate/internal/bias"
	"github.com/ctrlai/promptgate/internal/compliance"
	"github.com/ctrlai/promptgate/internal/gateway"
	"github.com/ctrlai/promptgate/internal/provider"
)

// maxBodyBytes bounds request bodies. The firewall rejects long prompts
// anyway; this only stops a client streaming an unbounded body.
const maxBodyBytes = 1 << 20

// ModelValidator reports provider model availability. Implemented by
// *provider.Service.
type ModelValidator interface {
	ValidateModels(ctx context.Context) provider.ModelValidation
}

// Options holds the dependencies injected into the server.
type Options struct {
	Gateway    *gateway.Engine
	Audit      *audit.Chain
	Bias       *bias.Scanner
	Compliance *compliance.Checker
	Models     ModelValidator
	// APIKey, when set, is required as a bearer token on /api/ routes.
	APIKey    string
	Dashboard bool
	Logger    *zap.Logger
}

// Server serves the REST API and the live feed.
type Server struct {
	gateway    *gateway.Engine
	audit      *audit.Chain
	bias       *bias.Scanner
	compliance *compliance.Checker
	models     ModelValidator
	apiKey     string
	dashboard  bool
	logger     *zap.Logger
	hub        *feedHub
}

// New creates a server. Call Run to start feeding websocket clients.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bias == nil {
		opts.Bias = bias.NewScanner(bias.DefaultThreshold)
	}
	if opts.Compliance == nil {
		opts.Compliance = compliance.NewChecker(compliance.DefaultKeywords())
	}
	return &Server{
		gateway:    opts.Gateway,
		audit:      opts.Audit,
		bias:       opts.Bias,
		compliance: opts.Compliance,
		models:     opts.Models,
		apiKey:     opts.APIKey,
		dashboard:  opts.Dashboard,
		logger:     opts.Logger,
		hub:        newFeedHub(opts.Logger),
	}
}

// Run forwards every new audit record to websocket clients until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) {
	go s.hub.run(ctx)

	records, unsubscribe := s.audit.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				s.logger.Error("marshaling feed record", zap.Uint64("seq", rec.Seq), zap.Error(err))
				continue
			}
			s.hub.broadcast(data)
		}
	}
}

// Handler builds the HTTP mux with all routes wired up.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/evaluate", s.auth(s.handleEvaluate))
	mux.HandleFunc("GET /api/v1/audit", s.auth(s.handleAudit))
	mux.HandleFunc("GET /api/v1/audit/verify", s.auth(s.handleVerify))
	mux.HandleFunc("POST /api/v1/firewall/inspect", s.auth(s.handleInspect))
	mux.HandleFunc("POST /api/v1/bias/scan", s.auth(s.handleBiasScan))
	mux.HandleFunc("POST /api/v1/eu/check", s.auth(s.handleEUCheck))
	mux.HandleFunc("GET /api/v1/models", s.auth(s.handleModels))
	mux.HandleFunc("GET /api/v1/feed", s.auth(s.handleFeed))

	if s.dashboard {
		mux.HandleFunc("GET /dashboard", s.handleDashboard)
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, s.logger))
}

// ErrorResp is the body of every error response.
type ErrorResp struct {
	Detail string `json:"detail"`
}

// --- Handlers ---

// handleEvaluate runs the decision engine.
// POST /api/v1/evaluate  {"correlation_id": "...", "prompt": "..."}
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req gateway.Request
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "prompt is required"})
		return
	}

	resp, err := s.gateway.Evaluate(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, gateway.ErrAudit):
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Audit log unavailable"})
	case errors.Is(err, gateway.ErrModeration), errors.Is(err, gateway.ErrGeneration):
		writeJSON(w, http.StatusBadGateway, ErrorResp{Detail: "Upstream provider error"})
	default:
		s.logger.Error("evaluate failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Internal error"})
	}
}

// handleAudit pages through audit records.
// GET /api/v1/audit?limit=50&offset=0&start=RFC3339&end=RFC3339&correlation_id=...
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}
	page, err := s.gateway.QueryAudit(r.Context(), f)
	if err != nil {
		s.logger.Error("audit query failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Audit query failed"})
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	var f audit.Filter

	intParam := func(name string) (int, error) {
		v := q.Get(name)
		if v == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, errors.New(name + " must be a non-negative integer")
		}
		return n, nil
	}
	timeParam := func(name string) (time.Time, error) {
		v := q.Get(name)
		if v == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, errors.New(name + " must be an RFC 3339 timestamp")
		}
		return t, nil
	}

	var err error
	if f.Limit, err = intParam("limit"); err != nil {
		return f, err
	}
	if f.Offset, err = intParam("offset"); err != nil {
		return f, err
	}
	if f.Start, err = timeParam("start"); err != nil {
		return f, err
	}
	if f.End, err = timeParam("end"); err != nil {
		return f, err
	}
	f.CorrelationID = q.Get("correlation_id")
	return f, nil
}

// handleVerify walks the whole chain.
// GET /api/v1/audit/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	res, err := s.audit.Verify(r.Context())
	if err != nil {
		s.logger.Error("audit verification failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Audit verification failed"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleInspect runs only the firewall.
// POST /api/v1/firewall/inspect  {"prompt": "..."}
func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	writeJSON(w, http.StatusOK, s.gateway.Inspect(req.Prompt))
}

// handleBiasScan scans text for biased language.
// POST /api/v1/bias/scan  {"text": "...", "threshold": 0.5}
func (s *Server) handleBiasScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text      string   `json:"text"`
		Threshold *float64 `json:"threshold"`
	}
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	threshold := math.NaN()
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	writeJSON(w, http.StatusOK, s.bias.ScanWithThreshold(req.Text, threshold))
}

// handleEUCheck runs the EU AI Act readiness check.
// POST /api/v1/eu/check  {"intended_use": "...", ...}
func (s *Server) handleEUCheck(w http.ResponseWriter, r *http.Request) {
	var req compliance.Request
	if err := readJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	writeJSON(w, http.StatusOK, s.compliance.Check(req))
}

// handleModels reports provider model availability.
// GET /api/v1/models
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Model validation not configured"})
		return
	}
	writeJSON(w, http.StatusOK, s.models.ValidateModels(r.Context()))
}

// --- Middleware ---

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.apiKey == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := extractBearerToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Missing or invalid Authorization header"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid API key"})
			return
		}
		next(w, r)
	}
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
// Browsers cannot set headers on a websocket handshake, so an upgrade
// request may pass the token as ?access_token= instead.
func extractBearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		if websocket.IsWebSocketUpgrade(r) {
			token := r.URL.Query().Get("access_token")
			return token, token != ""
		}
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Hijack is required by the websocket upgrade on /api/v1/feed.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}
