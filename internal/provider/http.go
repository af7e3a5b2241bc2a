package provider

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

	"go.uber.org/zap"
)

const (
	DefaultBaseURL      = "https://api.mistral.ai"
	DefaultTimeout      = 120 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryDelay   = 500 * time.Millisecond
	DefaultUtilityModel = "mistral-large-latest"

	// maxResponseBytes bounds a provider response body.
	maxResponseBytes = 16 * 1024 * 1024
)

// HTTPOptions configures an HTTPClient. Zero values take the defaults above.
type HTTPOptions struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	// UtilityModel runs language detection and translation.
	UtilityModel string
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// HTTPClient calls the provider's REST API with bearer authentication.
// Failed requests are retried MaxRetries times with a fixed delay; client
// errors other than 429 are returned immediately.
type HTTPClient struct {
	baseURL      string
	apiKey       string
	maxRetries   int
	retryDelay   time.Duration
	utilityModel string
	client       *http.Client
	logger       *zap.Logger
}

// NewHTTPClient creates a client from opts.
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.UtilityModel == "" {
		opts.UtilityModel = DefaultUtilityModel
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		maxRetries:   opts.MaxRetries,
		retryDelay:   opts.RetryDelay,
		utilityModel: opts.UtilityModel,
		client:       opts.HTTPClient,
		logger:       opts.Logger,
	}
}

// do sends a request and returns the body of the first 2xx response.
func (c *HTTPClient) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding provider request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying provider request",
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", c.retryDelay),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
		}

		data, err := c.send(ctx, method, path, body)
		if err == nil {
			return data, nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *HTTPClient) send(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating provider request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading provider response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("provider API error",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: describeStatus(resp.StatusCode, string(data))}
	}
	return data, nil
}

func describeStatus(status int, body string) string {
	switch status {
	case http.StatusBadRequest:
		return "bad request, likely content violation: " + body
	case http.StatusTooManyRequests:
		return "rate limited: " + body
	case http.StatusRequestEntityTooLarge:
		return "prompt too large: " + body
	default:
		return body
	}
}

// Complete sends a chat completion request.
func (c *HTTPClient) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	c.logger.Debug("chat completion", zap.String("model", req.Model))
	body, err := c.do(ctx, http.MethodPost, "/v1/chat/completions", req)
	if err != nil {
		return Completion{}, err
	}
	return decodeCompletion(body, req.Model)
}

// Moderate classifies input with the moderation endpoint.
func (c *HTTPClient) Moderate(ctx context.Context, model, input string) (Moderation, error) {
	payload := struct {
		Model string `json:"model,omitempty"`
		Input string `json:"input"`
	}{model, input}

	body, err := c.do(ctx, http.MethodPost, "/v1/moderations", payload)
	if err != nil {
		return Moderation{}, err
	}
	return decodeModeration(body)
}

// Embed returns the embedding vector of text.
func (c *HTTPClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	payload := struct {
		Model string `json:"model"`
		Input string `json:"input"`
	}{model, text}

	body, err := c.do(ctx, http.MethodPost, "/v1/embeddings", payload)
	if err != nil {
		return nil, err
	}
	return decodeEmbedding(body)
}

// ListModels returns the ids of the models available to the API key.
func (c *HTTPClient) ListModels(ctx context.Context) ([]string, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return nil, err
	}
	return decodeModels(body)
}

// DetectLanguage asks the utility model to name the language of text.
func (c *HTTPClient) DetectLanguage(ctx context.Context, text string) (LanguageDetection, error) {
	prompt := "What language is this text written in? Reply with ONLY the language name " +
		"(e.g., 'English', 'German', 'Spanish', 'French', 'Chinese'), nothing else.\n\nText: " + text

	out, err := c.Complete(ctx, CompletionRequest{
		Model:    c.utilityModel,
		Messages: []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return LanguageDetection{}, err
	}
	return LanguageDetection{Language: cleanLanguage(out.Text), Confidence: 0.95}, nil
}

// Translate asks the utility model to translate text into targetLanguage.
func (c *HTTPClient) Translate(ctx context.Context, text, targetLanguage string) (string, error) {
	prompt := "Translate the following text to " + targetLanguage + ". Return ONLY the translated text, " +
		"nothing else. No explanations, no commentary, no formatting.\n\nText: " + text

	out, err := c.Complete(ctx, CompletionRequest{
		Model:    c.utilityModel,
		Messages: []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}
