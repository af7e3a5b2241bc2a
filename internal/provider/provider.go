// Package provider talks to the generative-text provider: chat completion,
// moderation, embeddings, model listing, and language detection and
// translation (both done through chat completion).
//
// The gateway depends on the Client interface only. HTTPClient speaks the
// Mistral-style REST API; Fake is a deterministic in-process client used by
// tests and by `promptgate start --offline`.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest asks the provider for a chat completion.
type CompletionRequest struct {
	Model      string    `json:"model"`
	Messages   []Message `json:"messages"`
	SafePrompt bool      `json:"safe_prompt"`
}

// Completion is the generated text and the model that produced it.
type Completion struct {
	Model string `json:"model"`
	Text  string `json:"output_text"`
}

// Moderation is the result of a moderation call. Severity is the share of
// flagged categories out of five, capped at 1, and 0 when not flagged.
type Moderation struct {
	Flagged    bool     `json:"flagged"`
	Categories []string `json:"categories"`
	Severity   float64  `json:"severity"`
}

// LanguageDetection is the language name reported by the provider.
type LanguageDetection struct {
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

// Client is the provider surface the gateway uses. Every method may fail.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
	// Moderate classifies input. An empty model lets the provider choose.
	Moderate(ctx context.Context, model, input string) (Moderation, error)
	Embed(ctx context.Context, model, text string) ([]float32, error)
	ListModels(ctx context.Context) ([]string, error)
	DetectLanguage(ctx context.Context, text string) (LanguageDetection, error)
	Translate(ctx context.Context, text, targetLanguage string) (string, error)
}

var (
	// ErrInvalidResponse means the provider answered 2xx with a body that
	// does not have the expected shape.
	ErrInvalidResponse = errors.New("provider response invalid")

	// ErrUnknownModel means a configured model is not in the provider's
	// model list.
	ErrUnknownModel = errors.New("configured model is unavailable")
)

// APIError is a non-2xx response from the provider. Message holds the
// provider's response body and must not be shown to end users.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error: HTTP %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed when retried.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// moderationSeverity scales the number of flagged categories to [0,1].
func moderationSeverity(flagged bool, categories int) float64 {
	if !flagged {
		return 0
	}
	return min(float64(categories)/5.0, 1.0)
}
