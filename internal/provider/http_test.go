package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(HTTPOptions{
		BaseURL:    srv.URL + "/",
		APIKey:     "test-key",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
}

func TestComplete_StringContent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req CompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Model != "gen-model" || len(req.Messages) != 1 || !req.SafePrompt {
			t.Errorf("unexpected request: %+v", req)
		}
		io.WriteString(w, `{"model":"gen-model-2405","choices":[{"message":{"role":"assistant","content":"Paris."}}]}`)
	})

	out, err := c.Complete(context.Background(), CompletionRequest{
		Model:      "gen-model",
		Messages:   []Message{{Role: "user", Content: "capital of France?"}},
		SafePrompt: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "Paris." || out.Model != "gen-model-2405" {
		t.Errorf("unexpected completion: %+v", out)
	}
}

func TestComplete_PartsContent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[{"message":{"content":[{"type":"text","text":"one"},{"type":"image"},{"type":"text","text":"two"}]}}]}`)
	})

	out, err := c.Complete(context.Background(), CompletionRequest{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Text != "one\ntwo" {
		t.Errorf("Text = %q, want parts joined by newline", out.Text)
	}
	if out.Model != "m" {
		t.Errorf("Model should fall back to the requested model, got %q", out.Model)
	}
}

func TestComplete_InvalidShapes(t *testing.T) {
	bodies := []string{
		`{"choices":[]}`,
		`{"choices":[{"message":{}}]}`,
		`{"choices":[{"message":{"content":42}}]}`,
		`{"choices":[{"message":{"content":[{"type":"image"}]}}]}`,
		`not json`,
	}
	for _, body := range bodies {
		t.Run(body, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, body)
			})
			_, err := c.Complete(context.Background(), CompletionRequest{Model: "m"})
			if !errors.Is(err, ErrInvalidResponse) {
				t.Errorf("expected ErrInvalidResponse, got %v", err)
			}
		})
	}
}

func TestModerate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["input"] != "some text" {
			t.Errorf("input = %v", req["input"])
		}
		if _, ok := req["model"]; ok {
			t.Error("empty model should be omitted")
		}
		io.WriteString(w, `{"results":[{"flagged":true,"categories":{"violence":true,"hate":true,"sexual":false,"score":0.3}}]}`)
	})

	m, err := c.Moderate(context.Background(), "", "some text")
	if err != nil {
		t.Fatal(err)
	}
	if !m.Flagged {
		t.Error("expected flagged")
	}
	if strings.Join(m.Categories, ",") != "hate,violence" {
		t.Errorf("Categories = %v, want sorted [hate violence]", m.Categories)
	}
	if m.Severity != 0.4 {
		t.Errorf("Severity = %v, want 0.4", m.Severity)
	}
}

func TestModerationSeverity(t *testing.T) {
	tests := []struct {
		flagged bool
		n       int
		want    float64
	}{
		{false, 3, 0},
		{true, 0, 0},
		{true, 1, 0.2},
		{true, 5, 1},
		{true, 9, 1},
	}
	for _, tt := range tests {
		if got := moderationSeverity(tt.flagged, tt.n); got != tt.want {
			t.Errorf("moderationSeverity(%v, %d) = %v, want %v", tt.flagged, tt.n, got, tt.want)
		}
	}
}

func TestModerate_MissingResults(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"results":[]}`)
	})
	if _, err := c.Moderate(context.Background(), "m", "x"); !errors.Is(err, ErrInvalidResponse) {
		t.Errorf("expected ErrInvalidResponse, got %v", err)
	}
}

func TestEmbed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		io.WriteString(w, `{"data":[{"embedding":[0.5,-0.25,1]}]}`)
	})

	vec, err := c.Embed(context.Background(), "embed", "hello")
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{0.5, -0.25, 1}
	if len(vec) != len(want) {
		t.Fatalf("len = %d", len(vec))
	}
	for i := range want {
		if vec[i] != want[i] {
			t.Errorf("vec[%d] = %v, want %v", i, vec[i], want[i])
		}
	}
}

func TestListModels(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		io.WriteString(w, `{"data":[{"id":"a"},{"id":""},{"id":"b"}]}`)
	})

	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(models, ",") != "a,b" {
		t.Errorf("models = %v", models)
	}
}

func TestRetry_TemporaryErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, "try later")
			return
		}
		io.WriteString(w, `{"data":[{"id":"a"}]}`)
	})

	if _, err := c.ListModels(context.Background()); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRetry_GivesUp(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, "slow down")
	})

	_, err := c.ListModels(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || !strings.HasPrefix(apiErr.Message, "rate limited") {
		t.Errorf("unexpected error: %+v", apiErr)
	}
	// One attempt plus MaxRetries.
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRetry_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, "bad")
	})

	_, err := c.Complete(context.Background(), CompletionRequest{Model: "m"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 APIError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("400 should not be retried, calls = %d", calls.Load())
	}
}

func TestRetry_StopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPOptions{BaseURL: srv.URL, MaxRetries: 5, RetryDelay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.ListModels(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("retry sleep should stop when the context is done")
	}
}

func TestDetectAndTranslate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req CompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != DefaultUtilityModel {
			t.Errorf("utility model = %q", req.Model)
		}
		prompt := req.Messages[0].Content
		answer := "  Hola  "
		if strings.HasPrefix(prompt, "What language") {
			answer = `"Spanish."`
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": answer}}},
		})
	})

	det, err := c.DetectLanguage(context.Background(), "hola amigo")
	if err != nil {
		t.Fatal(err)
	}
	if det.Language != "Spanish" {
		t.Errorf("Language = %q, want Spanish", det.Language)
	}

	out, err := c.Translate(context.Background(), "hello", "Spanish")
	if err != nil {
		t.Fatal(err)
	}
	if out != "Hola" {
		t.Errorf("Translate = %q, want trimmed Hola", out)
	}
}
