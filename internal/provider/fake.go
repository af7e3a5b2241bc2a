package provider

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

// fakeEmbeddingDims is the width of the Fake's feature-hashed embeddings.
const fakeEmbeddingDims = 256

// Fake is a deterministic in-process Client. The zero value works: it
// returns "Mock response", never flags, reports English, translates as the
// identity and embeds text by hashing its words into a fixed-size vector.
// Set the function fields or error fields to script behaviour.
type Fake struct {
	mu sync.Mutex

	Model  string
	Text   string
	Models []string

	// Moderations is consumed in order; the last element repeats.
	Moderations []Moderation

	CompleteFunc  func(req CompletionRequest) (Completion, error)
	ModerateFunc  func(input string) (Moderation, error)
	EmbedFunc     func(text string) ([]float32, error)
	DetectFunc    func(text string) (LanguageDetection, error)
	TranslateFunc func(text, target string) (string, error)

	CompleteErr   error
	ModerateErr   error
	EmbedErr      error
	ListModelsErr error

	calls map[string]int
}

// Calls returns how many times the named method was called.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// TotalCalls returns the number of calls across all methods.
func (f *Fake) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *Fake) record(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[method]++
}

func (f *Fake) Complete(_ context.Context, req CompletionRequest) (Completion, error) {
	f.record("Complete")
	if f.CompleteErr != nil {
		return Completion{}, f.CompleteErr
	}
	if f.CompleteFunc != nil {
		return f.CompleteFunc(req)
	}
	text := f.Text
	if text == "" {
		text = "Mock response"
	}
	model := f.Model
	if model == "" {
		model = req.Model
	}
	return Completion{Model: model, Text: text}, nil
}

func (f *Fake) Moderate(_ context.Context, _ string, input string) (Moderation, error) {
	f.record("Moderate")
	if f.ModerateErr != nil {
		return Moderation{}, f.ModerateErr
	}
	if f.ModerateFunc != nil {
		return f.ModerateFunc(input)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Moderations) == 0 {
		return Moderation{Categories: []string{}}, nil
	}
	m := f.Moderations[0]
	if len(f.Moderations) > 1 {
		f.Moderations = f.Moderations[1:]
	}
	return m, nil
}

func (f *Fake) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	f.record("Embed")
	if f.EmbedErr != nil {
		return nil, f.EmbedErr
	}
	if f.EmbedFunc != nil {
		return f.EmbedFunc(text)
	}
	return HashEmbedding(text), nil
}

func (f *Fake) ListModels(context.Context) ([]string, error) {
	f.record("ListModels")
	if f.ListModelsErr != nil {
		return nil, f.ListModelsErr
	}
	if f.Models != nil {
		return f.Models, nil
	}
	return []string{"mistral-large-latest", "mistral-embed", "mistral-moderation-latest"}, nil
}

func (f *Fake) DetectLanguage(_ context.Context, text string) (LanguageDetection, error) {
	f.record("DetectLanguage")
	if f.DetectFunc != nil {
		return f.DetectFunc(text)
	}
	return LanguageDetection{Language: "English", Confidence: 0.95}, nil
}

func (f *Fake) Translate(_ context.Context, text, target string) (string, error) {
	f.record("Translate")
	if f.TranslateFunc != nil {
		return f.TranslateFunc(text, target)
	}
	return text, nil
}

// HashEmbedding maps text to a bag-of-words vector by hashing each
// lower-cased word into one of a fixed number of buckets. Texts sharing
// words have positive cosine similarity; it carries no other meaning.
func HashEmbedding(text string) []float32 {
	vec := make([]float32, fakeEmbeddingDims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%fakeEmbeddingDims]++
	}
	return vec
}
