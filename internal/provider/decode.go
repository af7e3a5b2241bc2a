package provider

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// chatResponse models the chat completions response body. Only the fields
// we read are declared.
//
//	{
//	  "model": "mistral-large-latest",
//	  "choices": [{
//	    "message": {"role": "assistant", "content": "..."}
//	  }]
//	}
//
// content is either a string or a list of parts with a "text" field.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func decodeCompletion(body []byte, requestedModel string) (Completion, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(resp.Choices) == 0 || len(resp.Choices[0].Message.Content) == 0 {
		return Completion{}, fmt.Errorf("%w: missing response content", ErrInvalidResponse)
	}

	text, err := decodeContent(resp.Choices[0].Message.Content)
	if err != nil {
		return Completion{}, err
	}

	model := resp.Model
	if model == "" {
		model = requestedModel
	}
	return Completion{Model: model, Text: text}, nil
}

func decodeContent(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var parts []contentPart
	if err := json.Unmarshal(raw, &parts); err == nil {
		var texts []string
		for _, p := range parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		if len(texts) > 0 {
			return strings.Join(texts, "\n"), nil
		}
	}
	return "", fmt.Errorf("%w: unsupported response content shape", ErrInvalidResponse)
}

// moderationResponse models the moderations response body. categories maps
// a category name to a boolean; non-boolean values are ignored.
type moderationResponse struct {
	Results []struct {
		Flagged    bool           `json:"flagged"`
		Categories map[string]any `json:"categories"`
	} `json:"results"`
}

func decodeModeration(body []byte) (Moderation, error) {
	var resp moderationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Moderation{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(resp.Results) == 0 {
		return Moderation{}, fmt.Errorf("%w: missing moderation results", ErrInvalidResponse)
	}

	result := resp.Results[0]
	categories := []string{}
	for name, v := range result.Categories {
		if b, ok := v.(bool); ok && b {
			categories = append(categories, name)
		}
	}
	sort.Strings(categories)

	return Moderation{
		Flagged:    result.Flagged,
		Categories: categories,
		Severity:   moderationSeverity(result.Flagged, len(categories)),
	}, nil
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func decodeEmbedding(body []byte) ([]float32, error) {
	var resp embeddingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if len(resp.Data) == 0 || resp.Data[0].Embedding == nil {
		return nil, fmt.Errorf("%w: missing embedding vector", ErrInvalidResponse)
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

type modelListResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func decodeModels(body []byte) ([]string, error) {
	var resp modelListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("%w: missing model list", ErrInvalidResponse)
	}

	models := make([]string, 0, len(resp.Data))
	for _, m := range resp.Data {
		if m.ID != "" {
			models = append(models, m.ID)
		}
	}
	return models, nil
}

// cleanLanguage strips the quoting and punctuation chat models like to wrap
// a one-word answer in.
func cleanLanguage(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"'.:`)
}
