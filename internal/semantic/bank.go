package semantic

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ctrlai/promptgate/internal/schema"
	"gopkg.in/yaml.v3"
)

// Template is one entry of the attack-template bank.
type Template struct {
	ID       string `json:"id" yaml:"id"`
	Category string `json:"category" yaml:"category"`
	Text     string `json:"text" yaml:"text"`
}

// CachedTemplate is a template with its embedding computed at load time.
type CachedTemplate struct {
	Template
	Embedding []float32
}

// Bank is the on-disk template bank.
type Bank struct {
	Version     string     `json:"version" yaml:"version"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Templates   []Template `json:"templates" yaml:"templates"`
}

//go:embed default_bank.json
var defaultBankJSON []byte

const bankSchemaDoc = `{
  "type": "object",
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "templates": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "category": {"type": "string", "minLength": 1},
          "text": {"type": "string", "minLength": 1}
        },
        "required": ["id", "category", "text"],
        "additionalProperties": false
      }
    }
  },
  "required": ["version", "templates"],
  "additionalProperties": false
}`

var bankSchema = schema.MustCompile("semantic_attack_bank.json", bankSchemaDoc)

// DefaultBank returns the built-in template bank.
func DefaultBank() Bank {
	var b Bank
	if err := json.Unmarshal(defaultBankJSON, &b); err != nil {
		panic(fmt.Sprintf("semantic: built-in bank: %v", err))
	}
	return b
}

// LoadBankFile reads and validates a YAML or JSON template bank. An empty
// path returns the built-in bank.
func LoadBankFile(path string) (Bank, error) {
	if path == "" {
		return DefaultBank(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Bank{}, fmt.Errorf("reading template bank %s: %w", path, err)
	}
	return ParseBank(data)
}

// ParseBank validates and decodes a template bank document. Template ids
// must be unique.
func ParseBank(data []byte) (Bank, error) {
	if len(data) == 0 {
		return Bank{}, fmt.Errorf("template bank is empty")
	}
	if err := bankSchema.Validate(data); err != nil {
		return Bank{}, err
	}

	var b Bank
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Bank{}, fmt.Errorf("parsing template bank: %w", err)
	}

	seen := make(map[string]bool, len(b.Templates))
	for _, t := range b.Templates {
		if seen[t.ID] {
			return Bank{}, fmt.Errorf("duplicate template id %q", t.ID)
		}
		seen[t.ID] = true
	}
	return b, nil
}
