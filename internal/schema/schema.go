// Package schema validates YAML or JSON documents against an embedded JSON
// Schema before they are decoded into typed structs.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Schema is a compiled JSON Schema.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

// MustCompile compiles a schema document and panics on error. Schemas are
// package constants, so a failure is a programming error.
func MustCompile(name, doc string) *Schema {
	s, err := Compile(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Compile compiles a JSON Schema document registered under name.
func Compile(name, doc string) (*Schema, error) {
	var obj any
	if err := json.Unmarshal([]byte(doc), &obj); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, obj); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	sch, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	return &Schema{name: name, compiled: sch}, nil
}

// Validate checks a YAML or JSON document. JSON is accepted because it is a
// subset of YAML. An empty document is valid.
func (s *Schema) Validate(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing document: %w", err)
	}
	if doc == nil {
		return nil
	}

	// Round-trip through encoding/json so numbers and maps take the shapes
	// the validator expects.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("converting document: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return fmt.Errorf("converting document: %w", err)
	}

	if err := s.compiled.Validate(normalized); err != nil {
		return fmt.Errorf("document does not match %s: %w", s.name, err)
	}
	return nil
}
