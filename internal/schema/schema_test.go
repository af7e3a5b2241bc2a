package schema

import "testing"

const testSchema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "count": {"type": "integer", "minimum": 0}
  },
  "required": ["name"],
  "additionalProperties": false
}`

func TestValidate(t *testing.T) {
	s := MustCompile("test.json", testSchema)

	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{"yaml ok", "name: a\ncount: 3\n", false},
		{"json ok", `{"name": "a", "count": 0}`, false},
		{"empty document", "", false},
		{"missing required", "count: 1\n", true},
		{"wrong type", "name: a\ncount: many\n", true},
		{"negative", "name: a\ncount: -1\n", true},
		{"unknown field", "name: a\nextra: true\n", true},
		{"not yaml", "name: [unclosed\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate([]byte(tt.doc))
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompile_Invalid(t *testing.T) {
	if _, err := Compile("bad.json", `{"type": 12}`); err == nil {
		t.Error("expected compile error for invalid schema")
	}
	if _, err := Compile("bad.json", `{`); err == nil {
		t.Error("expected error for malformed schema JSON")
	}
}
