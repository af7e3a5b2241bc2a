package compliance

import (
	"os"
	"path/filepath"
	"testing"
)

func codes(fs []Finding) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Code
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCheck(t *testing.T) {
	c := NewChecker(DefaultKeywords())

	tests := []struct {
		name          string
		req           Request
		wantTier      RiskTier
		wantCodes     []string
		wantCompliant bool
	}{
		{
			name:          "minimal",
			req:           Request{IntendedUse: "Summarize internal meeting notes"},
			wantTier:      TierMinimal,
			wantCodes:     []string{},
			wantCompliant: true,
		},
		{
			name:          "limited without notice",
			req:           Request{IntendedUse: "Customer support chatbot for a webshop"},
			wantTier:      TierLimited,
			wantCodes:     []string{"EU-TRN-002"},
			wantCompliant: false,
		},
		{
			name:          "limited with notice",
			req:           Request{IntendedUse: "Customer support chatbot for a webshop", TransparencyNoticeAvailable: true},
			wantTier:      TierLimited,
			wantCodes:     []string{},
			wantCompliant: true,
		},
		{
			name:          "high risk missing everything",
			req:           Request{IntendedUse: "Screening candidates for HIRING decisions"},
			wantTier:      TierHigh,
			wantCodes:     []string{"EU-DOC-001", "EU-TRN-001", "EU-CPY-001"},
			wantCompliant: false,
		},
		{
			name: "high risk documented",
			req: Request{
				IntendedUse:                     "Credit scoring assistant",
				TechnicalDocumentationAvailable: true,
				TransparencyNoticeAvailable:     true,
				CopyrightControlsAvailable:      true,
			},
			wantTier:      TierHigh,
			wantCodes:     []string{},
			wantCompliant: true,
		},
		{
			name: "unacceptable is never compliant",
			req: Request{
				IntendedUse:                     "Social scoring of citizens",
				TechnicalDocumentationAvailable: true,
				TransparencyNoticeAvailable:     true,
				CopyrightControlsAvailable:      true,
			},
			wantTier:      TierUnacceptable,
			wantCodes:     []string{"EU-RISK-001"},
			wantCompliant: false,
		},
		{
			name:          "too short",
			req:           Request{IntendedUse: "  bot  "},
			wantTier:      TierMinimal,
			wantCodes:     []string{"EU-SCOPE-001"},
			wantCompliant: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Check(tt.req)
			if res.RiskTier != tt.wantTier {
				t.Errorf("RiskTier = %q, want %q", res.RiskTier, tt.wantTier)
			}
			if got := codes(res.Findings); !equal(got, tt.wantCodes) {
				t.Errorf("findings = %v, want %v", got, tt.wantCodes)
			}
			if res.Compliant != tt.wantCompliant {
				t.Errorf("Compliant = %v, want %v", res.Compliant, tt.wantCompliant)
			}
		})
	}
}

func TestClassify_Precedence(t *testing.T) {
	c := NewChecker(DefaultKeywords())
	// Both a high-risk and a prohibited keyword: prohibited wins.
	if got := c.Classify("biometric surveillance for law enforcement"); got != TierUnacceptable {
		t.Errorf("Classify = %q, want unacceptable", got)
	}
}

func TestLoadKeywords(t *testing.T) {
	dir := t.TempDir()

	t.Run("empty path", func(t *testing.T) {
		kw, err := LoadKeywords("")
		if err != nil {
			t.Fatal(err)
		}
		if len(kw.High) != len(DefaultKeywords().High) {
			t.Error("expected default keywords")
		}
	})

	t.Run("partial override", func(t *testing.T) {
		path := filepath.Join(dir, "partial.yaml")
		os.WriteFile(path, []byte("limited:\n  - Virtual Companion\n"), 0o644)

		kw, err := LoadKeywords(path)
		if err != nil {
			t.Fatal(err)
		}
		if len(kw.Limited) != 1 || kw.Limited[0] != "virtual companion" {
			t.Errorf("Limited = %v", kw.Limited)
		}
		if len(kw.High) != len(DefaultKeywords().High) {
			t.Error("omitted tiers should keep defaults")
		}

		c := NewChecker(kw)
		if got := c.Classify("A virtual companion app"); got != TierLimited {
			t.Errorf("Classify = %q, want limited", got)
		}
		if got := c.Classify("chatbot"); got != TierMinimal {
			t.Errorf("replaced keyword should no longer match, got %q", got)
		}
	})

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(dir, "kw.json")
		os.WriteFile(path, []byte(`{"unacceptable": ["mind reading"]}`), 0o644)
		kw, err := LoadKeywords(path)
		if err != nil {
			t.Fatal(err)
		}
		if got := NewChecker(kw).Classify("Mind reading headset"); got != TierUnacceptable {
			t.Errorf("Classify = %q", got)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		os.WriteFile(path, []byte("prohibited:\n  - x\n"), 0o644)
		if _, err := LoadKeywords(path); err == nil {
			t.Error("expected schema error for unknown key")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadKeywords(filepath.Join(dir, "nope.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}
