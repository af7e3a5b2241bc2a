package bias

import (
	"math"
	"testing"
)

func TestScan(t *testing.T) {
	s := NewScanner(DefaultThreshold)

	tests := []struct {
		name      string
		text      string
		wantLevel Level
		wantCats  []Category
	}{
		{"neutral", "Summarize the quarterly financial report", LevelLow, nil},
		{"one category", "Women are bad at math", LevelMedium, []Category{Gender}},
		{"two categories", "Women are bad at math and poor people are lazy", LevelHigh, []Category{Gender, SocioEconomic}},
		{"below threshold", "He is too old to learn", LevelLow, []Category{Age}},
		{"score capped", "all immigrants and all muslims and those people are racially inferior", LevelHigh, []Category{RaceEthnicity, Religion}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Scan(tt.text)
			if res.Level != tt.wantLevel {
				t.Errorf("Level = %q, want %q (score %v)", res.Level, tt.wantLevel, res.Score)
			}
			if len(res.Categories) != len(tt.wantCats) {
				t.Fatalf("Categories = %v, want %v", res.Categories, tt.wantCats)
			}
			for i := range tt.wantCats {
				if res.Categories[i] != tt.wantCats[i] {
					t.Errorf("Categories = %v, want %v", res.Categories, tt.wantCats)
				}
			}
			if res.Score > 1 {
				t.Errorf("Score %v exceeds 1", res.Score)
			}
			if len(res.MitigationHints) != len(tt.wantCats) {
				t.Errorf("expected one hint per category, got %v", res.MitigationHints)
			}
		})
	}
}

func TestScan_NonFiniteOverrideUsesDefault(t *testing.T) {
	s := NewScanner(DefaultThreshold)
	want := s.Scan("Women are bad at math").Level

	for _, v := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if got := s.ScanWithThreshold("Women are bad at math", v).Level; got != want {
			t.Errorf("override %v: Level = %q, want %q", v, got, want)
		}
	}
}

func TestScan_OverrideClamped(t *testing.T) {
	s := NewScanner(DefaultThreshold)
	// Threshold 5 clamps to 1: a 0.35 score stays low.
	if got := s.ScanWithThreshold("Women are bad at math", 5).Level; got != LevelLow {
		t.Errorf("Level = %q, want low", got)
	}
	// Threshold -1 clamps to 0: even a neutral text is medium.
	if got := s.ScanWithThreshold("hello", -1).Level; got != LevelMedium {
		t.Errorf("Level = %q, want medium", got)
	}
}

func TestNewScanner_InvalidThreshold(t *testing.T) {
	if got := NewScanner(math.NaN()).Threshold(); got != DefaultThreshold {
		t.Errorf("Threshold = %v, want default", got)
	}
	if got := NewScanner(2).Threshold(); got != 1 {
		t.Errorf("Threshold = %v, want 1", got)
	}
}

func TestHighCutoff(t *testing.T) {
	tests := []struct {
		threshold, want float64
	}{
		{0, 0.60},
		{0.35, 0.65},
		{0.5, 0.80},
		{0.8, 0.95},
		{1, 1},
	}
	for _, tt := range tests {
		got := HighCutoff(tt.threshold)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("HighCutoff(%v) = %v, want %v", tt.threshold, got, tt.want)
		}
		if got < tt.threshold {
			t.Errorf("HighCutoff(%v) = %v is below the threshold", tt.threshold, got)
		}
	}
}
