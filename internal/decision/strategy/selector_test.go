// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package strategy

import (
	"strings"
	"testing"

	"github.com/pollpilot/pollpilot/internal/oracle"
)

func TestSelect_PriorityPolicy(t *testing.T) {
	s := NewSelector()

	tests := []struct {
		name         string
		sig          Signals
		wantStrategy Strategy
		wantTier     oracle.Tier
		wantConf     float64
	}{
		{
			name:         "complex page gets rich strategy",
			sig:          Signals{PageComplexity: 0.9},
			wantStrategy: StrategyRich,
			wantTier:     oracle.TierReasoning,
			wantConf:     0.9,
		},
		{
			name:         "large context counts as complex",
			sig:          Signals{ContextText: strings.Repeat("survey question option ", 600)},
			wantStrategy: StrategyRich,
			wantTier:     oracle.TierReasoning,
			wantConf:     0.9,
		},
		{
			name:         "cost sensitivity outranks complexity",
			sig:          Signals{PageComplexity: 0.9, CostSensitive: true},
			wantStrategy: StrategyHeuristic,
			wantTier:     "",
			wantConf:     0.6,
		},
		{
			name:         "high urgency gets fast strategy",
			sig:          Signals{Urgency: UrgencyHigh},
			wantStrategy: StrategyFast,
			wantTier:     oracle.TierFast,
			wantConf:     0.8,
		},
		{
			name:         "urgency outranks clean structure",
			sig:          Signals{Urgency: UrgencyHigh, CleanStructure: true},
			wantStrategy: StrategyFast,
			wantTier:     oracle.TierFast,
			wantConf:     0.8,
		},
		{
			name:         "clean structure gets structured strategy",
			sig:          Signals{CleanStructure: true},
			wantStrategy: StrategyStructured,
			wantTier:     oracle.TierStandard,
			wantConf:     0.85,
		},
		{
			name:         "cost sensitive alone skips the call",
			sig:          Signals{CostSensitive: true},
			wantStrategy: StrategyHeuristic,
			wantTier:     "",
			wantConf:     0.6,
		},
		{
			name:         "no signal falls to default",
			sig:          Signals{ContextText: "short page"},
			wantStrategy: StrategyDefault,
			wantTier:     oracle.TierStandard,
			wantConf:     0.7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Select(tt.sig)
			if got.Strategy != tt.wantStrategy {
				t.Errorf("Strategy = %q, want %q", got.Strategy, tt.wantStrategy)
			}
			if got.Tier != tt.wantTier {
				t.Errorf("Tier = %q, want %q", got.Tier, tt.wantTier)
			}
			if got.Confidence != tt.wantConf {
				t.Errorf("Confidence = %v, want %v", got.Confidence, tt.wantConf)
			}
			if got.Reason == "" {
				t.Error("Reason should not be empty")
			}
		})
	}
}

func TestSelect_Deterministic(t *testing.T) {
	s := NewSelector()
	sig := Signals{ContextText: "same page state", CleanStructure: true}

	first := s.Select(sig)
	for i := 0; i < 10; i++ {
		if got := s.Select(sig); got != first {
			t.Fatalf("selection varied across identical inputs: %+v vs %+v", got, first)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	s := NewSelector()

	if got := s.EstimateTokens(""); got != 0 {
		t.Errorf("EstimateTokens(empty) = %d, want 0", got)
	}
	short := s.EstimateTokens("click the submit button")
	long := s.EstimateTokens(strings.Repeat("click the submit button ", 50))
	if short <= 0 {
		t.Errorf("EstimateTokens(short) = %d, want > 0", short)
	}
	if long <= short {
		t.Errorf("longer text should count more tokens: short=%d long=%d", short, long)
	}
}

func TestApproximateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"one", 1},
		{"two words", 2},
		{"  padded   with   spaces  ", 3},
		{"line\nbreaks\ncount", 3},
	}
	for _, tt := range tests {
		if got := approximateTokens(tt.text); got != tt.want {
			t.Errorf("approximateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestUrgency_Valid(t *testing.T) {
	for _, u := range []Urgency{UrgencyLow, UrgencyNormal, UrgencyHigh} {
		if !u.Valid() {
			t.Errorf("Urgency(%q).Valid() = false, want true", u)
		}
	}
	if Urgency("immediate").Valid() {
		t.Error(`Urgency("immediate").Valid() = true, want false`)
	}
}
