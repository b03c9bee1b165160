// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package strategy picks how a decision cycle should consult the decision
// service. The service has sharply asymmetric cost/latency/capability
// tradeoffs across tiers; a fixed choice either overspends on trivial
// pages or underperforms on complex ones, so selection is a deterministic
// priority policy over page-complexity signals and caller hints.
package strategy

import (
	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"

	"github.com/pollpilot/pollpilot/internal/oracle"
)

// Strategy names the prompting approach for a cycle.
type Strategy string

const (
	// StrategyRich sends the full context to the most capable tier.
	StrategyRich Strategy = "rich"

	// StrategyFast sends a minimal prompt to the fastest tier.
	StrategyFast Strategy = "fast"

	// StrategyStructured asks for structured extraction on the mid tier.
	StrategyStructured Strategy = "structured"

	// StrategyHeuristic skips the external call entirely.
	StrategyHeuristic Strategy = "heuristic"

	// StrategyDefault is the balanced middle ground.
	StrategyDefault Strategy = "default"
)

// Urgency is the caller-supplied time pressure hint.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// Valid reports whether u names a known urgency level.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyNormal, UrgencyHigh:
		return true
	}
	return false
}

// Signals collects everything the selector looks at for one cycle.
type Signals struct {
	// ContextText is the serialized decision context.
	ContextText string

	// PageComplexity is an optional caller hint in [0,1].
	PageComplexity float64

	// CleanStructure indicates the page exposes well-labeled structure
	// (forms with ids, ARIA annotations) suitable for structured prompts.
	CleanStructure bool

	// Urgency is the caller's time pressure hint.
	Urgency Urgency

	// CostSensitive indicates spend should be minimized.
	CostSensitive bool
}

// Selection is the outcome of the policy, carrying a fixed confidence for
// observability.
type Selection struct {
	Strategy        Strategy
	Tier            oracle.Tier
	Confidence      float64
	Reason          string
	EstimatedTokens int
}

// complexTokenThreshold is the context size beyond which a page counts as
// complex regardless of the caller's hint.
const complexTokenThreshold = 2000

// complexityHintThreshold is the caller hint level treated as high.
const complexityHintThreshold = 0.7

// Selector implements the priority policy. Token counts come from the
// cl100k BPE vocabulary when available, with a words*1.3 approximation
// as fallback.
type Selector struct {
	codec tokenizer.Codec
}

// NewSelector creates a selector. A tokenizer initialization failure is
// logged and degrades estimation, never selection.
func NewSelector() *Selector {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		log.Warnf("Tokenizer unavailable, falling back to approximate token counts: %v", err)
		codec = nil
	}
	return &Selector{codec: codec}
}

// Select applies the priority policy:
//  1. complex page and cost unconstrained: richest strategy, reasoning tier
//  2. high urgency: fastest strategy and tier
//  3. clean structure: structured strategy, standard tier
//  4. cost constrained: heuristics only, no external call
//  5. otherwise: default strategy, standard tier
func (s *Selector) Select(sig Signals) Selection {
	tokens := s.EstimateTokens(sig.ContextText)
	complex := sig.PageComplexity >= complexityHintThreshold || tokens >= complexTokenThreshold

	switch {
	case complex && !sig.CostSensitive:
		return Selection{
			Strategy:        StrategyRich,
			Tier:            oracle.TierReasoning,
			Confidence:      0.9,
			Reason:          "complex page, cost unconstrained",
			EstimatedTokens: tokens,
		}
	case sig.Urgency == UrgencyHigh:
		return Selection{
			Strategy:        StrategyFast,
			Tier:            oracle.TierFast,
			Confidence:      0.8,
			Reason:          "high urgency",
			EstimatedTokens: tokens,
		}
	case sig.CleanStructure:
		return Selection{
			Strategy:        StrategyStructured,
			Tier:            oracle.TierStandard,
			Confidence:      0.85,
			Reason:          "page exposes clean structure",
			EstimatedTokens: tokens,
		}
	case sig.CostSensitive:
		return Selection{
			Strategy:        StrategyHeuristic,
			Confidence:      0.6,
			Reason:          "cost constrained, heuristics only",
			EstimatedTokens: tokens,
		}
	default:
		return Selection{
			Strategy:        StrategyDefault,
			Tier:            oracle.TierStandard,
			Confidence:      0.7,
			Reason:          "no strong signal, balanced default",
			EstimatedTokens: tokens,
		}
	}
}

// EstimateTokens counts tokens in text, approximating when the BPE codec
// is unavailable.
func (s *Selector) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if s.codec != nil {
		if ids, _, err := s.codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return approximateTokens(text)
}

// approximateTokens uses words*1.3, the usual rough ratio for BPE
// tokenizers on English text.
func approximateTokens(text string) int {
	words := 0
	inWord := false
	for _, r := range text {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if isSpace {
			inWord = false
		} else if !inWord {
			inWord = true
			words++
		}
	}
	return int(float64(words) * 1.3)
}
