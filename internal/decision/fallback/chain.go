// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package fallback produces a usable decision when the primary path is
// unavailable. The chain degrades progressively: a static rule table, a
// cheapened call to the decision service, and finally an unconditional
// safe action. Resolve never fails; the last stage always answers.
package fallback

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/pollpilot/pollpilot/internal/oracle"
)

// Result source labels.
const (
	SourceRule   = "fallback_rule"
	SourceOracle = "fallback_oracle"
	SourcePlugin = "fallback_plugin"
	SourceStatic = "fallback_static"
)

// Result is a degraded-mode decision. Source records which stage of the
// chain produced it and FallbackReason why the chain ran at all.
type Result struct {
	Action         string
	Target         string
	Confidence     float64
	Source         string
	FallbackReason string
}

// Input carries everything the chain needs for one resolution.
type Input struct {
	// Prompt is the JSON prompt document the primary path would have sent.
	Prompt []byte

	// Env describes the failure and the automation state for rule matching.
	Env Env
}

// Hook lets an external rule engine (scripted plugins) contribute results
// between the table and the cheapened call. Returning false passes to the
// next stage.
type Hook func(Env) (*Result, bool)

// Chain is the progressive fallback resolver.
type Chain struct {
	table *Table
	hook  Hook

	completer oracle.Completer
	// circuitOpen reports whether the service breaker currently rejects
	// calls. The cheapened stage is skipped while it does: hammering a
	// known-bad service from the fallback path would defeat the breaker.
	circuitOpen func() bool

	cheapTimeout time.Duration
}

// cheapMaxTokens bounds the degraded call so it stays cheap even when the
// tier config allows more.
const cheapMaxTokens = 256

// NewChain builds a chain. table may be empty, hook and completer may be
// nil; each missing piece just disables its stage.
func NewChain(table *Table, hook Hook, completer oracle.Completer, circuitOpen func() bool) *Chain {
	if circuitOpen == nil {
		circuitOpen = func() bool { return false }
	}
	return &Chain{
		table:        table,
		hook:         hook,
		completer:    completer,
		circuitOpen:  circuitOpen,
		cheapTimeout: 10 * time.Second,
	}
}

// Resolve walks the chain and returns the first stage's answer. The final
// static stage is unconditional, so a result is always produced.
func (c *Chain) Resolve(ctx context.Context, in Input) Result {
	if c.table != nil {
		if rule := c.table.Match(in.Env); rule != nil {
			log.Debugf("Fallback rule %q matched for failure %s", rule.Name, in.Env.FailureKind)
			return Result{
				Action:         rule.Action,
				Target:         rule.Target,
				Confidence:     rule.Confidence,
				Source:         SourceRule,
				FallbackReason: reasonOr(rule.Reason, in.Env.FailureKind),
			}
		}
	}

	if c.hook != nil {
		if result, ok := c.hook(in.Env); ok && result != nil {
			result.Source = SourcePlugin
			if result.FallbackReason == "" {
				result.FallbackReason = in.Env.FailureKind
			}
			return *result
		}
	}

	if result := c.cheapenedCall(ctx, in); result != nil {
		return *result
	}

	return c.static(in.Env)
}

// cheapenedCall retries the decision service on the cheapest tier with a
// stripped-down prompt. Returns nil when the stage cannot run or fails;
// errors here never propagate.
func (c *Chain) cheapenedCall(ctx context.Context, in Input) *Result {
	if c.completer == nil || len(in.Prompt) == 0 {
		return nil
	}
	if c.circuitOpen() {
		log.Debug("Skipping cheapened fallback call: circuit is open")
		return nil
	}

	prompt, err := cheapenPrompt(in.Prompt)
	if err != nil {
		log.Warnf("Failed to cheapen fallback prompt: %v", err)
		return nil
	}

	text, err := c.completer.Complete(ctx, prompt, oracle.TierFast, oracle.CallOptions{
		Timeout:   c.cheapTimeout,
		MaxTokens: cheapMaxTokens,
	})
	if err != nil {
		log.Warnf("Cheapened fallback call failed: %v", err)
		return nil
	}

	guidance, err := oracle.ParseGuidance(text)
	if err != nil {
		log.Warnf("Cheapened fallback call answered malformed: %v", err)
		return nil
	}

	return &Result{
		Action: guidance.Action,
		Target: guidance.Target,
		// The degraded call saw less context than the primary would have.
		Confidence:     guidance.Confidence * 0.8,
		Source:         SourceOracle,
		FallbackReason: in.Env.FailureKind,
	}
}

// cheapenPrompt strips the parts of the prompt document that dominate
// token count and marks the request as degraded.
func cheapenPrompt(prompt []byte) ([]byte, error) {
	out, err := sjson.SetBytes(prompt, "mode", "degraded")
	if err != nil {
		return nil, err
	}
	out, err = sjson.DeleteBytes(out, "context.history")
	if err != nil {
		return nil, err
	}
	out, err = sjson.DeleteBytes(out, "context.completed_steps")
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "instructions", "Answer briefly with the single next action as JSON.")
	if err != nil {
		return nil, err
	}
	return out, nil
}

// static is the terminal stage: pause and let the page settle so the next
// observation cycle starts clean. Low confidence is deliberate so callers
// treat it as a stopgap.
func (c *Chain) static(env Env) Result {
	return Result{
		Action:         "wait",
		Target:         "",
		Confidence:     0.3,
		Source:         SourceStatic,
		FallbackReason: reasonOr("", env.FailureKind),
	}
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	if fallback != "" {
		return fallback
	}
	return "primary path unavailable"
}
