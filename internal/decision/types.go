// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package decision hosts the orchestrator that turns page context into
// resilient next-action decisions: cache first, then the external
// decision service behind a circuit breaker, then a progressive fallback
// chain that always answers.
package decision

import (
	"fmt"
	"time"
)

// Request is one decision cycle's input. Context is an opaque structured
// snapshot of the page; well-known keys ("complexity", "clean_structure",
// "phase") feed strategy selection when present.
type Request struct {
	Context       map[string]any `json:"context"`
	Urgency       string         `json:"urgency,omitempty"`
	CostSensitive bool           `json:"cost_sensitive,omitempty"`
	TimeoutMs     int            `json:"timeout_ms,omitempty"`
}

// Metadata stamps a result with its cycle identity.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	CycleID   string    `json:"cycle_id"`
}

// Result is the outcome of one decision cycle. Source is always set;
// degraded results additionally carry Warning and FallbackReason so log
// review can tell primary from degraded decisions at a glance.
type Result struct {
	Action         string   `json:"action"`
	Target         string   `json:"target,omitempty"`
	Confidence     float64  `json:"confidence"`
	Source         string   `json:"source"`
	Alternatives   []string `json:"alternatives,omitempty"`
	Risks          []string `json:"risks,omitempty"`
	Warning        string   `json:"warning,omitempty"`
	FallbackReason string   `json:"fallback_reason,omitempty"`
	Metadata       Metadata `json:"metadata"`
}

// Result source labels for the orchestrator's own paths. Fallback stages
// carry their own labels.
const (
	SourceCache   = "cache"
	SourcePrimary = "primary"
)

// ConfigurationError reports invalid caller options. It fails the call
// immediately instead of being absorbed by the fallback chain.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid option %s: %s", e.Field, e.Reason)
}
