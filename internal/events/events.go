// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package events distributes orchestration lifecycle events to optional
// subscribers. The orchestrator is fully functional with zero subscribers
// attached; publishing never blocks a decision cycle.
package events

import (
	"time"
)

// Event identifies a lifecycle event emitted by the orchestration layer.
type Event string

const (
	// EventCircuitOpen fires when the circuit breaker trips open.
	EventCircuitOpen Event = "circuit-open"

	// EventCircuitClose fires when the circuit breaker recovers to closed.
	EventCircuitClose Event = "circuit-close"

	// EventSlowDecision fires when a single decision cycle exceeds the
	// configured latency threshold.
	EventSlowDecision Event = "slow-decision"

	// EventPageStateReset fires when page-scoped session state is cleared
	// on a navigation boundary.
	EventPageStateReset Event = "page-state-reset"
)

// Context carries the payload delivered to subscribers.
type Context struct {
	// Event is the event type being delivered.
	Event Event `json:"event"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// CycleID identifies the decision cycle that produced the event, if any.
	CycleID string `json:"cycle_id,omitempty"`

	// Data contains event-specific details.
	Data map[string]interface{} `json:"data,omitempty"`
}
