// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package oracle

// Tier represents a capability tier of the decision service.
// Tiers trade capability for cost and latency.
type Tier string

const (
	// TierFast is the cheapest, fastest tier (small models).
	TierFast Tier = "fast"

	// TierStandard is the balanced tier (medium models).
	TierStandard Tier = "standard"

	// TierReasoning is the most capable tier (large reasoning models).
	TierReasoning Tier = "reasoning"
)

// Valid reports whether t names a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFast, TierStandard, TierReasoning:
		return true
	}
	return false
}
