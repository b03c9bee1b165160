// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package oracle

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Guidance is the validated decision schema returned by the service.
// The service is free to wrap the JSON object in prose; everything outside
// the first balanced object is ignored.
type Guidance struct {
	// Action is the suggested next step (e.g. "click", "fill", "wait").
	Action string `json:"action"`

	// Target describes what the action applies to.
	Target string `json:"target"`

	// Confidence is the service's own confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Reasoning is an optional free-text explanation.
	Reasoning string `json:"reasoning,omitempty"`

	// Alternatives lists lower-ranked candidate actions.
	Alternatives []string `json:"alternatives,omitempty"`

	// Risks lists caveats the service flagged.
	Risks []string `json:"risks,omitempty"`
}

const maxRawInError = 256

// ParseGuidance extracts and validates the decision object from raw service
// output. A response that does not contain a valid object is a
// MalformedResponseError; fields are never read defensively downstream.
func ParseGuidance(raw string) (*Guidance, error) {
	objText, ok := extractObject(raw)
	if !ok {
		return nil, &MalformedResponseError{
			Raw: truncate(raw, maxRawInError),
			Err: fmt.Errorf("no JSON object found in response"),
		}
	}

	var g Guidance
	if err := json.Unmarshal([]byte(objText), &g); err != nil {
		return nil, &MalformedResponseError{
			Raw: truncate(raw, maxRawInError),
			Err: fmt.Errorf("invalid decision JSON: %w", err),
		}
	}

	if err := g.validate(); err != nil {
		return nil, &MalformedResponseError{
			Raw: truncate(raw, maxRawInError),
			Err: err,
		}
	}

	return &g, nil
}

func (g *Guidance) validate() error {
	if strings.TrimSpace(g.Action) == "" {
		return fmt.Errorf("missing required field: action")
	}
	if g.Confidence < 0 || g.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", g.Confidence)
	}
	return nil
}

// extractObject returns the first balanced top-level JSON object in raw.
func extractObject(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", false
	}

	candidate := raw[start:]
	parsed := gjson.Parse(candidate)
	if parsed.Type != gjson.JSON || !strings.HasPrefix(strings.TrimSpace(parsed.Raw), "{") {
		return "", false
	}

	// gjson stops at the end of the first valid value, trailing prose is fine.
	return parsed.Raw, gjson.Valid(parsed.Raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
