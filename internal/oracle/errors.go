// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package oracle

import (
	"errors"
	"fmt"
)

// ErrNoTier indicates the requested tier is not configured.
var ErrNoTier = errors.New("oracle: tier not configured")

// TransientServiceError indicates the decision service was slow, unreachable,
// or returned a retryable status. It is accounted by the circuit breaker and
// routed to the fallback chain.
type TransientServiceError struct {
	// Tier is the tier that was being invoked.
	Tier Tier

	// StatusCode is the HTTP status, 0 for transport-level failures.
	StatusCode int

	// Err is the underlying transport or timeout error.
	Err error
}

// Retryable reports whether retrying within the same invocation can help.
// Client errors other than rate limiting will fail identically on retry.
func (e *TransientServiceError) Retryable() bool {
	if e.StatusCode == 0 || e.StatusCode == 429 {
		return true
	}
	return e.StatusCode >= 500
}

func (e *TransientServiceError) Error() string {
	return fmt.Sprintf("oracle: transient failure on tier %s: %v", e.Tier, e.Err)
}

func (e *TransientServiceError) Unwrap() error { return e.Err }

// MalformedResponseError indicates the service responded but the payload did
// not validate against the decision schema. It counts as a failure for the
// circuit breaker and routes to the fallback chain.
type MalformedResponseError struct {
	// Raw is a truncated copy of the offending response text.
	Raw string

	// Err describes the schema violation.
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("oracle: malformed response: %v", e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient service failure.
func IsTransient(err error) bool {
	var te *TransientServiceError
	return errors.As(err, &te)
}

// IsMalformed reports whether err is a schema violation.
func IsMalformed(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}
