// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package selector resolves logical element descriptions to concrete
// locators, healing around broken selectors by generating candidate
// locators and interleaving recovery actions between retries.
package selector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Target is a locator-agnostic description of a UI element. Identity is
// a hash of its normalized attributes, so the same element described
// twice maps to the same history record.
type Target struct {
	// StableID is the element's id attribute, when one exists.
	StableID string

	// TestAttr is a dedicated test attribute value (data-testid and kin).
	TestAttr string

	// Role is the ARIA role.
	Role string

	// Label is the accessible name (aria-label or label text).
	Label string

	// Text is the element's visible text.
	Text string

	// Tag is the element tag name.
	Tag string

	// Position is a last-resort positional locator (nth-of-type index).
	Position int
}

// ID returns the stable identity hash for the target.
func (t Target) ID() string {
	h := sha256.New()
	for _, part := range []string{
		normalizeAttr(t.StableID),
		normalizeAttr(t.TestAttr),
		normalizeAttr(t.Role),
		normalizeAttr(t.Label),
		normalizeAttr(t.Text),
		normalizeAttr(t.Tag),
		fmt.Sprintf("%d", t.Position),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func normalizeAttr(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Locator is a concrete selector string the automation collaborator can
// execute.
type Locator string

// History records how well locators have worked for one target. Records
// are created lazily and never deleted; growth is bounded by distinct
// targets seen in a session.
type History struct {
	TargetID      string
	BestLocator   Locator
	SuccessCount  int
	TotalAttempts int
}

// SuccessRate is SuccessCount / TotalAttempts, or 0 before any attempt.
func (h *History) SuccessRate() float64 {
	if h.TotalAttempts == 0 {
		return 0
	}
	return float64(h.SuccessCount) / float64(h.TotalAttempts)
}

// FailureKind classifies why a resolution round failed.
type FailureKind string

const (
	// FailureNotFound means no candidate matched anything in the page.
	FailureNotFound FailureKind = "not-found"

	// FailureNotVisible means a candidate matched but the element is
	// outside the viewport or hidden.
	FailureNotVisible FailureKind = "not-visible"

	// FailureCovered means the element is visible but another element
	// intercepts interaction.
	FailureCovered FailureKind = "covered-by-overlay"
)

// RecoveryAction is the single action interleaved before the next retry.
type RecoveryAction string

const (
	RecoveryScrollIntoView RecoveryAction = "scroll-into-view"
	RecoveryWaitAndRetry   RecoveryAction = "wait-and-retry"
	RecoveryDismissOverlay RecoveryAction = "dismiss-overlay"
)

// failureRecord is one observed failure, kept for pattern pruning.
type failureRecord struct {
	kind FailureKind
	at   time.Time
}

// PageProbe is the narrow capability surface the resolver needs from the
// browser-automation collaborator. The resolver never navigates or
// submits anything; it only inspects and nudges.
type PageProbe interface {
	// TestLocator reports whether the locator matches any element.
	TestLocator(ctx context.Context, loc Locator) (bool, error)

	// IsVisible reports whether the matched element is visible.
	IsVisible(ctx context.Context, loc Locator) (bool, error)

	// IsInteractable reports whether the matched element accepts input.
	IsInteractable(ctx context.Context, loc Locator) (bool, error)

	// ScrollIntoView scrolls the matched element into the viewport.
	ScrollIntoView(ctx context.Context, loc Locator) error

	// WaitMs pauses to let the page settle.
	WaitMs(ctx context.Context, ms int) error

	// DismissOverlay attempts to close a blocking overlay.
	DismissOverlay(ctx context.Context) error
}

// NotFoundError reports an exhausted resolution: every candidate failed
// across the full retry budget, recovery actions included.
type NotFoundError struct {
	TargetID string
	Attempts int
	LastKind FailureKind
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("selector: target %s unresolved after %d attempts (last failure: %s)",
		e.TargetID, e.Attempts, e.LastKind)
}
