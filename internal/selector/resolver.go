// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package selector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// failureWindow bounds how long failure records influence recovery
// choices before being pruned.
const failureWindow = 5 * time.Minute

// maxFailureRecords caps the per-target failure list.
const maxFailureRecords = 10

// Resolver is the self-healing locator resolver. Histories and failure
// patterns are owned by the resolver and shared across all targets in a
// session.
type Resolver struct {
	probe            PageProbe
	historyThreshold float64
	maxRetries       int

	mu        sync.Mutex
	histories map[string]*History
	failures  map[string][]failureRecord
}

// NewResolver creates a resolver. historyThreshold is the minimum
// recorded success rate for trying a target's best locator first;
// maxRetries bounds full candidate-list passes.
func NewResolver(probe PageProbe, historyThreshold float64, maxRetries int) *Resolver {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Resolver{
		probe:            probe,
		historyThreshold: historyThreshold,
		maxRetries:       maxRetries,
		histories:        make(map[string]*History),
		failures:         make(map[string][]failureRecord),
	}
}

// Resolve maps target to a concrete locator. Each retry walks the full
// candidate ladder; between retries exactly one recovery action chosen
// from the round's failure classification runs. Exhaustion returns a
// NotFoundError, never a silent default.
func (r *Resolver) Resolve(ctx context.Context, target Target) (Locator, error) {
	targetID := target.ID()
	candidates := r.candidates(target, targetID)
	if len(candidates) == 0 {
		return "", fmt.Errorf("selector: target %s has no usable attributes", targetID)
	}

	var lastKind FailureKind
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			action := r.recoveryFor(lastKind)
			log.Debugf("Selector retry %d for %s, recovery: %s", attempt, targetID, action)
			if err := r.runRecovery(ctx, action, candidates[0]); err != nil {
				log.Warnf("Recovery action %s failed: %v", action, err)
			}
		}

		loc, kind, err := r.tryCandidates(ctx, candidates)
		if err != nil {
			return "", err
		}
		if loc != "" {
			r.recordSuccess(targetID, loc)
			return loc, nil
		}

		lastKind = kind
		r.recordFailure(targetID, kind)
	}

	return "", &NotFoundError{
		TargetID: targetID,
		Attempts: r.maxRetries,
		LastKind: lastKind,
	}
}

// HistoryFor returns a copy of the target's history record, if any.
func (r *Resolver) HistoryFor(target Target) (History, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.histories[target.ID()]
	if !ok {
		return History{}, false
	}
	return *h, true
}

// candidates builds the ordered locator ladder from the target's
// attributes, most stable first. A trusted historical best locator is
// promoted to the front.
func (r *Resolver) candidates(target Target, targetID string) []Locator {
	var out []Locator
	if target.StableID != "" {
		out = append(out, Locator("#"+target.StableID))
	}
	if target.TestAttr != "" {
		out = append(out, Locator(fmt.Sprintf(`[data-testid=%q]`, target.TestAttr)))
	}
	if target.Role != "" {
		if target.Label != "" {
			out = append(out, Locator(fmt.Sprintf(`role=%s[name=%q]`, target.Role, target.Label)))
		} else {
			out = append(out, Locator("role="+target.Role))
		}
	}
	if target.Text != "" {
		out = append(out, Locator(fmt.Sprintf(`text=%q`, target.Text)))
	}
	if target.Tag != "" && target.Text != "" {
		out = append(out, Locator(fmt.Sprintf(`%s:has-text(%q)`, target.Tag, target.Text)))
	}
	if target.Tag != "" && target.Position > 0 {
		out = append(out, Locator(fmt.Sprintf("%s:nth-of-type(%d)", target.Tag, target.Position)))
	}

	r.mu.Lock()
	h, ok := r.histories[targetID]
	trusted := ok && h.BestLocator != "" && h.SuccessRate() >= r.historyThreshold
	var best Locator
	if trusted {
		best = h.BestLocator
	}
	r.mu.Unlock()

	if trusted {
		out = promote(out, best)
	}
	return out
}

// promote moves loc to the front, prepending when absent.
func promote(candidates []Locator, loc Locator) []Locator {
	out := make([]Locator, 0, len(candidates)+1)
	out = append(out, loc)
	for _, c := range candidates {
		if c != loc {
			out = append(out, c)
		}
	}
	return out
}

// tryCandidates walks the ladder once. The returned kind summarizes the
// round by the furthest progress any candidate made: interaction blocked
// outranks hidden, hidden outranks absent.
func (r *Resolver) tryCandidates(ctx context.Context, candidates []Locator) (Locator, FailureKind, error) {
	kind := FailureNotFound
	for _, loc := range candidates {
		if err := ctx.Err(); err != nil {
			return "", kind, err
		}

		found, err := r.probe.TestLocator(ctx, loc)
		if err != nil || !found {
			continue
		}

		visible, err := r.probe.IsVisible(ctx, loc)
		if err != nil {
			continue
		}
		if !visible {
			if kind == FailureNotFound {
				kind = FailureNotVisible
			}
			continue
		}

		interactable, err := r.probe.IsInteractable(ctx, loc)
		if err != nil {
			continue
		}
		if !interactable {
			kind = FailureCovered
			continue
		}

		return loc, "", nil
	}
	return "", kind, nil
}

// recoveryFor maps a failure classification to its single recovery
// action.
func (r *Resolver) recoveryFor(kind FailureKind) RecoveryAction {
	switch kind {
	case FailureNotVisible:
		return RecoveryScrollIntoView
	case FailureCovered:
		return RecoveryDismissOverlay
	default:
		return RecoveryWaitAndRetry
	}
}

func (r *Resolver) runRecovery(ctx context.Context, action RecoveryAction, loc Locator) error {
	switch action {
	case RecoveryScrollIntoView:
		return r.probe.ScrollIntoView(ctx, loc)
	case RecoveryDismissOverlay:
		return r.probe.DismissOverlay(ctx)
	default:
		return r.probe.WaitMs(ctx, 1000)
	}
}

func (r *Resolver) recordSuccess(targetID string, loc Locator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.history(targetID)
	h.TotalAttempts++
	h.SuccessCount++
	h.BestLocator = loc
}

func (r *Resolver) recordFailure(targetID string, kind FailureKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.history(targetID)
	h.TotalAttempts++

	records := r.failures[targetID]
	cutoff := time.Now().Add(-failureWindow)
	pruned := records[:0]
	for _, rec := range records {
		if rec.at.After(cutoff) {
			pruned = append(pruned, rec)
		}
	}
	pruned = append(pruned, failureRecord{kind: kind, at: time.Now()})
	if len(pruned) > maxFailureRecords {
		pruned = pruned[len(pruned)-maxFailureRecords:]
	}
	r.failures[targetID] = pruned
}

// history returns the record for targetID, creating it lazily. Must be
// called with mu held.
func (r *Resolver) history(targetID string) *History {
	h, ok := r.histories[targetID]
	if !ok {
		h = &History{TargetID: targetID}
		r.histories[targetID] = h
	}
	return h
}

// DescribeFailures summarizes recent failure kinds for a target, for
// logging and the feedback endpoint.
func (r *Resolver) DescribeFailures(target Target) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := r.failures[target.ID()]
	if len(records) == 0 {
		return ""
	}
	kinds := make([]string, 0, len(records))
	for _, rec := range records {
		kinds = append(kinds, string(rec.kind))
	}
	return strings.Join(kinds, ",")
}
