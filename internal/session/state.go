// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package session tracks the mutable automation context for one
// orchestrator session: the current phase, step history, and
// caller-supplied fields. Page-scoped state resets on every navigation
// boundary; session counters persist until the session ends.
package session

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pollpilot/pollpilot/internal/events"
)

// Step is one recorded automation step.
type Step struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

// Snapshot is an immutable copy of the automation context.
type Snapshot struct {
	SessionID      string         `json:"session_id"`
	CurrentURL     string         `json:"current_url"`
	CurrentPhase   string         `json:"current_phase"`
	PageFields     map[string]any `json:"page_fields"`
	CompletedSteps []Step         `json:"completed_steps"`
	FailedSteps    []Step         `json:"failed_steps"`
	PagesVisited   int            `json:"pages_visited"`
}

// Manager owns the automation context. All mutation goes through it; the
// rest of the system only ever sees snapshots.
type Manager struct {
	mu        sync.Mutex
	sessionID string

	// Page-scoped; reset on navigation.
	currentURL   string
	currentPhase string
	pageFields   map[string]any

	// Session-lifetime; survive navigation.
	completedSteps []Step
	failedSteps    []Step
	pagesVisited   int

	bus *events.Bus
}

// NewManager creates a manager for one session. bus may be nil.
func NewManager(sessionID string, bus *events.Bus) *Manager {
	return &Manager{
		sessionID:  sessionID,
		pageFields: make(map[string]any),
		bus:        bus,
	}
}

// SetPhase updates the current automation phase.
func (m *Manager) SetPhase(phase string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentPhase = phase
}

// SetField stores a caller-supplied, page-scoped field.
func (m *Manager) SetField(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageFields[key] = value
}

// RecordStep appends to the session step history.
func (m *Manager) RecordStep(name string, succeeded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step := Step{Name: name, At: time.Now()}
	if succeeded {
		m.completedSteps = append(m.completedSteps, step)
	} else {
		m.failedSteps = append(m.failedSteps, step)
	}
}

// Navigate marks a navigation boundary. Page-scoped state is wiped,
// session counters persist, and a page-state-reset event is published so
// subscribers (the cache, dashboards) can react.
func (m *Manager) Navigate(url string) {
	m.mu.Lock()
	oldURL := m.currentURL
	m.currentURL = url
	m.currentPhase = ""
	m.pageFields = make(map[string]any)
	m.pagesVisited++
	cycleID := m.sessionID
	m.mu.Unlock()

	log.Debugf("Page state reset: %s -> %s", oldURL, url)
	if m.bus != nil {
		m.bus.PublishAsync(&events.Context{
			Event:     events.EventPageStateReset,
			Timestamp: time.Now(),
			CycleID:   cycleID,
			Data: map[string]any{
				"old_url": oldURL,
				"new_url": url,
			},
		})
	}
}

// CurrentURL returns the page the session is on. It doubles as the cache
// generation key: entries cached under an old URL never match after a
// navigation.
func (m *Manager) CurrentURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentURL
}

// Snapshot returns a deep copy of the context.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields := make(map[string]any, len(m.pageFields))
	for k, v := range m.pageFields {
		fields[k] = v
	}
	completed := make([]Step, len(m.completedSteps))
	copy(completed, m.completedSteps)
	failed := make([]Step, len(m.failedSteps))
	copy(failed, m.failedSteps)

	return Snapshot{
		SessionID:      m.sessionID,
		CurrentURL:     m.currentURL,
		CurrentPhase:   m.currentPhase,
		PageFields:     fields,
		CompletedSteps: completed,
		FailedSteps:    failed,
		PagesVisited:   m.pagesVisited,
	}
}
