// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"testing"
	"time"

	"github.com/pollpilot/pollpilot/internal/events"
)

func TestNavigationResetsPageScopedStateOnly(t *testing.T) {
	m := NewManager("sess-1", nil)

	m.Navigate("https://surveys.example/p1")
	m.SetPhase("consent")
	m.SetField("question_id", "q1")
	m.RecordStep("accept-consent", true)
	m.RecordStep("click-next", false)

	m.Navigate("https://surveys.example/p2")

	snap := m.Snapshot()
	if snap.CurrentURL != "https://surveys.example/p2" {
		t.Errorf("CurrentURL = %q", snap.CurrentURL)
	}
	if snap.CurrentPhase != "" {
		t.Errorf("CurrentPhase = %q, want reset", snap.CurrentPhase)
	}
	if len(snap.PageFields) != 0 {
		t.Errorf("PageFields = %v, want reset", snap.PageFields)
	}

	// Session-lifetime state survives the boundary.
	if len(snap.CompletedSteps) != 1 || snap.CompletedSteps[0].Name != "accept-consent" {
		t.Errorf("CompletedSteps = %v, want accept-consent", snap.CompletedSteps)
	}
	if len(snap.FailedSteps) != 1 || snap.FailedSteps[0].Name != "click-next" {
		t.Errorf("FailedSteps = %v, want click-next", snap.FailedSteps)
	}
	if snap.PagesVisited != 2 {
		t.Errorf("PagesVisited = %d, want 2", snap.PagesVisited)
	}
}

func TestNavigationPublishesResetEvent(t *testing.T) {
	bus := events.NewBus()
	defer bus.Shutdown()

	received := make(chan *events.Context, 2)
	bus.Subscribe(events.EventPageStateReset, func(ctx *events.Context) {
		received <- ctx
	})

	m := NewManager("sess-1", bus)
	m.Navigate("https://surveys.example/p1")
	m.Navigate("https://surveys.example/p2")

	deadline := time.After(time.Second)
	for seen := 0; seen < 2; seen++ {
		select {
		case <-received:
		case <-deadline:
			t.Fatalf("saw %d reset events, want 2", seen)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	m := NewManager("sess-1", nil)
	m.SetField("k", "v")
	m.RecordStep("s1", true)

	snap := m.Snapshot()
	snap.PageFields["k"] = "mutated"
	snap.CompletedSteps[0].Name = "mutated"

	fresh := m.Snapshot()
	if fresh.PageFields["k"] != "v" {
		t.Error("snapshot mutation leaked into manager fields")
	}
	if fresh.CompletedSteps[0].Name != "s1" {
		t.Error("snapshot mutation leaked into step history")
	}
}

func TestManagerWithoutBus(t *testing.T) {
	m := NewManager("sess-1", nil)
	// Must not panic with zero observers.
	m.Navigate("https://surveys.example/p1")
	if m.CurrentURL() != "https://surveys.example/p1" {
		t.Errorf("CurrentURL = %q", m.CurrentURL())
	}
}
