// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package circuit implements the failure guard in front of the decision
// service. Repeated failures amplify outages into latency and cost spikes;
// the breaker rejects calls outright while the dependency is known bad.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// State is the breaker's position in its recovery state machine.
type State int

const (
	// StateClosed lets calls through and counts consecutive failures.
	StateClosed State = iota

	// StateOpen rejects calls without invoking the operation.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when a call is rejected because the circuit is open
// or the half-open probe budget is exhausted.
var ErrOpen = errors.New("circuit: open, call rejected")

// Config tunes the breaker's state machine.
type Config struct {
	// FailureThreshold is the consecutive failure count that trips the
	// circuit from closed to open.
	FailureThreshold int

	// Cooldown is how long after the last failure an open circuit waits
	// before admitting probes.
	Cooldown time.Duration

	// RecoveryQuota is the consecutive probe successes required to close
	// from half-open.
	RecoveryQuota int

	// HalfOpenMaxProbes bounds concurrently in-flight probes in half-open.
	HalfOpenMaxProbes int

	// OnStateChange, when set, is invoked after every transition.
	OnStateChange func(from, to State)
}

// Breaker guards one dependency. All concurrent cycles of an orchestrator
// instance share a single breaker, so the half-open probe budget is a
// single shared budget: whichever cycle reaches the half-open circuit
// first consumes a probe slot, later cycles are rejected until the
// in-flight probes settle.
type Breaker struct {
	cfg Config

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	inFlightProbes       int
	lastFailure          time.Time
}

// New creates a breaker in the closed state. Out-of-range settings are
// replaced with safe defaults.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.RecoveryQuota <= 0 {
		cfg.RecoveryQuota = 2
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}

	return &Breaker{cfg: cfg, state: StateClosed}
}

// Execute runs op under the breaker's supervision. When the circuit is
// open the operation is never invoked and ErrOpen is returned. The
// operation is responsible for honoring ctx; its outcome feeds the
// failure accounting.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) (any, error)) (any, error) {
	if err := b.beforeCall(); err != nil {
		return nil, err
	}

	result, err := op(ctx)
	b.afterCall(err == nil)

	if err != nil {
		return nil, err
	}
	return result, nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to closed. Intended for tests and
// operator intervention.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	from := b.state
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.inFlightProbes = 0

	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailure) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.setState(StateHalfOpen)
		b.consecutiveSuccesses = 0
		b.inFlightProbes = 1
		return nil

	case StateHalfOpen:
		if b.inFlightProbes >= b.cfg.HalfOpenMaxProbes {
			return ErrOpen
		}
		b.inFlightProbes++
		return nil
	}

	return ErrOpen
}

func (b *Breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.inFlightProbes > 0 {
		b.inFlightProbes--
	}

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0

	case StateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.RecoveryQuota {
			log.WithField("probes", b.consecutiveSuccesses).Info("Circuit breaker recovered, closing")
			b.setState(StateClosed)
			b.consecutiveFailures = 0
			b.consecutiveSuccesses = 0
			b.inFlightProbes = 0
		}
	}
}

func (b *Breaker) onFailure() {
	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			log.WithFields(log.Fields{
				"failures":  b.consecutiveFailures,
				"threshold": b.cfg.FailureThreshold,
			}).Warn("Circuit breaker tripped open")
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		log.Warn("Probe failed in half-open state, reopening circuit")
		b.setState(StateOpen)
		b.consecutiveSuccesses = 0
		b.inFlightProbes = 0
	}
}

// setState transitions and notifies. Caller holds the lock.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	b.notify(from, to)
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil && from != to {
		go b.cfg.OnStateChange(from, to)
	}
}
