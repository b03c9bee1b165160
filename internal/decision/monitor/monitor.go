// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package monitor provides observability for decision cycles. It tracks
// per-cycle latency, cache effectiveness, per-tier usage and spend, and
// flags cycles that exceed the slow-decision threshold.
package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pollpilot/pollpilot/internal/events"
	"github.com/pollpilot/pollpilot/internal/oracle"
)

// Monitor tracks all decision cycle activity. Counters are lock-free;
// per-tier breakdowns and latency samples take a mutex.
type Monitor struct {
	cyclesStarted   atomic.Int64
	cyclesCompleted atomic.Int64
	cyclesSucceeded atomic.Int64
	cyclesFailed    atomic.Int64
	cacheHits       atomic.Int64
	cacheMisses     atomic.Int64
	fallbacks       atomic.Int64
	slowDecisions   atomic.Int64

	tierMu       sync.RWMutex
	tierRequests map[oracle.Tier]int64
	tierCost     map[oracle.Tier]float64

	latencyMu      sync.RWMutex
	latencySamples []int64
	maxSamples     int

	slowThreshold time.Duration
	bus           *events.Bus

	startTime time.Time
}

// New creates a monitor. Cycles exceeding slowThreshold are counted and,
// when bus is non-nil, announced as slow-decision events.
func New(slowThreshold time.Duration, bus *events.Bus) *Monitor {
	return &Monitor{
		tierRequests:   make(map[oracle.Tier]int64),
		tierCost:       make(map[oracle.Tier]float64),
		latencySamples: make([]int64, 0, 1000),
		maxSamples:     1000,
		slowThreshold:  slowThreshold,
		bus:            bus,
		startTime:      time.Now(),
	}
}

// Cycle is the handle for one in-flight decision cycle.
type Cycle struct {
	ID      string
	started time.Time
	m       *Monitor
}

// StartCycle begins timing a decision cycle identified by cycleID.
func (m *Monitor) StartCycle(cycleID string) *Cycle {
	m.cyclesStarted.Add(1)
	return &Cycle{ID: cycleID, started: time.Now(), m: m}
}

// End completes the cycle, recording its latency and outcome and
// flagging it when it ran past the slow-decision threshold. A cycle that
// had to degrade past the primary path counts as failed; err, when
// non-nil, names what went wrong.
func (c *Cycle) End(success bool, err error) time.Duration {
	elapsed := time.Since(c.started)
	c.m.cyclesCompleted.Add(1)
	if success {
		c.m.cyclesSucceeded.Add(1)
	} else {
		c.m.cyclesFailed.Add(1)
		if err != nil {
			log.Debugf("Cycle %s failed: %v", c.ID, err)
		}
	}
	c.m.recordLatency(elapsed.Milliseconds())

	if c.m.slowThreshold > 0 && elapsed >= c.m.slowThreshold {
		c.m.slowDecisions.Add(1)
		log.Warnf("Slow decision cycle: %s took %v (threshold %v)", c.ID, elapsed.Round(time.Millisecond), c.m.slowThreshold)
		if c.m.bus != nil {
			c.m.bus.PublishAsync(&events.Context{
				Event:     events.EventSlowDecision,
				Timestamp: time.Now(),
				CycleID:   c.ID,
				Data: map[string]any{
					"elapsed_ms":   elapsed.Milliseconds(),
					"threshold_ms": c.m.slowThreshold.Milliseconds(),
				},
			})
		}
	}
	return elapsed
}

// RecordCacheHit increments the cache hit counter.
func (m *Monitor) RecordCacheHit() {
	m.cacheHits.Add(1)
}

// RecordCacheMiss increments the cache miss counter.
func (m *Monitor) RecordCacheMiss() {
	m.cacheMisses.Add(1)
}

// RecordFallback increments the counter for decisions served by the
// fallback chain instead of the primary path.
func (m *Monitor) RecordFallback() {
	m.fallbacks.Add(1)
}

// RecordTierRequest records one request to tier and the cost it incurred
// for the given token count.
func (m *Monitor) RecordTierRequest(tier oracle.Tier, tokens int, costPer1K float64) {
	cost := float64(tokens) / 1000.0 * costPer1K

	m.tierMu.Lock()
	defer m.tierMu.Unlock()
	m.tierRequests[tier]++
	m.tierCost[tier] += cost
}

// recordLatency keeps the most recent maxSamples measurements.
func (m *Monitor) recordLatency(latencyMs int64) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()

	m.latencySamples = append(m.latencySamples, latencyMs)
	if len(m.latencySamples) > m.maxSamples {
		m.latencySamples = m.latencySamples[len(m.latencySamples)-m.maxSamples:]
	}
}

// Snapshot returns a point-in-time copy of all metrics, safe to serialize.
func (m *Monitor) Snapshot() *Snapshot {
	m.tierMu.RLock()
	tierRequests := make(map[oracle.Tier]int64, len(m.tierRequests))
	for k, v := range m.tierRequests {
		tierRequests[k] = v
	}
	tierCost := make(map[oracle.Tier]float64, len(m.tierCost))
	var totalCost float64
	for k, v := range m.tierCost {
		tierCost[k] = v
		totalCost += v
	}
	m.tierMu.RUnlock()

	m.latencyMu.RLock()
	latency := m.calculateLatencyStats()
	m.latencyMu.RUnlock()

	return &Snapshot{
		CyclesStarted:   m.cyclesStarted.Load(),
		CyclesCompleted: m.cyclesCompleted.Load(),
		CyclesSucceeded: m.cyclesSucceeded.Load(),
		CyclesFailed:    m.cyclesFailed.Load(),
		CacheHits:       m.cacheHits.Load(),
		CacheMisses:     m.cacheMisses.Load(),
		Fallbacks:       m.fallbacks.Load(),
		SlowDecisions:   m.slowDecisions.Load(),
		TierRequests:    tierRequests,
		TierCost:        tierCost,
		TotalCost:       totalCost,
		Latency:         latency,
		UptimeSeconds:   int64(time.Since(m.startTime).Seconds()),
		Timestamp:       time.Now(),
	}
}

// calculateLatencyStats must be called with latencyMu held.
func (m *Monitor) calculateLatencyStats() LatencyStats {
	if len(m.latencySamples) == 0 {
		return LatencyStats{}
	}

	var sum int64
	min := m.latencySamples[0]
	max := m.latencySamples[0]
	for _, sample := range m.latencySamples {
		sum += sample
		if sample < min {
			min = sample
		}
		if sample > max {
			max = sample
		}
	}

	return LatencyStats{
		AverageMs: sum / int64(len(m.latencySamples)),
		MinMs:     min,
		MaxMs:     max,
		Samples:   int64(len(m.latencySamples)),
	}
}

// Reset clears all metrics. Primarily useful for testing.
func (m *Monitor) Reset() {
	m.cyclesStarted.Store(0)
	m.cyclesCompleted.Store(0)
	m.cyclesSucceeded.Store(0)
	m.cyclesFailed.Store(0)
	m.cacheHits.Store(0)
	m.cacheMisses.Store(0)
	m.fallbacks.Store(0)
	m.slowDecisions.Store(0)

	m.tierMu.Lock()
	m.tierRequests = make(map[oracle.Tier]int64)
	m.tierCost = make(map[oracle.Tier]float64)
	m.tierMu.Unlock()

	m.latencyMu.Lock()
	m.latencySamples = make([]int64, 0, m.maxSamples)
	m.latencyMu.Unlock()

	m.startTime = time.Now()
}

// Snapshot is a point-in-time view of decision cycle metrics.
type Snapshot struct {
	CyclesStarted   int64 `json:"cycles_started"`
	CyclesCompleted int64 `json:"cycles_completed"`
	CyclesSucceeded int64 `json:"cycles_succeeded"`
	CyclesFailed    int64 `json:"cycles_failed"`
	CacheHits       int64 `json:"cache_hits"`
	CacheMisses     int64 `json:"cache_misses"`
	Fallbacks       int64 `json:"fallbacks"`
	SlowDecisions   int64 `json:"slow_decisions"`

	TierRequests map[oracle.Tier]int64   `json:"tier_requests"`
	TierCost     map[oracle.Tier]float64 `json:"tier_cost"`
	TotalCost    float64                 `json:"total_cost"`

	Latency LatencyStats `json:"latency"`

	UptimeSeconds int64     `json:"uptime_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}

// LatencyStats summarizes cycle latencies in milliseconds.
type LatencyStats struct {
	AverageMs int64 `json:"average_ms"`
	MinMs     int64 `json:"min_ms"`
	MaxMs     int64 `json:"max_ms"`
	Samples   int64 `json:"samples"`
}

// CacheHitRate is the fraction of lookups served from cache, or 0 when
// no lookups have happened.
func (s *Snapshot) CacheHitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0.0
	}
	return float64(s.CacheHits) / float64(total)
}
