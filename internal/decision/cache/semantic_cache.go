// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cache provides similarity-based caching for decision results.
// Lookups match first on an exact context fingerprint and then on lexical
// similarity over the serialized context. The similarity measure is a
// deliberate approximation (token-set Jaccard over normalized text), not
// semantic embedding similarity: it is cheap, dependency-free, and good
// enough because cached decisions are already scoped to a single page
// generation. The cache is purely an optimization; correctness never
// depends on it.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is one cached decision.
type Entry struct {
	// Fingerprint is the stable hash of the normalized context.
	Fingerprint string

	// Text is the normalized context used for similarity comparison.
	Text string

	// Result is the cached decision payload.
	Result any

	// CreatedAt is when the entry was stored.
	CreatedAt time.Time

	// AccessCount tracks how often the entry was served.
	AccessCount int64
}

// Metrics tracks cache performance statistics.
type Metrics struct {
	Hits           int64
	SimilarityHits int64
	Misses         int64
	Evictions      int64
	Size           int
}

// SemanticCache caches decision results for one orchestrator instance.
// All entries belong to the current page generation; navigating to a new
// page drops the whole generation since cached decisions are bound to
// page state.
type SemanticCache struct {
	mu sync.RWMutex

	entries    map[string]*Entry
	generation string

	maxEntries          int
	maxAge              time.Duration
	similarityThreshold float64

	metrics Metrics
}

// New creates a semantic cache. Out-of-range settings fall back to defaults.
func New(maxEntries int, maxAge time.Duration, similarityThreshold float64) *SemanticCache {
	if maxEntries <= 0 {
		maxEntries = 500
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	if similarityThreshold <= 0 || similarityThreshold > 1 {
		similarityThreshold = 0.85
	}

	return &SemanticCache{
		entries:             make(map[string]*Entry),
		maxEntries:          maxEntries,
		maxAge:              maxAge,
		similarityThreshold: similarityThreshold,
	}
}

// SetGeneration declares the current page generation. Changing generation
// drops every cached entry: coarse invalidation on navigation boundaries.
func (c *SemanticCache) SetGeneration(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key == c.generation {
		return
	}
	c.generation = key
	c.entries = make(map[string]*Entry)
	c.metrics.Size = 0
}

// Get returns the cached result for contextText, trying an exact
// fingerprint match first and a similarity match second. Expired entries
// never hit, regardless of how they are found.
func (c *SemanticCache) Get(contextText string) (any, bool) {
	norm := normalize(contextText)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	fp := c.fingerprint(norm)
	if entry, ok := c.entries[fp]; ok && !c.expired(entry, now) {
		entry.AccessCount++
		c.metrics.Hits++
		return entry.Result, true
	}

	// Fuzzy pass over non-expired entries. The age check applies here too:
	// a stale entry must not be resurrected by a good similarity score.
	queryTokens := tokenSet(norm)
	var best *Entry
	var bestScore float64
	for _, entry := range c.entries {
		if c.expired(entry, now) {
			continue
		}
		score := jaccard(queryTokens, tokenSet(entry.Text))
		if score >= c.similarityThreshold && score > bestScore {
			best = entry
			bestScore = score
		}
	}

	if best != nil {
		best.AccessCount++
		c.metrics.Hits++
		c.metrics.SimilarityHits++
		return best.Result, true
	}

	c.metrics.Misses++
	return nil, false
}

// Set stores a result keyed by the context fingerprint, evicting down to
// roughly 80% of capacity when full. Eviction prefers to drop expired,
// rarely-accessed, older entries first.
func (c *SemanticCache) Set(contextText string, result any) {
	norm := normalize(contextText)

	c.mu.Lock()
	defer c.mu.Unlock()

	fp := c.fingerprint(norm)
	c.entries[fp] = &Entry{
		Fingerprint: fp,
		Text:        norm,
		Result:      result,
		CreatedAt:   time.Now(),
	}

	if len(c.entries) > c.maxEntries {
		c.evict()
	}
	c.metrics.Size = len(c.entries)
}

// BestSimilarity reports the highest similarity between contextText and
// any live entry, regardless of the serving threshold. Hit/miss counters
// are untouched; fallback heuristics use this to tell "a similar page
// was handled before" apart from a cold miss.
func (c *SemanticCache) BestSimilarity(contextText string) float64 {
	queryTokens := tokenSet(normalize(contextText))
	now := time.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	var best float64
	for _, entry := range c.entries {
		if c.expired(entry, now) {
			continue
		}
		if score := jaccard(queryTokens, tokenSet(entry.Text)); score > best {
			best = score
		}
	}
	return best
}

// Invalidate drops the exact-match entry for contextText, if present.
// Used when the caller reports that a cached decision failed in
// execution; serving it again would repeat the failure.
func (c *SemanticCache) Invalidate(contextText string) {
	norm := normalize(contextText)

	c.mu.Lock()
	defer c.mu.Unlock()

	fp := c.fingerprint(norm)
	if _, ok := c.entries[fp]; ok {
		delete(c.entries, fp)
		c.metrics.Size = len(c.entries)
	}
}

// evict removes entries until the cache holds at most 80% of capacity.
// Caller holds the lock.
func (c *SemanticCache) evict() {
	target := c.maxEntries * 8 / 10
	if target < 1 {
		target = 1
	}

	now := time.Now()
	candidates := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		candidates = append(candidates, e)
	}

	sort.Slice(candidates, func(i, j int) bool {
		ei, ej := candidates[i], candidates[j]
		expI, expJ := c.expired(ei, now), c.expired(ej, now)
		if expI != expJ {
			return expI // expired entries go first
		}
		if ei.AccessCount != ej.AccessCount {
			return ei.AccessCount < ej.AccessCount
		}
		return ei.CreatedAt.Before(ej.CreatedAt)
	})

	for _, e := range candidates {
		if len(c.entries) <= target {
			break
		}
		delete(c.entries, e.Fingerprint)
		c.metrics.Evictions++
	}
}

// Clear removes all entries.
func (c *SemanticCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.metrics.Size = 0
}

// GetMetrics returns a snapshot of the cache counters.
func (c *SemanticCache) GetMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.metrics
	m.Size = len(c.entries)
	return m
}

// HitRate returns hits/(hits+misses) in [0,1].
func (c *SemanticCache) HitRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := c.metrics.Hits + c.metrics.Misses
	if total == 0 {
		return 0
	}
	return float64(c.metrics.Hits) / float64(total)
}

func (c *SemanticCache) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.CreatedAt) > c.maxAge
}

// fingerprint hashes the normalized context together with the page
// generation so entries can never leak across navigations. Caller holds
// the lock; generation must not be read outside it.
func (c *SemanticCache) fingerprint(norm string) string {
	h := sha256.Sum256([]byte(c.generation + "\x00" + norm))
	return hex.EncodeToString(h[:])
}

// normalize lowercases and collapses whitespace so formatting differences
// do not defeat exact matching.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// tokenSet splits normalized text into its unique tokens.
func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(s) {
		set[tok] = struct{}{}
	}
	return set
}

// jaccard computes |a∩b| / |a∪b| over two token sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}
