// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/pollpilot/pollpilot/internal/config"
	"github.com/pollpilot/pollpilot/internal/decision/cache"
	"github.com/pollpilot/pollpilot/internal/decision/circuit"
	"github.com/pollpilot/pollpilot/internal/decision/fallback"
	"github.com/pollpilot/pollpilot/internal/decision/monitor"
	"github.com/pollpilot/pollpilot/internal/decision/strategy"
	"github.com/pollpilot/pollpilot/internal/events"
	"github.com/pollpilot/pollpilot/internal/oracle"
	"github.com/pollpilot/pollpilot/internal/selector"
	"github.com/pollpilot/pollpilot/internal/session"
)

// A cached neighbor at or above this similarity counts as "handled
// something like this page before" for fallback rules, even when it is
// too far off for a direct cache hit.
const similarNeighborThreshold = 0.5

// Orchestrator is the composition root for one automation session. It
// exclusively owns the cache, circuit state, selector history, and
// session context; independent sessions get independent orchestrators.
type Orchestrator struct {
	cfg       *config.Config
	completer oracle.Completer

	cache    *cache.SemanticCache
	breaker  *circuit.Breaker
	strategy *strategy.Selector
	chain    *fallback.Chain
	monitor  *monitor.Monitor
	state    *session.Manager
	resolver *selector.Resolver

	bus *events.Bus
}

// Options configures optional orchestrator collaborators.
type Options struct {
	// Bus receives circuit, slow-decision, and page-reset events. The
	// orchestrator is fully correct with a nil bus.
	Bus *events.Bus

	// Probe, when set, enables selector resolution.
	Probe selector.PageProbe

	// Hook, when set, extends the fallback chain with scripted rules.
	Hook fallback.Hook

	// RuleTable, when set, replaces the table built from cfg.
	RuleTable *fallback.Table
}

// New wires an orchestrator from configuration. The fallback rule table
// is loaded eagerly; a load failure degrades to an empty table rather
// than failing construction.
func New(cfg *config.Config, completer oracle.Completer, opts Options) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		completer: completer,
		cache:     cache.New(cfg.Cache.MaxEntries, cfg.CacheTTL(), cfg.Cache.SimilarityThreshold),
		strategy:  strategy.NewSelector(),
		monitor:   monitor.New(cfg.SlowDecisionThreshold(), opts.Bus),
		state:     session.NewManager(uuid.NewString(), opts.Bus),
		bus:       opts.Bus,
	}

	o.breaker = circuit.New(circuit.Config{
		FailureThreshold:  cfg.Circuit.FailureThreshold,
		Cooldown:          cfg.CircuitCooldown(),
		RecoveryQuota:     cfg.Circuit.RecoveryQuota,
		HalfOpenMaxProbes: cfg.Circuit.HalfOpenMaxProbes,
		OnStateChange:     o.onCircuitChange,
	})

	table := opts.RuleTable
	if table == nil {
		table = fallback.NewTable(cfg.Fallback.RulesFile)
		if err := table.Load(); err != nil {
			log.Errorf("Failed to load fallback rules: %v", err)
		}
		if cfg.Fallback.WatchRules {
			if err := table.StartWatcher(); err != nil {
				log.Errorf("Failed to watch fallback rules: %v", err)
			}
		}
	}
	o.chain = fallback.NewChain(table, opts.Hook, completer, func() bool {
		return o.breaker.State() == circuit.StateOpen
	})

	if opts.Probe != nil {
		o.resolver = selector.NewResolver(opts.Probe, cfg.Selector.HistoryThreshold, cfg.Selector.MaxRetries)
	}

	return o
}

// Decide runs one decision cycle: cache, then the service through the
// circuit breaker, then the fallback chain. It returns an error only for
// invalid options; primary-path failures are absorbed into a degraded
// result.
func (o *Orchestrator) Decide(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	cycleID := uuid.NewString()
	cycle := o.monitor.StartCycle(cycleID)

	logger := log.WithField("cycle_id", cycleID)

	contextText, err := canonicalContext(req.Context)
	if err != nil {
		cycle.End(false, err)
		return nil, &ConfigurationError{Field: "context", Reason: err.Error()}
	}

	if cached, ok := o.cache.Get(contextText); ok {
		o.monitor.RecordCacheHit()
		if result, ok := cached.(Result); ok {
			logger.Debugf("Cache hit: %s -> %s", result.Action, result.Target)
			out := tag(result, SourceCache, cycleID)
			o.recordCycle(out, true)
			cycle.End(true, nil)
			return out, nil
		}
	}
	o.monitor.RecordCacheMiss()

	sel := o.strategy.Select(signals(req))
	logger.Debugf("Strategy: %s on tier %s (%s)", sel.Strategy, sel.Tier, sel.Reason)

	if sel.Strategy == strategy.StrategyHeuristic {
		// Deliberate cost choice, not a degradation: no external call at
		// all, so the cheapened service stage is withheld too.
		result := o.degrade(ctx, req, contextText, cycleID, "cost_constrained", 0, false)
		result.Warning = ""
		o.recordCycle(result, true)
		cycle.End(true, nil)
		return result, nil
	}

	result, ferr := o.primary(ctx, req, contextText, sel, cycleID, logger)
	if ferr == "" {
		o.recordCycle(result, true)
		cycle.End(true, nil)
		return result, nil
	}

	o.monitor.RecordFallback()
	result = o.degrade(ctx, req, contextText, cycleID, ferr, sel.EstimatedTokens, true)
	o.recordCycle(result, false)
	cycle.End(false, fmt.Errorf("primary path failed: %s", ferr))
	return result, nil
}

// primary invokes the decision service under the breaker. The returned
// string is empty on success and otherwise names the failure kind for
// the fallback chain.
func (o *Orchestrator) primary(ctx context.Context, req Request, contextText string, sel strategy.Selection, cycleID string, logger *log.Entry) (*Result, string) {
	prompt, err := o.buildPrompt(req, false)
	if err != nil {
		logger.Errorf("Failed to build prompt: %v", err)
		return nil, "service_error"
	}

	timeout := o.cfg.OracleTimeout()
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	out, err := o.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		text, err := o.completer.Complete(ctx, prompt, sel.Tier, oracle.CallOptions{Timeout: timeout})
		if err != nil {
			return nil, err
		}
		// A malformed response counts as a failure for circuit accounting.
		return oracle.ParseGuidance(text)
	})
	if err != nil {
		logger.Warnf("Primary path failed on tier %s: %v", sel.Tier, err)
		return nil, classifyFailure(err)
	}

	o.monitor.RecordTierRequest(sel.Tier, sel.EstimatedTokens, o.tierCost(sel.Tier))

	g := out.(*oracle.Guidance)
	result := &Result{
		Action:       g.Action,
		Target:       g.Target,
		Confidence:   g.Confidence,
		Source:       SourcePrimary,
		Alternatives: g.Alternatives,
		Risks:        g.Risks,
		Metadata:     Metadata{Timestamp: time.Now(), CycleID: cycleID},
	}

	// Cache the value, not the pointer; hits are re-tagged per cycle.
	o.cache.Set(contextText, *result)
	return result, ""
}

// degrade answers through the fallback chain, which always produces a
// result. An empty prompt disables the chain's service stage, keeping
// heuristic-only cycles fully local.
func (o *Orchestrator) degrade(ctx context.Context, req Request, contextText, cycleID, failureKind string, attempts int, allowService bool) *Result {
	var prompt []byte
	if allowService {
		var err error
		prompt, err = o.buildPrompt(req, true)
		if err != nil {
			prompt = nil
		}
	}

	fb := o.chain.Resolve(ctx, fallback.Input{
		Prompt: prompt,
		Env: fallback.Env{
			FailureKind:      failureKind,
			Phase:            o.state.Snapshot().CurrentPhase,
			Urgency:          req.Urgency,
			Attempts:         attempts,
			HasCachedSimilar: o.cache.BestSimilarity(contextText) >= similarNeighborThreshold,
		},
	})

	return &Result{
		Action:         fb.Action,
		Target:         fb.Target,
		Confidence:     fb.Confidence,
		Source:         fb.Source,
		Warning:        fmt.Sprintf("degraded decision: %s", fb.FallbackReason),
		FallbackReason: fb.FallbackReason,
		Metadata:       Metadata{Timestamp: time.Now(), CycleID: cycleID},
	}
}

// ReportExecutionFailure handles the caller's report that an issued
// decision failed during execution (a selector that resolved to nothing,
// an interaction the page rejected). The cached entry for the context is
// dropped and a replacement decision comes from the fallback chain.
func (o *Orchestrator) ReportExecutionFailure(ctx context.Context, req Request, failedAction string) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	contextText, err := canonicalContext(req.Context)
	if err != nil {
		return nil, &ConfigurationError{Field: "context", Reason: err.Error()}
	}
	o.cache.Invalidate(contextText)
	o.state.RecordStep(failedAction, false)

	cycleID := uuid.NewString()
	cycle := o.monitor.StartCycle(cycleID)
	o.monitor.RecordFallback()

	result := o.degrade(ctx, req, contextText, cycleID, "execution_failure", 0, true)
	cycle.End(false, fmt.Errorf("execution failure on %s", failedAction))
	return result, nil
}

// ResolveTarget exposes selector resolution when a page probe was wired.
func (o *Orchestrator) ResolveTarget(ctx context.Context, target selector.Target) (selector.Locator, error) {
	if o.resolver == nil {
		return "", fmt.Errorf("no page probe configured")
	}
	return o.resolver.Resolve(ctx, target)
}

// Navigate marks a page boundary: session page state resets and cached
// decisions from the old page stop matching.
func (o *Orchestrator) Navigate(url string) {
	o.state.Navigate(url)
	o.cache.SetGeneration(url)
}

// Session returns the session state manager.
func (o *Orchestrator) Session() *session.Manager {
	return o.state
}

// Metrics returns a point-in-time monitor snapshot.
func (o *Orchestrator) Metrics() *monitor.Snapshot {
	return o.monitor.Snapshot()
}

// CacheMetrics returns the cache's own counters.
func (o *Orchestrator) CacheMetrics() cache.Metrics {
	return o.cache.GetMetrics()
}

// CircuitState reports the breaker state for observability surfaces.
func (o *Orchestrator) CircuitState() circuit.State {
	return o.breaker.State()
}

// Cleanup flushes the cache and logs a final metrics snapshot. The
// orchestrator must not be used afterwards.
func (o *Orchestrator) Cleanup() {
	snap := o.monitor.Snapshot()
	log.Infof("Session complete: %d cycles, %.0f%% cache hit rate, %d fallbacks, $%.4f spent",
		snap.CyclesCompleted, snap.CacheHitRate()*100, snap.Fallbacks, snap.TotalCost)
	o.cache.Clear()
}

// recordCycle notes the decision in the session history. succeeded is
// the cycle outcome, not the decision source: a deliberate heuristic
// cycle succeeds, a degraded one after a primary failure does not.
func (o *Orchestrator) recordCycle(result *Result, succeeded bool) {
	o.state.RecordStep("decide:"+result.Action, succeeded)
}

func (o *Orchestrator) onCircuitChange(from, to circuit.State) {
	log.Warnf("Circuit %s -> %s", from, to)
	if o.bus == nil {
		return
	}
	var event events.Event
	switch to {
	case circuit.StateOpen:
		event = events.EventCircuitOpen
	case circuit.StateClosed:
		event = events.EventCircuitClose
	default:
		return
	}
	o.bus.PublishAsync(&events.Context{
		Event:     event,
		Timestamp: time.Now(),
		Data: map[string]any{
			"from": from.String(),
			"to":   to.String(),
		},
	})
}

func (o *Orchestrator) tierCost(tier oracle.Tier) float64 {
	return o.cfg.Oracle.Tiers[string(tier)].CostPer1KTokens
}

// buildPrompt serializes the request and session context into the prompt
// document. Degraded prompts omit nothing here; the fallback chain strips
// the heavy fields itself.
func (o *Orchestrator) buildPrompt(req Request, degraded bool) ([]byte, error) {
	snap := o.state.Snapshot()

	history := make([]string, 0, len(snap.CompletedSteps))
	for _, step := range snap.CompletedSteps {
		history = append(history, step.Name)
	}

	doc := map[string]any{
		"instructions": "Given the page context, answer with the next action as a JSON object {action, target, confidence, reasoning, alternatives, risks}.",
		"context": map[string]any{
			"page":            req.Context,
			"phase":           snap.CurrentPhase,
			"history":         history,
			"completed_steps": len(snap.CompletedSteps),
			"failed_steps":    len(snap.FailedSteps),
		},
	}
	if degraded {
		doc["mode"] = "degraded"
	}
	return json.Marshal(doc)
}

// canonicalContext produces the stable serialization used for cache
// fingerprints. goccy/go-json sorts map keys, so equal contexts always
// serialize identically.
func canonicalContext(contextMap map[string]any) (string, error) {
	if len(contextMap) == 0 {
		return "", fmt.Errorf("context must not be empty")
	}
	b, err := json.Marshal(contextMap)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func signals(req Request) strategy.Signals {
	sig := strategy.Signals{
		Urgency:       strategy.Urgency(req.Urgency),
		CostSensitive: req.CostSensitive,
	}
	if v, ok := req.Context["complexity"].(float64); ok {
		sig.PageComplexity = v
	}
	if v, ok := req.Context["clean_structure"].(bool); ok {
		sig.CleanStructure = v
	}
	if b, err := json.Marshal(req.Context); err == nil {
		sig.ContextText = string(b)
	}
	return sig
}

func validate(req Request) error {
	if len(req.Context) == 0 {
		return &ConfigurationError{Field: "context", Reason: "must not be empty"}
	}
	if req.Urgency != "" && !strategy.Urgency(req.Urgency).Valid() {
		return &ConfigurationError{Field: "urgency", Reason: fmt.Sprintf("unknown level %q", req.Urgency)}
	}
	if req.TimeoutMs < 0 {
		return &ConfigurationError{Field: "timeout_ms", Reason: "must be non-negative"}
	}
	return nil
}

// classifyFailure maps a primary-path error to the fallback rule
// vocabulary.
func classifyFailure(err error) string {
	switch {
	case errors.Is(err, circuit.ErrOpen):
		return "circuit_open"
	case oracle.IsMalformed(err):
		return "malformed_response"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "service_error"
	}
}

func tag(result Result, source, cycleID string) *Result {
	result.Source = source
	result.Metadata = Metadata{Timestamp: time.Now(), CycleID: cycleID}
	return &result
}
