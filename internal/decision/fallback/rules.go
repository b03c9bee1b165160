// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package fallback

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-yaml"
	log "github.com/sirupsen/logrus"
)

// Rule is one entry in the degraded-mode rule table. Condition is an
// expression over Env; when it evaluates true the rule's action is the
// fallback decision.
type Rule struct {
	Name       string  `yaml:"name"`
	Condition  string  `yaml:"condition"`
	Action     string  `yaml:"action"`
	Target     string  `yaml:"target"`
	Confidence float64 `yaml:"confidence"`
	Reason     string  `yaml:"reason"`
	Priority   int     `yaml:"priority"`
}

// Env is the expression environment a rule condition sees.
type Env struct {
	// FailureKind classifies why the primary path was unavailable:
	// "circuit_open", "service_error", "malformed_response", "timeout".
	FailureKind string `expr:"failure_kind"`

	// Phase is the current automation phase.
	Phase string `expr:"phase"`

	// Urgency is the caller's time pressure hint.
	Urgency string `expr:"urgency"`

	// Attempts is how many times this cycle has already been retried.
	Attempts int `expr:"attempts"`

	// HasCachedSimilar indicates a near-miss cache entry existed.
	HasCachedSimilar bool `expr:"has_cached_similar"`
}

// ruleFile is the on-disk layout of the rules document.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Table holds the loaded rule set with precompiled conditions and
// supports hot reload when the backing file changes.
type Table struct {
	path  string
	mu    sync.RWMutex
	rules []Rule

	programMu sync.Mutex
	programs  map[string]*vm.Program

	watcher     *fsnotify.Watcher
	stopWatcher chan struct{}
	stopOnce    sync.Once
}

// NewTable creates a rule table backed by path. The file is not read
// until Load is called; a missing path yields an empty table.
func NewTable(path string) *Table {
	return &Table{
		path:        path,
		programs:    make(map[string]*vm.Program),
		stopWatcher: make(chan struct{}),
	}
}

// Load reads and validates the rules file. Rules with conditions that do
// not compile are dropped with a warning rather than failing the load.
func (t *Table) Load() error {
	if t.path == "" {
		return nil
	}

	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debugf("Fallback rules file %s not found, using empty table", t.path)
			return nil
		}
		return fmt.Errorf("failed to read fallback rules %s: %w", t.path, err)
	}

	var doc ruleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse fallback rules %s: %w", t.path, err)
	}

	valid := make([]Rule, 0, len(doc.Rules))
	for _, rule := range doc.Rules {
		if rule.Action == "" {
			log.Warnf("Dropping fallback rule %q: no action", rule.Name)
			continue
		}
		if _, err := t.program(rule.Condition); err != nil {
			log.Warnf("Dropping fallback rule %q: %v", rule.Name, err)
			continue
		}
		valid = append(valid, rule)
	}

	// Highest priority wins; stable so file order breaks ties.
	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Priority > valid[j].Priority
	})

	t.mu.Lock()
	t.rules = valid
	t.mu.Unlock()

	log.Infof("Loaded %d fallback rules from %s", len(valid), t.path)
	return nil
}

// Match returns the highest-priority rule whose condition holds for env,
// or nil when none match. Evaluation errors skip the rule.
func (t *Table) Match(env Env) *Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := range t.rules {
		rule := &t.rules[i]
		ok, err := t.evaluate(rule.Condition, env)
		if err != nil {
			log.Warnf("Failed to evaluate fallback rule %q: %v", rule.Name, err)
			continue
		}
		if ok {
			ruleCopy := *rule
			return &ruleCopy
		}
	}
	return nil
}

// Rules returns a copy of the current rule set.
func (t *Table) Rules() []Rule {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

func (t *Table) evaluate(condition string, env Env) (bool, error) {
	if condition == "" || condition == "true" {
		return true, nil
	}

	program, err := t.program(condition)
	if err != nil {
		return false, err
	}

	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("failed to run condition %q: %w", condition, err)
	}

	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not return a boolean", condition)
	}
	return result, nil
}

// program compiles and caches the condition expression.
func (t *Table) program(condition string) (*vm.Program, error) {
	if condition == "" || condition == "true" {
		return nil, nil
	}

	t.programMu.Lock()
	defer t.programMu.Unlock()

	if program, ok := t.programs[condition]; ok {
		return program, nil
	}
	program, err := expr.Compile(condition, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile condition %q: %w", condition, err)
	}
	t.programs[condition] = program
	return program, nil
}

// StartWatcher begins watching the rules file for changes and reloads
// the table when it is rewritten.
func (t *Table) StartWatcher() error {
	if t.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(t.path); err != nil {
		watcher.Close()
		return err
	}
	t.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					log.Infof("Fallback rules changed (%s), reloading...", event.Name)
					// Debounce editors that write in multiple steps.
					time.Sleep(100 * time.Millisecond)
					if err := t.Load(); err != nil {
						log.Errorf("Failed to reload fallback rules: %v", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("Fallback rules watcher error: %v", err)
			case <-t.stopWatcher:
				return
			}
		}
	}()

	return nil
}

// StopWatcher stops the file watcher.
func (t *Table) StopWatcher() {
	t.stopOnce.Do(func() {
		close(t.stopWatcher)
	})
	if t.watcher != nil {
		t.watcher.Close()
		t.watcher = nil
	}
}
