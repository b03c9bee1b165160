// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config provides configuration management for the pollpilot service.
// It handles loading and parsing YAML configuration files, applies defaults,
// and validates the settings consumed by the decision orchestration layer.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network host/interface on which the API server will bind.
	// Default is empty ("") to bind all interfaces. Use "127.0.0.1" for local-only access.
	Host string `yaml:"host"`

	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`

	// LoggingToFile controls whether logs are written to rotating files or stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// LogsDir is the directory for rotating log files when LoggingToFile is set.
	LogsDir string `yaml:"logs-dir"`

	// Oracle configures the decision service client.
	Oracle OracleConfig `yaml:"oracle"`

	// Cache configures the semantic decision cache.
	Cache CacheConfig `yaml:"cache"`

	// Circuit configures the circuit breaker guarding the decision service.
	Circuit CircuitConfig `yaml:"circuit"`

	// Selector configures the self-healing selector resolver.
	Selector SelectorConfig `yaml:"selector"`

	// Fallback configures the progressive fallback chain.
	Fallback FallbackConfig `yaml:"fallback"`

	// Monitor configures the performance monitor.
	Monitor MonitorConfig `yaml:"monitor"`
}

// OracleConfig holds decision-service client settings.
type OracleConfig struct {
	// BaseURL is the OpenAI-compatible endpoint of the decision service.
	BaseURL string `yaml:"base-url"`

	// APIKey authenticates requests to the decision service. Usually supplied
	// via the POLLPILOT_ORACLE_API_KEY environment variable instead.
	APIKey string `yaml:"api-key"`

	// Tiers maps tier names (fast, standard, reasoning) to model identifiers.
	Tiers map[string]TierConfig `yaml:"tiers"`

	// TimeoutSeconds bounds a single service invocation.
	TimeoutSeconds int `yaml:"timeout-seconds"`

	// RetryAttempts is the number of attempts for transient failures within
	// one circuit-accounted invocation.
	RetryAttempts int `yaml:"retry-attempts"`
}

// TierConfig describes one capability tier of the decision service.
type TierConfig struct {
	// Model is the model identifier sent to the service.
	Model string `yaml:"model"`

	// CostPer1KTokens is the estimated cost per thousand tokens, used for
	// cost accounting only.
	CostPer1KTokens float64 `yaml:"cost-per-1k-tokens"`

	// MaxTokens bounds the response length.
	MaxTokens int `yaml:"max-tokens"`
}

// CacheConfig holds semantic cache settings.
type CacheConfig struct {
	// MaxEntries is the entry count that triggers eviction.
	MaxEntries int `yaml:"max-entries"`

	// TTLSeconds is the maximum age of an entry before it is considered expired.
	TTLSeconds int `yaml:"ttl-seconds"`

	// SimilarityThreshold is the minimum lexical similarity for a fuzzy hit (0.0-1.0).
	SimilarityThreshold float64 `yaml:"similarity-threshold"`
}

// CircuitConfig holds circuit breaker settings.
type CircuitConfig struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int `yaml:"failure-threshold"`

	// CooldownSeconds is the wait before an open circuit allows a probe.
	CooldownSeconds int `yaml:"cooldown-seconds"`

	// RecoveryQuota is the consecutive successes required to close from half-open.
	RecoveryQuota int `yaml:"recovery-quota"`

	// HalfOpenMaxProbes bounds concurrent probes in half-open state.
	HalfOpenMaxProbes int `yaml:"half-open-max-probes"`
}

// SelectorConfig holds selector resolver settings.
type SelectorConfig struct {
	// HistoryThreshold is the minimum recorded success rate before the best
	// known locator is tried ahead of fresh candidates.
	HistoryThreshold float64 `yaml:"history-threshold"`

	// MaxRetries bounds recovery-interleaved retry rounds per resolution.
	MaxRetries int `yaml:"max-retries"`
}

// FallbackConfig holds fallback chain settings.
type FallbackConfig struct {
	// RulesFile is the YAML file holding the heuristic rule table.
	// Empty means the built-in rules are used.
	RulesFile string `yaml:"rules-file"`

	// WatchRules enables hot reload of the rules file.
	WatchRules bool `yaml:"watch-rules"`

	// PluginDir is the directory containing Lua rule scripts.
	PluginDir string `yaml:"plugin-dir"`

	// PluginsEnabled toggles the Lua rule engine.
	PluginsEnabled bool `yaml:"plugins-enabled"`
}

// MonitorConfig holds performance monitor settings.
type MonitorConfig struct {
	// SlowDecisionThresholdSeconds is the cycle latency that raises the
	// slow-decision signal.
	SlowDecisionThresholdSeconds int `yaml:"slow-decision-threshold-seconds"`
}

// LoadConfig reads the YAML file at path and returns the parsed configuration
// with defaults applied. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				cfg.applyDefaults()
				return cfg, nil
			}
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	if key := os.Getenv("POLLPILOT_ORACLE_API_KEY"); key != "" {
		cfg.Oracle.APIKey = key
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8317
	}
	if c.Oracle.BaseURL == "" {
		c.Oracle.BaseURL = "http://127.0.0.1:11434/v1"
	}
	if c.Oracle.TimeoutSeconds == 0 {
		c.Oracle.TimeoutSeconds = 30
	}
	if c.Oracle.RetryAttempts == 0 {
		c.Oracle.RetryAttempts = 3
	}
	if len(c.Oracle.Tiers) == 0 {
		c.Oracle.Tiers = map[string]TierConfig{
			"fast":      {Model: "gpt-4o-mini", CostPer1KTokens: 0.00015, MaxTokens: 256},
			"standard":  {Model: "gpt-4o", CostPer1KTokens: 0.0025, MaxTokens: 512},
			"reasoning": {Model: "o3-mini", CostPer1KTokens: 0.0011, MaxTokens: 1024},
		}
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 500
	}
	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = 300
	}
	if c.Cache.SimilarityThreshold == 0 {
		c.Cache.SimilarityThreshold = 0.85
	}
	if c.Circuit.FailureThreshold == 0 {
		c.Circuit.FailureThreshold = 5
	}
	if c.Circuit.CooldownSeconds == 0 {
		c.Circuit.CooldownSeconds = 60
	}
	if c.Circuit.RecoveryQuota == 0 {
		c.Circuit.RecoveryQuota = 2
	}
	if c.Circuit.HalfOpenMaxProbes == 0 {
		c.Circuit.HalfOpenMaxProbes = 1
	}
	if c.Selector.HistoryThreshold == 0 {
		c.Selector.HistoryThreshold = 0.7
	}
	if c.Selector.MaxRetries == 0 {
		c.Selector.MaxRetries = 3
	}
	if c.Monitor.SlowDecisionThresholdSeconds == 0 {
		c.Monitor.SlowDecisionThresholdSeconds = 10
	}
}

// Validate checks value ranges that cannot be repaired by defaulting.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("config: cache.similarity-threshold must be within [0,1], got %v", c.Cache.SimilarityThreshold)
	}
	if c.Circuit.FailureThreshold < 1 {
		return fmt.Errorf("config: circuit.failure-threshold must be positive, got %d", c.Circuit.FailureThreshold)
	}
	if c.Circuit.RecoveryQuota < 1 {
		return fmt.Errorf("config: circuit.recovery-quota must be positive, got %d", c.Circuit.RecoveryQuota)
	}
	if c.Selector.HistoryThreshold < 0 || c.Selector.HistoryThreshold > 1 {
		return fmt.Errorf("config: selector.history-threshold must be within [0,1], got %v", c.Selector.HistoryThreshold)
	}
	if c.Selector.MaxRetries < 1 {
		return fmt.Errorf("config: selector.max-retries must be positive, got %d", c.Selector.MaxRetries)
	}
	for name, tier := range c.Oracle.Tiers {
		if tier.Model == "" {
			return fmt.Errorf("config: oracle.tiers.%s.model must not be empty", name)
		}
	}
	return nil
}

// OracleTimeout returns the oracle invocation timeout as a duration.
func (c *Config) OracleTimeout() time.Duration {
	return time.Duration(c.Oracle.TimeoutSeconds) * time.Second
}

// CacheTTL returns the cache entry lifetime as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// CircuitCooldown returns the open-state cooldown as a duration.
func (c *Config) CircuitCooldown() time.Duration {
	return time.Duration(c.Circuit.CooldownSeconds) * time.Second
}

// SlowDecisionThreshold returns the slow-cycle latency bound as a duration.
func (c *Config) SlowDecisionThreshold() time.Duration {
	return time.Duration(c.Monitor.SlowDecisionThresholdSeconds) * time.Second
}
