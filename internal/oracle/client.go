// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package oracle implements the client for the external decision service.
// The service is treated as a black box exposing a single completion
// operation; it may be slow, unavailable, or answer with text that fails
// schema validation. Failures are reported as typed errors so that callers
// can account them against the circuit breaker and route to fallbacks.
package oracle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/pollpilot/pollpilot/internal/config"
)

// Completer is the narrow interface the orchestration layer depends on.
type Completer interface {
	// Complete sends payload to the decision service on the given tier and
	// returns the raw response text.
	Complete(ctx context.Context, payload []byte, tier Tier, opts CallOptions) (string, error)
}

// CallOptions tunes a single completion call.
type CallOptions struct {
	// Timeout overrides the client default when positive.
	Timeout time.Duration

	// MaxTokens overrides the tier default when positive.
	MaxTokens int
}

// Client talks to an OpenAI-compatible chat completion endpoint.
type Client struct {
	baseURL string
	apiKey  string
	tiers   map[Tier]config.TierConfig
	retries int
	timeout time.Duration
	http    *http.Client
}

// NewClient builds a client from the oracle section of the configuration.
func NewClient(cfg config.OracleConfig) *Client {
	tiers := make(map[Tier]config.TierConfig, len(cfg.Tiers))
	for name, tc := range cfg.Tiers {
		tiers[Tier(name)] = tc
	}

	// At least one attempt, even when the config bypassed defaulting.
	retries := cfg.RetryAttempts
	if retries < 1 {
		retries = 1
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		tiers:   tiers,
		retries: retries,
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		http:    &http.Client{},
	}
}

// TierModel returns the model identifier configured for tier.
func (c *Client) TierModel(tier Tier) (string, bool) {
	tc, ok := c.tiers[tier]
	return tc.Model, ok
}

// TierCost returns the per-1K-token cost estimate configured for tier.
func (c *Client) TierCost(tier Tier) float64 {
	return c.tiers[tier].CostPer1KTokens
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete implements Completer. Transient transport failures are retried
// with capped exponential backoff; the whole call still counts as a single
// attempt for circuit accounting.
func (c *Client) Complete(ctx context.Context, payload []byte, tier Tier, opts CallOptions) (string, error) {
	tc, ok := c.tiers[tier]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoTier, tier)
	}

	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	maxTokens := tc.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	body, err := json.Marshal(chatRequest{
		Model: tc.Model,
		Messages: []chatMessage{
			{Role: "user", Content: string(payload)},
		},
		Temperature: 0.7,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("oracle: failed to encode request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			log.WithField("attempt", attempt+1).Debugf("Retrying oracle call on tier %s", tier)
			select {
			case <-callCtx.Done():
				return "", &TransientServiceError{Tier: tier, Err: callCtx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
		}

		text, err := c.doOnce(callCtx, body)
		if err == nil {
			return text, nil
		}
		lastErr = err
		var te *TransientServiceError
		if !errors.As(err, &te) || !te.Retryable() {
			return "", err
		}
	}

	return "", lastErr
}

func (c *Client) doOnce(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("oracle: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, br")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &TransientServiceError{Err: err}
	}
	defer resp.Body.Close()

	reader, err := decodeBody(resp)
	if err != nil {
		return "", &TransientServiceError{Err: err}
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", &TransientServiceError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &TransientServiceError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), maxRawInError)),
		}
	}

	content := gjson.GetBytes(data, "choices.0.message.content")
	if !content.Exists() || content.String() == "" {
		return "", &MalformedResponseError{
			Raw: truncate(string(data), maxRawInError),
			Err: fmt.Errorf("response carries no message content"),
		}
	}

	return content.String(), nil
}

// decodeBody unwraps Content-Encoding. The service may answer gzip or
// brotli compressed since the request advertises both.
func decodeBody(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("bad gzip body: %w", err)
		}
		return zr, nil
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}
