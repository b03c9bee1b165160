// Copyright 2026 The pollpilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/pollpilot/pollpilot/internal/config"
	"github.com/pollpilot/pollpilot/internal/decision"
	"github.com/pollpilot/pollpilot/internal/events"
	"github.com/pollpilot/pollpilot/internal/oracle"
)

// staticCompleter answers every call with the same text.
type staticCompleter struct {
	response string
}

func (s *staticCompleter) Complete(context.Context, []byte, oracle.Tier, oracle.CallOptions) (string, error) {
	return s.response, nil
}

func newTestServer(t *testing.T, bus *events.Bus) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	completer := &staticCompleter{response: `{"action":"click","target":"#next","confidence":0.9}`}
	orch := decision.New(cfg, completer, decision.Options{Bus: bus})
	t.Cleanup(orch.Cleanup)
	return NewServer(cfg, orch, bus)
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	w := doJSON(t, s, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := gjson.Parse(w.Body.String())
	assert.Equal(t, "ok", body.Get("status").String())
	assert.Equal(t, "closed", body.Get("circuit").String())
}

func TestDecide(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodPost, "/v1/decide",
		`{"context":{"question":"pick an option","options":["a","b"]},"urgency":"normal"}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := gjson.Parse(w.Body.String())
	assert.Equal(t, "click", body.Get("action").String())
	assert.Equal(t, "#next", body.Get("target").String())
	assert.Equal(t, "primary", body.Get("source").String())
	assert.NotEmpty(t, body.Get("metadata.cycle_id").String())
}

func TestDecide_Invalid(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"context":`},
		{"empty context", `{"context":{}}`},
		{"bad urgency", `{"context":{"q":"x"},"urgency":"asap"}`},
		{"negative timeout", `{"context":{"q":"x"},"timeout_ms":-5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, s, http.MethodPost, "/v1/decide", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, gjson.Get(w.Body.String(), "error").String())
		})
	}
}

func TestFeedback(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodPost, "/v1/feedback",
		`{"context":{"question":"pick"},"failed_action":"click"}`)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := gjson.Parse(w.Body.String())
	assert.True(t, strings.HasPrefix(body.Get("source").String(), "fallback_"),
		"source = %s", body.Get("source").String())
	assert.NotEmpty(t, body.Get("fallback_reason").String())
}

func TestFeedback_RequiresAction(t *testing.T) {
	s := newTestServer(t, nil)
	w := doJSON(t, s, http.MethodPost, "/v1/feedback", `{"context":{"q":"x"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNavigate(t *testing.T) {
	s := newTestServer(t, nil)

	w := doJSON(t, s, http.MethodPost, "/v1/navigate", `{"url":"https://surveys.example/p2"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://surveys.example/p2",
		gjson.Get(w.Body.String(), "session.current_url").String())

	w = doJSON(t, s, http.MethodPost, "/v1/navigate", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStats(t *testing.T) {
	s := newTestServer(t, nil)

	doJSON(t, s, http.MethodPost, "/v1/decide", `{"context":{"question":"pick"}}`)
	doJSON(t, s, http.MethodPost, "/v1/decide", `{"context":{"question":"pick"}}`)

	w := doJSON(t, s, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := gjson.Parse(w.Body.String())
	assert.Equal(t, int64(2), body.Get("decisions.cycles_completed").Int())
	assert.Equal(t, int64(1), body.Get("decisions.cache_hits").Int())
	assert.Equal(t, "closed", body.Get("circuit").String())
	assert.True(t, body.Get("cache.size").Exists())
}

func TestEventStream(t *testing.T) {
	bus := events.NewBus()
	defer bus.Shutdown()

	s := newTestServer(t, bus)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler a moment to register its subscriptions.
	time.Sleep(100 * time.Millisecond)

	// A navigation publishes a page-state-reset the stream should carry.
	resp, err := http.Post(ts.URL+"/v1/navigate", "application/json",
		bytes.NewReader([]byte(`{"url":"https://surveys.example/p1"}`)))
	require.NoError(t, err)
	resp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, string(events.EventPageStateReset), gjson.GetBytes(msg, "event").String())
}
