package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/pollpilot/pollpilot/internal/config"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(config.OracleConfig{
		BaseURL:        srv.URL + "/v1",
		APIKey:         "sk-test",
		TimeoutSeconds: 5,
		RetryAttempts:  3,
		Tiers: map[string]config.TierConfig{
			"fast":     {Model: "tiny", CostPer1KTokens: 0.0001, MaxTokens: 128},
			"standard": {Model: "medium", CostPer1KTokens: 0.001, MaxTokens: 256},
		},
	})
	return client, srv
}

func chatResponse(content string) string {
	return `{"choices":[{"message":{"role":"assistant","content":` + jsonString(content) + `}}]}`
}

func jsonString(s string) string {
	out := `"`
	for _, r := range s {
		switch r {
		case '"':
			out += `\"`
		case '\n':
			out += `\n`
		case '\\':
			out += `\\`
		default:
			out += string(r)
		}
	}
	return out + `"`
}

func TestClient_Complete(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chatResponse(`{"action":"click","confidence":0.8}`)))
	}))

	text, err := client.Complete(context.Background(), []byte("context"), TierFast, CallOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != `{"action":"click","confidence":0.8}` {
		t.Errorf("unexpected text %q", text)
	}
}

func TestClient_CompleteGzipResponse(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		zw.Write([]byte(chatResponse("compressed answer")))
		zw.Close()
	}))

	text, err := client.Complete(context.Background(), []byte("context"), TierFast, CallOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "compressed answer" {
		t.Errorf("unexpected text %q", text)
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(chatResponse("recovered")))
	}))

	text, err := client.Complete(context.Background(), []byte("context"), TierFast, CallOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "recovered" {
		t.Errorf("unexpected text %q", text)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestClient_ZeroRetryAttemptsStillCalls(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(chatResponse("answered")))
	}))
	t.Cleanup(srv.Close)

	// Built directly, bypassing config defaulting.
	client := NewClient(config.OracleConfig{
		BaseURL:        srv.URL + "/v1",
		TimeoutSeconds: 5,
		RetryAttempts:  0,
		Tiers: map[string]config.TierConfig{
			"fast": {Model: "tiny"},
		},
	})

	text, err := client.Complete(context.Background(), []byte("context"), TierFast, CallOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "answered" {
		t.Errorf("unexpected text %q", text)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected a single call, got %d", got)
	}
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.Complete(context.Background(), []byte("context"), TierFast, CallOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	var te *TransientServiceError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientServiceError, got %T", err)
	}
	if te.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", te.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected a single call, got %d", got)
	}
}

func TestClient_EmptyContentIsMalformed(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))

	_, err := client.Complete(context.Background(), []byte("context"), TierFast, CallOptions{})
	if !IsMalformed(err) {
		t.Fatalf("expected malformed response error, got %v", err)
	}
}

func TestClient_UnknownTier(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	_, err := client.Complete(context.Background(), []byte("context"), Tier("ludicrous"), CallOptions{})
	if !errors.Is(err, ErrNoTier) {
		t.Fatalf("expected ErrNoTier, got %v", err)
	}
}

func TestClient_TimeoutIsTransient(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.Write([]byte(chatResponse("too late")))
	}))

	_, err := client.Complete(context.Background(), []byte("context"), TierFast, CallOptions{Timeout: 50 * time.Millisecond})
	if !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
