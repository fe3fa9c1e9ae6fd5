package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{APIURL: ts.URL, APIKey: "sk_test_key"})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "sk_secret123"})
	_, err := client.ListRelays(context.Background(), 0, "")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret123", gotAuth)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":   "forbidden",
			"message": "Invalid API key",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "bad"})
	_, err := client.ListRelays(context.Background(), 0, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error (403): Invalid API key")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "forbidden", apiErr.Code)
}

func TestClient_HTTPError_RawBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).ListRelays(context.Background(), 0, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API error (502): upstream down")
}

func TestClient_RelaySendsIdempotencyKey(t *testing.T) {
	var gotKey, gotPath string
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotPath = r.URL.Path
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		_, _ = w.Write([]byte(`{"allowed":true}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).Relay(context.Background(), "polygon", "0xabc", "k-1")
	require.NoError(t, err)
	assert.Equal(t, "/v1/relay", gotPath)
	assert.Equal(t, "k-1", gotKey)
	assert.Equal(t, "polygon", gotBody["chain"])
	assert.Equal(t, "0xabc", gotBody["rawTx"])
}

func TestClient_ListRelaysQuery(t *testing.T) {
	var gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"relays":[]}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).ListRelays(context.Background(), 5, "abc")
	require.NoError(t, err)
	assert.Equal(t, "cursor=abc&limit=5", gotQuery)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleCheckAddress_Allowed(t *testing.T) {
	var gotBody map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/check", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		writeJSON(w, http.StatusOK, map[string]any{
			"allowed":    true,
			"risk_band":  "LOW",
			"risk_score": 18,
			"reasons":    []string{"+18 value_outlier"},
		})
	}))
	defer cleanup()

	result, err := h.HandleCheckAddress(context.Background(), makeRequest(map[string]any{
		"to":       "0xAA",
		"features": []any{map[string]any{"key": "value_outlier", "base": 20.0}},
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Screening result for 0xAA")
	assert.Contains(t, text, "ALLOWED")
	assert.Contains(t, text, "Risk Score: 18")
	assert.Contains(t, text, "+18 value_outlier")

	assert.Equal(t, "ethereum", gotBody["chain"])
	require.Len(t, gotBody["features"], 1)
}

func TestHandleCheckAddress_Blocked(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"allowed":    false,
			"risk_band":  "CRITICAL",
			"risk_score": 100,
			"reasons":    []string{"sanctioned address"},
		})
	}))
	defer cleanup()

	result, err := h.HandleCheckAddress(context.Background(), makeRequest(map[string]any{"to": "0xBB"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "BLOCKED")
	assert.Contains(t, text, "CRITICAL")
}

func TestHandleCheckAddress_MissingTo(t *testing.T) {
	h := NewHandlers(NewClient(Config{}))
	result, err := h.HandleCheckAddress(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "to is required")
}

func TestHandleRelayTransaction_Success(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"allowed":    true,
			"risk_band":  "LOW",
			"risk_score": 0,
			"txHash":     "0xhash",
			"reasons":    []string{},
		})
	}))
	defer cleanup()

	result, err := h.HandleRelayTransaction(context.Background(), makeRequest(map[string]any{"raw_tx": "0x02f8"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Transaction broadcast.")
	assert.Contains(t, text, "0xhash")
}

func TestHandleRelayTransaction_BlockedIsNotBroadcast(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"allowed":    false,
			"risk_band":  "HIGH",
			"risk_score": 72,
			"reasons":    []string{"+72 mixer_interaction"},
		})
	}))
	defer cleanup()

	result, err := h.HandleRelayTransaction(context.Background(), makeRequest(map[string]any{"raw_tx": "0x02f8"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "NOT broadcast")
	assert.Contains(t, text, "mixer_interaction")
}

func TestHandleRelayTransaction_AuthErrorIsNotADecision(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden", "message": "Invalid API key"})
	}))
	defer cleanup()

	result, err := h.HandleRelayTransaction(context.Background(), makeRequest(map[string]any{"raw_tx": "0x02f8"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Relay failed: API error (403): Invalid API key")
}

func TestHandleRelayTransaction_RetriesReuseKey(t *testing.T) {
	var calls atomic.Int32
	keys := make(chan string, 2)
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		keys <- r.Header.Get("Idempotency-Key")
		writeJSON(w, http.StatusOK, map[string]any{"allowed": true, "txHash": "0xhash"})
	}))
	defer cleanup()

	args := map[string]any{"raw_tx": "0x02f8", "idempotency_key": "order-42"}
	for i := 0; i < 2; i++ {
		_, err := h.HandleRelayTransaction(context.Background(), makeRequest(args))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "order-42", <-keys)
	assert.Equal(t, "order-42", <-keys)
}

func TestHandleListRelays(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"relays": []map[string]any{
				{"decision": "allowed", "toAddr": "0xaa", "chain": "ethereum", "riskBand": "LOW", "txHash": "0x1"},
				{"decision": "blocked", "toAddr": "0xbb", "chain": "polygon", "riskBand": "CRITICAL"},
			},
			"count":      2,
			"nextCursor": "next123",
			"hasMore":    true,
		})
	}))
	defer cleanup()

	result, err := h.HandleListRelays(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 relay(s)")
	assert.Contains(t, text, "[blocked] 0xbb on polygon (CRITICAL)")
	assert.Contains(t, text, "tx: 0x1")
	assert.Contains(t, text, "cursor=next123")
}

func TestHandleListRelays_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"relays": []any{}, "count": 0})
	}))
	defer cleanup()

	result, err := h.HandleListRelays(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No relays found.", resultText(t, result))
}

func TestHandleAddressHistory(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/0xunknown") {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "No risk data"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"address":  "0xaa",
			"snapshot": map[string]any{"score": 18, "band": "LOW"},
		})
	}))
	defer cleanup()

	result, err := h.HandleAddressHistory(context.Background(), makeRequest(map[string]any{"address": "0xaa"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), `"band": "LOW"`)

	result, err = h.HandleAddressHistory(context.Background(), makeRequest(map[string]any{"address": "0xunknown"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "No risk data recorded for 0xunknown")
}

func TestFormatDecision_RejectsNonDecision(t *testing.T) {
	_, err := formatDecision("", json.RawMessage(`{"foo":1}`))
	assert.Error(t, err)
}

func TestClient_ReadsRetryServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"relays":[]}`))
	}))
	defer ts.Close()

	c := NewClient(Config{APIURL: ts.URL, Retries: 2})
	c.backoff.Base = time.Millisecond
	_, err := c.ListRelays(context.Background(), 0, "")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_ClientErrorsAndWritesAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
	}))
	defer ts.Close()

	c := NewClient(Config{APIURL: ts.URL, Retries: 3})
	c.backoff.Base = time.Millisecond

	_, err := c.AddressHistory(context.Background(), "0xaa")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())

	_, err = c.Relay(context.Background(), "ethereum", "0x01", "")
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("RELAYGATE_API_URL", "https://gate.example/")
	t.Setenv("RELAYGATE_API_KEY", "sk_1")
	t.Setenv("RELAYGATE_TIMEOUT", "5s")
	t.Setenv("RELAYGATE_RETRIES", "0")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "https://gate.example", cfg.APIURL)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 0, cfg.Retries)

	t.Setenv("RELAYGATE_API_KEY", "")
	_, err = ConfigFromEnv()
	assert.ErrorContains(t, err, "RELAYGATE_API_KEY")

	t.Setenv("RELAYGATE_API_KEY", "sk_1")
	t.Setenv("RELAYGATE_TIMEOUT", "soon")
	_, err = ConfigFromEnv()
	assert.ErrorContains(t, err, "RELAYGATE_TIMEOUT")
}

func TestHandleScreeningOverview(t *testing.T) {
	var gotPath string
	var gotFrom string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotFrom = r.URL.Query().Get("from")
		writeJSON(w, http.StatusOK, map[string]any{
			"summary": map[string]any{
				"total": 20, "allowed": 15, "blocked": 5, "broadcast": 12,
				"byBand": map[string]any{"LOW": 14, "CRITICAL": 5, "MEDIUM": 1},
			},
			"blockRate": 0.25,
		})
	}))
	defer cleanup()

	result, err := h.HandleScreeningOverview(context.Background(), makeRequest(map[string]any{"days": float64(7)}))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Equal(t, "/v1/dashboard/overview", gotPath)
	assert.NotEmpty(t, gotFrom)
	assert.Contains(t, text, "last 7 day(s)")
	assert.Contains(t, text, "Blocked:    5 (25.0%)")
	assert.Contains(t, text, "CRITICAL  5")
	assert.Less(t, strings.Index(text, "LOW"), strings.Index(text, "MEDIUM"))

	result, err = h.HandleScreeningOverview(context.Background(), makeRequest(map[string]any{"days": float64(0)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListBlocked(t *testing.T) {
	var gotLimit string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		writeJSON(w, http.StatusOK, map[string]any{
			"blocked": []map[string]any{{
				"toAddr": "0xbb", "chain": "polygon", "riskBand": "CRITICAL",
				"createdAt": "2026-03-01T00:00:00Z", "reasons": []string{"sanctioned address"},
			}},
			"count": 1,
		})
	}))
	defer cleanup()

	result, err := h.HandleListBlocked(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Equal(t, "20", gotLimit)
	assert.Contains(t, text, "1 blocked transfer(s)")
	assert.Contains(t, text, "0xbb on polygon, CRITICAL")
	assert.Contains(t, text, "- sanctioned address")
}
