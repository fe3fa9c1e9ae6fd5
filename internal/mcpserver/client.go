package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/relaygate/internal/retry"
)

const (
	defaultAPIURL  = "http://localhost:8080"
	defaultTimeout = 30 * time.Second
	defaultRetries = 2
)

// Config points the MCP tools at a running gate.
type Config struct {
	APIURL  string
	APIKey  string        // partner key, "sk_..."
	Timeout time.Duration // per HTTP attempt; 0 means 30s
	// Retries is how many extra attempts read-only calls get after a 5xx
	// or transport error. Writes are never retried by the client.
	Retries int
}

// ConfigFromEnv reads RELAYGATE_API_URL, RELAYGATE_API_KEY,
// RELAYGATE_TIMEOUT and RELAYGATE_RETRIES.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		APIURL:  strings.TrimRight(os.Getenv("RELAYGATE_API_URL"), "/"),
		APIKey:  os.Getenv("RELAYGATE_API_KEY"),
		Timeout: defaultTimeout,
		Retries: defaultRetries,
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	if v := os.Getenv("RELAYGATE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("RELAYGATE_TIMEOUT: invalid duration %q", v)
		}
		cfg.Timeout = d
	}
	if v := os.Getenv("RELAYGATE_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("RELAYGATE_RETRIES: invalid count %q", v)
		}
		cfg.Retries = n
	}
	if cfg.APIKey == "" {
		return cfg, errors.New("RELAYGATE_API_KEY is required")
	}
	if _, err := url.ParseRequestURI(cfg.APIURL); err != nil {
		return cfg, fmt.Errorf("RELAYGATE_API_URL: %w", err)
	}
	return cfg, nil
}

// Client calls the gate's partner API.
type Client struct {
	base    string
	apiKey  string
	http    *http.Client
	backoff retry.Backoff
}

// NewClient creates a client for cfg.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		base:    strings.TrimRight(cfg.APIURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		backoff: retry.Backoff{Attempts: cfg.Retries + 1, Base: 200 * time.Millisecond, Max: 2 * time.Second},
	}
}

// APIError is a non-2xx response. Body is kept because a 403 on the
// screening routes carries the decision.
type APIError struct {
	StatusCode int             `json:"-"`
	Code       string          `json:"error"`
	Message    string          `json:"message"`
	Body       json.RawMessage `json:"-"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, string(e.Body))
}

// call is one request/response cycle.
type call struct {
	method  string
	path    string
	query   url.Values
	body    any
	headers map[string]string
}

func (c *Client) do(ctx context.Context, rc call) (json.RawMessage, error) {
	u := c.base + rc.path
	if len(rc.query) > 0 {
		u += "?" + rc.query.Encode()
	}

	var payload []byte
	if rc.body != nil {
		var err error
		if payload, err = json.Marshal(rc.body); err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, rc.method, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if rc.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range rc.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: data}
		_ = json.Unmarshal(data, apiErr)
		return nil, apiErr
	}
	return data, nil
}

// get retries transport errors and 5xx responses; 4xx are final.
func (c *Client) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.backoff.Run(ctx, func() error {
		raw, err := c.do(ctx, call{method: http.MethodGet, path: path, query: query})
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return retry.Permanent(err)
		}
		out = raw
		return err
	})
	return out, err
}

// CheckAddress screens a recipient without broadcasting anything.
func (c *Client) CheckAddress(ctx context.Context, chain, to string, features []map[string]any) (json.RawMessage, error) {
	body := map[string]any{"chain": chain, "to": to}
	if len(features) > 0 {
		body["features"] = features
	}
	return c.do(ctx, call{method: http.MethodPost, path: "/v1/check", body: body})
}

// Relay screens and broadcasts a signed raw transaction.
func (c *Client) Relay(ctx context.Context, chain, rawTx, idempotencyKey string) (json.RawMessage, error) {
	rc := call{
		method: http.MethodPost,
		path:   "/v1/relay",
		body:   map[string]any{"chain": chain, "rawTx": rawTx},
	}
	if idempotencyKey != "" {
		rc.headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	return c.do(ctx, rc)
}

// ListRelays pages through the partner's decision log.
func (c *Client) ListRelays(ctx context.Context, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.get(ctx, "/v1/relays", q)
}

// AddressHistory returns the stored snapshot and recent events of an address.
func (c *Client) AddressHistory(ctx context.Context, address string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/addresses/"+url.PathEscape(address), nil)
}

// Overview returns decision totals for the trailing window ending now.
func (c *Client) Overview(ctx context.Context, days int) (json.RawMessage, error) {
	q := url.Values{}
	if days > 0 {
		now := time.Now().UTC()
		q.Set("from", now.AddDate(0, 0, -days).Format(time.RFC3339))
		q.Set("to", now.Format(time.RFC3339))
	}
	return c.get(ctx, "/v1/dashboard/overview", q)
}

// Blocked lists the partner's most recent blocked transfers.
func (c *Client) Blocked(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.get(ctx, "/v1/dashboard/blocked", q)
}
