package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckAddress screens a recipient.
func (h *Handlers) HandleCheckAddress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	to := req.GetString("to", "")
	if to == "" {
		return mcp.NewToolResultError("to is required"), nil
	}
	chain := req.GetString("chain", "ethereum")

	var features []map[string]any
	if raw, ok := req.GetArguments()["features"].([]any); ok {
		for _, f := range raw {
			if m, ok := f.(map[string]any); ok {
				features = append(features, m)
			}
		}
	}

	raw, err := h.client.CheckAddress(ctx, chain, to, features)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Check failed: %v", err)), nil
	}

	text, err := formatDecision(to, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decision: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRelayTransaction screens and broadcasts a signed transaction.
func (h *Handlers) HandleRelayTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawTx := req.GetString("raw_tx", "")
	if rawTx == "" {
		return mcp.NewToolResultError("raw_tx is required"), nil
	}
	chain := req.GetString("chain", "ethereum")
	key := req.GetString("idempotency_key", "")

	raw, err := h.client.Relay(ctx, chain, rawTx, key)
	if err != nil {
		// A 403 is a screening verdict, not a transport failure.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden && apiErr.Code == "" {
			text, ferr := formatDecision("", apiErr.Body)
			if ferr == nil {
				return mcp.NewToolResultError("Transaction NOT broadcast.\n\n" + text), nil
			}
		}
		return mcp.NewToolResultError(fmt.Sprintf("Relay failed: %v", err)), nil
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse relay response: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Transaction broadcast.\n")
	sb.WriteString(fmt.Sprintf("  Tx Hash:    %s\n", getString(resp, "txHash")))
	sb.WriteString(fmt.Sprintf("  Risk Band:  %s\n", getString(resp, "risk_band")))
	if v, ok := getFloat(resp, "risk_score"); ok {
		sb.WriteString(fmt.Sprintf("  Risk Score: %.0f\n", v))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListRelays lists the partner's decision log.
func (h *Handlers) HandleListRelays(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)
	cursor := req.GetString("cursor", "")

	raw, err := h.client.ListRelays(ctx, limit, cursor)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list relays: %v", err)), nil
	}

	text, err := formatRelayList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse relays: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAddressHistory shows stored risk data for an address.
func (h *Handlers) HandleAddressHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	raw, err := h.client.AddressHistory(ctx, address)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return mcp.NewToolResultText(fmt.Sprintf("No risk data recorded for %s.", address)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get address history: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleScreeningOverview summarizes recent decisions.
func (h *Handlers) HandleScreeningOverview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	days := req.GetInt("days", 30)
	if days < 1 || days > 365 {
		return mcp.NewToolResultError("days must be between 1 and 365"), nil
	}

	raw, err := h.client.Overview(ctx, days)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to load overview: %v", err)), nil
	}
	text, err := formatOverview(days, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse overview: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListBlocked lists recent blocked transfers.
func (h *Handlers) HandleListBlocked(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Blocked(ctx, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list blocked transfers: %v", err)), nil
	}

	var resp struct {
		Blocked []map[string]any `json:"blocked"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError("unexpected blocked response format"), nil
	}
	if len(resp.Blocked) == 0 {
		return mcp.NewToolResultText("No blocked transfers."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d blocked transfer(s):\n\n", len(resp.Blocked))
	for i, e := range resp.Blocked {
		fmt.Fprintf(&sb, "%d. %s on %s, %s at %s\n", i+1,
			getString(e, "toAddr"), getString(e, "chain"), getString(e, "riskBand"), getString(e, "createdAt"))
		if reasons, ok := e["reasons"].([]any); ok {
			for _, r := range reasons {
				if s, ok := r.(string); ok {
					fmt.Fprintf(&sb, "   - %s\n", s)
				}
			}
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting ---

func formatOverview(days int, raw json.RawMessage) (string, error) {
	var resp struct {
		Summary struct {
			Total     int64            `json:"total"`
			Allowed   int64            `json:"allowed"`
			Blocked   int64            `json:"blocked"`
			Broadcast int64            `json:"broadcast"`
			ByBand    map[string]int64 `json:"byBand"`
		} `json:"summary"`
		BlockRate float64 `json:"blockRate"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	s := resp.Summary

	var sb strings.Builder
	fmt.Fprintf(&sb, "Screening over the last %d day(s):\n", days)
	fmt.Fprintf(&sb, "  Checked:    %d\n", s.Total)
	fmt.Fprintf(&sb, "  Allowed:    %d\n", s.Allowed)
	fmt.Fprintf(&sb, "  Blocked:    %d (%.1f%%)\n", s.Blocked, resp.BlockRate*100)
	fmt.Fprintf(&sb, "  Broadcast:  %d\n", s.Broadcast)
	if len(s.ByBand) > 0 {
		sb.WriteString("  By band:\n")
		for _, band := range []string{"LOW", "MEDIUM", "HIGH", "CRITICAL"} {
			if n, ok := s.ByBand[band]; ok {
				fmt.Fprintf(&sb, "    %-9s %d\n", band, n)
			}
		}
	}
	return sb.String(), nil
}

func formatDecision(address string, raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	allowed, ok := m["allowed"].(bool)
	if !ok {
		return "", fmt.Errorf("no decision in response: %s", string(raw))
	}

	var sb strings.Builder
	if address != "" {
		sb.WriteString(fmt.Sprintf("Screening result for %s:\n", address))
	} else {
		sb.WriteString("Screening result:\n")
	}
	verdict := "ALLOWED"
	if !allowed {
		verdict = "BLOCKED"
	}
	sb.WriteString(fmt.Sprintf("  Verdict:    %s\n", verdict))
	sb.WriteString(fmt.Sprintf("  Risk Band:  %s\n", getString(m, "risk_band")))
	if v, ok := getFloat(m, "risk_score"); ok {
		sb.WriteString(fmt.Sprintf("  Risk Score: %.0f\n", v))
	}
	if v := getString(m, "status"); v != "" {
		sb.WriteString(fmt.Sprintf("  Status:     %s\n", v))
	}
	if reasons, ok := m["reasons"].([]any); ok && len(reasons) > 0 {
		sb.WriteString("  Reasons:\n")
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				sb.WriteString(fmt.Sprintf("    - %s\n", s))
			}
		}
	}
	return sb.String(), nil
}

func formatRelayList(raw json.RawMessage) (string, error) {
	var resp struct {
		Relays     []map[string]any `json:"relays"`
		NextCursor string           `json:"nextCursor"`
		HasMore    bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected relays response format")
	}

	if len(resp.Relays) == 0 {
		return "No relays found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d relay(s):\n\n", len(resp.Relays)))
	for i, r := range resp.Relays {
		sb.WriteString(fmt.Sprintf("%d. [%s] %s on %s (%s)\n", i+1,
			getString(r, "decision"), getString(r, "toAddr"), getString(r, "chain"), getString(r, "riskBand")))
		if tx := getString(r, "txHash"); tx != "" {
			sb.WriteString(fmt.Sprintf("   tx: %s\n", tx))
		}
	}
	if resp.HasMore {
		sb.WriteString(fmt.Sprintf("\nMore results: cursor=%s\n", resp.NextCursor))
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
