package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the relay gate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckAddress = mcp.NewTool("check_address",
	mcp.WithDescription(
		"Screen a recipient address before sending funds. "+
			"Returns whether a transfer would be allowed, the risk band (LOW/MEDIUM/HIGH/CRITICAL), "+
			"the 0-100 risk score, and the reasons behind it. Nothing is broadcast."),
	mcp.WithString("to",
		mcp.Required(),
		mcp.Description("Recipient address (e.g. '0x1234...')")),
	mcp.WithString("chain",
		mcp.Description("Chain name: 'ethereum', 'polygon', 'arbitrum' or 'optimism' (default 'ethereum')"),
		mcp.Enum("ethereum", "polygon", "arbitrum", "optimism")),
	mcp.WithArray("features",
		mcp.Description("Optional risk evidence, e.g. [{\"key\": \"mixer_interaction\", \"base\": 40}]")),
)

var ToolRelayTransaction = mcp.NewTool("relay_transaction",
	mcp.WithDescription(
		"Screen and broadcast a signed raw transaction. "+
			"The recipient is checked first; blocked transfers are never broadcast. "+
			"Pass the same idempotency_key when retrying so the transaction is sent at most once."),
	mcp.WithString("raw_tx",
		mcp.Required(),
		mcp.Description("Signed transaction as a 0x-prefixed hex string")),
	mcp.WithString("chain",
		mcp.Description("Chain name (default 'ethereum')"),
		mcp.Enum("ethereum", "polygon", "arbitrum", "optimism")),
	mcp.WithString("idempotency_key",
		mcp.Description("Optional client key that makes retries safe")),
)

var ToolListRelays = mcp.NewTool("list_relays",
	mcp.WithDescription(
		"List your recent screening decisions and relays, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous page")),
)

var ToolAddressHistory = mcp.NewTool("get_address_history",
	mcp.WithDescription(
		"Get the stored risk snapshot and recent risk events recorded for an address."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The address to look up (e.g. '0x1234...')")),
)

var ToolScreeningOverview = mcp.NewTool("screening_overview",
	mcp.WithDescription(
		"Summarize your screening activity: how many transfers were checked, allowed, blocked "+
			"and broadcast, and how they split across risk bands."),
	mcp.WithNumber("days",
		mcp.Description("Trailing window in days (default 30, max 365)")),
)

var ToolListBlocked = mcp.NewTool("list_blocked",
	mcp.WithDescription(
		"List your most recent blocked transfers with the reasons each was stopped."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 20)")),
)
