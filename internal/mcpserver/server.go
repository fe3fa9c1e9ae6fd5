package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer registers every relay gate tool on a new MCP server.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("relaygate", version, server.WithToolCapabilities(false))
	client := NewClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCheckAddress, h.HandleCheckAddress)
	s.AddTool(ToolRelayTransaction, h.HandleRelayTransaction)
	s.AddTool(ToolListRelays, h.HandleListRelays)
	s.AddTool(ToolAddressHistory, h.HandleAddressHistory)
	s.AddTool(ToolScreeningOverview, h.HandleScreeningOverview)
	s.AddTool(ToolListBlocked, h.HandleListBlocked)

	return s
}
