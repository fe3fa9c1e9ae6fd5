// Command mcp serves the relay gate's screening tools to MCP clients over
// stdio. stdout carries the protocol, so logs go to stderr.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/relaygate/internal/logging"
	"github.com/mbd888/relaygate/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	_ = godotenv.Load()
	logger := logging.NewWithWriter(os.Stderr, os.Getenv("LOG_LEVEL"), "text")

	cfg, err := mcpserver.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("serving MCP over stdio", "api_url", cfg.APIURL, "version", Version)
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg, Version)); err != nil {
		logger.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}
