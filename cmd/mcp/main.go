// Mitigator MCP Server - Exposes the mitigation engine as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/mitigator/internal/apiclient"
	"github.com/mbd888/mitigator/internal/mcpserver"
)

func main() {
	cfg := apiclient.Config{
		APIURL:      envOrDefault("MITIGATOR_API_URL", "http://localhost:8080"),
		APIKey:      os.Getenv("MITIGATOR_API_KEY"),
		AdminSecret: os.Getenv("MITIGATOR_ADMIN_SECRET"),
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
