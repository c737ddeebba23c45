package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/mitigator/internal/apiclient"
)

// NewMCPServer creates a configured MCP server with all Mitigator tools registered.
func NewMCPServer(cfg apiclient.Config) *server.MCPServer {
	s := server.NewMCPServer("mitigator", "1.0.0")
	h := NewHandlers(apiclient.New(cfg))

	s.AddTool(ToolEvaluateDetection, h.HandleEvaluateDetection)
	s.AddTool(ToolCheckSource, h.HandleCheckSource)
	s.AddTool(ToolGetMitigationStats, h.HandleGetMitigationStats)
	s.AddTool(ToolGetPolicy, h.HandleGetPolicy)
	s.AddTool(ToolRecentLogs, h.HandleRecentLogs)
	s.AddTool(ToolRecentDecisions, h.HandleRecentDecisions)

	return s
}
