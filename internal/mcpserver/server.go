package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server with all FraudGuard tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("fraudguard", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolScoreTransaction, h.HandleScoreTransaction)
	s.AddTool(ToolGetModel, h.HandleGetModel)
	s.AddTool(ToolGetUsage, h.HandleGetUsage)
	s.AddTool(ToolListBillingPeriods, h.HandleListBillingPeriods)

	return s
}
