package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all settlement tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("settlevault", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolCreateVault, h.HandleCreateVault)
	s.AddTool(ToolConfirmDelivery, h.HandleConfirmDelivery)
	s.AddTool(ToolProcessWithdrawal, h.HandleProcessWithdrawal)
	s.AddTool(ToolGetVaultStatus, h.HandleGetVaultStatus)
	s.AddTool(ToolGetWallet, h.HandleGetWallet)

	return s
}
