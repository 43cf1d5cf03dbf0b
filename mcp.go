package gaussmcp

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/rickchristie/opengauss-mcp/internal/transport"
)

// ServerName is the name reported to MCP clients.
const ServerName = "gogaussmcp"

// NewMCPServer builds an mcp-go server exposing every tool and resource of g.
// transportName tags the sessions it opens ("stdio", "sse", "streamable").
func (g *GaussMcp) NewMCPServer(transportName string) *server.MCPServer {
	adapter := g.adapter(transportName)
	mcpServer := server.NewMCPServer(ServerName, Version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithHooks(adapter.Hooks()),
		server.WithRecovery(),
	)
	adapter.Register(mcpServer, g.registry, Resources)
	return mcpServer
}

// RegisterMCPTools registers the tools and resources of g on an existing MCP
// server. Sessions are only tracked when the server also uses MCPHooks.
func RegisterMCPTools(mcpServer *server.MCPServer, g *GaussMcp) {
	g.adapter("embedded").Register(mcpServer, g.registry, Resources)
}

// MCPHooks returns the session lifecycle hooks for a server built outside
// NewMCPServer. Pass them with server.WithHooks.
func MCPHooks(g *GaussMcp, transportName string) *server.Hooks {
	return g.adapter(transportName).Hooks()
}

func (g *GaussMcp) adapter(transportName string) *transport.Adapter {
	return transport.NewAdapter(g.dispatcher, g.sessions, transportName, g.logger)
}
