package mcp

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/corvino/connectsphere/internal/relay"
	"github.com/corvino/connectsphere/internal/transfer"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Config holds the configuration for the MCP server.
type Config struct {
	Relay  *relay.Client
	Engine *transfer.Engine
	// Room is the default room for presence and call-log tools.
	Room string
}

// NewServer builds the tool server without starting a transport.
func NewServer(cfg Config) *mcpserver.MCPServer {
	srv := mcpserver.NewMCPServer(
		"connectsphere",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
	)
	registerTools(srv, &tools{relay: cfg.Relay, engine: cfg.Engine, room: cfg.Room})
	return srv
}

// Serve starts the MCP stdio server. It blocks until stdin is closed or a signal is received.
func Serve(cfg Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stdioSrv := mcpserver.NewStdioServer(NewServer(cfg))
	return stdioSrv.Listen(ctx, os.Stdin, os.Stdout)
}
