package mcp

import (
	"context"
	"io"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/dshills/convosearch/internal/engine"
	"github.com/dshills/convosearch/internal/indexer"
	"github.com/dshills/convosearch/internal/query"
	"github.com/dshills/convosearch/internal/searcher"
)

const (
	// ServerName is the MCP server name
	ServerName = "convosearch"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Backend is the part of the engine the tools call
type Backend interface {
	Search(ctx context.Context, text string, params query.Params) (*searcher.Response, error)
	Status(ctx context.Context) (*engine.Status, error)
	Rescan(ctx context.Context) (*indexer.ScanResult, error)
}

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp     *server.MCPServer
	backend Backend
	logger  zerolog.Logger
}

// NewServer creates an MCP server whose tools run against backend
func NewServer(backend Backend, logger zerolog.Logger) *Server {
	s := &Server{
		mcp: server.NewMCPServer(
			ServerName,
			ServerVersion,
			server.WithToolCapabilities(false),
		),
		backend: backend,
		logger:  logger.With().Str("component", "mcp").Logger(),
	}
	s.registerTools()
	return s
}

// Serve speaks MCP over in and out until ctx is cancelled or in is closed.
// Nothing else may write to out; logs go to stderr.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	s.logger.Info().Msg("MCP server listening on stdio")
	err := stdio.Listen(ctx, in, out)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(searchConversationsTool(), s.handleSearchConversations)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
	s.mcp.AddTool(rescanTool(), s.handleRescan)
}
