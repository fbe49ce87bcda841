// Package mcp exposes search, index and status as Model Context Protocol
// tools served over stdio.
package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/app"
	"github.com/hyperjump/shirabe/internal/config"
	"github.com/hyperjump/shirabe/internal/models"
)

// ServerName is the name announced to MCP clients.
const ServerName = "shirabe"

// Service is what the tools call. *app.App implements it.
type Service interface {
	Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error)
	IndexPaths(ctx context.Context, paths []string) (*models.IndexReport, error)
	Index(ctx context.Context, root string, force bool) (*models.IndexReport, error)
	Status(ctx context.Context) (*app.Status, error)
}

// Server wraps the MCP server with the search service.
type Server struct {
	mcp    *server.MCPServer
	svc    Service
	search config.SearchConfig
	logger *zap.Logger
}

// NewServer creates an MCP server and registers its tools.
func NewServer(svc Service, cfg config.SearchConfig, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		mcp:    server.NewMCPServer(ServerName, version, server.WithToolCapabilities(false)),
		svc:    svc,
		search: cfg,
		logger: logger,
	}
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcp.AddTool(searchTool(s.search.DefaultLimit, s.search.MaxLimit), s.handleSearch)
	s.mcp.AddTool(indexTool(), s.handleIndex)
	s.mcp.AddTool(statusTool(), s.handleStatus)
}

// Serve runs the server on stdin/stdout until the client disconnects.
func (s *Server) Serve() error {
	s.logger.Info("serving MCP on stdio")
	return server.ServeStdio(s.mcp)
}
