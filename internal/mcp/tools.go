package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/models"
)

// maxReportedErrors caps the per-file errors echoed back to the client.
const maxReportedErrors = 5

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	q := &models.SearchQuery{Query: query, Limit: req.GetInt("limit", s.search.DefaultLimit)}
	resp, err := s.svc.Search(ctx, q)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("search failed", err), nil
	}
	return mcp.NewToolResultText(formatJSON(resp)), nil
}

func (s *Server) handleIndex(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !filepath.IsAbs(path) {
		return mcp.NewToolResultError("path must be absolute"), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("invalid path", err), nil
	}
	force := req.GetBool("force", false)

	var rep *models.IndexReport
	if info.IsDir() {
		rep, err = s.svc.Index(ctx, path, force)
	} else {
		rep, err = s.svc.IndexPaths(ctx, []string{path})
	}
	if err != nil {
		return mcp.NewToolResultErrorFromErr("indexing failed", err), nil
	}
	s.logger.Debug("mcp index", zap.String("path", path), zap.Int("indexed", rep.Indexed))

	out := *rep
	if len(out.Errors) > maxReportedErrors {
		out.Errors = out.Errors[:maxReportedErrors]
	}
	return mcp.NewToolResultText(formatJSON(map[string]any{
		"report":      out,
		"error_count": len(rep.Errors),
		"duration_ms": rep.Duration.Milliseconds(),
	})), nil
}

func (s *Server) handleStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := s.svc.Status(ctx)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("status failed", err), nil
	}
	return mcp.NewToolResultText(formatJSON(st)), nil
}

func formatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
