package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func searchTool(defaultLimit, maxLimit int) mcp.Tool {
	return mcp.NewTool("search",
		mcp.WithDescription("Hybrid semantic and keyword search over the indexed files. "+
			"Returns matching chunks with their document path, header context and a snippet."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Search query (natural language or keywords)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results to return"),
			mcp.DefaultNumber(float64(defaultLimit)),
			mcp.Min(1),
			mcp.Max(float64(maxLimit)),
		),
	)
}

func indexTool() mcp.Tool {
	return mcp.NewTool("index",
		mcp.WithDescription("Index a file or directory. Unchanged files are skipped and "+
			"files that disappeared under a directory are removed from the index."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Absolute path to a file or directory"),
		),
		mcp.WithBoolean("force",
			mcp.Description("Re-embed every file even when its content is unchanged"),
			mcp.DefaultBool(false),
		),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("status",
		mcp.WithDescription("Report document, chunk and vector counts, index statistics and disk usage."),
	)
}
