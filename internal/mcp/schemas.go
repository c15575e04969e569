package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// searchConversationsTool returns the tool definition for search_conversations
func searchConversationsTool() mcp.Tool {
	return mcp.Tool{
		Name: "search_conversations",
		Description: "Search indexed AI-assistant conversation logs by keyword, meaning, or both. " +
			"Returns one ranked page of conversations with the best matching snippet.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type": "string",
					"description": "Search text. May also carry inline filters such as project:name, tool:claude, " +
						"after:2026-01-01, before:2026-02-01, sort:updated or mode:keyword. " +
						"Empty lists the most recent conversations.",
				},
				"mode": map[string]interface{}{
					"type":        "string",
					"description": "Search strategy: hybrid (keyword + semantic), keyword (exact terms) or semantic (meaning only)",
					"enum":        []string{"hybrid", "keyword", "semantic"},
					"default":     "hybrid",
				},
				"project": map[string]interface{}{
					"type":        "string",
					"description": "Only conversations from this project",
				},
				"tool": map[string]interface{}{
					"type":        "string",
					"description": "Only conversations recorded by this assistant tool",
				},
				"from": map[string]interface{}{
					"type":        "string",
					"description": "Only conversations updated at or after this time (RFC3339 or YYYY-MM-DD)",
				},
				"to": map[string]interface{}{
					"type":        "string",
					"description": "Only conversations updated before this time (RFC3339, or YYYY-MM-DD to include the whole day)",
				},
				"sort": map[string]interface{}{
					"type":        "string",
					"description": "Result order",
					"enum":        []string{"relevance", "updated", "created"},
					"default":     "relevance",
				},
				"page": map[string]interface{}{
					"type":        "integer",
					"description": "0-based page index",
					"default":     0,
					"minimum":     0,
				},
				"page_size": map[string]interface{}{
					"type":        "integer",
					"description": "Results per page (1-100)",
					"minimum":     1,
					"maximum":     100,
				},
			},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Report index totals, per-state file counts, recent indexing errors and pipeline state",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// rescanTool returns the tool definition for rescan
func rescanTool() mcp.Tool {
	return mcp.Tool{
		Name:        "rescan",
		Description: "Scan every configured source now and queue new, changed and deleted transcripts for indexing",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
