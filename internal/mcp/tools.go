package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/convosearch/internal/query"
	"github.com/dshills/convosearch/internal/searcher"
	"github.com/dshills/convosearch/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams  = -32602 // Invalid method parameters
	ErrorCodeInternalError  = -32603 // Internal JSON-RPC error
	ErrorCodeScanInProgress = -32002 // Another scan is already running
	ErrorCodeConfig         = -32005 // Engine configuration prevents the operation
)

// maxPageSize bounds page_size before the engine applies its own limit
const maxPageSize = 100

// handleSearchConversations handles the search_conversations tool invocation
func (s *Server) handleSearchConversations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	page := getIntDefault(args, "page", 0)
	if page < 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "page must not be negative", map[string]interface{}{
			"param": "page",
			"value": page,
		})
	}
	pageSize := getIntDefault(args, "page_size", 0)
	if pageSize < 0 || pageSize > maxPageSize {
		return nil, newMCPError(ErrorCodeInvalidParams, "page_size must be between 1 and 100", map[string]interface{}{
			"param": "page_size",
			"value": pageSize,
		})
	}

	text := getStringDefault(args, "query", "")
	params := query.Params{
		Project:  getStringDefault(args, "project", ""),
		Tool:     getStringDefault(args, "tool", ""),
		From:     getStringDefault(args, "from", ""),
		To:       getStringDefault(args, "to", ""),
		Sort:     getStringDefault(args, "sort", ""),
		Mode:     getStringDefault(args, "mode", ""),
		Page:     page,
		PageSize: pageSize,
	}

	resp, err := s.backend.Search(ctx, text, params)
	if err != nil {
		return nil, toMCPError("search failed", err)
	}

	s.logger.Debug().
		Str("query", text).
		Str("mode", string(resp.Mode)).
		Int("total", resp.Total).
		Bool("cache_hit", resp.CacheHit).
		Msg("search served")
	return mcp.NewToolResultText(formatJSON(searchResponse(resp))), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.backend.Status(ctx)
	if err != nil {
		return nil, toMCPError("failed to get status", err)
	}
	return mcp.NewToolResultText(formatJSON(status)), nil
}

// handleRescan handles the rescan tool invocation
func (s *Server) handleRescan(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scan, err := s.backend.Rescan(ctx)
	if err != nil {
		return nil, toMCPError("rescan failed", err)
	}

	response := map[string]interface{}{
		"files":       scan.Files,
		"queued":      scan.Queued(),
		"new":         scan.New,
		"changed":     scan.Changed,
		"retried":     scan.Retried,
		"unchanged":   scan.Unchanged,
		"deleted":     scan.Deleted,
		"duration_ms": scan.Duration.Milliseconds(),
	}
	if len(scan.MissingRoots) > 0 {
		response["missing_roots"] = scan.MissingRoots
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// searchResponse shapes a ranked page for the client
func searchResponse(resp *searcher.Response) map[string]interface{} {
	results := make([]map[string]interface{}, 0, len(resp.Results))
	for _, r := range resp.Results {
		result := map[string]interface{}{
			"rank":            r.Rank,
			"conversation_id": r.ConversationID,
			"title":           r.Title,
			"project":         r.Project,
			"tool":            r.Tool,
			"file_path":       r.FilePath,
			"message_count":   r.MessageCount,
			"score":           round(r.Score),
			"keyword_score":   round(r.KeywordScore),
			"semantic_score":  round(r.SemanticScore),
			"messages":        []int{r.FirstMessage, r.LastMessage},
			"snippet":         r.Snippet,
		}
		if !r.CreatedAt.IsZero() {
			result["created_at"] = r.CreatedAt.Format(time.RFC3339)
		}
		if !r.UpdatedAt.IsZero() {
			result["updated_at"] = r.UpdatedAt.Format(time.RFC3339)
		}
		results = append(results, result)
	}

	out := map[string]interface{}{
		"results":   results,
		"total":     resp.Total,
		"page":      resp.Index,
		"page_size": resp.PageSize,
		"has_more":  resp.HasMore,
		"mode":      string(resp.Mode),
		"sort":      string(resp.Sort),
	}
	if len(resp.Warnings) > 0 {
		out["warnings"] = resp.Warnings
	}
	return out
}

func round(f float64) float64 {
	return float64(int64(f*10000+0.5)) / 10000
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// toMCPError maps engine errors onto MCP error codes
func toMCPError(message string, err error) error {
	var verr *types.ValidationError
	switch {
	case errors.As(err, &verr):
		return newMCPError(ErrorCodeInvalidParams, verr.Error(), map[string]interface{}{
			"param":  verr.Field,
			"value":  verr.Value,
			"reason": verr.Reason,
		})
	case errors.Is(err, types.ErrScanInProgress):
		return newMCPError(ErrorCodeScanInProgress, "a scan is already running", nil)
	case types.IsConfig(err):
		return newMCPError(ErrorCodeConfig, message, map[string]interface{}{
			"error": err.Error(),
		})
	}
	return newMCPError(ErrorCodeInternalError, message, map[string]interface{}{
		"error": err.Error(),
	})
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// formatJSON formats a value as indented JSON
func formatJSON(data interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
