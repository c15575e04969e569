// Package mcp implements the Model Context Protocol (MCP) server for convosearch.
//
// The MCP server exposes three tools to AI assistants:
//   - search_conversations: Search indexed conversation logs
//   - get_status: Report index totals, file states and recent errors
//   - rescan: Scan the configured sources now
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// The server is started by the serve command, which also runs the indexing
// pipeline so the index stays current while the client is connected:
//
//	convosearch serve
//
// # Tool: search_conversations
//
//	Request:
//	{
//	  "name": "search_conversations",
//	  "arguments": {
//	    "query": "refactor parser project:convosearch",
//	    "mode": "hybrid",
//	    "from": "2026-01-01",
//	    "page": 0,
//	    "page_size": 10
//	  }
//	}
//
//	Response:
//	{
//	  "results": [
//	    {
//	      "rank": 1,
//	      "conversation_id": "7f3c...",
//	      "title": "Refactor the parser",
//	      "project": "convosearch",
//	      "tool": "claude",
//	      "score": 0.92,
//	      "keyword_score": 1,
//	      "semantic_score": 0.84,
//	      "messages": [0, 3],
//	      "snippet": "...how should we refactor the parser so..."
//	    }
//	  ],
//	  "total": 14,
//	  "page": 0,
//	  "page_size": 10,
//	  "has_more": true,
//	  "mode": "hybrid",
//	  "sort": "relevance"
//	}
//
// In hybrid mode a failing branch does not fail the request; the response
// carries the other branch's results and a warnings list.
//
// # Tool: get_status
//
// Takes no arguments and returns the engine status report as JSON: totals,
// files per state, the vector index build mode and sync state, pipeline
// counters and the most recent indexing failures.
//
// # Tool: rescan
//
// Takes no arguments. With the pipeline running the scan queues work and
// returns at once; the counts say what was queued.
//
// # MCP Client Configuration
//
//	{
//	  "mcpServers": {
//	    "convosearch": {
//	      "command": "/usr/local/bin/convosearch",
//	      "args": ["serve"],
//	      "env": {
//	        "OPENAI_API_KEY": "your-api-key"
//	      }
//	    }
//	  }
//	}
//
// # Error Handling
//
// Handlers return *MCPError, which the framework encodes as a JSON-RPC
// error:
//   - -32602: Invalid params (bad mode, sort, date or page)
//   - -32603: Internal error (database, filesystem, etc.)
//   - -32002: Scan already in progress
//   - -32005: Configuration error, e.g. an embedding dimension mismatch
//
// # Logging
//
// Stdout is reserved for the protocol. The server logs to the zerolog
// logger it is given, which the CLI points at stderr.
package mcp
