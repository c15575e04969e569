// Package types provides shared type definitions for convosearch.
//
// This package defines the domain types that flow between the connector,
// chunker, storage, vector index, search engine and indexing pipeline.
//
// # Core Types
//
// Conversation is the normalized metadata of one transcript file, and
// Message is one entry of its canonical message stream:
//
//	conv := &types.Conversation{
//	    ID:      "9f2c1e7a04b3d5e6",
//	    Title:   "refactor the parser",
//	    Project: "convosearch",
//	    Tool:    "claude",
//	}
//
// Chunk is a bounded span of conversation text prepared for embedding and
// lexical matching. Its identity is the conversation id plus the ordinal:
//
//	chunk.ID() // "9f2c1e7a04b3d5e6#3"
//
// EmbeddingKey names the vector of one chunk in one stored version of a
// conversation. Keys of superseded versions never resolve to live chunks.
//
// # File Status
//
// FileIndexStatus tracks each source file through the indexing state
// machine:
//
//	pending -> indexing -> indexed | failed
//	failed  -> pending   (retry)
//	indexed -> pending   (file changed)
//
// # Errors
//
// The error taxonomy distinguishes ValidationError (bad request),
// TransientError (retryable I/O or model failure), CorruptionError
// (unreadable persisted state) and ConfigError (fatal misconfiguration).
// Use errors.As to inspect them and IsRetryable to decide on retries.
package types
