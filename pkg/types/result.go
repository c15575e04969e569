package types

import "time"

// SearchResult represents one ranked conversation
type SearchResult struct {
	Rank int // Position in the full ranked list (1-based)

	// Conversation metadata
	ConversationID string
	Title          string
	Project        string
	Tool           string
	FilePath       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	MessageCount   int

	// Scoring
	Score         float64 // Fused score of the best chunk, in [0, 1]
	KeywordScore  float64 // Normalized lexical score of the best chunk, 0 if absent
	SemanticScore float64 // Normalized semantic score of the best chunk, 0 if absent

	// Best chunk
	ChunkOrdinal int
	FirstMessage int
	LastMessage  int
	Snippet      string
}

// Page describes one page of a ranked result list
type Page struct {
	Results  []SearchResult
	Total    int // Number of matching conversations across all pages
	Index    int // 0-based page index
	PageSize int
	HasMore  bool
}
