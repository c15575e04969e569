package storage

import (
	"time"

	"github.com/dshills/convosearch/pkg/types"
)

// IndexState describes the index as a whole
type IndexState struct {
	IndexID            string
	Seq                uint64
	EmbeddingModel     string
	EmbeddingDimension int
	CreatedAt          time.Time
}

// ConversationWrite is one file's worth of indexing output, committed
// atomically by ReplaceConversation.
type ConversationWrite struct {
	Conversation *types.Conversation
	ContentHash  string // hash of the normalized message stream
	Chunks       []*types.Chunk
	Vectors      [][]float32 // parallel to Chunks
	Model        string
	File         types.FileIndexStatus // Path, ContentHash, ModTime, Size
}

// EmbeddingRecord is a live embedding with the metadata the vector index
// filters on. Vector is only populated where noted.
type EmbeddingRecord struct {
	Key            types.EmbeddingKey
	ConversationID string
	Project        string
	Tool           string
	Vector         []float32
}

// WriteResult reports what a write changed in the vector space
type WriteResult struct {
	Seq     uint64
	RowID   int64
	Added   []EmbeddingRecord // with vectors
	Removed []string          // embedding keys of superseded versions
}

// CompactResult counts rows physically removed by Compact
type CompactResult struct {
	Versions   int64
	Chunks     int64
	Embeddings int64
	Seq        uint64
}

// Stats summarizes the store for status reporting
type Stats struct {
	SchemaVersion      string
	IndexID            string
	Seq                uint64
	EmbeddingModel     string
	EmbeddingDimension int
	Conversations      int64
	Chunks             int64
	Embeddings         int64
	StaleVersions      int64
	Files              map[types.FileState]int64
	SizeBytes          int64
}

// ValidationReport describes a restore candidate that passed validation
type ValidationReport struct {
	SchemaVersion string
	IndexID       string
	Seq           uint64
	Conversations int64
	Chunks        int64
	Embeddings    int64
	Dimension     int
}
