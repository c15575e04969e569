package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Chunk represents a bounded span of conversation text for embedding and search
type Chunk struct {
	// Identification
	ConversationID string
	Ordinal        int

	// Source message range (inclusive)
	FirstMessage int
	LastMessage  int

	// Content
	Text        string
	CharLen     int
	TokenCount  int
	ContentHash string // hex SHA-256 of Text
}

// ID returns the stable chunk identifier: conversation id plus ordinal
func (c *Chunk) ID() string {
	return ChunkID(c.ConversationID, c.Ordinal)
}

// ChunkID formats a chunk identifier
func ChunkID(conversationID string, ordinal int) string {
	return conversationID + "#" + strconv.Itoa(ordinal)
}

// ComputeContentHash computes the SHA-256 hash of the chunk text
func (c *Chunk) ComputeContentHash() {
	sum := sha256.Sum256([]byte(c.Text))
	c.ContentHash = hex.EncodeToString(sum[:])
}

// Validate performs validation of the chunk
func (c *Chunk) Validate() error {
	if c.ConversationID == "" {
		return errors.New("chunk conversation id is required")
	}
	if c.Text == "" {
		return errors.New("chunk text cannot be empty")
	}
	if c.Ordinal < 0 {
		return errors.New("chunk ordinal must be non-negative")
	}
	if c.FirstMessage < 0 || c.LastMessage < c.FirstMessage {
		return errors.New("invalid chunk message range")
	}
	if c.ContentHash == "" {
		return errors.New("content hash must be computed")
	}
	return nil
}

// EmbeddingKey names the vector of one chunk of one stored conversation version
type EmbeddingKey struct {
	RowID   int64
	Ordinal int
}

// String encodes the key as "<row_id>:<ordinal>"
func (k EmbeddingKey) String() string {
	return strconv.FormatInt(k.RowID, 10) + ":" + strconv.Itoa(k.Ordinal)
}

// ParseEmbeddingKey decodes a key produced by EmbeddingKey.String
func ParseEmbeddingKey(s string) (EmbeddingKey, error) {
	rowPart, ordPart, ok := strings.Cut(s, ":")
	if !ok {
		return EmbeddingKey{}, fmt.Errorf("malformed embedding key %q", s)
	}
	rowID, err := strconv.ParseInt(rowPart, 10, 64)
	if err != nil {
		return EmbeddingKey{}, fmt.Errorf("malformed embedding key %q: %w", s, err)
	}
	ordinal, err := strconv.Atoi(ordPart)
	if err != nil {
		return EmbeddingKey{}, fmt.Errorf("malformed embedding key %q: %w", s, err)
	}
	return EmbeddingKey{RowID: rowID, Ordinal: ordinal}, nil
}
