// Package chunker divides normalized conversations into overlapping text chunks
// for embedding and lexical search.
//
// # Basic Usage
//
//	c := chunker.New(chunker.Config{MaxSize: 2000, Overlap: 0.15})
//	chunks := c.Chunk(conv.ID, messages)
//
//	for _, chunk := range chunks {
//	    fmt.Printf("chunk %s: messages %d-%d, %d chars\n",
//	        chunk.ID(), chunk.FirstMessage, chunk.LastMessage, chunk.CharLen)
//	}
//
// # Chunking Strategy
//
// Each message is rendered as "role: content" and whole messages are packed
// greedily until the next one would exceed the budget. A message that fits the
// budget is never split. A message larger than the budget is sub-split at
// paragraph breaks, then sentence ends, then whitespace, and only as a last
// resort at a fixed rune count.
//
// Consecutive chunks overlap: the trailing messages of a chunk whose combined
// size stays within Overlap*MaxSize are repeated at the start of the next
// chunk, so context at a boundary is not lost.
//
// # Budget Units
//
// The budget is measured in runes (UnitChars) or tokens (UnitTokens). Token
// counts come from a TokenCounter; NewTiktokenCounter uses a BPE encoding such
// as cl100k_base and EstimateCounter falls back to characters / 4.
//
// # Determinism
//
// Chunking is a pure function of the messages and the Config. The same input
// always yields byte-identical chunks, which keeps re-indexing reproducible.
package chunker
