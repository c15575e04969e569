// Package storage provides SQLite-based persistence for indexed conversations.
//
// The store is append-only: every reindex of a file appends a new
// conversation version with its chunks and embedding references, marks the
// previous version invalid and repoints the lookup row, all in one
// transaction. Queries join through the lookup table, so a reader only ever
// sees live versions. Compact physically removes invalidated versions later.
//
// # Database Schema
//
// Tables:
//   - index_state: index id, commit sequence, embedding model and dimension
//   - conversations: conversation versions (append-only)
//   - conversation_lookup: conversation id to live version
//   - chunks: chunk text and message ranges per version
//   - chunk_invalidations: superseded or deleted versions
//   - embedding_refs: chunk to vector key, with the vector itself
//   - file_status: per source file indexing state
//
// # Basic Usage
//
//	store, err := storage.Open(ctx, "~/.convosearch/index.db", logger)
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	snap, err := store.Snapshot(ctx)
//	if err != nil {
//	    return err
//	}
//	defer snap.Close()
//
//	rows, err := snap.Query(ctx, storage.Query{
//	    Target:     storage.TargetChunks,
//	    Predicates: []storage.Predicate{storage.TextMatch("refactor", "parser")},
//	    Columns:    []string{storage.ColConversationID, storage.ColOrdinal, storage.ColLexicalScore},
//	})
//
// # Concurrency
//
// One writer connection serializes commits. Readers use a separate pool in
// WAL mode and never block on the writer. A Snapshot pins the commit
// sequence of its first read for its whole lifetime.
//
// WriteGate holds writers off while a backup or restore runs.
//
// # Build Tags
//
// The default build uses the pure Go modernc.org/sqlite driver. Build with
// -tags cgo_sqlite to use github.com/mattn/go-sqlite3 instead.
package storage
