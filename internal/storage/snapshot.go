package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dshills/convosearch/pkg/types"
)

// Snapshot is a consistent read view pinned at one commit sequence. Writes
// committed after the snapshot was taken are invisible to it. A Snapshot is
// not safe for concurrent use; Close it promptly.
type Snapshot struct {
	tx  *sql.Tx
	seq uint64
}

// Snapshot opens a read transaction on the reader pool
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	_, reader, err := s.pools()
	if err != nil {
		return nil, err
	}
	tx, err := reader.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.Transient("begin snapshot", err)
	}
	// The first read establishes the WAL read mark for the whole transaction
	st, err := indexStateWithQuerier(ctx, tx)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to read index state: %w", err)
	}
	return &Snapshot{tx: tx, seq: st.Seq}, nil
}

// Seq returns the commit sequence this snapshot observes
func (sn *Snapshot) Seq() uint64 { return sn.seq }

// Query runs q inside the snapshot
func (sn *Snapshot) Query(ctx context.Context, q Query) ([]Row, error) {
	return runQuery(ctx, sn.tx, q)
}

// Count runs a count inside the snapshot
func (sn *Snapshot) Count(ctx context.Context, q Query) (int, error) {
	return runCount(ctx, sn.tx, q)
}

// Conversation is a point lookup through the lookup table
func (sn *Snapshot) Conversation(ctx context.Context, id string) (*types.Conversation, error) {
	return conversationWithQuerier(ctx, sn.tx, id)
}

// Close ends the read transaction
func (sn *Snapshot) Close() error {
	return sn.tx.Rollback()
}

// Conversation returns the live version of a conversation
func (s *Store) Conversation(ctx context.Context, id string) (*types.Conversation, error) {
	_, reader, err := s.pools()
	if err != nil {
		return nil, err
	}
	return conversationWithQuerier(ctx, reader, id)
}

func conversationWithQuerier(ctx context.Context, q querier, id string) (*types.Conversation, error) {
	var c types.Conversation
	var created, updated, indexed int64
	err := q.QueryRowContext(ctx, `
		SELECT c.conversation_id, c.title, c.project, c.tool, c.file_path,
		       c.created_at, c.updated_at, c.message_count, c.chunk_count, c.indexed_at
		FROM conversation_lookup l
		JOIN conversations c ON c.row_id = l.row_id
		WHERE l.conversation_id = ?
	`, id).Scan(&c.ID, &c.Title, &c.Project, &c.Tool, &c.FilePath,
		&created, &updated, &c.MessageCount, &c.ChunkCount, &indexed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	c.IndexedAt = fromMillis(indexed)
	return &c, nil
}
