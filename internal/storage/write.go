package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dshills/convosearch/pkg/types"
)

const (
	reasonSuperseded = "superseded"
	reasonDeleted    = "deleted"

	// keyBatch bounds the number of bound parameters per IN list
	keyBatch = 400
)

// ReplaceConversation commits one file's new conversation version in a single
// transaction: the previous live version of the same id, and any live
// conversation from the same file, are invalidated; the new version, its
// chunks and embedding refs are appended; the lookup row is repointed; and the
// file moves from indexing to indexed. Readers see either the old version or
// the new one, never a mix.
func (s *Store) ReplaceConversation(ctx context.Context, w *ConversationWrite) (*WriteResult, error) {
	if err := validateWrite(w); err != nil {
		return nil, err
	}

	var result *WriteResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.replaceConversationWithQuerier(ctx, tx, w)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("conversation_id", w.Conversation.ID).
		Int64("row_id", result.RowID).
		Int("chunks", len(w.Chunks)).
		Int("removed_keys", len(result.Removed)).
		Uint64("seq", result.Seq).
		Msg("conversation committed")
	return result, nil
}

func validateWrite(w *ConversationWrite) error {
	if w == nil || w.Conversation == nil {
		return errors.New("conversation write is empty")
	}
	if err := w.Conversation.Validate(); err != nil {
		return err
	}
	if len(w.Vectors) != len(w.Chunks) {
		return fmt.Errorf("%d vectors for %d chunks", len(w.Vectors), len(w.Chunks))
	}
	for i, c := range w.Chunks {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		if c.Ordinal != i {
			return fmt.Errorf("chunk %d has ordinal %d", i, c.Ordinal)
		}
	}
	if w.File.Path == "" {
		w.File.Path = w.Conversation.FilePath
	}
	return nil
}

// checkDimensionWithQuerier rejects vectors outside the index's embedding
// space. The first write into an index with no recorded space establishes it.
func checkDimensionWithQuerier(ctx context.Context, q querier, model string, vectors [][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) == 0 || len(v) != dim {
			return fmt.Errorf("vector %d has dimension %d, vector 0 has %d", i, len(v), dim)
		}
	}

	st, err := indexStateWithQuerier(ctx, q)
	if err != nil {
		return err
	}
	if st.EmbeddingDimension == 0 {
		if _, err := q.ExecContext(ctx,
			`UPDATE index_state SET embedding_model = ?, embedding_dimension = ? WHERE id = 1`,
			model, dim); err != nil {
			return fmt.Errorf("failed to record embedding space: %w", err)
		}
		return nil
	}
	if st.EmbeddingDimension != dim {
		return &types.ConfigError{
			Setting: "embedding.dimension",
			Err: fmt.Errorf("%w: index stores %d, write has %d (%s)",
				types.ErrDimensionMismatch, st.EmbeddingDimension, dim, model),
		}
	}
	return nil
}

func (s *Store) replaceConversationWithQuerier(ctx context.Context, tx querier, w *ConversationWrite) (*WriteResult, error) {
	now := time.Now()
	conv := w.Conversation

	// The file must be mid-cycle before its content can be committed
	current, err := fileStatusWithQuerier(ctx, tx, w.File.Path)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	from := types.FileStateNone
	if current != nil {
		from = current.State
	}
	if err := from.CheckTransition(types.FileStateIndexed); err != nil {
		return nil, fmt.Errorf("%s: %w", w.File.Path, err)
	}

	if err := checkDimensionWithQuerier(ctx, tx, w.Model, w.Vectors); err != nil {
		return nil, err
	}

	previous, err := liveRowIDsWithQuerier(ctx, tx,
		"l.conversation_id = ? OR c.file_path = ?", conv.ID, w.File.Path)
	if err != nil {
		return nil, err
	}
	removed, err := invalidateWithQuerier(ctx, tx, previous, reasonSuperseded, now)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, title, project, tool, file_path, content_hash,
			created_at, updated_at, message_count, chunk_count, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, conv.ID, conv.Title, conv.Project, conv.Tool, w.File.Path, w.ContentHash,
		toMillis(conv.CreatedAt), toMillis(conv.UpdatedAt), conv.MessageCount, len(w.Chunks), toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to append conversation: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	added := make([]EmbeddingRecord, 0, len(w.Chunks))
	for i, c := range w.Chunks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (row_id, ordinal, first_message, last_message, text, search_text,
				char_len, token_count, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rowID, c.Ordinal, c.FirstMessage, c.LastMessage, c.Text, strings.ToLower(c.Text),
			c.CharLen, c.TokenCount, c.ContentHash); err != nil {
			return nil, fmt.Errorf("failed to append chunk %d: %w", c.Ordinal, err)
		}

		key := types.EmbeddingKey{RowID: rowID, Ordinal: c.Ordinal}
		vec := w.Vectors[i]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO embedding_refs (row_id, ordinal, vector_key, model, dimension, content_hash, vector)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rowID, c.Ordinal, key.String(), w.Model, len(vec), c.ContentHash, encodeVector(vec)); err != nil {
			return nil, fmt.Errorf("failed to append embedding ref %s: %w", key, err)
		}
		added = append(added, EmbeddingRecord{
			Key:            key,
			ConversationID: conv.ID,
			Project:        conv.Project,
			Tool:           conv.Tool,
			Vector:         vec,
		})
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_lookup (conversation_id, row_id) VALUES (?, ?)`, conv.ID, rowID); err != nil {
		return nil, fmt.Errorf("failed to update lookup: %w", err)
	}

	st := w.File
	st.State = types.FileStateIndexed
	st.ConversationID = conv.ID
	st.LastError = ""
	st.Attempts = 0
	st.LastIndexedAt = now
	st.UpdatedAt = now
	if err := upsertFileStatusWithQuerier(ctx, tx, &st); err != nil {
		return nil, err
	}

	seq, err := bumpSeqWithQuerier(ctx, tx)
	if err != nil {
		return nil, err
	}

	return &WriteResult{Seq: seq, RowID: rowID, Added: added, Removed: removed}, nil
}

// liveRowIDsWithQuerier returns the row ids of live versions matching where
func liveRowIDsWithQuerier(ctx context.Context, q querier, where string, args ...interface{}) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT l.row_id FROM conversation_lookup l
		JOIN conversations c ON c.row_id = l.row_id
		WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find live versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// invalidateWithQuerier marks versions stale, drops their lookup rows and
// returns their embedding keys
func invalidateWithQuerier(ctx context.Context, q querier, rowIDs []int64, reason string, now time.Time) ([]string, error) {
	var keys []string
	for _, id := range rowIDs {
		rows, err := q.QueryContext(ctx, `SELECT vector_key FROM embedding_refs WHERE row_id = ? ORDER BY ordinal`, id)
		if err != nil {
			return nil, fmt.Errorf("failed to list embedding refs: %w", err)
		}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				_ = rows.Close()
				return nil, err
			}
			keys = append(keys, k)
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}

		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO chunk_invalidations (row_id, invalidated_at, reason) VALUES (?, ?, ?)`,
			id, toMillis(now), reason); err != nil {
			return nil, fmt.Errorf("failed to invalidate version %d: %w", id, err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM conversation_lookup WHERE row_id = ?`, id); err != nil {
			return nil, fmt.Errorf("failed to drop lookup for version %d: %w", id, err)
		}
	}
	return keys, nil
}

// DeleteByPath tombstones the live conversations read from path and forgets
// the file. It returns the embedding keys to remove from the vector index.
func (s *Store) DeleteByPath(ctx context.Context, path string) (*WriteResult, error) {
	result := &WriteResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ids, err := liveRowIDsWithQuerier(ctx, tx, "c.file_path = ?", path)
		if err != nil {
			return err
		}
		removed, err := invalidateWithQuerier(ctx, tx, ids, reasonDeleted, time.Now())
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM file_status WHERE path = ?`, path); err != nil {
			return fmt.Errorf("failed to drop file status: %w", err)
		}
		seq, err := bumpSeqWithQuerier(ctx, tx)
		if err != nil {
			return err
		}
		result.Removed = removed
		result.Seq = seq
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Compact physically deletes invalidated versions with their chunks and
// embedding refs
func (s *Store) Compact(ctx context.Context) (*CompactResult, error) {
	result := &CompactResult{}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stale := `(SELECT row_id FROM chunk_invalidations)`
		steps := []struct {
			sql   string
			count *int64
		}{
			{`DELETE FROM embedding_refs WHERE row_id IN ` + stale, &result.Embeddings},
			{`DELETE FROM chunks WHERE row_id IN ` + stale, &result.Chunks},
		}
		for _, step := range steps {
			res, err := tx.ExecContext(ctx, step.sql)
			if err != nil {
				return fmt.Errorf("compact: %w", err)
			}
			if *step.count, err = res.RowsAffected(); err != nil {
				return err
			}
		}

		// Markers reference the versions, so they go together
		ids, err := staleRowIDsWithQuerier(ctx, tx)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_invalidations`); err != nil {
			return fmt.Errorf("compact: %w", err)
		}
		for start := 0; start < len(ids); start += keyBatch {
			end := min(start+keyBatch, len(ids))
			args := make([]interface{}, 0, end-start)
			for _, id := range ids[start:end] {
				args = append(args, id)
			}
			res, err := tx.ExecContext(ctx,
				`DELETE FROM conversations WHERE row_id IN (`+placeholders(len(args))+`)`, args...)
			if err != nil {
				return fmt.Errorf("compact: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			result.Versions += n
		}

		seq, err := bumpSeqWithQuerier(ctx, tx)
		if err != nil {
			return err
		}
		result.Seq = seq
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("versions", result.Versions).
		Int64("chunks", result.Chunks).
		Int64("embeddings", result.Embeddings).
		Msg("compaction complete")
	return result, nil
}

func staleRowIDsWithQuerier(ctx context.Context, q querier) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT row_id FROM chunk_invalidations ORDER BY row_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReplaceEmbeddingSpace rewrites the vectors of live chunks after a
// re-embed and records the new model and dimension. Vectors of stale
// versions are dropped since they belong to the old space.
func (s *Store) ReplaceEmbeddingSpace(ctx context.Context, model string, dimension int, vectors map[string][]float32) (uint64, error) {
	var seq uint64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE index_state SET embedding_model = ?, embedding_dimension = ? WHERE id = 1`,
			model, dimension); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE embedding_refs SET vector = NULL WHERE row_id IN (SELECT row_id FROM chunk_invalidations)`); err != nil {
			return err
		}
		for key, vec := range vectors {
			if len(vec) != dimension {
				return &types.ConfigError{
					Setting: "embedding.dimension",
					Err:     fmt.Errorf("%w: vector %s has %d, want %d", types.ErrDimensionMismatch, key, len(vec), dimension),
				}
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE embedding_refs SET vector = ?, model = ?, dimension = ? WHERE vector_key = ?`,
				encodeVector(vec), model, dimension, key); err != nil {
				return fmt.Errorf("failed to update embedding %s: %w", key, err)
			}
		}
		var err error
		seq, err = bumpSeqWithQuerier(ctx, tx)
		return err
	})
	return seq, err
}

// LiveEmbeddings lists every embedding of a live chunk, without vectors
func (s *Store) LiveEmbeddings(ctx context.Context) ([]EmbeddingRecord, error) {
	_, reader, err := s.pools()
	if err != nil {
		return nil, err
	}
	rows, err := reader.QueryContext(ctx, `
		SELECT e.row_id, e.ordinal, c.conversation_id, c.project, c.tool
		FROM conversation_lookup l
		JOIN conversations c ON c.row_id = l.row_id
		JOIN embedding_refs e ON e.row_id = l.row_id
		ORDER BY e.row_id, e.ordinal
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list live embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EmbeddingRecord
	for rows.Next() {
		var r EmbeddingRecord
		if err := rows.Scan(&r.Key.RowID, &r.Key.Ordinal, &r.ConversationID, &r.Project, &r.Tool); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EmbeddingVectors returns stored vectors by embedding key. Keys without a
// stored vector are absent from the result.
func (s *Store) EmbeddingVectors(ctx context.Context, keys []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(keys))
	err := s.forKeyBatches(ctx, keys, `
		SELECT vector_key, vector FROM embedding_refs
		WHERE vector IS NOT NULL AND vector_key IN (%s)
	`, func(rows *sql.Rows) error {
		var key string
		var blob []byte
		if err := rows.Scan(&key, &blob); err != nil {
			return err
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return fmt.Errorf("embedding %s: %w", key, err)
		}
		out[key] = vec
		return nil
	})
	return out, err
}

// ChunkTexts returns chunk text by embedding key
func (s *Store) ChunkTexts(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	err := s.forKeyBatches(ctx, keys, `
		SELECT e.vector_key, k.text FROM embedding_refs e
		JOIN chunks k ON k.row_id = e.row_id AND k.ordinal = e.ordinal
		WHERE e.vector_key IN (%s)
	`, func(rows *sql.Rows) error {
		var key, text string
		if err := rows.Scan(&key, &text); err != nil {
			return err
		}
		out[key] = text
		return nil
	})
	return out, err
}

func (s *Store) forKeyBatches(ctx context.Context, keys []string, query string, scan func(*sql.Rows) error) error {
	_, reader, err := s.pools()
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += keyBatch {
		end := min(start+keyBatch, len(keys))
		args := make([]interface{}, 0, end-start)
		for _, k := range keys[start:end] {
			args = append(args, k)
		}
		rows, err := reader.QueryContext(ctx, fmt.Sprintf(query, placeholders(len(args))), args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			if err := scan(rows); err != nil {
				_ = rows.Close()
				return err
			}
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Stats summarizes row counts and file states
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	_, reader, err := s.pools()
	if err != nil {
		return nil, err
	}

	st, err := indexStateWithQuerier(ctx, reader)
	if err != nil {
		return nil, err
	}
	version, err := SchemaVersion(ctx, reader)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		SchemaVersion:      version.String(),
		IndexID:            st.IndexID,
		Seq:                st.Seq,
		EmbeddingModel:     st.EmbeddingModel,
		EmbeddingDimension: st.EmbeddingDimension,
		Files:              make(map[types.FileState]int64),
	}

	counts := []struct {
		sql  string
		dest *int64
	}{
		{`SELECT COUNT(*) FROM conversation_lookup`, &stats.Conversations},
		{`SELECT COUNT(*) FROM chunks k JOIN conversation_lookup l ON l.row_id = k.row_id`, &stats.Chunks},
		{`SELECT COUNT(*) FROM embedding_refs e JOIN conversation_lookup l ON l.row_id = e.row_id`, &stats.Embeddings},
		{`SELECT COUNT(*) FROM chunk_invalidations`, &stats.StaleVersions},
	}
	for _, c := range counts {
		if err := reader.QueryRowContext(ctx, c.sql).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to collect stats: %w", err)
		}
	}

	rows, err := reader.QueryContext(ctx, `SELECT state, COUNT(*) FROM file_status GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		stats.Files[types.FileState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if s.path != memoryPath {
		if info, err := os.Stat(s.path); err == nil {
			stats.SizeBytes = info.Size()
		}
	}
	return stats, nil
}

// Backup writes a consistent copy of the database to dest, which must not
// exist yet
func (s *Store) Backup(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("backup destination %s already exists", dest)
	}
	writer, _, err := s.pools()
	if err != nil {
		return err
	}
	if _, err := writer.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return nil
}
