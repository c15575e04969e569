package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Masterminds/semver/v3"

	"github.com/dshills/convosearch/pkg/types"
)

func corrupt(err error) error {
	return &types.CorruptionError{Component: "index store", Err: err}
}

// Validate checks a restore candidate before it may replace the live store:
// schema version, SQLite integrity, lookup consistency, orphan chunks and
// embedding dimensions. Any failure is a CorruptionError.
func Validate(ctx context.Context, candidatePath string) (*ValidationReport, error) {
	info, err := os.Stat(candidatePath)
	if err != nil {
		return nil, corrupt(fmt.Errorf("candidate: %w", err))
	}
	if info.IsDir() {
		return nil, corrupt(fmt.Errorf("candidate %s is a directory", candidatePath))
	}

	db, err := sql.Open(DriverName, dsnReadOnly(candidatePath))
	if err != nil {
		return nil, corrupt(err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	version, err := SchemaVersion(ctx, db)
	if err != nil {
		return nil, corrupt(err)
	}
	if version.Equal(semver.MustParse("0.0.0")) {
		return nil, corrupt(errors.New("candidate has no schema"))
	}
	if version.GreaterThan(semver.MustParse(CurrentSchemaVersion)) {
		return nil, corrupt(fmt.Errorf("candidate schema %s is newer than supported %s", version, CurrentSchemaVersion))
	}

	var integrity string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&integrity); err != nil {
		return nil, corrupt(fmt.Errorf("integrity check: %w", err))
	}
	if integrity != "ok" {
		return nil, corrupt(fmt.Errorf("integrity check: %s", integrity))
	}

	st, err := indexStateWithQuerier(ctx, db)
	if err != nil {
		return nil, corrupt(fmt.Errorf("index state: %w", err))
	}

	checks := []struct {
		what string
		sql  string
	}{
		{"lookup rows pointing at missing or foreign versions", `
			SELECT COUNT(*) FROM conversation_lookup l
			LEFT JOIN conversations c ON c.row_id = l.row_id
			WHERE c.row_id IS NULL OR c.conversation_id != l.conversation_id`},
		{"lookup rows pointing at invalidated versions", `
			SELECT COUNT(*) FROM conversation_lookup l
			JOIN chunk_invalidations i ON i.row_id = l.row_id`},
		{"orphan chunks", `
			SELECT COUNT(*) FROM chunks k
			LEFT JOIN conversations c ON c.row_id = k.row_id
			WHERE c.row_id IS NULL`},
		{"embedding refs without a chunk", `
			SELECT COUNT(*) FROM embedding_refs e
			LEFT JOIN chunks k ON k.row_id = e.row_id AND k.ordinal = e.ordinal
			WHERE k.row_id IS NULL`},
		{"live embeddings with the wrong dimension", `
			SELECT COUNT(*) FROM embedding_refs e
			JOIN conversation_lookup l ON l.row_id = e.row_id
			WHERE e.dimension != (SELECT embedding_dimension FROM index_state WHERE id = 1)
			   OR (e.vector IS NOT NULL AND length(e.vector) != e.dimension * 4)`},
	}
	for _, c := range checks {
		var n int64
		if err := db.QueryRowContext(ctx, c.sql).Scan(&n); err != nil {
			return nil, corrupt(fmt.Errorf("%s: %w", c.what, err))
		}
		if n > 0 {
			return nil, corrupt(fmt.Errorf("%d %s", n, c.what))
		}
	}

	report := &ValidationReport{
		SchemaVersion: version.String(),
		IndexID:       st.IndexID,
		Seq:           st.Seq,
		Dimension:     st.EmbeddingDimension,
	}
	counts := []struct {
		sql  string
		dest *int64
	}{
		{`SELECT COUNT(*) FROM conversation_lookup`, &report.Conversations},
		{`SELECT COUNT(*) FROM chunks k JOIN conversation_lookup l ON l.row_id = k.row_id`, &report.Chunks},
		{`SELECT COUNT(*) FROM embedding_refs e JOIN conversation_lookup l ON l.row_id = e.row_id`, &report.Embeddings},
	}
	for _, c := range counts {
		if err := db.QueryRowContext(ctx, c.sql).Scan(c.dest); err != nil {
			return nil, corrupt(err)
		}
	}
	return report, nil
}

// Reload replaces the live database with candidatePath and re-opens the
// pools. The caller must hold the write gate paused. The candidate is
// validated first; if the swapped-in file then fails to open, the previous
// database is put back and a CorruptionError is returned.
func (s *Store) Reload(ctx context.Context, candidatePath string) (*ValidationReport, error) {
	if s.path == memoryPath {
		return nil, errors.New("cannot reload an in-memory store")
	}
	report, err := Validate(ctx, candidatePath)
	if err != nil {
		return nil, err
	}

	staged := s.path + ".restore"
	if err := copyFile(candidatePath, staged); err != nil {
		return nil, fmt.Errorf("failed to stage candidate: %w", err)
	}
	defer func() { _ = os.Remove(staged) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Fold the WAL into the main file so the backup copy is complete
	if !s.closed {
		_, _ = s.writer.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	}
	if err := s.closeLocked(); err != nil {
		s.logger.Warn().Err(err).Msg("error closing pools before reload")
	}

	previous := s.path + ".prev"
	_ = os.Remove(previous)
	if err := os.Rename(s.path, previous); err != nil && !os.IsNotExist(err) {
		return nil, corrupt(fmt.Errorf("failed to set aside live database: %w", err))
	}
	removeSidecars(s.path)

	if err := os.Rename(staged, s.path); err != nil {
		_ = os.Rename(previous, s.path)
		return nil, corrupt(fmt.Errorf("failed to swap in candidate: %w", err))
	}

	writer, reader, openErr := openPools(ctx, s.path)
	if openErr != nil {
		s.logger.Error().Err(openErr).Msg("restored database failed to open, rolling back")
		removeSidecars(s.path)
		if err := os.Rename(previous, s.path); err != nil {
			return nil, corrupt(fmt.Errorf("reload failed (%v) and rollback failed: %w", openErr, err))
		}
		writer, reader, err = openPools(ctx, s.path)
		if err != nil {
			return nil, corrupt(fmt.Errorf("reload failed (%v) and previous store failed to reopen: %w", openErr, err))
		}
		s.writer, s.reader, s.closed = writer, reader, false
		return nil, corrupt(openErr)
	}
	s.writer, s.reader, s.closed = writer, reader, false
	_ = os.Remove(previous)

	s.logger.Info().
		Str("index_id", report.IndexID).
		Int64("conversations", report.Conversations).
		Int64("chunks", report.Chunks).
		Msg("index store reloaded")
	return report, nil
}

func removeSidecars(path string) {
	_ = os.Remove(path + "-wal")
	_ = os.Remove(path + "-shm")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
