package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dshills/convosearch/pkg/types"
)

const memoryPath = ":memory:"

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = types.ErrNotFound
	// ErrClosed is returned after Close
	ErrClosed = errors.New("store closed")
)

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the SQLite index store. One writer connection serializes commits;
// a separate reader pool serves snapshots and queries so readers never wait
// on an in-progress write.
type Store struct {
	path   string
	logger zerolog.Logger

	mu     sync.RWMutex
	writer *sql.DB
	reader *sql.DB
	closed bool
}

// openPool opens one connection pool with appropriate settings
func openPool(path string, writer bool) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dsn(path, writer))
	if err != nil {
		return nil, err
	}

	if writer || path == memoryPath {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(8)
		db.SetMaxIdleConns(4)
	}
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Open opens (creating if needed) the store at path and applies migrations.
// ":memory:" gives a private in-memory store sharing one connection, meant
// for tests.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger.With().Str("component", "store").Logger()}
	writer, reader, err := openPools(ctx, path)
	if err != nil {
		return nil, err
	}
	s.writer, s.reader = writer, reader
	return s, nil
}

// openPools opens and migrates the writer, then opens the reader pool
func openPools(ctx context.Context, path string) (writer, reader *sql.DB, err error) {
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	writer, err = openPool(path, true)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(ctx, writer); err != nil {
		_ = writer.Close()
		return nil, nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := ensureIndexState(ctx, writer); err != nil {
		_ = writer.Close()
		return nil, nil, err
	}

	if path == memoryPath {
		return writer, writer, nil
	}
	reader, err = openPool(path, false)
	if err != nil {
		_ = writer.Close()
		return nil, nil, fmt.Errorf("failed to open reader pool: %w", err)
	}
	return writer, reader, nil
}

// ensureIndexState creates the index_state row on first open
func ensureIndexState(ctx context.Context, q querier) error {
	_, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO index_state (id, index_id, commit_seq, created_at) VALUES (1, ?, 0, ?)`,
		uuid.NewString(), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to initialise index state: %w", err)
	}
	return nil
}

// Path returns the database file path
func (s *Store) Path() string {
	return s.path
}

// Close closes both connection pools
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Store) closeLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.reader != nil && s.reader != s.writer {
		errs = append(errs, s.reader.Close())
	}
	if s.writer != nil {
		errs = append(errs, s.writer.Close())
	}
	return errors.Join(errs...)
}

func (s *Store) pools() (writer, reader *sql.DB, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	return s.writer, s.reader, nil
}

// withTx runs fn in a write transaction on the single writer connection
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	writer, _, err := s.pools()
	if err != nil {
		return err
	}
	tx, err := writer.BeginTx(ctx, nil)
	if err != nil {
		return types.Transient("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return types.Transient("commit", err)
	}
	return nil
}

// bumpSeqWithQuerier increments the commit sequence and returns the new value
func bumpSeqWithQuerier(ctx context.Context, q querier) (uint64, error) {
	var seq uint64
	err := q.QueryRowContext(ctx,
		`UPDATE index_state SET commit_seq = commit_seq + 1 WHERE id = 1 RETURNING commit_seq`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to bump commit sequence: %w", err)
	}
	return seq, nil
}

func indexStateWithQuerier(ctx context.Context, q querier) (*IndexState, error) {
	var st IndexState
	var created int64
	err := q.QueryRowContext(ctx, `
		SELECT index_id, commit_seq, embedding_model, embedding_dimension, created_at
		FROM index_state WHERE id = 1
	`).Scan(&st.IndexID, &st.Seq, &st.EmbeddingModel, &st.EmbeddingDimension, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.CreatedAt = fromMillis(created)
	return &st, nil
}

// IndexState returns the current index identity and commit sequence
func (s *Store) IndexState(ctx context.Context) (*IndexState, error) {
	_, reader, err := s.pools()
	if err != nil {
		return nil, err
	}
	return indexStateWithQuerier(ctx, reader)
}

// EnsureEmbeddingSpace records model and dimension on a fresh index, and
// refuses a different space on an existing one.
func (s *Store) EnsureEmbeddingSpace(ctx context.Context, model string, dimension int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		st, err := indexStateWithQuerier(ctx, tx)
		if err != nil {
			return err
		}
		if st.EmbeddingDimension == 0 {
			_, err := tx.ExecContext(ctx,
				`UPDATE index_state SET embedding_model = ?, embedding_dimension = ? WHERE id = 1`,
				model, dimension)
			return err
		}
		if st.EmbeddingDimension != dimension {
			return &types.ConfigError{
				Setting: "embedding.dimension",
				Err: fmt.Errorf("%w: index was created with %d (%s), provider produces %d (%s)",
					types.ErrDimensionMismatch, st.EmbeddingDimension, st.EmbeddingModel, dimension, model),
			}
		}
		if st.EmbeddingModel != model {
			return &types.ConfigError{
				Setting: "embedding.model",
				Err: fmt.Errorf("index was built with %s, configured model is %s; run rebuild-vectors --reembed",
					st.EmbeddingModel, model),
			}
		}
		return nil
	})
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
