package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dshills/convosearch/pkg/types"
)

const fileStatusColumns = `path, content_hash, mod_time, size, state, conversation_id,
	last_error, attempts, last_indexed_at, updated_at`

func scanFileStatus(scan func(dest ...interface{}) error) (*types.FileIndexStatus, error) {
	var st types.FileIndexStatus
	var state string
	var modTime, lastIndexed, updated int64
	if err := scan(&st.Path, &st.ContentHash, &modTime, &st.Size, &state, &st.ConversationID,
		&st.LastError, &st.Attempts, &lastIndexed, &updated); err != nil {
		return nil, err
	}
	st.State = types.FileState(state)
	st.ModTime = fromMillis(modTime)
	st.LastIndexedAt = fromMillis(lastIndexed)
	st.UpdatedAt = fromMillis(updated)
	return &st, nil
}

func fileStatusWithQuerier(ctx context.Context, q querier, path string) (*types.FileIndexStatus, error) {
	row := q.QueryRowContext(ctx, "SELECT "+fileStatusColumns+" FROM file_status WHERE path = ?", path)
	st, err := scanFileStatus(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file status: %w", err)
	}
	return st, nil
}

func upsertFileStatusWithQuerier(ctx context.Context, q querier, st *types.FileIndexStatus) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO file_status (`+fileStatusColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash = excluded.content_hash,
			mod_time = excluded.mod_time,
			size = excluded.size,
			state = excluded.state,
			conversation_id = excluded.conversation_id,
			last_error = excluded.last_error,
			attempts = excluded.attempts,
			last_indexed_at = excluded.last_indexed_at,
			updated_at = excluded.updated_at
	`, st.Path, st.ContentHash, toMillis(st.ModTime), st.Size, string(st.State), st.ConversationID,
		st.LastError, st.Attempts, toMillis(st.LastIndexedAt), toMillis(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert file status: %w", err)
	}
	return nil
}

// transitionWithQuerier moves path to state `to`, validating the transition
// against the recorded state. mutate may adjust the other fields.
func transitionWithQuerier(ctx context.Context, q querier, path string, to types.FileState,
	mutate func(*types.FileIndexStatus)) (*types.FileIndexStatus, error) {
	st, err := fileStatusWithQuerier(ctx, q, path)
	if err == ErrNotFound {
		st = &types.FileIndexStatus{Path: path}
	} else if err != nil {
		return nil, err
	}

	if err := st.State.CheckTransition(to); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	st.State = to
	st.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(st)
	}
	if err := upsertFileStatusWithQuerier(ctx, q, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) transition(ctx context.Context, path string, to types.FileState,
	mutate func(*types.FileIndexStatus)) (*types.FileIndexStatus, error) {
	var out *types.FileIndexStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		st, err := transitionWithQuerier(ctx, tx, path, to, mutate)
		out = st
		return err
	})
	return out, err
}

// FileStatus returns the recorded status of path
func (s *Store) FileStatus(ctx context.Context, path string) (*types.FileIndexStatus, error) {
	_, reader, err := s.pools()
	if err != nil {
		return nil, err
	}
	return fileStatusWithQuerier(ctx, reader, path)
}

// ListFileStatus returns file statuses, optionally restricted to states,
// ordered by path.
func (s *Store) ListFileStatus(ctx context.Context, states ...types.FileState) ([]*types.FileIndexStatus, error) {
	_, reader, err := s.pools()
	if err != nil {
		return nil, err
	}

	query := "SELECT " + fileStatusColumns + " FROM file_status"
	var args []interface{}
	if len(states) > 0 {
		query += " WHERE state IN (" + placeholders(len(states)) + ")"
		for _, st := range states {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY path"

	rows, err := reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list file status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.FileIndexStatus
	for rows.Next() {
		st, err := scanFileStatus(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// MarkPending queues path for indexing. A file already pending stays pending.
func (s *Store) MarkPending(ctx context.Context, path string) (*types.FileIndexStatus, error) {
	return s.transition(ctx, path, types.FileStatePending, nil)
}

// MarkIndexing records that a worker picked up path
func (s *Store) MarkIndexing(ctx context.Context, path string) (*types.FileIndexStatus, error) {
	return s.transition(ctx, path, types.FileStateIndexing, nil)
}

// MarkFailed records a failed attempt and keeps the error for observability
func (s *Store) MarkFailed(ctx context.Context, path string, cause error) (*types.FileIndexStatus, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.transition(ctx, path, types.FileStateFailed, func(st *types.FileIndexStatus) {
		st.LastError = msg
		st.Attempts++
	})
}

// MarkUnchanged completes an indexing cycle whose content hash matched the
// recorded one. Stored chunks and last_indexed_at are left untouched.
func (s *Store) MarkUnchanged(ctx context.Context, path string, modTime time.Time, size int64) (*types.FileIndexStatus, error) {
	return s.transition(ctx, path, types.FileStateIndexed, func(st *types.FileIndexStatus) {
		st.ModTime = modTime
		st.Size = size
		st.LastError = ""
		st.Attempts = 0
	})
}

// RecoverInterrupted fails every file left in indexing by a crash so the next
// cycle retries it. It returns the number of files recovered.
func (s *Store) RecoverInterrupted(ctx context.Context) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE file_status
			SET state = ?, last_error = ?, attempts = attempts + 1, updated_at = ?
			WHERE state = ?
		`, string(types.FileStateFailed), "interrupted", toMillis(time.Now()), string(types.FileStateIndexing))
		if err != nil {
			return fmt.Errorf("failed to recover interrupted files: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// DeleteFileStatus removes status rows for paths with no live conversation,
// e.g. files that failed before ever being indexed and were then deleted.
func (s *Store) DeleteFileStatus(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	args := make([]interface{}, len(paths))
	for i, p := range paths {
		args[i] = p
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"DELETE FROM file_status WHERE path IN ("+placeholders(len(paths))+")", args...)
		return err
	})
}
