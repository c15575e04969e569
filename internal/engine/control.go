package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dshills/convosearch/internal/storage"
	"github.com/dshills/convosearch/internal/vectorindex"
	"github.com/dshills/convosearch/pkg/types"
)

// RestoreResult describes a completed restore
type RestoreResult struct {
	Report     *storage.ValidationReport
	VectorMode string
}

// RebuildResult describes a completed vector rebuild
type RebuildResult struct {
	Vectors    int
	Reembedded int
	Seq        uint64
}

// PauseWrites waits for in-flight commits, holds new ones and flushes the
// vector index, leaving the data dir consistent for an external snapshot.
// Searches keep working while writes are paused.
func (e *Engine) PauseWrites(ctx context.Context) error {
	if err := e.gate.Pause(ctx); err != nil {
		return err
	}
	if err := e.vectors.get().Flush(ctx); err != nil {
		e.gate.Resume()
		return fmt.Errorf("flush vectors: %w", err)
	}
	e.logger.Info().Msg("writes paused")
	return nil
}

// ResumeWrites releases commits held by PauseWrites
func (e *Engine) ResumeWrites() {
	e.gate.Resume()
	e.logger.Info().Msg("writes resumed")
}

// WritesPaused reports whether writes are held
func (e *Engine) WritesPaused() bool {
	return e.gate.Paused()
}

// Backup writes a restorable copy of the index into dir: the database and
// the flushed vector index
func (e *Engine) Backup(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup dir: %w", err)
	}
	if err := e.PauseWrites(ctx); err != nil {
		return err
	}
	defer e.ResumeWrites()

	if err := e.store.Backup(ctx, filepath.Join(dir, DBFile)); err != nil {
		return err
	}
	if err := vectorindex.CopyFiles(e.cfg.VectorDir(), dir); err != nil {
		return fmt.Errorf("copy vector index: %w", err)
	}
	e.logger.Info().Str("dir", dir).Msg("backup written")
	return nil
}

// Restore replaces the index with the backup in dir. The candidate
// database is validated before anything is touched. The backup's vector
// index is used when it loads cleanly; otherwise vectors are rebuilt from
// the restored store.
func (e *Engine) Restore(ctx context.Context, dir string) (*RestoreResult, error) {
	e.control.Lock()
	defer e.control.Unlock()

	candidate := filepath.Join(dir, DBFile)
	report, err := storage.Validate(ctx, candidate)
	if err != nil {
		return nil, err
	}
	if report.Dimension != 0 && report.Dimension != e.embedder.Dimension() {
		return nil, &types.ConfigError{
			Setting: "embedding.dimension",
			Err: fmt.Errorf("%w: backup has %d, provider produces %d",
				types.ErrDimensionMismatch, report.Dimension, e.embedder.Dimension()),
		}
	}

	if err := e.PauseWrites(ctx); err != nil {
		return nil, err
	}
	defer e.ResumeWrites()

	if _, err := e.store.Reload(ctx, candidate); err != nil {
		return nil, err
	}
	if err := e.store.EnsureEmbeddingSpace(ctx, e.embedder.Model(), e.embedder.Dimension()); err != nil {
		e.logger.Warn().Err(err).Msg("restored index uses a different embedding space")
	}
	if n, err := e.store.RecoverInterrupted(ctx); err != nil {
		return nil, err
	} else if n > 0 {
		e.logger.Warn().Int64("files", n).Msg("restored index had files mid-indexing")
	}

	if filepath.Clean(dir) != filepath.Clean(e.cfg.VectorDir()) {
		if err := vectorindex.CopyFiles(dir, e.cfg.VectorDir()); err != nil {
			e.logger.Warn().Err(err).Msg("backup has no usable vector index")
			if err := vectorindex.RemoveFiles(e.cfg.VectorDir()); err != nil {
				return nil, err
			}
		}
	}

	idx, err := e.newVectorIndex(report.IndexID, e.embedder.Dimension())
	if err != nil {
		return nil, err
	}
	if err := e.loadVectors(ctx, idx); err != nil {
		return nil, err
	}
	e.vectors.swap(idx)
	e.searcher.PurgeCache()

	e.logger.Info().
		Str("dir", dir).
		Str("index_id", report.IndexID).
		Uint64("seq", report.Seq).
		Str("vectors", e.BuildMode()).
		Msg("index restored")
	return &RestoreResult{Report: report, VectorMode: e.BuildMode()}, nil
}

// RebuildVectors repopulates the vector index from the store. With reembed
// every live chunk is embedded again with the configured provider, and the
// new model and dimension are recorded on the index.
func (e *Engine) RebuildVectors(ctx context.Context, reembed bool) (*RebuildResult, error) {
	e.control.Lock()
	defer e.control.Unlock()

	if err := e.gate.Pause(ctx); err != nil {
		return nil, err
	}
	defer e.gate.Resume()

	if !reembed {
		idx := e.vectors.get()
		if err := e.rebuildVectors(ctx, idx); err != nil {
			return nil, err
		}
		e.searcher.PurgeCache()
		return &RebuildResult{Vectors: idx.Count(), Seq: idx.Seq()}, nil
	}

	live, err := e.store.LiveEmbeddings(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(live))
	for i, r := range live {
		keys[i] = r.Key.String()
	}
	vectors, err := e.embedKeys(ctx, keys)
	if err != nil {
		return nil, err
	}
	seq, err := e.store.ReplaceEmbeddingSpace(ctx, e.embedder.Model(), e.embedder.Dimension(), vectors)
	if err != nil {
		return nil, err
	}

	state, err := e.store.IndexState(ctx)
	if err != nil {
		return nil, err
	}
	idx, err := e.newVectorIndex(state.IndexID, e.embedder.Dimension())
	if err != nil {
		return nil, err
	}
	entries := toEntries(live)
	for i := range entries {
		entries[i].Vector = vectors[keys[i]]
	}
	kept := entries[:0]
	for _, en := range entries {
		if en.Vector != nil {
			kept = append(kept, en)
		}
	}
	if err := idx.Apply(ctx, seq, nil, kept); err != nil {
		return nil, err
	}
	if err := idx.Flush(ctx); err != nil {
		return nil, err
	}
	e.vectors.swap(idx)
	e.searcher.PurgeCache()
	e.setBuildMode(BuildReembedded)

	e.logger.Info().
		Int("vectors", idx.Count()).
		Str("model", e.embedder.Model()).
		Int("dimension", e.embedder.Dimension()).
		Msg("vectors re-embedded")
	return &RebuildResult{Vectors: idx.Count(), Reembedded: len(vectors), Seq: seq}, nil
}

// Compact physically removes superseded and deleted versions. Live
// content and search results are unchanged.
func (e *Engine) Compact(ctx context.Context) (*storage.CompactResult, error) {
	e.control.Lock()
	defer e.control.Unlock()

	var result *storage.CompactResult
	err := e.gate.Do(ctx, func(ctx context.Context) error {
		res, err := e.store.Compact(ctx)
		if err != nil {
			return err
		}
		result = res
		// Only stale versions go, so the vector index just advances its seq
		return e.vectors.get().Apply(ctx, res.Seq, nil, nil)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
