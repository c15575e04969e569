package indexer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dshills/convosearch/pkg/types"
)

// ScanResult counts what a scan found and queued
type ScanResult struct {
	Files        int // matching files seen
	New          int
	Changed      int
	Retried      int
	Pending      int // left pending by an earlier run
	Unchanged    int
	Deleted      int
	MissingRoots []string
	StartedAt    time.Time
	Duration     time.Duration
}

// Queued returns the number of upserts the scan queued
func (r *ScanResult) Queued() int {
	return r.New + r.Changed + r.Retried + r.Pending
}

type scanReason int

const (
	reasonNone scanReason = iota
	reasonNew
	reasonChanged
	reasonRetry
	reasonPending
)

// Scan walks every source root and queues work on the pipeline queue:
// files never seen, files whose mtime or size changed, failed files whose
// retry backoff has elapsed, and files left pending. Status rows whose file
// is gone, or no longer matches any source, are queued for deletion; rows
// under a root that is missing entirely are left alone.
//
// Only one scan runs at a time. A concurrent call returns ErrScanInProgress.
func (ix *Indexer) Scan(ctx context.Context) (*ScanResult, error) {
	return ix.scan(ctx, ix.queue)
}

func (ix *Indexer) scan(ctx context.Context, q *Queue) (*ScanResult, error) {
	if !ix.scanLock.TryAcquire() {
		return nil, types.ErrScanInProgress
	}
	defer ix.scanLock.Release()

	result := &ScanResult{StartedAt: ix.now()}

	statuses, err := ix.store.ListFileStatus(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]*types.FileIndexStatus, len(statuses))
	for _, st := range statuses {
		known[st.Path] = st
	}
	seen := make(map[string]bool, len(statuses))

	for _, src := range ix.sources {
		if info, err := os.Stat(src.Path); err != nil || !info.IsDir() {
			ix.logger.Warn().Str("root", src.Path).Msg("source root missing, skipping")
			result.MissingRoots = append(result.MissingRoots, src.Path)
			continue
		}

		err := filepath.WalkDir(src.Path, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == src.Path {
					return err
				}
				ix.logger.Debug().Err(err).Str("path", path).Msg("skipping unreadable entry")
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() || !d.Type().IsRegular() || seen[path] {
				return nil
			}
			// Nested roots: the deepest matching source owns the file
			if owner, ok := ix.sourceFor(path); !ok || owner.Path != src.Path {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			seen[path] = true
			result.Files++

			reason := ix.scanReason(known[path], info)
			switch reason {
			case reasonNone:
				result.Unchanged++
				return nil
			case reasonNew:
				result.New++
			case reasonChanged:
				result.Changed++
			case reasonRetry:
				result.Retried++
			case reasonPending:
				result.Pending++
			}
			return ix.enqueue(ctx, q, WorkItem{Path: path, Op: OpUpsert})
		})
		if err != nil {
			return nil, err
		}
	}

	for _, st := range statuses {
		if seen[st.Path] || st.State == types.FileStateIndexing || underAny(st.Path, result.MissingRoots) {
			continue
		}
		if err := q.Push(ctx, WorkItem{Path: st.Path, Op: OpDelete}); err != nil {
			return nil, err
		}
		result.Deleted++
	}

	result.Duration = ix.now().Sub(result.StartedAt)
	ix.lastScan.Store(result)
	ix.logger.Info().
		Int("files", result.Files).
		Int("queued", result.Queued()).
		Int("deleted", result.Deleted).
		Dur("duration", result.Duration).
		Msg("scan complete")
	return result, nil
}

// scanReason decides whether a file found on disk needs indexing
func (ix *Indexer) scanReason(st *types.FileIndexStatus, info fs.FileInfo) scanReason {
	if st == nil {
		return reasonNew
	}
	switch st.State {
	case types.FileStateIndexed:
		if st.Unchanged(modTime(info), info.Size()) {
			return reasonNone
		}
		return reasonChanged
	case types.FileStateFailed:
		if ix.now().Sub(st.UpdatedAt) >= retryDelay(st.Attempts, ix.cfg.RetryBackoff, ix.cfg.MaxRetryBackoff) {
			return reasonRetry
		}
		return reasonNone
	case types.FileStatePending:
		return reasonPending
	}
	return reasonNone
}

// retryDelay is base doubled for every attempt after the first, capped at
// limit
func retryDelay(attempts int, base, limit time.Duration) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}

func underAny(path string, roots []string) bool {
	for _, root := range roots {
		if strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
