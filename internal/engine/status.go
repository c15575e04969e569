package engine

import (
	"context"
	"sort"
	"time"

	"github.com/dshills/convosearch/pkg/types"
)

// maxStatusErrors caps the failed files listed in a status report
const maxStatusErrors = 10

// Status is a point-in-time report on the index and the pipeline
type Status struct {
	IndexID            string           `json:"index_id"`
	SchemaVersion      string           `json:"schema_version"`
	Seq                uint64           `json:"commit_seq"`
	EmbeddingProvider  string           `json:"embedding_provider"`
	EmbeddingModel     string           `json:"embedding_model"`
	EmbeddingDimension int              `json:"embedding_dimension"`
	Conversations      int64            `json:"conversations"`
	Chunks             int64            `json:"chunks"`
	Embeddings         int64            `json:"embeddings"`
	StaleVersions      int64            `json:"stale_versions"`
	Files              map[string]int64 `json:"files"`
	SizeBytes          int64            `json:"size_bytes"`

	Vectors VectorStatus   `json:"vectors"`
	Index   PipelineStatus `json:"pipeline"`
	Search  SearchStatus   `json:"search"`

	RecentErrors []FileError `json:"recent_errors,omitempty"`
	Sources      []string    `json:"sources"`
	WritesPaused bool        `json:"writes_paused"`
	Uptime       string      `json:"uptime"`
}

// VectorStatus describes the in-memory vector index
type VectorStatus struct {
	Count     int    `json:"count"`
	Seq       uint64 `json:"seq"`
	Dirty     bool   `json:"dirty"`
	BuildMode string `json:"build_mode"`
	InSync    bool   `json:"in_sync"`
}

// PipelineStatus carries the indexer counters since the engine opened
type PipelineStatus struct {
	Running       bool        `json:"running"`
	Scanning      bool        `json:"scanning"`
	Queued        int         `json:"queued"`
	Debouncing    int         `json:"debouncing"`
	FilesIndexed  int64       `json:"files_indexed"`
	FilesSkipped  int64       `json:"files_skipped"`
	FilesFailed   int64       `json:"files_failed"`
	FilesDeleted  int64       `json:"files_deleted"`
	ChunksCreated int64       `json:"chunks_created"`
	EmbedCalls    int64       `json:"embed_calls"`
	EmbedHits     int64       `json:"embed_cache_hits"`
	LastScan      *ScanReport `json:"last_scan,omitempty"`
}

// ScanReport summarizes the most recent scan
type ScanReport struct {
	At           time.Time `json:"at"`
	DurationMs   int64     `json:"duration_ms"`
	Files        int       `json:"files"`
	Queued       int       `json:"queued"`
	Unchanged    int       `json:"unchanged"`
	Deleted      int       `json:"deleted"`
	MissingRoots []string  `json:"missing_roots,omitempty"`
}

// SearchStatus reports result cache usage
type SearchStatus struct {
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
	CacheSize   int   `json:"cache_size"`
}

// FileError is a file that failed to index
type FileError struct {
	Path     string    `json:"path"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// Status collects store totals, vector and pipeline state, and the most
// recent indexing failures
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	st, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}

	files := make(map[string]int64, len(st.Files))
	for state, n := range st.Files {
		files[string(state)] = n
	}

	idx := e.vectors.get()
	ps := e.indexer.Stats()
	hits, misses, size := e.searcher.CacheStats()

	status := &Status{
		IndexID:            st.IndexID,
		SchemaVersion:      st.SchemaVersion,
		Seq:                st.Seq,
		EmbeddingProvider:  e.embedder.Provider(),
		EmbeddingModel:     st.EmbeddingModel,
		EmbeddingDimension: st.EmbeddingDimension,
		Conversations:      st.Conversations,
		Chunks:             st.Chunks,
		Embeddings:         st.Embeddings,
		StaleVersions:      st.StaleVersions,
		Files:              files,
		SizeBytes:          st.SizeBytes,
		Vectors: VectorStatus{
			Count:     idx.Count(),
			Seq:       idx.Seq(),
			Dirty:     idx.Dirty(),
			BuildMode: e.BuildMode(),
			InSync:    idx.Seq() == st.Seq,
		},
		Index: PipelineStatus{
			Running:       ps.Running,
			Scanning:      ps.Scanning,
			Queued:        ps.Queued,
			Debouncing:    ps.Debouncing,
			FilesIndexed:  ps.FilesIndexed,
			FilesSkipped:  ps.FilesSkipped,
			FilesFailed:   ps.FilesFailed,
			FilesDeleted:  ps.FilesDeleted,
			ChunksCreated: ps.ChunksCreated,
			EmbedCalls:    e.embedder.Calls(),
			EmbedHits:     e.embedder.CacheHits(),
		},
		Search: SearchStatus{
			CacheHits:   hits,
			CacheMisses: misses,
			CacheSize:   size,
		},
		WritesPaused: e.gate.Paused(),
		Uptime:       time.Since(e.startedAt).Round(time.Second).String(),
	}

	if scan := ps.LastScan; scan != nil {
		status.Index.LastScan = &ScanReport{
			At:           scan.StartedAt,
			DurationMs:   scan.Duration.Milliseconds(),
			Files:        scan.Files,
			Queued:       scan.Queued(),
			Unchanged:    scan.Unchanged,
			Deleted:      scan.Deleted,
			MissingRoots: scan.MissingRoots,
		}
	}

	for _, src := range e.cfg.Sources {
		status.Sources = append(status.Sources, src.Path)
	}

	failed, err := e.store.ListFileStatus(ctx, types.FileStateFailed)
	if err != nil {
		return nil, err
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].UpdatedAt.After(failed[j].UpdatedAt) })
	for _, f := range failed {
		if len(status.RecentErrors) == maxStatusErrors {
			break
		}
		status.RecentErrors = append(status.RecentErrors, FileError{
			Path:     f.Path,
			Error:    f.LastError,
			Attempts: f.Attempts,
			At:       f.UpdatedAt,
		})
	}
	return status, nil
}
