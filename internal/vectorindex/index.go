// Package vectorindex keeps chunk embeddings in a chromem-go collection for
// nearest neighbour search.
//
// The index is derived data: the SQLite store holds every live vector, so a
// lost or corrupt index is rebuilt with Reset followed by Sync. Document ids
// are embedding keys ("<row_id>:<ordinal>"); a key whose version has been
// superseded simply resolves to nothing in the store, so removals may lag a
// commit without exposing stale content.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"github.com/dshills/convosearch/pkg/types"
)

const collectionName = "chunks"

// Metadata keys stored with every document
const (
	MetaConversationID = "conversation_id"
	MetaProject        = "project"
	MetaTool           = "tool"
)

// syncBatch bounds the number of vectors fetched from the store at once
const syncBatch = 512

// Entry is one vector to add
type Entry struct {
	Key            types.EmbeddingKey
	ConversationID string
	Project        string
	Tool           string
	Vector         []float32 // may be nil in Sync input
}

// Filter restricts a search to one project and/or tool
type Filter struct {
	Project string
	Tool    string
}

func (f Filter) where() map[string]string {
	if f.Project == "" && f.Tool == "" {
		return nil
	}
	where := make(map[string]string, 2)
	if f.Project != "" {
		where[MetaProject] = f.Project
	}
	if f.Tool != "" {
		where[MetaTool] = f.Tool
	}
	return where
}

// Hit is one search result
type Hit struct {
	Key      types.EmbeddingKey
	Distance float64 // 1 - cosine similarity
}

// FetchFunc returns stored vectors for keys. Keys with no stored vector are
// left out of the result.
type FetchFunc func(ctx context.Context, keys []string) (map[string][]float32, error)

// SyncResult reports what Sync changed
type SyncResult struct {
	Added   int
	Removed int
	Missing []string // live keys with no stored vector
}

// Index is a chromem-go backed vector index
type Index struct {
	dir    string
	logger zerolog.Logger

	mu        sync.RWMutex
	db        *chromem.DB
	col       *chromem.Collection
	keys      map[string]struct{}
	indexID   string
	dimension int
	seq       uint64
	dirty     bool
}

// New creates an empty index for the store identified by indexID. dir is
// where Flush and Load keep the index files.
func New(dir, indexID string, dimension int, logger zerolog.Logger) (*Index, error) {
	if dimension <= 0 {
		return nil, &types.ConfigError{Setting: "embedding.dimension", Err: fmt.Errorf("invalid dimension %d", dimension)}
	}
	idx := &Index{
		dir:       dir,
		logger:    logger.With().Str("component", "vectorindex").Logger(),
		indexID:   indexID,
		dimension: dimension,
	}
	if err := idx.resetLocked(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) resetLocked() error {
	db := chromem.NewDB()
	col, err := db.CreateCollection(collectionName, nil, nil)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	idx.db = db
	idx.col = col
	idx.keys = make(map[string]struct{})
	idx.seq = 0
	idx.dirty = true
	return nil
}

// Reset drops every vector
func (idx *Index) Reset() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.resetLocked()
}

// Count returns the number of vectors held
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.keys)
}

// Seq returns the store commit sequence the index reflects
func (idx *Index) Seq() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.seq
}

// Dimension returns the vector dimension
func (idx *Index) Dimension() int {
	return idx.dimension
}

// Dirty reports whether there are changes not yet flushed
func (idx *Index) Dirty() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dirty
}

// Has reports whether key is indexed
func (idx *Index) Has(key string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.keys[key]
	return ok
}

// Apply removes and adds vectors for one store commit and records seq.
// Removing unknown keys is a no-op; adding an existing key replaces it.
func (idx *Index) Apply(ctx context.Context, seq uint64, removed []string, added []Entry) error {
	docs, err := idx.documents(added)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.applyLocked(ctx, removed, docs); err != nil {
		return err
	}
	if seq > idx.seq {
		idx.seq = seq
	}
	return nil
}

func (idx *Index) applyLocked(ctx context.Context, removed []string, docs []chromem.Document) error {
	if len(removed) > 0 {
		if err := idx.col.Delete(ctx, nil, nil, removed...); err != nil {
			return fmt.Errorf("delete vectors: %w", err)
		}
		for _, k := range removed {
			delete(idx.keys, k)
		}
		idx.dirty = true
	}

	if len(docs) > 0 {
		if err := idx.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return fmt.Errorf("add vectors: %w", err)
		}
		for _, d := range docs {
			idx.keys[d.ID] = struct{}{}
		}
		idx.dirty = true
	}
	return nil
}

// documents converts entries, rejecting a wrong dimension and skipping zero
// vectors, which have no direction to compare.
func (idx *Index) documents(entries []Entry) ([]chromem.Document, error) {
	docs := make([]chromem.Document, 0, len(entries))
	for _, e := range entries {
		if len(e.Vector) != idx.dimension {
			return nil, &types.ConfigError{
				Setting: "embedding.dimension",
				Err:     fmt.Errorf("%w: vector %s has %d, index has %d", types.ErrDimensionMismatch, e.Key, len(e.Vector), idx.dimension),
			}
		}
		if zeroVector(e.Vector) {
			idx.logger.Warn().Str("key", e.Key.String()).Msg("skipping zero vector")
			continue
		}
		docs = append(docs, chromem.Document{
			ID: e.Key.String(),
			Metadata: map[string]string{
				MetaConversationID: e.ConversationID,
				MetaProject:        e.Project,
				MetaTool:           e.Tool,
			},
			Embedding: e.Vector,
		})
	}
	return docs, nil
}

func zeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 && !math.IsNaN(float64(x)) {
			return false
		}
	}
	return true
}

// Search returns up to k keys nearest to vec, closest first
func (idx *Index) Search(ctx context.Context, vec []float32, k int, filter Filter) ([]Hit, error) {
	if len(vec) != idx.dimension {
		return nil, &types.ConfigError{
			Setting: "embedding.dimension",
			Err:     fmt.Errorf("%w: query has %d, index has %d", types.ErrDimensionMismatch, len(vec), idx.dimension),
		}
	}
	if k <= 0 || zeroVector(vec) {
		return nil, nil
	}

	// Held across the query so a concurrent delete cannot shrink the
	// collection below k
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	col := idx.col

	// chromem-go requires nResults <= collection size
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := col.QueryEmbedding(ctx, vec, k, filter.where(), nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		key, err := types.ParseEmbeddingKey(r.ID)
		if err != nil {
			idx.logger.Warn().Err(err).Msg("skipping malformed vector id")
			continue
		}
		hits = append(hits, Hit{Key: key, Distance: 1 - float64(r.Similarity)})
	}
	// Equal similarities come back in map order
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		if hits[i].Key.RowID != hits[j].Key.RowID {
			return hits[i].Key.RowID < hits[j].Key.RowID
		}
		return hits[i].Key.Ordinal < hits[j].Key.Ordinal
	})
	return hits, nil
}

// Sync reconciles the index with the live embeddings of the store: keys not
// in live are removed and live keys not indexed are added with vectors from
// fetch. Afterwards the index reflects seq.
func (idx *Index) Sync(ctx context.Context, seq uint64, live []Entry, fetch FetchFunc) (*SyncResult, error) {
	if fetch == nil {
		return nil, errors.New("sync requires a fetch function")
	}

	liveByKey := make(map[string]Entry, len(live))
	for _, e := range live {
		liveByKey[e.Key.String()] = e
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	result := &SyncResult{}

	var stale []string
	for k := range idx.keys {
		if _, ok := liveByKey[k]; !ok {
			stale = append(stale, k)
		}
	}
	if err := idx.applyLocked(ctx, stale, nil); err != nil {
		return nil, err
	}
	result.Removed = len(stale)

	var missing []string
	for k := range liveByKey {
		if _, ok := idx.keys[k]; !ok {
			missing = append(missing, k)
		}
	}
	sort.Strings(missing)

	for start := 0; start < len(missing); start += syncBatch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+syncBatch, len(missing))
		batch := missing[start:end]

		vectors, err := fetch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("fetch vectors: %w", err)
		}

		entries := make([]Entry, 0, len(batch))
		for _, k := range batch {
			vec, ok := vectors[k]
			if !ok {
				result.Missing = append(result.Missing, k)
				continue
			}
			e := liveByKey[k]
			e.Vector = vec
			entries = append(entries, e)
		}
		docs, err := idx.documents(entries)
		if err != nil {
			return nil, err
		}
		if err := idx.applyLocked(ctx, nil, docs); err != nil {
			return nil, err
		}
		result.Added += len(docs)
	}

	idx.seq = seq
	idx.dirty = true

	idx.logger.Info().
		Int("added", result.Added).
		Int("removed", result.Removed).
		Int("missing", len(result.Missing)).
		Uint64("seq", seq).
		Msg("vector index synced")
	return result, nil
}

// Rebuild discards the index and repopulates it from the store
func (idx *Index) Rebuild(ctx context.Context, seq uint64, live []Entry, fetch FetchFunc) (*SyncResult, error) {
	if err := idx.Reset(); err != nil {
		return nil, err
	}
	return idx.Sync(ctx, seq, live, fetch)
}
