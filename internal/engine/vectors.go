package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dshills/convosearch/internal/storage"
	"github.com/dshills/convosearch/internal/vectorindex"
	"github.com/dshills/convosearch/pkg/types"
)

// vectorHandle lets restore and re-embed swap the vector index under the
// searcher and the pipeline
type vectorHandle struct {
	mu  sync.RWMutex
	idx *vectorindex.Index
}

func (h *vectorHandle) get() *vectorindex.Index {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.idx
}

func (h *vectorHandle) swap(idx *vectorindex.Index) {
	h.mu.Lock()
	h.idx = idx
	h.mu.Unlock()
}

// Search implements searcher.VectorSearcher
func (h *vectorHandle) Search(ctx context.Context, vec []float32, k int, filter vectorindex.Filter) ([]vectorindex.Hit, error) {
	return h.get().Search(ctx, vec, k, filter)
}

// Apply implements indexer.VectorIndex
func (h *vectorHandle) Apply(ctx context.Context, seq uint64, removed []string, added []vectorindex.Entry) error {
	return h.get().Apply(ctx, seq, removed, added)
}

func (e *Engine) newVectorIndex(indexID string, dimension int) (*vectorindex.Index, error) {
	return vectorindex.New(e.cfg.VectorDir(), indexID, dimension, e.base)
}

// loadVectors loads the flushed index, catching it up with the store when
// it is behind and rebuilding it when it is missing or unreadable
func (e *Engine) loadVectors(ctx context.Context, idx *vectorindex.Index) error {
	err := idx.Load(ctx)
	switch {
	case err == nil:
	case errors.Is(err, vectorindex.ErrNoSnapshot):
		e.logger.Info().Msg("no vector index on disk, building from store")
		return e.rebuildVectors(ctx, idx)
	case types.IsCorruption(err):
		e.logger.Warn().Err(err).Msg("vector index unusable, rebuilding from store")
		return e.rebuildVectors(ctx, idx)
	default:
		return err
	}

	state, err := e.store.IndexState(ctx)
	if err != nil {
		return err
	}
	if idx.Seq() == state.Seq {
		e.setBuildMode(BuildLoaded)
		return nil
	}
	e.logger.Info().Uint64("vector_seq", idx.Seq()).Uint64("store_seq", state.Seq).Msg("vector index behind store, syncing")
	if _, err := e.syncVectors(ctx, idx, false); err != nil {
		return err
	}
	e.setBuildMode(BuildSynced)
	return nil
}

func (e *Engine) rebuildVectors(ctx context.Context, idx *vectorindex.Index) error {
	if _, err := e.syncVectors(ctx, idx, true); err != nil {
		return err
	}
	e.setBuildMode(BuildRebuilt)
	return idx.Flush(ctx)
}

// syncVectors reconciles idx with the store's live embeddings. Live keys
// whose vector blob is missing are embedded again from their chunk text.
// The caller keeps writers out.
func (e *Engine) syncVectors(ctx context.Context, idx *vectorindex.Index, rebuild bool) (*vectorindex.SyncResult, error) {
	state, err := e.store.IndexState(ctx)
	if err != nil {
		return nil, err
	}
	live, err := e.store.LiveEmbeddings(ctx)
	if err != nil {
		return nil, err
	}
	entries := toEntries(live)

	var res *vectorindex.SyncResult
	if rebuild {
		res, err = idx.Rebuild(ctx, state.Seq, entries, e.store.EmbeddingVectors)
	} else {
		res, err = idx.Sync(ctx, state.Seq, entries, e.store.EmbeddingVectors)
	}
	if err != nil {
		return nil, err
	}
	if len(res.Missing) == 0 {
		return res, nil
	}

	e.logger.Warn().Int("keys", len(res.Missing)).Msg("vectors missing from store, re-embedding")
	byKey := make(map[string]vectorindex.Entry, len(entries))
	for _, en := range entries {
		byKey[en.Key.String()] = en
	}
	vectors, err := e.embedKeys(ctx, res.Missing)
	if err != nil {
		return nil, err
	}
	seq, err := e.store.ReplaceEmbeddingSpace(ctx, e.embedder.Model(), e.embedder.Dimension(), vectors)
	if err != nil {
		return nil, err
	}
	added := make([]vectorindex.Entry, 0, len(vectors))
	for key, vec := range vectors {
		en := byKey[key]
		en.Vector = vec
		added = append(added, en)
	}
	if err := idx.Apply(ctx, seq, nil, added); err != nil {
		return nil, err
	}
	res.Added += len(added)
	res.Missing = nil
	return res, nil
}

// embedKeys embeds the chunk texts behind keys
func (e *Engine) embedKeys(ctx context.Context, keys []string) (map[string][]float32, error) {
	texts, err := e.store.ChunkTexts(ctx, keys)
	if err != nil {
		return nil, err
	}
	ordered := make([]string, 0, len(texts))
	batch := make([]string, 0, len(texts))
	for _, k := range keys {
		if t, ok := texts[k]; ok {
			ordered = append(ordered, k)
			batch = append(batch, t)
		}
	}
	if len(batch) == 0 {
		return map[string][]float32{}, nil
	}

	vecs, err := e.embedder.Embed(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("re-embed %d chunks: %w", len(batch), err)
	}
	out := make(map[string][]float32, len(ordered))
	for i, k := range ordered {
		out[k] = vecs[i]
	}
	return out, nil
}

func toEntries(records []storage.EmbeddingRecord) []vectorindex.Entry {
	out := make([]vectorindex.Entry, len(records))
	for i, r := range records {
		out[i] = vectorindex.Entry{
			Key:            r.Key,
			ConversationID: r.ConversationID,
			Project:        r.Project,
			Tool:           r.Tool,
			Vector:         r.Vector,
		}
	}
	return out
}
