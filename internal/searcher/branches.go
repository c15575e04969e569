package searcher

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/convosearch/internal/query"
	"github.com/dshills/convosearch/internal/storage"
	"github.com/dshills/convosearch/internal/vectorindex"
	"github.com/dshills/convosearch/pkg/types"
)

// chunkRef identifies a live chunk within one snapshot
type chunkRef struct {
	conversationID string
	ordinal        int
}

// hit is a chunk found by one branch with its raw branch score
type hit struct {
	chunkRef
	rowID   int64
	score   float64
	updated time.Time
	created time.Time
}

type branchResults struct {
	keyword  []hit
	semantic []hit
	warnings []string
}

// vectorResult holds the snapshot-independent half of the semantic branch
type vectorResult struct {
	hits []vectorindex.Hit
	err  error
}

// runBranches runs the branches the query mode asks for. The embedding call
// and vector search run concurrently with the keyword query; the snapshot is
// only touched from this goroutine.
func (s *Searcher) runBranches(ctx context.Context, snap *storage.Snapshot, q *query.Query) (*branchResults, error) {
	out := &branchResults{}

	switch q.Mode {
	case query.ModeKeyword:
		kw, err := s.keywordBranch(ctx, snap, q)
		if err != nil {
			return nil, err
		}
		out.keyword = kw
		return out, nil

	case query.ModeSemantic:
		vec := s.vectorSearch(ctx, q)
		if vec.err != nil {
			return nil, vec.err
		}
		sem, err := s.resolveVectorHits(ctx, snap, q, vec.hits)
		if err != nil {
			return nil, err
		}
		out.semantic = sem
		return out, nil
	}

	vecChan := make(chan vectorResult, 1)
	go func() {
		vecChan <- s.vectorSearch(ctx, q)
	}()

	kw, kwErr := s.keywordBranch(ctx, snap, q)

	var vec vectorResult
	select {
	case vec = <-vecChan:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	semErr := vec.err
	var sem []hit
	if semErr == nil {
		sem, semErr = s.resolveVectorHits(ctx, snap, q, vec.hits)
	}

	if kwErr != nil && semErr != nil {
		return nil, fmt.Errorf("both branches failed: keyword=%w, semantic=%v", kwErr, semErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if kwErr != nil {
		s.logger.Warn().Err(kwErr).Msg("keyword branch failed, using semantic results")
		out.warnings = append(out.warnings, "keyword branch failed: "+kwErr.Error())
	}
	if semErr != nil {
		s.logger.Warn().Err(semErr).Msg("semantic branch failed, using keyword results")
		out.warnings = append(out.warnings, "semantic branch failed: "+semErr.Error())
	}
	out.keyword = kw
	out.semantic = sem
	return out, nil
}

// keywordBranch scores chunks by the fraction of needles they contain. At
// most KeywordCandidates chunks are read; if that cap cuts the list, every
// conversation left out still gets its best chunk, so no matching
// conversation drops out of the ranking.
func (s *Searcher) keywordBranch(ctx context.Context, snap *storage.Snapshot, q *query.Query) ([]hit, error) {
	kq := storage.Query{
		Target:     storage.TargetChunks,
		Predicates: append(filterPredicates(q.Filters), storage.TextMatch(q.Needles()...)),
		Columns: []string{
			storage.ColRowID, storage.ColConversationID, storage.ColOrdinal,
			storage.ColUpdatedAt, storage.ColCreatedAt, storage.ColLexicalScore,
		},
		OrderBy: []storage.Order{
			{Column: storage.ColLexicalScore, Desc: true},
			{Column: storage.ColUpdatedAt, Desc: true},
			{Column: storage.ColConversationID},
			{Column: storage.ColOrdinal},
		},
		Limit: s.cfg.KeywordCandidates + 1,
	}
	rows, err := snap.Query(ctx, kq)
	if err != nil {
		return nil, fmt.Errorf("keyword branch: %w", err)
	}

	if len(rows) > s.cfg.KeywordCandidates {
		rows = rows[:s.cfg.KeywordCandidates]
		seen := make(map[string]bool, len(rows))
		for _, r := range rows {
			seen[r.String(storage.ColConversationID)] = true
		}

		kq.Limit = 0
		kq.BestPerConversation = true
		best, err := snap.Query(ctx, kq)
		if err != nil {
			return nil, fmt.Errorf("keyword branch: %w", err)
		}
		for _, r := range best {
			if !seen[r.String(storage.ColConversationID)] {
				rows = append(rows, r)
			}
		}
		s.logger.Debug().
			Int("cap", s.cfg.KeywordCandidates).
			Int("conversations", len(best)).
			Msg("keyword candidates capped")
	}

	hits := make([]hit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, hit{
			chunkRef: chunkRef{r.String(storage.ColConversationID), r.Int(storage.ColOrdinal)},
			rowID:    r.Int64(storage.ColRowID),
			score:    r.Float64(storage.ColLexicalScore),
			updated:  r.Time(storage.ColUpdatedAt),
			created:  r.Time(storage.ColCreatedAt),
		})
	}
	return hits, nil
}

// vectorSearch embeds the query text and finds the nearest keys
func (s *Searcher) vectorSearch(ctx context.Context, q *query.Query) vectorResult {
	if s.embedder == nil || s.vectors == nil {
		return vectorResult{err: ErrSemanticUnavailable}
	}
	vec, err := s.embedder.EmbedQuery(ctx, q.SemanticText)
	if err != nil {
		return vectorResult{err: fmt.Errorf("embed query: %w", err)}
	}
	hits, err := s.vectors.Search(ctx, vec, s.cfg.SemanticTopN, vectorindex.Filter{
		Project: q.Filters.Project,
		Tool:    q.Filters.Tool,
	})
	if err != nil {
		return vectorResult{err: fmt.Errorf("vector search: %w", err)}
	}
	return vectorResult{hits: hits}
}

// resolveVectorHits maps keys to live chunks in the snapshot. Keys of
// superseded versions, and chunks outside the date filter, drop out here.
func (s *Searcher) resolveVectorHits(ctx context.Context, snap *storage.Snapshot, q *query.Query, vhits []vectorindex.Hit) ([]hit, error) {
	if len(vhits) == 0 {
		return nil, nil
	}

	similarity := make(map[types.EmbeddingKey]float64, len(vhits))
	keys := make([]types.EmbeddingKey, 0, len(vhits))
	for _, h := range vhits {
		sim := clamp01(1 - h.Distance)
		if sim <= 0 {
			continue
		}
		similarity[h.Key] = sim
		keys = append(keys, h.Key)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	preds := append(filterPredicates(q.Filters), storage.EmbeddingKeys(keys...))
	rows, err := snap.Query(ctx, storage.Query{
		Target:     storage.TargetChunks,
		Predicates: preds,
		Columns: []string{
			storage.ColRowID, storage.ColConversationID, storage.ColOrdinal,
			storage.ColUpdatedAt, storage.ColCreatedAt,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("resolve vector hits: %w", err)
	}

	hits := make([]hit, 0, len(rows))
	for _, r := range rows {
		key := types.EmbeddingKey{RowID: r.Int64(storage.ColRowID), Ordinal: r.Int(storage.ColOrdinal)}
		hits = append(hits, hit{
			chunkRef: chunkRef{r.String(storage.ColConversationID), key.Ordinal},
			rowID:    key.RowID,
			score:    similarity[key],
			updated:  r.Time(storage.ColUpdatedAt),
			created:  r.Time(storage.ColCreatedAt),
		})
	}
	return hits, nil
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
