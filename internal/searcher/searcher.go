package searcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/dshills/convosearch/internal/config"
	"github.com/dshills/convosearch/internal/query"
	"github.com/dshills/convosearch/internal/storage"
	"github.com/dshills/convosearch/internal/vectorindex"
	"github.com/dshills/convosearch/pkg/types"
)

// ErrSemanticUnavailable is returned when the semantic branch is requested
// but no embedder or vector index is configured
var ErrSemanticUnavailable = errors.New("semantic search unavailable")

// SnapshotSource opens consistent read views of the index store
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*storage.Snapshot, error)
}

// QueryEmbedder turns query text into a vector
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher finds the nearest embedding keys to a vector
type VectorSearcher interface {
	Search(ctx context.Context, vec []float32, k int, filter vectorindex.Filter) ([]vectorindex.Hit, error)
}

// Response is one page of ranked conversations plus request metadata
type Response struct {
	types.Page
	Mode     query.Mode
	Sort     query.SortKey
	Seq      uint64 // commit sequence the results reflect
	Duration time.Duration
	CacheHit bool

	KeywordCandidates  int
	SemanticCandidates int
	Warnings           []string // branches that failed in hybrid mode
}

// cacheEntry represents a cached response with expiration time
type cacheEntry struct {
	response  *Response
	expiresAt time.Time
}

// Searcher runs hybrid searches against snapshots of the store
type Searcher struct {
	store    SnapshotSource
	vectors  VectorSearcher
	embedder QueryEmbedder
	cfg      config.SearchConfig
	logger   zerolog.Logger

	cache   *lru.Cache[[32]byte, *cacheEntry]
	cacheMu sync.Mutex
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a Searcher. vectors and embedder may be nil, in which case
// only keyword and match-all searches succeed.
func New(store SnapshotSource, vectors VectorSearcher, embedder QueryEmbedder, cfg config.SearchConfig, logger zerolog.Logger) *Searcher {
	s := &Searcher{
		store:    store,
		vectors:  vectors,
		embedder: embedder,
		cfg:      withDefaults(cfg),
		logger:   logger.With().Str("component", "searcher").Logger(),
		now:      time.Now,
	}
	if s.cfg.CacheSize > 0 {
		cache, err := lru.New[[32]byte, *cacheEntry](s.cfg.CacheSize)
		if err == nil {
			s.cache = cache
		}
	}
	return s
}

func withDefaults(cfg config.SearchConfig) config.SearchConfig {
	def := config.DefaultConfig().Search
	if cfg.SemanticTopN <= 0 {
		cfg.SemanticTopN = def.SemanticTopN
	}
	if cfg.KeywordCandidates <= 0 {
		cfg.KeywordCandidates = def.KeywordCandidates
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = def.DefaultPageSize
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = def.MaxPageSize
	}
	if cfg.DefaultPageSize > cfg.MaxPageSize {
		cfg.DefaultPageSize = cfg.MaxPageSize
	}
	if cfg.SnippetRadius <= 0 {
		cfg.SnippetRadius = def.SnippetRadius
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	return cfg
}

// Search parses text with params and returns one page of results
func (s *Searcher) Search(ctx context.Context, text string, params query.Params) (*Response, error) {
	q, err := query.Parse(text, params)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, q)
}

// Run executes a parsed query
func (s *Searcher) Run(ctx context.Context, q *query.Query) (*Response, error) {
	start := s.now()

	if q.PageSize == 0 {
		q.PageSize = s.cfg.DefaultPageSize
	}
	if q.PageSize > s.cfg.MaxPageSize {
		q.PageSize = s.cfg.MaxPageSize
	}

	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer func() { _ = snap.Close() }()

	key := cacheKey(q, snap.Seq())
	if cached := s.checkCache(key); cached != nil {
		cached.CacheHit = true
		cached.Duration = s.now().Sub(start)
		return cached, nil
	}

	var resp *Response
	if q.MatchAll() {
		resp, err = s.browse(ctx, snap, q)
	} else {
		resp, err = s.rank(ctx, snap, q)
	}
	if err != nil {
		return nil, err
	}
	resp.Mode = q.Mode
	resp.Sort = q.Sort
	resp.Seq = snap.Seq()
	resp.Duration = s.now().Sub(start)

	// A degraded response is not worth pinning for the TTL
	if len(resp.Warnings) == 0 {
		s.storeInCache(key, resp)
	}

	s.logger.Debug().
		Str("mode", string(q.Mode)).
		Int("total", resp.Total).
		Int("page", resp.Index).
		Uint64("seq", resp.Seq).
		Dur("duration", resp.Duration).
		Msg("search complete")
	return resp, nil
}

// rank runs the retrieval branches, fuses, orders and hydrates one page
func (s *Searcher) rank(ctx context.Context, snap *storage.Snapshot, q *query.Query) (*Response, error) {
	br, err := s.runBranches(ctx, snap, q)
	if err != nil {
		return nil, err
	}

	fused := fuse(br.keyword, br.semantic, q.Mode, s.cfg)
	convs := rollup(fused)
	sortCandidates(convs, q.Sort)

	total := len(convs)
	offset := q.Page * q.PageSize
	var page []*candidate
	if offset < total {
		page = convs[offset:min(offset+q.PageSize, total)]
	}

	results, err := s.hydrate(ctx, snap, page, offset, q.Needles())
	if err != nil {
		return nil, err
	}

	return &Response{
		Page: types.Page{
			Results:  results,
			Total:    total,
			Index:    q.Page,
			PageSize: q.PageSize,
			HasMore:  offset+len(page) < total,
		},
		KeywordCandidates:  len(br.keyword),
		SemanticCandidates: len(br.semantic),
		Warnings:           br.warnings,
	}, nil
}

// browse pages through every conversation passing the filters. Ordering,
// limit and offset are pushed down to the store.
func (s *Searcher) browse(ctx context.Context, snap *storage.Snapshot, q *query.Query) (*Response, error) {
	base := storage.Query{
		Target:     storage.TargetConversations,
		Predicates: filterPredicates(q.Filters),
	}

	total, err := snap.Count(ctx, base)
	if err != nil {
		return nil, err
	}

	order := []storage.Order{{Column: storage.ColUpdatedAt, Desc: true}, {Column: storage.ColConversationID}}
	if q.Sort == query.SortCreated {
		order[0].Column = storage.ColCreatedAt
	}

	page := base
	page.Columns = []string{storage.ColRowID, storage.ColConversationID, storage.ColUpdatedAt, storage.ColCreatedAt}
	page.OrderBy = order
	page.Limit = q.PageSize
	page.Offset = q.Page * q.PageSize
	rows, err := snap.Query(ctx, page)
	if err != nil {
		return nil, err
	}

	cands := make([]*candidate, len(rows))
	for i, r := range rows {
		cands[i] = &candidate{
			chunkRef: chunkRef{conversationID: r.String(storage.ColConversationID), ordinal: 0},
			rowID:    r.Int64(storage.ColRowID),
			updated:  r.Time(storage.ColUpdatedAt),
			created:  r.Time(storage.ColCreatedAt),
		}
	}

	results, err := s.hydrate(ctx, snap, cands, page.Offset, nil)
	if err != nil {
		return nil, err
	}
	return &Response{
		Page: types.Page{
			Results:  results,
			Total:    total,
			Index:    q.Page,
			PageSize: q.PageSize,
			HasMore:  page.Offset+len(rows) < total,
		},
	}, nil
}

// hydrate loads conversation metadata and best-chunk snippets for one page
func (s *Searcher) hydrate(ctx context.Context, snap *storage.Snapshot, page []*candidate, offset int, needles []string) ([]types.SearchResult, error) {
	if len(page) == 0 {
		return []types.SearchResult{}, nil
	}

	ids := make([]interface{}, len(page))
	keys := make([]types.EmbeddingKey, len(page))
	for i, c := range page {
		ids[i] = c.conversationID
		keys[i] = types.EmbeddingKey{RowID: c.rowID, Ordinal: c.ordinal}
	}

	convRows, err := snap.Query(ctx, storage.Query{
		Target:     storage.TargetConversations,
		Predicates: []storage.Predicate{storage.In(storage.ColConversationID, ids...)},
		Columns: []string{
			storage.ColConversationID, storage.ColTitle, storage.ColProject, storage.ColTool,
			storage.ColFilePath, storage.ColCreatedAt, storage.ColUpdatedAt, storage.ColMessageCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	meta := make(map[string]storage.Row, len(convRows))
	for _, r := range convRows {
		meta[r.String(storage.ColConversationID)] = r
	}

	chunkRows, err := snap.Query(ctx, storage.Query{
		Target:     storage.TargetChunks,
		Predicates: []storage.Predicate{storage.EmbeddingKeys(keys...)},
		Columns:    []string{storage.ColConversationID, storage.ColOrdinal, storage.ColFirstMessage, storage.ColLastMessage, storage.ColText},
	})
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	chunks := make(map[chunkRef]storage.Row, len(chunkRows))
	for _, r := range chunkRows {
		chunks[chunkRef{r.String(storage.ColConversationID), r.Int(storage.ColOrdinal)}] = r
	}

	results := make([]types.SearchResult, 0, len(page))
	for i, c := range page {
		m, ok := meta[c.conversationID]
		if !ok {
			// Cannot happen inside one snapshot
			s.logger.Warn().Str("conversation", c.conversationID).Msg("ranked conversation missing from snapshot")
			continue
		}
		res := types.SearchResult{
			Rank:           offset + i + 1,
			ConversationID: c.conversationID,
			Title:          m.String(storage.ColTitle),
			Project:        m.String(storage.ColProject),
			Tool:           m.String(storage.ColTool),
			FilePath:       m.String(storage.ColFilePath),
			CreatedAt:      m.Time(storage.ColCreatedAt),
			UpdatedAt:      m.Time(storage.ColUpdatedAt),
			MessageCount:   m.Int(storage.ColMessageCount),
			Score:          c.score,
			KeywordScore:   c.keyword,
			SemanticScore:  c.semantic,
			ChunkOrdinal:   c.ordinal,
		}
		if ch, ok := chunks[c.chunkRef]; ok {
			res.FirstMessage = ch.Int(storage.ColFirstMessage)
			res.LastMessage = ch.Int(storage.ColLastMessage)
			res.Snippet = Snippet(ch.String(storage.ColText), needles, s.cfg.SnippetRadius)
		}
		results = append(results, res)
	}
	return results, nil
}

func filterPredicates(f query.Filters) []storage.Predicate {
	var preds []storage.Predicate
	if f.Project != "" {
		preds = append(preds, storage.Eq(storage.ColProject, f.Project))
	}
	if f.Tool != "" {
		preds = append(preds, storage.Eq(storage.ColTool, f.Tool))
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		preds = append(preds, storage.TimeRange(storage.ColUpdatedAt, f.From, f.To))
	}
	return preds
}

// cacheKey binds the canonical query to the snapshot it was answered from
func cacheKey(q *query.Query, seq uint64) [32]byte {
	return sha256.Sum256([]byte(fmt.Sprintf("%s|seq=%d", q.Canonical(), seq)))
}

// checkCache returns a copy of a live cached response, or nil
func (s *Searcher) checkCache(key [32]byte) *Response {
	if s.cache == nil {
		return nil
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	entry, found := s.cache.Get(key)
	if !found {
		s.misses.Add(1)
		return nil
	}
	if s.now().After(entry.expiresAt) {
		s.cache.Remove(key)
		s.misses.Add(1)
		return nil
	}
	s.hits.Add(1)
	return copyResponse(entry.response)
}

func (s *Searcher) storeInCache(key [32]byte, resp *Response) {
	if s.cache == nil {
		return
	}
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache.Add(key, &cacheEntry{
		response:  copyResponse(resp),
		expiresAt: s.now().Add(s.cfg.CacheTTL),
	})
}

// PurgeCache drops every cached response. Needed after a restore, which may
// move the commit sequence backwards.
func (s *Searcher) PurgeCache() {
	if s.cache == nil {
		return
	}
	s.cacheMu.Lock()
	s.cache.Purge()
	s.cacheMu.Unlock()
}

// CacheStats returns cache hits, misses and current size
func (s *Searcher) CacheStats() (hits, misses int64, size int) {
	if s.cache != nil {
		size = s.cache.Len()
	}
	return s.hits.Load(), s.misses.Load(), size
}

// copyResponse copies the result slices; SearchResult holds only values
func copyResponse(src *Response) *Response {
	dst := *src
	dst.Results = append([]types.SearchResult(nil), src.Results...)
	if dst.Results == nil {
		dst.Results = []types.SearchResult{}
	}
	dst.Warnings = append([]string(nil), src.Warnings...)
	return &dst
}
