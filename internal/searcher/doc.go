// Package searcher implements hybrid conversation search combining lexical
// matching and vector similarity.
//
// The searcher provides three modes:
//   - Hybrid: keyword and semantic branches fused (default)
//   - Keyword: substring matching of terms and phrases only
//   - Semantic: nearest neighbours of the embedded query only
//
// # Basic Usage
//
//	s := searcher.New(store, vindex, embedClient, cfg.Search, logger)
//
//	resp, err := s.Search(ctx, `refactor "parser module" project:convosearch`, query.Params{
//	    Sort:     "relevance",
//	    PageSize: 10,
//	})
//
//	for _, r := range resp.Results {
//	    fmt.Printf("[%d] %s (%.2f) %s\n", r.Rank, r.Title, r.Score, r.Snippet)
//	}
//
// # Request Flow
//
// Every request is answered from one storage.Snapshot, so a commit landing
// mid-request is either fully visible or not at all:
//
//  1. Parse the query and clamp the page size
//  2. Open a snapshot and check the result cache
//  3. Run the branches the mode asks for
//  4. Fuse chunk scores and roll them up per conversation
//  5. Order, paginate and hydrate the page (metadata and snippets)
//
// A query with no terms or phrases skips ranking and browses the
// conversations table with ordering, limit and offset pushed down.
//
// # Branches
//
// The keyword branch is a chunk query with a TextMatch predicate; its raw
// score is the fraction of needles (phrases and terms) a chunk contains.
//
// The semantic branch embeds the query text, asks the vector index for the
// top semantic_top_n keys with project and tool pushed into the index
// filter, then resolves the keys through the snapshot. Keys of superseded
// versions resolve to nothing. Similarity is 1 - distance, clamped to [0, 1].
//
// In hybrid mode the embedding call and vector search run concurrently with
// the keyword query. If one branch fails it is logged, reported in
// Response.Warnings, and the other branch's results are used.
//
// # Fusion
//
// Each branch is normalized by dividing by its maximum. In hybrid mode:
//
//	both branches:  keyword_weight*k + semantic_weight*s
//	one branch:     single_branch_discount * score
//
// The conversation score is the best chunk score; the lower ordinal wins a
// tie. Orders:
//
//	relevance  score desc, updated desc, id asc
//	updated    updated desc, id asc
//	created    created desc, id asc
//
// # Caching
//
// Responses are cached in an LRU with a TTL, keyed by the canonical query
// and the snapshot's commit sequence. Any commit therefore changes the key
// and a stale page is never served. PurgeCache clears the cache after a
// restore.
//
// # Thread Safety
//
// Searcher is safe for concurrent use. Each request uses its own snapshot.
package searcher
