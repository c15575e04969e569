package searcher

import (
	"sort"
	"time"

	"github.com/dshills/convosearch/internal/config"
	"github.com/dshills/convosearch/internal/query"
)

// candidate is a scored chunk, and after rollup the best chunk of a
// conversation
type candidate struct {
	chunkRef
	rowID    int64
	score    float64
	keyword  float64 // normalized, 0 if the keyword branch missed it
	semantic float64 // normalized, 0 if the semantic branch missed it
	updated  time.Time
	created  time.Time
}

// fuse normalizes each branch by its maximum and combines the scores. In
// hybrid mode a chunk both branches found scores w_k*k + w_s*s and a chunk
// only one branch found scores f times its branch score. A single-branch
// mode ranks by that branch's normalized score alone.
func fuse(keyword, semantic []hit, mode query.Mode, cfg config.SearchConfig) []*candidate {
	byRef := make(map[chunkRef]*candidate, len(keyword)+len(semantic))
	get := func(h hit) *candidate {
		c, ok := byRef[h.chunkRef]
		if !ok {
			c = &candidate{chunkRef: h.chunkRef, rowID: h.rowID, updated: h.updated, created: h.created}
			byRef[h.chunkRef] = c
		}
		return c
	}

	kwMax := maxScore(keyword)
	for _, h := range keyword {
		get(h).keyword = normalize(h.score, kwMax)
	}
	semMax := maxScore(semantic)
	for _, h := range semantic {
		get(h).semantic = normalize(h.score, semMax)
	}

	out := make([]*candidate, 0, len(byRef))
	for _, c := range byRef {
		switch {
		case mode == query.ModeKeyword:
			c.score = c.keyword
		case mode == query.ModeSemantic:
			c.score = c.semantic
		case c.keyword > 0 && c.semantic > 0:
			c.score = cfg.KeywordWeight*c.keyword + cfg.SemanticWeight*c.semantic
		case c.keyword > 0:
			c.score = cfg.SingleBranchDiscount * c.keyword
		default:
			c.score = cfg.SingleBranchDiscount * c.semantic
		}
		out = append(out, c)
	}
	return out
}

func maxScore(hits []hit) float64 {
	m := 0.0
	for _, h := range hits {
		if h.score > m {
			m = h.score
		}
	}
	return m
}

func normalize(score, top float64) float64 {
	if top <= 0 {
		return 0
	}
	return clamp01(score / top)
}

// rollup keeps the best chunk per conversation: the highest score, the
// lower ordinal on a tie
func rollup(chunks []*candidate) []*candidate {
	best := make(map[string]*candidate)
	for _, c := range chunks {
		cur, ok := best[c.conversationID]
		if !ok || c.score > cur.score || (c.score == cur.score && c.ordinal < cur.ordinal) {
			best[c.conversationID] = c
		}
	}
	out := make([]*candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	return out
}

// sortCandidates applies the total order for key. Every order ends on the
// conversation id, so equal inputs always produce the same pages.
func sortCandidates(cs []*candidate, key query.SortKey) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		switch key {
		case query.SortUpdated:
			if !a.updated.Equal(b.updated) {
				return a.updated.After(b.updated)
			}
		case query.SortCreated:
			if !a.created.Equal(b.created) {
				return a.created.After(b.created)
			}
		default:
			if a.score != b.score {
				return a.score > b.score
			}
			if !a.updated.Equal(b.updated) {
				return a.updated.After(b.updated)
			}
		}
		return a.conversationID < b.conversationID
	})
}
