// Package query parses search input into a structured query.
//
// A raw query mixes free text, "quoted phrases" and filter tokens:
//
//	refactor "parser module" project:convosearch after:2024-01-01 mode:keyword
//
// Filter tokens override the matching Params field. Whatever text remains
// is matched lexically (terms and phrases) and embedded for the semantic
// branch. An empty query matches every conversation that
// passes the filters.
package query

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/dshills/convosearch/pkg/types"
)

// Mode selects which retrieval branches run
type Mode string

const (
	ModeKeyword  Mode = "keyword"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
)

// SortKey selects the result order
type SortKey string

const (
	SortRelevance SortKey = "relevance"
	SortUpdated   SortKey = "updated"
	SortCreated   SortKey = "created"
)

// Filter token prefixes recognised inside the query text
const (
	tokenProject = "project"
	tokenTool    = "tool"
	tokenAfter   = "after"
	tokenBefore  = "before"
	tokenMode    = "mode"
	tokenSort    = "sort"
)

// Params are the structured request parameters accompanying the text
type Params struct {
	Project  string
	Tool     string
	From     string // RFC3339 or YYYY-MM-DD, inclusive
	To       string // RFC3339 (exclusive) or YYYY-MM-DD (whole day included)
	Sort     string
	Mode     string
	Page     int // 0-based
	PageSize int // 0 means the engine default
}

// Filters restrict which conversations may match. Dates apply to the
// conversation's updated_at; From is inclusive and To exclusive.
type Filters struct {
	Project string
	Tool    string
	From    time.Time
	To      time.Time
}

// Query is the parsed form of a search request
type Query struct {
	Terms        []string // lowercase words
	Phrases      []string // lowercase exact phrases
	SemanticText string
	Filters      Filters
	Mode         Mode
	Sort         SortKey
	Page         int
	PageSize     int
}

// MatchAll reports whether the query has no text to match
func (q *Query) MatchAll() bool {
	return len(q.Terms) == 0 && len(q.Phrases) == 0
}

// Needles returns the substrings the keyword branch looks for: phrases
// first, then terms, without duplicates.
func (q *Query) Needles() []string {
	seen := make(map[string]bool, len(q.Phrases)+len(q.Terms))
	out := make([]string, 0, len(q.Phrases)+len(q.Terms))
	for _, list := range [][]string{q.Phrases, q.Terms} {
		for _, n := range list {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// Canonical renders the query deterministically, for cache keys
func (q *Query) Canonical() string {
	terms := append([]string(nil), q.Terms...)
	phrases := append([]string(nil), q.Phrases...)
	sort.Strings(terms)
	sort.Strings(phrases)

	var b strings.Builder
	fmt.Fprintf(&b, "t=%s|p=%s|s=%s|project=%s|tool=%s|from=%d|to=%d|mode=%s|sort=%s|page=%d|size=%d",
		strings.Join(terms, "\x1f"), strings.Join(phrases, "\x1f"), q.SemanticText,
		q.Filters.Project, q.Filters.Tool, unixOrZero(q.Filters.From), unixOrZero(q.Filters.To),
		q.Mode, q.Sort, q.Page, q.PageSize)
	return b.String()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// token is one whitespace separated piece of the raw query
type token struct {
	text   string
	quoted bool // the whole token was a quoted phrase
}

// Parse turns raw text and params into a Query
func Parse(raw string, p Params) (*Query, error) {
	q := &Query{Page: p.Page, PageSize: p.PageSize}
	project, tool, from, to := p.Project, p.Tool, p.From, p.To
	mode, sortKey := p.Mode, p.Sort
	var before string
	fromField := "from"

	var free []string
	seenTerm := make(map[string]bool)
	for _, tok := range tokenize(raw) {
		if tok.quoted {
			phrase := strings.ToLower(strings.Join(strings.Fields(tok.text), " "))
			if phrase != "" {
				q.Phrases = append(q.Phrases, phrase)
				free = append(free, tok.text)
			}
			continue
		}

		if key, value, ok := filterToken(tok.text); ok {
			switch key {
			case tokenProject:
				project = value
			case tokenTool:
				tool = value
			case tokenAfter:
				from, fromField = value, tokenAfter
			case tokenBefore:
				before, to = value, ""
			case tokenMode:
				mode = value
			case tokenSort:
				sortKey = value
			}
			continue
		}

		free = append(free, tok.text)
		for _, word := range words(tok.text) {
			if !seenTerm[word] {
				seenTerm[word] = true
				q.Terms = append(q.Terms, word)
			}
		}
	}
	q.SemanticText = strings.Join(free, " ")
	q.Filters.Project = strings.TrimSpace(project)
	q.Filters.Tool = strings.TrimSpace(tool)

	var err error
	if q.Filters.From, err = parseDate(fromField, from, false); err != nil {
		return nil, err
	}
	if before != "" {
		// before: is an exclusive bound even for a bare date
		q.Filters.To, err = parseDate("before", before, false)
	} else {
		q.Filters.To, err = parseDate("to", to, true)
	}
	if err != nil {
		return nil, err
	}
	if !q.Filters.From.IsZero() && !q.Filters.To.IsZero() && !q.Filters.From.Before(q.Filters.To) {
		return nil, types.NewValidationError("date range",
			fmt.Sprintf("%s..%s", q.Filters.From.Format(time.RFC3339), q.Filters.To.Format(time.RFC3339)),
			"start must be before end")
	}

	if q.Mode, err = ParseMode(mode); err != nil {
		return nil, err
	}
	if q.Sort, err = ParseSort(sortKey); err != nil {
		return nil, err
	}
	if q.Page < 0 {
		return nil, types.NewValidationError("page", fmt.Sprint(q.Page), "must not be negative")
	}
	if q.PageSize < 0 {
		return nil, types.NewValidationError("page_size", fmt.Sprint(q.PageSize), "must not be negative")
	}
	return q, nil
}

// ParseMode validates a mode name. Empty means hybrid.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeHybrid, nil
	case ModeKeyword, ModeSemantic, ModeHybrid:
		return m, nil
	}
	return "", types.NewValidationError("mode", s, "must be keyword, semantic or hybrid")
}

// ParseSort validates a sort key. Empty means relevance.
func ParseSort(s string) (SortKey, error) {
	switch k := SortKey(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return SortRelevance, nil
	case SortRelevance, SortUpdated, SortCreated:
		return k, nil
	}
	return "", types.NewValidationError("sort", s, "must be relevance, updated or created")
}

// parseDate accepts RFC3339 or YYYY-MM-DD (UTC). With endOfDay a bare date
// becomes the start of the following day, so the whole day is included by
// an exclusive bound.
func parseDate(field, s string, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, types.NewValidationError(field, s, "expected RFC3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

// filterToken recognises key:value tokens. A token with an unknown key, or
// with nothing after the colon, is ordinary text.
func filterToken(text string) (key, value string, ok bool) {
	k, v, found := strings.Cut(text, ":")
	if !found || v == "" {
		return "", "", false
	}
	k = strings.ToLower(k)
	switch k {
	case tokenProject, tokenTool, tokenAfter, tokenBefore, tokenMode, tokenSort:
		return k, strings.Trim(v, `"`), true
	}
	return "", "", false
}

// tokenize splits on whitespace outside double quotes. A token that starts
// with a quote is a phrase; quotes inside a token (as in project:"my app")
// only protect whitespace. An unterminated quote runs to the end of the
// input.
func tokenize(raw string) []token {
	var out []token
	var cur strings.Builder
	inQuote, phrase := false, false

	emit := func() {
		if cur.Len() > 0 || phrase {
			out = append(out, token{text: cur.String(), quoted: phrase})
		}
		cur.Reset()
		phrase = false
	}

	for _, r := range raw {
		switch {
		case r == '"' && !inQuote:
			inQuote = true
			if cur.Len() == 0 {
				phrase = true
			}
		case r == '"':
			inQuote = false
			if phrase {
				emit()
			}
		case unicode.IsSpace(r) && !inQuote:
			emit()
		default:
			cur.WriteRune(r)
		}
	}
	emit()
	return out
}

// words lowercases text and splits it into words, keeping inner dots,
// dashes and underscores (file.go, snake_case, gpt-4)
func words(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' && r != '.'
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.Trim(f, ".-"); f != "" {
			out = append(out, f)
		}
	}
	return out
}
