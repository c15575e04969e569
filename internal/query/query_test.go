package query

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/convosearch/pkg/types"
)

func date(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestParse_TermsAndPhrases(t *testing.T) {
	q, err := Parse(`Refactor "the  Parser" module refactor`, Params{})
	require.NoError(t, err)

	assert.Equal(t, []string{"refactor", "module"}, q.Terms)
	assert.Equal(t, []string{"the parser"}, q.Phrases)
	assert.Equal(t, `Refactor the  Parser module refactor`, q.SemanticText)
	assert.Equal(t, ModeHybrid, q.Mode)
	assert.Equal(t, SortRelevance, q.Sort)
	assert.False(t, q.MatchAll())
}

func TestParse_Words(t *testing.T) {
	q, err := Parse("file.go, snake_case gpt-4. (why?)", Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"file.go", "snake_case", "gpt-4", "why"}, q.Terms)
}

func TestParse_Empty(t *testing.T) {
	for _, raw := range []string{"", "   ", `""`, "project:x"} {
		q, err := Parse(raw, Params{})
		require.NoError(t, err, raw)
		assert.True(t, q.MatchAll(), raw)
		assert.Empty(t, q.Needles(), raw)
	}
}

func TestParse_FilterTokens(t *testing.T) {
	q, err := Parse(`deploy project:"my app" Tool:cursor mode:keyword sort:UPDATED`, Params{
		Project: "ignored",
		Tool:    "claude",
		Mode:    "semantic",
		Sort:    "created",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"deploy"}, q.Terms)
	assert.Equal(t, "deploy", q.SemanticText)
	assert.Equal(t, "my app", q.Filters.Project)
	assert.Equal(t, "cursor", q.Filters.Tool)
	assert.Equal(t, ModeKeyword, q.Mode)
	assert.Equal(t, SortUpdated, q.Sort)
}

func TestParse_ParamsWithoutTokens(t *testing.T) {
	q, err := Parse("deploy", Params{Project: " web ", Tool: "aider", Mode: "semantic", Sort: "created", Page: 2, PageSize: 5})
	require.NoError(t, err)
	assert.Equal(t, "web", q.Filters.Project)
	assert.Equal(t, "aider", q.Filters.Tool)
	assert.Equal(t, ModeSemantic, q.Mode)
	assert.Equal(t, SortCreated, q.Sort)
	assert.Equal(t, 2, q.Page)
	assert.Equal(t, 5, q.PageSize)
}

func TestParse_UnknownTokensAreText(t *testing.T) {
	q, err := Parse("http://x note: foo:bar", Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"http", "x", "note", "foo", "bar"}, q.Terms)
	assert.Equal(t, "http://x note: foo:bar", q.SemanticText)
}

func TestParse_UnterminatedQuote(t *testing.T) {
	q, err := Parse(`refactor "parser module`, Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"refactor"}, q.Terms)
	assert.Equal(t, []string{"parser module"}, q.Phrases)
}

func TestParse_Dates(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		params   Params
		wantFrom time.Time
		wantTo   time.Time
	}{
		{
			name:     "after token is inclusive",
			raw:      "after:2024-03-01",
			wantFrom: date("2024-03-01"),
		},
		{
			name:   "before token is exclusive",
			raw:    "before:2024-03-01",
			wantTo: date("2024-03-01"),
		},
		{
			name:   "to date includes the whole day",
			params: Params{To: "2024-03-01"},
			wantTo: date("2024-03-02"),
		},
		{
			name:     "same day range",
			params:   Params{From: "2024-03-01", To: "2024-03-01"},
			wantFrom: date("2024-03-01"),
			wantTo:   date("2024-03-02"),
		},
		{
			name:   "rfc3339 to is exact",
			params: Params{To: "2024-03-01T12:00:00+02:00"},
			wantTo: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name:   "before token replaces to param",
			raw:    "before:2024-03-01",
			params: Params{To: "2025-01-01"},
			wantTo: date("2024-03-01"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := Parse(tt.raw, tt.params)
			require.NoError(t, err)
			assert.True(t, tt.wantFrom.Equal(q.Filters.From), "from = %v", q.Filters.From)
			assert.True(t, tt.wantTo.Equal(q.Filters.To), "to = %v", q.Filters.To)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		params Params
		field  string
	}{
		{"bad after", "after:yesterday", Params{}, "after"},
		{"bad from", "", Params{From: "03/01/2024"}, "from"},
		{"bad before", "before:soon", Params{}, "before"},
		{"bad to", "", Params{To: "2024-13-01"}, "to"},
		{"inverted range", "after:2024-03-05 before:2024-03-01", Params{}, "date range"},
		{"empty range", "", Params{From: "2024-03-01T00:00:00Z", To: "2024-03-01T00:00:00Z"}, "date range"},
		{"bad mode", "mode:fuzzy", Params{}, "mode"},
		{"bad sort", "", Params{Sort: "oldest"}, "sort"},
		{"negative page", "", Params{Page: -1}, "page"},
		{"negative page size", "", Params{PageSize: -3}, "page_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw, tt.params)
			require.Error(t, err)
			require.True(t, types.IsValidation(err), "got %v", err)

			var verr *types.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestNeedles(t *testing.T) {
	q, err := Parse(`refactor "refactor the parser" parser "parser"`, Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"refactor the parser", "parser", "refactor"}, q.Needles())
}

func TestCanonical(t *testing.T) {
	parse := func(raw string, p Params) string {
		t.Helper()
		q, err := Parse(raw, p)
		require.NoError(t, err)
		return q.Canonical()
	}

	base := parse("refactor parser", Params{})
	assert.Equal(t, base, parse("refactor   parser", Params{}))
	assert.Equal(t, base, parse("refactor parser", Params{Mode: "HYBRID", Sort: "relevance"}))

	assert.NotEqual(t, base, parse("refactor parser", Params{Page: 1}))
	assert.NotEqual(t, base, parse("refactor parser", Params{PageSize: 20}))
	assert.NotEqual(t, base, parse("refactor parser", Params{Project: "x"}))
	assert.NotEqual(t, base, parse("refactor parser", Params{Mode: "keyword"}))
	assert.NotEqual(t, base, parse(`"refactor parser"`, Params{}))
	assert.NotEqual(t, base, parse("refactor parser after:2024-01-01", Params{}))
}

func TestParseModeAndSort(t *testing.T) {
	m, err := ParseMode(" Semantic ")
	require.NoError(t, err)
	assert.Equal(t, ModeSemantic, m)

	s, err := ParseSort("")
	require.NoError(t, err)
	assert.Equal(t, SortRelevance, s)

	_, err = ParseSort("size")
	assert.True(t, types.IsValidation(err))
}
