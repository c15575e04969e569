package chunker

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/convosearch/pkg/types"
)

func msgs(contents ...string) []types.Message {
	out := make([]types.Message, len(contents))
	for i, c := range contents {
		role := types.RoleUser
		if i%2 == 1 {
			role = types.RoleAssistant
		}
		out[i] = types.Message{Index: i, Role: role, Content: c}
	}
	return out
}

func TestNewDefaults(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, DefaultMaxSize, c.MaxSize())
	assert.Equal(t, UnitChars, c.unit)
	assert.Equal(t, 300, c.overlap)
}

func TestChunk_SingleChunkWhenFits(t *testing.T) {
	c := New(Config{MaxSize: 200, Overlap: 0.2})
	chunks := c.Chunk("conv", msgs("refactor the parser", "sure, here is a plan"))

	require.Len(t, chunks, 1)
	ch := chunks[0]
	assert.Equal(t, "conv#0", ch.ID())
	assert.Equal(t, 0, ch.FirstMessage)
	assert.Equal(t, 1, ch.LastMessage)
	assert.Equal(t, "user: refactor the parser\n\nassistant: sure, here is a plan", ch.Text)
	assert.Equal(t, utf8.RuneCountInString(ch.Text), ch.CharLen)
	assert.NotEmpty(t, ch.ContentHash)
	assert.NoError(t, ch.Validate())
}

func TestChunk_NeverSplitsFittingMessage(t *testing.T) {
	contents := make([]string, 12)
	for i := range contents {
		contents[i] = fmt.Sprintf("message %d %s", i, strings.Repeat("x", 30))
	}
	c := New(Config{MaxSize: 120, Overlap: 0.3})
	chunks := c.Chunk("conv", msgs(contents...))
	require.Greater(t, len(chunks), 1)

	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.CharLen, 120)
		// every rendered message appears whole in the chunks covering it
		for i := ch.FirstMessage; i <= ch.LastMessage; i++ {
			assert.Contains(t, ch.Text, contents[i])
		}
	}
}

func TestChunk_OverlapCarriesTrailingMessage(t *testing.T) {
	// each rendered message is 20 runes; budget fits 3 plus separators
	contents := []string{
		"aaaaaaaaaaaaaa", "bbbbbbbbb", "cccccccccccccc", "ddddddddd", "eeeeeeeeeeeeee",
	}
	c := New(Config{MaxSize: 70, Overlap: 0.3})
	chunks := c.Chunk("conv", msgs(contents...))
	require.Len(t, chunks, 2)

	assert.Equal(t, 0, chunks[0].FirstMessage)
	assert.Equal(t, 2, chunks[0].LastMessage)
	// message 2 is repeated at the start of the second chunk
	assert.Equal(t, 2, chunks[1].FirstMessage)
	assert.Equal(t, 4, chunks[1].LastMessage)
	assert.True(t, strings.HasPrefix(chunks[1].Text, "user: cccccccccccccc"))
}

func TestChunk_NoOverlap(t *testing.T) {
	contents := []string{"aaaaaaaaaaaaaa", "bbbbbbbbb", "cccccccccccccc", "ddddddddd"}
	c := New(Config{MaxSize: 45, Overlap: 0})
	chunks := c.Chunk("conv", msgs(contents...))
	require.Len(t, chunks, 2)
	assert.Equal(t, 2, chunks[1].FirstMessage)
	assert.Equal(t, 1, chunks[0].LastMessage)
}

func TestChunk_OversizedMessageSubSplit(t *testing.T) {
	var sentences []string
	for i := 0; i < 40; i++ {
		sentences = append(sentences, fmt.Sprintf("Sentence number %d explains the parser.", i))
	}
	long := strings.Join(sentences[:20], " ") + "\n\n" + strings.Join(sentences[20:], " ")

	c := New(Config{MaxSize: 200, Overlap: 0.2})
	chunks := c.Chunk("conv", msgs("short question", long, "thanks"))
	require.Greater(t, len(chunks), 3)

	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.CharLen, 200, "chunk %d too large", ch.Ordinal)
	}

	// every sentence survives somewhere, never cut mid-sentence
	joined := ""
	for _, ch := range chunks {
		joined += ch.Text + "\n"
	}
	for _, s := range sentences {
		assert.Contains(t, joined, s)
	}

	// sub-split pieces reference the oversized message only
	for _, ch := range chunks[1 : len(chunks)-1] {
		assert.GreaterOrEqual(t, ch.FirstMessage, 0)
		assert.LessOrEqual(t, ch.LastMessage, 2)
	}
	assert.Equal(t, 2, chunks[len(chunks)-1].LastMessage)
}

func TestChunk_HardSplitWithoutBoundaries(t *testing.T) {
	blob := strings.Repeat("z", 450)
	c := New(Config{MaxSize: 100, Overlap: 0})
	chunks := c.Chunk("conv", msgs(blob))
	require.NotEmpty(t, chunks)

	total := 0
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.CharLen, 100)
		total += strings.Count(ch.Text, "z")
	}
	assert.Equal(t, 450, total)
}

func TestChunk_Deterministic(t *testing.T) {
	var contents []string
	for i := 0; i < 30; i++ {
		contents = append(contents, strings.Repeat(fmt.Sprintf("word%d ", i), i+3))
	}
	c := New(Config{MaxSize: 150, Overlap: 0.25})

	first := c.Chunk("conv", msgs(contents...))
	second := New(Config{MaxSize: 150, Overlap: 0.25}).Chunk("conv", msgs(contents...))

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Text, second[i].Text)
		assert.Equal(t, first[i].ContentHash, second[i].ContentHash)
		assert.Equal(t, first[i].FirstMessage, second[i].FirstMessage)
		assert.Equal(t, first[i].LastMessage, second[i].LastMessage)
	}
}

func TestChunk_CoversAllMessages(t *testing.T) {
	var contents []string
	for i := 0; i < 25; i++ {
		contents = append(contents, fmt.Sprintf("m%d %s", i, strings.Repeat("y", i*7)))
	}
	chunks := New(Config{MaxSize: 90, Overlap: 0.1}).Chunk("conv", msgs(contents...))

	covered := make(map[int]bool)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Ordinal)
		for m := ch.FirstMessage; m <= ch.LastMessage; m++ {
			covered[m] = true
		}
	}
	for i := range contents {
		assert.True(t, covered[i], "message %d not covered", i)
	}
}

func TestChunk_SkipsEmptyMessages(t *testing.T) {
	chunks := New(Config{MaxSize: 100}).Chunk("conv", msgs("   ", "hello"))
	require.Len(t, chunks, 1)
	assert.Equal(t, 1, chunks[0].FirstMessage)
	assert.Equal(t, "assistant: hello", chunks[0].Text)
}

func TestChunk_TokenUnit(t *testing.T) {
	contents := []string{strings.Repeat("abcd", 10), strings.Repeat("efgh", 10), strings.Repeat("ijkl", 10)}
	c := New(Config{Unit: UnitTokens, MaxSize: 25, Overlap: 0})
	chunks := c.Chunk("conv", msgs(contents...))

	// each rendered message is roughly 11-12 estimated tokens, so two fit per chunk
	require.Len(t, chunks, 2)
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenCount, 25)
	}
}

// wordPairCounter charges a token per word and per gap between words, so
// the count of a join exceeds the sum of its parts
type wordPairCounter struct{}

func (wordPairCounter) Count(text string) int {
	n := len(strings.Fields(text))
	if n == 0 {
		return 0
	}
	return 2*n - 1
}

func TestChunk_TokenUnitMeasuresJoinedText(t *testing.T) {
	words := make([]string, 40)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	content := strings.Join(words, " ")
	c := New(Config{Unit: UnitTokens, MaxSize: 10, Overlap: 0, Counter: wordPairCounter{}})
	chunks := c.Chunk("conv", msgs(content))
	require.Greater(t, len(chunks), 1)

	var got []string
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenCount, 10, ch.Text)
		got = append(got, strings.Fields(ch.Text)...)
	}
	assert.Equal(t, strings.Fields("user: "+content), got)
}

func TestFit(t *testing.T) {
	c := New(Config{Unit: UnitTokens, MaxSize: 3})
	text := strings.Repeat("a", 50)
	parts := c.fit(text)
	require.Greater(t, len(parts), 1)
	for _, p := range parts {
		assert.LessOrEqual(t, c.size(p), 3)
	}
	assert.Equal(t, text, strings.Join(parts, ""))
	assert.Empty(t, c.fit("   "))
}

func TestSplitSentences(t *testing.T) {
	text := "One. Two!  Three?\nFour e.g.x five"
	parts := splitSentences(text, 0)
	assert.Equal(t, text, strings.Join(parts, ""))
	assert.Equal(t, []string{"One. ", "Two!  ", "Three?\n", "Four e.g.x five"}, parts)
}

func TestEstimateCounter(t *testing.T) {
	assert.Equal(t, 0, EstimateCounter{}.Count(""))
	assert.Equal(t, 1, EstimateCounter{}.Count("ab"))
	assert.Equal(t, 25, EstimateCounter{}.Count(strings.Repeat("a", 100)))
}

func TestTiktokenCounter(t *testing.T) {
	counter, err := NewTiktokenCounter("cl100k_base")
	require.NoError(t, err)

	assert.Equal(t, 0, counter.Count(""))
	assert.Equal(t, 2, counter.Count("hello world"))
}
