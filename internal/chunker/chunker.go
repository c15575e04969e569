package chunker

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dshills/convosearch/pkg/types"
)

// Unit selects how the chunk budget is measured
type Unit string

const (
	UnitChars  Unit = "chars"
	UnitTokens Unit = "tokens"
)

const (
	// DefaultMaxSize is the default chunk budget
	DefaultMaxSize = 2000

	// DefaultOverlap is the default overlap fraction
	DefaultOverlap = 0.15

	// messageSeparator joins messages inside a chunk
	messageSeparator = "\n\n"
)

// Config controls chunk sizing
type Config struct {
	Unit    Unit
	MaxSize int
	Overlap float64 // Fraction of MaxSize repeated between neighbours, in [0, 0.5)
	Counter TokenCounter
}

// Chunker creates overlapping chunks from conversation messages
type Chunker struct {
	unit    Unit
	maxSize int
	overlap int // Overlap budget in units
	counter TokenCounter
}

// New creates a new Chunker, filling zero values with defaults
func New(cfg Config) *Chunker {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Unit == "" {
		cfg.Unit = UnitChars
	}
	if cfg.Overlap < 0 || cfg.Overlap >= 0.5 {
		cfg.Overlap = DefaultOverlap
	}
	if cfg.Counter == nil {
		cfg.Counter = EstimateCounter{}
	}

	c := &Chunker{
		unit:    cfg.Unit,
		maxSize: cfg.MaxSize,
		overlap: int(math.Round(float64(cfg.MaxSize) * cfg.Overlap)),
		counter: cfg.Counter,
	}
	return c
}

// MaxSize returns the chunk budget
func (c *Chunker) MaxSize() int {
	return c.maxSize
}

// span is a packable piece of text from one message
type span struct {
	first, last int
	text        string
	size        int
}

// Chunk splits messages into ordered chunks for the given conversation
func (c *Chunker) Chunk(conversationID string, messages []types.Message) []*types.Chunk {
	spans := make([]span, 0, len(messages))
	for _, msg := range messages {
		text := renderMessage(msg)
		if text == "" {
			continue
		}
		size := c.size(text)
		if size <= c.maxSize {
			spans = append(spans, span{first: msg.Index, last: msg.Index, text: text, size: size})
			continue
		}
		spans = append(spans, c.splitOversized(msg.Index, text)...)
	}

	groups := c.pack(spans, messageSeparator)

	chunks := make([]*types.Chunk, 0, len(groups))
	for i, group := range groups {
		text := joinSpans(group, messageSeparator)

		chunk := &types.Chunk{
			ConversationID: conversationID,
			Ordinal:        i,
			FirstMessage:   group[0].first,
			LastMessage:    group[len(group)-1].last,
			Text:           text,
			CharLen:        utf8.RuneCountInString(text),
			TokenCount:     c.counter.Count(text),
		}
		chunk.ComputeContentHash()
		chunks = append(chunks, chunk)
	}
	return chunks
}

// renderMessage formats a message as "role: content"
func renderMessage(msg types.Message) string {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return ""
	}
	if msg.Role == "" {
		return content
	}
	return string(msg.Role) + ": " + content
}

// size measures text in the configured unit
func (c *Chunker) size(text string) int {
	if c.unit == UnitTokens {
		return c.counter.Count(text)
	}
	return utf8.RuneCountInString(text)
}

// pack groups spans greedily into budget-sized runs joined by sep. Each new
// run starts with the trailing spans of the previous one that fit in the
// overlap budget.
func (c *Chunker) pack(spans []span, sep string) [][]span {
	var groups [][]span
	var cur []span

	for _, s := range spans {
		if len(cur) > 0 && c.measure(with(cur, s), sep) > c.maxSize {
			groups = append(groups, cur)

			carry := c.overlapTail(cur, sep)
			for len(carry) > 0 && c.measure(with(carry, s), sep) > c.maxSize {
				carry = carry[1:]
			}
			cur = append([]span(nil), carry...)
		}
		cur = append(cur, s)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// with returns group plus s without touching group's backing array
func with(group []span, s span) []span {
	out := make([]span, len(group), len(group)+1)
	copy(out, group)
	return append(out, s)
}

// overlapTail returns the longest proper suffix of group within the overlap budget
func (c *Chunker) overlapTail(group []span, sep string) []span {
	if c.overlap <= 0 {
		return nil
	}
	start := len(group)
	for i := len(group) - 1; i > 0; i-- {
		if c.measure(group[i:], sep) > c.overlap {
			break
		}
		start = i
	}
	return group[start:]
}

// measure returns the size of group joined with sep. Rune counts add up
// across a join; token counts do not, so in token mode the joined text is
// measured.
func (c *Chunker) measure(group []span, sep string) int {
	if len(group) == 0 {
		return 0
	}
	if c.unit == UnitTokens {
		return c.size(joinSpans(group, sep))
	}
	total := utf8.RuneCountInString(sep) * (len(group) - 1)
	for _, s := range group {
		total += s.size
	}
	return total
}

func joinSpans(group []span, sep string) string {
	texts := make([]string, len(group))
	for i, s := range group {
		texts[i] = s.text
	}
	return strings.Join(texts, sep)
}

// splitOversized sub-splits one message that exceeds the budget
func (c *Chunker) splitOversized(index int, text string) []span {
	segments := c.refine([]string{text}, 0)

	pieces := make([]span, 0, len(segments))
	for _, seg := range segments {
		pieces = append(pieces, span{first: index, last: index, text: seg, size: c.size(seg)})
	}

	groups := c.pack(pieces, "")
	spans := make([]span, 0, len(groups))
	for _, group := range groups {
		piece := strings.TrimSpace(joinSpans(group, ""))
		for _, part := range c.fit(piece) {
			spans = append(spans, span{first: index, last: index, text: part, size: c.size(part)})
		}
	}
	return spans
}

// fit halves text until every part fits the budget, cutting at whitespace
// in the back half of the left side when there is some. A single rune is
// never split further.
func (c *Chunker) fit(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if c.size(text) <= c.maxSize {
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) < 2 {
		return []string{text}
	}

	mid := len(runes) / 2
	cut := mid
	for i := mid; i > mid/2; i-- {
		if unicode.IsSpace(runes[i-1]) {
			cut = i
			break
		}
	}
	left := strings.TrimSpace(string(runes[:cut]))
	right := strings.TrimSpace(string(runes[cut:]))
	if left == "" || right == "" {
		left, right = string(runes[:mid]), string(runes[mid:])
	}
	return append(c.fit(left), c.fit(right)...)
}

// splitLevels are applied in order until every segment fits the budget.
// Each splitter returns substrings that concatenate back to its input.
var splitLevels = []func(string, int) []string{
	splitParagraphs,
	splitSentences,
	splitWords,
	splitRunes,
}

// refine splits segments that exceed the budget using progressively finer boundaries
func (c *Chunker) refine(segments []string, level int) []string {
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		if c.size(seg) <= c.maxSize || level >= len(splitLevels) {
			out = append(out, seg)
			continue
		}
		parts := splitLevels[level](seg, c.maxSize)
		if len(parts) <= 1 {
			out = append(out, c.refine([]string{seg}, level+1)...)
			continue
		}
		out = append(out, c.refine(parts, level+1)...)
	}
	return out
}

func splitParagraphs(text string, _ int) []string {
	return strings.SplitAfter(text, "\n\n")
}

// splitSentences cuts after sentence-ending punctuation or a newline plus any following whitespace
func splitSentences(text string, _ int) []string {
	var parts []string
	start := 0
	runes := []rune(text)
	offset := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		offset += utf8.RuneLen(r)
		if r != '.' && r != '!' && r != '?' && r != '\n' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) && r != '\n' {
			continue
		}
		for i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			i++
			offset += utf8.RuneLen(runes[i])
		}
		parts = append(parts, text[start:offset])
		start = offset
	}
	if start < len(text) {
		parts = append(parts, text[start:])
	}
	return parts
}

func splitWords(text string, _ int) []string {
	return strings.SplitAfter(text, " ")
}

// splitRunes cuts text into windows of at most max runes
func splitRunes(text string, max int) []string {
	if max <= 0 {
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > 0 {
		n := max
		if n > len(runes) {
			n = len(runes)
		}
		parts = append(parts, string(runes[:n]))
		runes = runes[n:]
	}
	return parts
}
