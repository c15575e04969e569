package searcher

import (
	"strings"
	"unicode"
)

const ellipsis = "…"

// Snippet returns a window of about radius runes either side of the first
// needle found in text, case-insensitively. With no needle found it returns
// the start of text. Whitespace is collapsed and cuts fall on word breaks
// where one is near.
func Snippet(text string, needles []string, radius int) string {
	if radius <= 0 {
		radius = 120
	}
	runes := []rune(text)
	folded := foldRunes(runes)

	pos, length := -1, 0
	for _, n := range needles {
		nr := foldRunes([]rune(n))
		if len(nr) == 0 {
			continue
		}
		if i := indexRunes(folded, nr); i >= 0 && (pos < 0 || i < pos) {
			pos, length = i, len(nr)
		}
	}

	var start, end int
	if pos < 0 {
		start, end = 0, min(len(runes), 2*radius)
	} else {
		start = max(0, pos-radius)
		end = min(len(runes), pos+length+radius)
	}

	if start > 0 {
		// start > 0 only when a needle was found
		if i := indexSpace(runes[start:pos]); i >= 0 {
			start += i + 1
		}
	}
	if end < len(runes) {
		from := start
		if pos >= 0 {
			from = pos + length
		}
		if i := lastIndexSpace(runes[from:end]); i >= 0 && from+i > start {
			end = from + i
		}
	}

	out := strings.Join(strings.Fields(string(runes[start:end])), " ")
	if start > 0 {
		out = ellipsis + out
	}
	if end < len(runes) {
		out += ellipsis
	}
	return out
}

// foldRunes lowercases rune by rune so indexes line up with the original
func foldRunes(rs []rune) []rune {
	out := make([]rune, len(rs))
	for i, r := range rs {
		out[i] = unicode.ToLower(r)
	}
	return out
}

func indexRunes(hay, needle []rune) int {
	for i := 0; i+len(needle) <= len(hay); i++ {
		match := true
		for j, r := range needle {
			if hay[i+j] != r {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func indexSpace(rs []rune) int {
	for i, r := range rs {
		if unicode.IsSpace(r) {
			return i
		}
	}
	return -1
}

func lastIndexSpace(rs []rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if unicode.IsSpace(rs[i]) {
			return i
		}
	}
	return -1
}
