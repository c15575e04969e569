package chunker

import (
	"fmt"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// TokensPerChar is the heuristic for estimating tokens (chars/4)
const TokensPerChar = 4

// TokenCounter counts model tokens in a text
type TokenCounter interface {
	Count(text string) int
}

// EstimateCounter approximates tokens as runes / 4
type EstimateCounter struct{}

// Count implements TokenCounter
func (EstimateCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	if n < TokensPerChar {
		return 1
	}
	return n / TokensPerChar
}

// TiktokenCounter counts tokens with a BPE encoding
type TiktokenCounter struct {
	codec tokenizer.Codec
}

// NewTiktokenCounter loads the named encoding, e.g. "cl100k_base"
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = string(tokenizer.Cl100kBase)
	}
	codec, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &TiktokenCounter{codec: codec}, nil
}

// Count implements TokenCounter
func (t *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		return EstimateCounter{}.Count(text)
	}
	return len(ids)
}
