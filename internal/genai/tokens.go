package genai

import (
	"log/slog"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// tokenCounter estimates token counts when the provider omits usage.
type tokenCounter struct {
	codec tokenizer.Codec
}

func newTokenCounter() *tokenCounter {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		slog.Warn("genai.newTokenCounter: tokenizer unavailable, using length heuristic", "error", err)
		return &tokenCounter{}
	}
	return &tokenCounter{codec: codec}
}

func (tc *tokenCounter) count(text string) int {
	if text == "" {
		return 0
	}
	if tc != nil && tc.codec != nil {
		if ids, _, err := tc.codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	// Roughly four characters per token for English text.
	return (utf8.RuneCountInString(text) + 3) / 4
}

func (c *Client) countTokens(text string) int {
	return c.counter.count(text)
}
