// Package utils holds small helpers shared across packages: token counting and identifier hygiene.
package utils

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func defaultCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.ForModel(tokenizer.GPT4)
		if err == nil {
			codec = c
		}
	})
	return codec
}

// CountTokens approximates the token count of text with the GPT-4 encoding.
// Every provider is counted the same way; the figure feeds metrics and rate limiting only.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	c := defaultCodec()
	if c == nil {
		return len(text) / 4
	}
	n, err := c.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}
