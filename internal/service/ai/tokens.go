package ai

import (
	"math"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func cl100k() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warn().Err(err).Msg("tokenizer unavailable, falling back to rune estimate")
			return
		}
		codec = c
	})
	return codec
}

// CountTokens estimates the number of tokens of text.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if c := cl100k(); c != nil {
		if ids, _, err := c.Encode(text); err == nil {
			return len(ids)
		}
	}
	return int(math.Ceil(float64(utf8.RuneCountInString(text)) / 1.4))
}
