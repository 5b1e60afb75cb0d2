// Package relay turns completion streams into throttled chat bubble edits and
// serializes the work of each chat on its own worker goroutine.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/zhouzirui/bubble-relay/internal/config"
)

// ErrRateLimited is returned by a Transport when the chat surface refuses an
// edit because of its own rate limit. Callers back off and retry later.
var ErrRateLimited = errors.New("transport rate limited")

// Transport is the chat surface the relay writes to.
type Transport interface {
	SendMessage(ctx context.Context, chatID, text string) (messageID string, err error)
	EditMessage(ctx context.Context, chatID, messageID, text string) error
}

const (
	DefaultMinEditInterval = time.Second

	finalEditAttempts = 3
	noticeTimeout     = 5 * time.Second
	supersedeTimeout  = 10 * time.Second
	inboxSize         = 16
)

// Config tunes the coalescer and the dispatch path.
type Config struct {
	MinEditInterval time.Duration
	CancelNotice    bool
	RenderMarkdown  bool
	BotUsername     string
	Prompts         config.I18nConfig
}

// ConfigFrom builds a Config from the loaded application configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MinEditInterval: cfg.Relay.MinEditInterval,
		CancelNotice:    cfg.Relay.CancelNotice,
		RenderMarkdown:  cfg.Relay.RenderMarkdown,
		BotUsername:     cfg.Relay.BotUsername,
		Prompts:         cfg.I18n,
	}
}

func (c Config) withDefaults() Config {
	if c.MinEditInterval <= 0 {
		c.MinEditInterval = DefaultMinEditInterval
	}
	c.Prompts = c.Prompts.WithDefaults()
	return c
}
