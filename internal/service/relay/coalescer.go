package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/bubble-relay/internal/service/ai"
	"github.com/zhouzirui/bubble-relay/internal/service/markup"
)

// Outcome is the terminal state of one generation.
type Outcome int

const (
	Completed Outcome = iota
	Cancelled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// Result describes how a generation ended. Text and Usage are meaningful
// only for Completed results.
type Result struct {
	Outcome   Outcome
	Text      string
	Usage     ai.Usage
	MessageID string
	Err       error
}

// Coalescer turns a delta stream into a throttled sequence of bubble edits.
type Coalescer struct {
	transport    Transport
	interval     time.Duration
	cancelNotice bool
	prompts      promptSet
	partial      func(string) string
	final        func(string) string
}

type promptSet struct {
	thinking, cancelled, apiError, rateLimit, network string
}

// NewCoalescer binds a coalescer to a transport.
func NewCoalescer(transport Transport, cfg Config) *Coalescer {
	cfg = cfg.withDefaults()
	c := &Coalescer{
		transport:    transport,
		interval:     cfg.MinEditInterval,
		cancelNotice: cfg.CancelNotice,
		prompts: promptSet{
			thinking:  markup.Escape(cfg.Prompts.ThinkingPrompt),
			cancelled: markup.Escape(cfg.Prompts.CancelledPrompt),
			apiError:  markup.Escape(cfg.Prompts.APIErrorPrompt),
			rateLimit: markup.Escape(cfg.Prompts.RateLimitPrompt),
			network:   markup.Escape(cfg.Prompts.NetworkErrorPrompt),
		},
		partial: markup.RenderPartial,
		final:   markup.Render,
	}
	if !cfg.RenderMarkdown {
		c.partial = markup.Escape
		c.final = markup.Escape
	}
	return c
}

// Run consumes stream until it ends or ctx is cancelled. ctx is the
// generation context: once it is done no further content edits are issued.
func (c *Coalescer) Run(ctx context.Context, chatID string, stream *ai.Stream) Result {
	b := &bubble{
		Coalescer: c,
		chatID:    chatID,
		logger:    log.With().Str("chat_id", chatID).Logger(),
		timer:     time.NewTimer(time.Hour),
	}
	b.timer.Stop()
	defer b.timer.Stop()

	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return b.cancelled(ctx)
		case ev, ok := <-events:
			if !ok {
				return b.cancelled(ctx)
			}
			switch {
			case ev.Err != nil:
				return b.failed(ctx, ev.Err)
			case ev.Done != nil:
				return b.done(ctx, ev.Done)
			case ev.Delta != "":
				b.text.WriteString(ev.Delta)
				if err := b.flush(ctx); err != nil {
					return b.abandon(ctx, err)
				}
			}
		case <-b.timer.C:
			if err := b.flush(ctx); err != nil {
				return b.abandon(ctx, err)
			}
		}
	}
}

// bubble is the state of one generation's message.
type bubble struct {
	*Coalescer
	chatID string
	logger zerolog.Logger
	timer  *time.Timer

	text         strings.Builder
	messageID    string
	lastLen      int
	lastRendered string
	nextAllowed  time.Time
}

// flush emits the accumulated text when it grew and the throttle allows it,
// otherwise arms the timer for the next slot.
func (b *bubble) flush(ctx context.Context) error {
	if b.text.Len() == b.lastLen {
		return nil
	}
	if wait := time.Until(b.nextAllowed); wait > 0 {
		b.timer.Reset(wait)
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}

	current := b.text.String()
	rendered := b.partial(current)
	if strings.TrimSpace(rendered) == "" {
		if b.messageID != "" {
			b.lastLen = len(current)
			return nil
		}
		rendered = b.prompts.thinking
	}
	if b.messageID != "" && rendered == b.lastRendered {
		b.lastLen = len(current)
		return nil
	}

	var err error
	if b.messageID == "" {
		err = b.open(ctx, rendered)
	} else {
		err = b.transport.EditMessage(ctx, b.chatID, b.messageID, rendered)
	}
	switch {
	case err == nil:
		b.lastLen = len(current)
		b.lastRendered = rendered
		b.nextAllowed = time.Now().Add(b.interval)
		return nil
	case errors.Is(err, ErrRateLimited):
		b.backoff()
		return nil
	case ctx.Err() != nil:
		return nil
	default:
		return err
	}
}

func (b *bubble) open(ctx context.Context, text string) error {
	id, err := b.transport.SendMessage(ctx, b.chatID, text)
	if err != nil {
		return err
	}
	b.messageID = id
	b.logger = b.logger.With().Str("message_id", id).Logger()
	return nil
}

// backoff skips the next slot after a rate limited call.
func (b *bubble) backoff() {
	b.nextAllowed = time.Now().Add(2 * b.interval)
	b.timer.Reset(2 * b.interval)
	b.logger.Debug().Dur("retry_in", 2*b.interval).Msg("edit rate limited, backing off")
}

func (b *bubble) done(ctx context.Context, done *ai.Done) Result {
	if ctx.Err() != nil {
		return b.cancelled(ctx)
	}
	full := done.Text
	if full == "" {
		full = b.text.String()
	}

	if b.messageID == "" {
		if err := b.open(ctx, b.prompts.thinking); err != nil {
			return b.abandon(ctx, err)
		}
	}
	formatted := b.final(full)
	err := b.terminalEdit(ctx, formatted)
	if err != nil && ctx.Err() == nil && !errors.Is(err, ErrRateLimited) {
		if plain := markup.Escape(full); plain != formatted {
			b.logger.Warn().Err(err).Msg("formatted final edit rejected, falling back to raw text")
			err = b.terminalEdit(ctx, plain)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return b.cancelled(ctx)
		}
		return b.abandon(ctx, err)
	}

	b.logger.Debug().Int("chars", len(full)).Msg("bubble finalized")
	return Result{Outcome: Completed, Text: full, Usage: done.Usage, MessageID: b.messageID}
}

func (b *bubble) failed(ctx context.Context, streamErr *ai.StreamError) Result {
	if ctx.Err() != nil {
		return b.cancelled(ctx)
	}
	result := Result{Outcome: Failed, Text: b.text.String(), Err: streamErr}

	if b.messageID == "" {
		if err := b.open(ctx, b.prompts.thinking); err != nil {
			b.logger.Warn().Err(err).Msg("failed to open bubble for error notice")
			return result
		}
	}
	result.MessageID = b.messageID
	if err := b.terminalEdit(ctx, b.notice(streamErr.Kind)); err != nil {
		b.logger.Warn().Err(err).Msg("failed to deliver error notice")
	}
	return result
}

// terminalEdit bypasses the throttle. Rate limited attempts are retried after
// the backoff.
func (b *bubble) terminalEdit(ctx context.Context, text string) error {
	var err error
	for attempt := 1; attempt <= finalEditAttempts; attempt++ {
		err = b.transport.EditMessage(ctx, b.chatID, b.messageID, text)
		if err == nil || !errors.Is(err, ErrRateLimited) || attempt == finalEditAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * b.interval):
		}
	}
	return err
}

func (b *bubble) cancelled(ctx context.Context) Result {
	if b.cancelNotice && b.messageID != "" {
		noticeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), noticeTimeout)
		defer cancel()
		if err := b.transport.EditMessage(noticeCtx, b.chatID, b.messageID, b.prompts.cancelled); err != nil {
			b.logger.Debug().Err(err).Msg("failed to deliver cancel notice")
		}
	}
	return Result{Outcome: Cancelled, Text: b.text.String(), MessageID: b.messageID}
}

func (b *bubble) abandon(ctx context.Context, err error) Result {
	if ctx.Err() != nil {
		return b.cancelled(ctx)
	}
	b.logger.Error().Err(err).Msg("transport failed, abandoning generation")
	return Result{Outcome: Failed, Text: b.text.String(), MessageID: b.messageID, Err: err}
}

func (b *bubble) notice(kind ai.ErrorKind) string {
	switch kind {
	case ai.RateLimited:
		return b.prompts.rateLimit
	case ai.NetworkError:
		return b.prompts.network
	default:
		return b.prompts.apiError
	}
}
