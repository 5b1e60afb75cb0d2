package ai

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/bubble-relay/internal/model/chat"
)

// DefaultIdleTimeout bounds the wait for the next chunk of a stream.
const DefaultIdleTimeout = 10 * time.Second

// Options configures the completion service.
type Options struct {
	SystemPrompt string
	IdleTimeout  time.Duration
}

// Service turns prompts into completion streams through an eino chain.
type Service struct {
	chain        compose.Runnable[map[string]any, *schema.Message]
	systemPrompt string
	idleTimeout  time.Duration
}

// NewService compiles the prompt chain around chatModel.
func NewService(ctx context.Context, chatModel model.BaseChatModel, opts Options) (*Service, error) {
	if chatModel == nil {
		return nil, pkgerrors.New("chat model is required")
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}

	messages := []schema.MessagesTemplate{}
	if strings.TrimSpace(opts.SystemPrompt) != "" {
		messages = append(messages, schema.SystemMessage("{system}"))
	}
	messages = append(messages,
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)
	promptTemplate := prompt.FromMessages(schema.FString, messages...)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to compile chat chain")
	}

	return &Service{
		chain:        runnable,
		systemPrompt: opts.SystemPrompt,
		idleTimeout:  opts.IdleTimeout,
	}, nil
}

// Start opens a completion for turns, whose last element is the new user
// message. The returned stream is fed by a background goroutine until the
// completion ends or the handle is cancelled.
func (s *Service) Start(ctx context.Context, turns []chat.Turn) (*Stream, *Handle) {
	handle := NewHandle(ctx)
	events := make(chan Event, 16)

	go s.pump(handle, s.buildChainInput(turns), promptText(s.systemPrompt, turns), events)

	log.Debug().
		Str("generation_id", handle.ID.String()).
		Int("turns", len(turns)).
		Msg("completion started")
	return NewStream(events), handle
}

type chunkResult struct {
	msg *schema.Message
	err error
}

func (s *Service) pump(handle *Handle, input map[string]any, prompt string, events chan<- Event) {
	defer close(events)
	ctx := handle.Context()

	streamCtx, stop := context.WithCancel(ctx)
	defer stop()
	chunks := s.receive(streamCtx, input)

	idle := time.NewTimer(s.idleTimeout)
	defer idle.Stop()

	var (
		text     strings.Builder
		reported *schema.TokenUsage
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			emit(ctx, events, Event{Err: &StreamError{Kind: NetworkError, Err: ErrStreamStalled}})
			return
		case r, ok := <-chunks:
			if !ok {
				return
			}
			if r.err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(r.err, io.EOF) {
					s.finish(ctx, handle, events, text.String(), prompt, reported)
					return
				}
				streamErr := Classify(r.err)
				log.Warn().Err(r.err).
					Str("generation_id", handle.ID.String()).
					Stringer("kind", streamErr.Kind).
					Msg("completion failed")
				emit(ctx, events, Event{Err: streamErr})
				return
			}

			if r.msg != nil && r.msg.ResponseMeta != nil && r.msg.ResponseMeta.Usage != nil {
				reported = r.msg.ResponseMeta.Usage
			}
			if r.msg == nil || r.msg.Content == "" {
				idle.Reset(s.idleTimeout)
				continue
			}
			text.WriteString(r.msg.Content)
			handle.append(r.msg.Content)

			// Only provider silence counts as a stall, not a slow consumer.
			idle.Stop()
			if !emit(ctx, events, Event{Delta: r.msg.Content}) {
				return
			}
			idle.Reset(s.idleTimeout)
		}
	}
}

func (s *Service) finish(ctx context.Context, handle *Handle, events chan<- Event, text, prompt string, reported *schema.TokenUsage) {
	if strings.TrimSpace(text) == "" {
		emit(ctx, events, Event{Err: &StreamError{Kind: ProviderError, Err: ErrEmptyCompletion}})
		return
	}

	usage := Usage{}
	if reported != nil && (reported.PromptTokens > 0 || reported.CompletionTokens > 0) {
		usage.PromptTokens = reported.PromptTokens
		usage.CompletionTokens = reported.CompletionTokens
	} else {
		usage = Usage{
			PromptTokens:     CountTokens(prompt),
			CompletionTokens: CountTokens(text),
			Estimated:        true,
		}
	}

	log.Debug().
		Str("generation_id", handle.ID.String()).
		Int("length", len(text)).
		Int("completion_tokens", usage.CompletionTokens).
		Bool("estimated", usage.Estimated).
		Msg("completion finished")
	emit(ctx, events, Event{Done: &Done{Text: text, Usage: usage}})
}

// receive runs the chain and forwards its chunks. The reader is owned by this
// goroutine and closed when it returns.
func (s *Service) receive(ctx context.Context, input map[string]any) <-chan chunkResult {
	out := make(chan chunkResult)
	go func() {
		defer close(out)

		reader, err := s.chain.Stream(ctx, input)
		if err != nil {
			select {
			case out <- chunkResult{err: pkgerrors.Wrap(err, "failed to stream chat chain output")}:
			case <-ctx.Done():
			}
			return
		}
		defer reader.Close()

		for {
			msg, err := reader.Recv()
			select {
			case out <- chunkResult{msg: msg, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Service) buildChainInput(turns []chat.Turn) map[string]any {
	var query string
	history := turns
	if n := len(turns); n > 0 && turns[n-1].Role == chat.RoleUser {
		query = turns[n-1].Content
		history = turns[:n-1]
	}

	input := map[string]any{
		"history": buildHistoryMessages(history),
		"query":   query,
	}
	if strings.TrimSpace(s.systemPrompt) != "" {
		input["system"] = s.systemPrompt
	}
	return input
}

func buildHistoryMessages(turns []chat.Turn) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}

	history := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(turn.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(turn.Content, nil))
		}
	}
	return history
}

func promptText(system string, turns []chat.Turn) string {
	var b strings.Builder
	b.WriteString(system)
	for _, turn := range turns {
		b.WriteString("\n")
		b.WriteString(turn.Content)
	}
	return b.String()
}
