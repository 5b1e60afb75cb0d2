package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/bubble-relay/internal/model/chat"
	"github.com/zhouzirui/bubble-relay/internal/service/access"
	"github.com/zhouzirui/bubble-relay/internal/service/ai"
	chatsvc "github.com/zhouzirui/bubble-relay/internal/service/chat"
	"github.com/zhouzirui/bubble-relay/internal/service/command"
	"github.com/zhouzirui/bubble-relay/internal/service/markup"
	"github.com/zhouzirui/bubble-relay/internal/service/usage"
)

var ErrHubClosed = errors.New("relay hub is shut down")

// Generator opens completion streams. *ai.Service implements it.
type Generator interface {
	Start(ctx context.Context, turns []chat.Turn) (*ai.Stream, *ai.Handle)
}

// UsageRecorder takes the token counts of completed generations.
type UsageRecorder interface {
	Record(chatID string, counts chat.TokenCounts)
}

// Deps are the collaborators of a Hub. Usage and Reporter are optional.
type Deps struct {
	Transport Transport
	Generator Generator
	Store     *chatsvc.Service
	Gate      *access.Gate
	Usage     UsageRecorder
	Reporter  usage.Reporter
}

// Hub routes inbound messages to one worker goroutine per chat.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	deps      Deps
	cfg       Config
	coalescer *Coalescer

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

// NewHub builds a hub whose workers live until ctx is cancelled or Shutdown
// is called.
func NewHub(ctx context.Context, deps Deps, cfg Config) *Hub {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	return &Hub{
		ctx:       ctx,
		cancel:    cancel,
		deps:      deps,
		cfg:       cfg,
		coalescer: NewCoalescer(deps.Transport, cfg),
		workers:   make(map[string]*worker),
	}
}

// HandleInbound is the dispatch path of one chat message: commands are
// executed, everything else passes the gate and goes to the chat's worker.
func (h *Hub) HandleInbound(ctx context.Context, msg chat.InboundMessage) error {
	if msg.ChatID == "" {
		return chatsvc.ErrChatIDRequired
	}
	if cmd, ok := command.Parse(msg.Text, h.cfg.BotUsername); ok {
		return h.dispatch(ctx, msg, cmd)
	}

	text := h.stripMention(msg.Text)
	if text == "" {
		return nil
	}
	if !h.deps.Gate.Admit(ctx, msg.ChatID, msg.UserID) {
		log.Info().Str("chat_id", msg.ChatID).Str("user_id", msg.UserID).Msg("message rejected by membership gate")
		return h.reply(ctx, msg.ChatID, h.cfg.Prompts.NotAllowedPrompt)
	}
	return h.deliver(ctx, msg.ChatID, request{kind: requestText, text: text})
}

// Reset cancels any active generation of the chat and clears its history.
// It returns once the worker has applied the reset.
func (h *Hub) Reset(ctx context.Context, chatID string) error {
	ack := make(chan struct{})
	if err := h.deliver(ctx, chatID, request{kind: requestReset, ack: ack}); err != nil {
		return err
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

// Shutdown cancels all generations and waits for the workers to exit.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) dispatch(ctx context.Context, msg chat.InboundMessage, cmd command.Command) error {
	logger := log.With().Str("chat_id", msg.ChatID).Str("user_id", msg.UserID).Logger()
	if _, ok := cmd.(command.Ignored); ok {
		logger.Debug().Msg("ignoring command addressed to another bot")
		return nil
	}
	admin := h.deps.Gate.IsAdmin(msg.UserID)
	prompts := h.cfg.Prompts

	if command.RequiresAdmin(cmd) && !admin {
		logger.Info().Msgf("non-admin attempted %T", cmd)
		return h.reply(ctx, msg.ChatID, prompts.AdminOnlyPrompt)
	}
	if _, help := cmd.(command.Help); !help && !admin && !h.deps.Gate.Admit(ctx, msg.ChatID, msg.UserID) {
		return h.reply(ctx, msg.ChatID, prompts.NotAllowedPrompt)
	}

	switch c := cmd.(type) {
	case command.Reset:
		return h.deliver(ctx, msg.ChatID, request{kind: requestReset})
	case command.Retry:
		return h.deliver(ctx, msg.ChatID, request{kind: requestRetry})
	case command.SetPublic:
		h.deps.Gate.SetPublic(ctx, msg.ChatID, c.Public)
		if c.Public {
			return h.reply(ctx, msg.ChatID, prompts.PublicOnPrompt)
		}
		return h.reply(ctx, msg.ChatID, prompts.PublicOffPrompt)
	case command.AddMember:
		if h.deps.Gate.AddMember(ctx, msg.ChatID, c.UserID) {
			return h.reply(ctx, msg.ChatID, fmt.Sprintf(prompts.MemberAddedPrompt, c.UserID))
		}
		return h.reply(ctx, msg.ChatID, fmt.Sprintf(prompts.MemberExistsPrompt, c.UserID))
	case command.DelMember:
		if h.deps.Gate.RemoveMember(ctx, msg.ChatID, c.UserID) {
			return h.reply(ctx, msg.ChatID, fmt.Sprintf(prompts.MemberRemovedPrompt, c.UserID))
		}
		return h.reply(ctx, msg.ChatID, fmt.Sprintf(prompts.NotMemberPrompt, c.UserID))
	case command.Usage:
		return h.reply(ctx, msg.ChatID, h.usageReport(ctx, msg.ChatID))
	case command.Raw:
		return h.reply(ctx, msg.ChatID, h.rawReply(ctx, msg.ChatID, c.Index))
	case command.Help:
		return h.reply(ctx, msg.ChatID, command.HelpText())
	case command.Unknown:
		if c.Reason != "" {
			return h.reply(ctx, msg.ChatID, c.Reason)
		}
		return h.reply(ctx, msg.ChatID, fmt.Sprintf(prompts.UnknownCommandPrompt, c.Name))
	}
	return nil
}

func (h *Hub) usageReport(ctx context.Context, chatID string) string {
	if h.deps.Reporter == nil {
		return h.cfg.Prompts.UsageUnavailablePrompt
	}
	totals, err := h.deps.Reporter.ChatUsage(ctx, chatID)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("failed to query usage")
		return h.cfg.Prompts.UsageUnavailablePrompt
	}
	return fmt.Sprintf(h.cfg.Prompts.UsageReportPrompt,
		totals.Requests, totals.PromptTokens, totals.CompletionTokens, totals.TotalTokens())
}

// rawReply returns the unrendered text of the index-th latest assistant turn.
func (h *Hub) rawReply(ctx context.Context, chatID string, index int) string {
	history := h.deps.Store.History(ctx, chatID)
	seen := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != chat.RoleAssistant {
			continue
		}
		if seen++; seen == index {
			return history[i].Content
		}
	}
	return h.cfg.Prompts.StaleMessagePrompt
}

func (h *Hub) stripMention(text string) string {
	text = strings.TrimSpace(text)
	if h.cfg.BotUsername == "" {
		return text
	}
	mention := "@" + h.cfg.BotUsername
	if len(text) < len(mention) || !strings.EqualFold(text[:len(mention)], mention) {
		return text
	}
	rest := text[len(mention):]
	if next, _ := utf8.DecodeRuneInString(rest); rest != "" && !unicode.IsSpace(next) {
		return text
	}
	return strings.TrimSpace(rest)
}

// reply sends a standalone plain-text message.
func (h *Hub) reply(ctx context.Context, chatID, text string) error {
	if _, err := h.deps.Transport.SendMessage(ctx, chatID, markup.Escape(text)); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("failed to send reply")
		return err
	}
	return nil
}

func (h *Hub) deliver(ctx context.Context, chatID string, req request) error {
	w, err := h.worker(chatID)
	if err != nil {
		return err
	}
	select {
	case w.inbox <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrHubClosed
	}
}

func (h *Hub) worker(chatID string) (*worker, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if w, ok := h.workers[chatID]; ok {
		return w, nil
	}
	w := &worker{
		hub:    h,
		chatID: chatID,
		inbox:  make(chan request, inboxSize),
	}
	h.workers[chatID] = w
	h.wg.Add(1)
	go w.run()
	return w, nil
}

type requestKind int

const (
	requestText requestKind = iota
	requestReset
	requestRetry
)

type request struct {
	kind requestKind
	text string
	ack  chan struct{}
}

// generation is the in-flight work of a worker.
type generation struct {
	handle   *ai.Handle
	userText string
	result   chan Result
}

// worker owns one chat: its active generation and every write to its history.
type worker struct {
	hub    *Hub
	chatID string
	inbox  chan request
	active *generation
}

func (w *worker) run() {
	defer w.hub.wg.Done()
	ctx := w.hub.ctx
	for {
		var results <-chan Result
		if w.active != nil {
			results = w.active.result
		}
		select {
		case <-ctx.Done():
			w.supersede()
			return
		case req := <-w.inbox:
			w.handle(ctx, req)
		case res := <-results:
			w.settle(ctx, w.active, res)
			w.active = nil
		}
	}
}

func (w *worker) handle(ctx context.Context, req request) {
	switch req.kind {
	case requestText:
		w.supersede()
		w.start(ctx, req.text)
	case requestRetry:
		w.supersede()
		text, ok := w.hub.deps.Store.TakePending(ctx, w.chatID)
		if !ok {
			_ = w.hub.reply(ctx, w.chatID, w.hub.cfg.Prompts.NothingToRetryPrompt)
			break
		}
		w.start(ctx, text)
	case requestReset:
		w.supersede()
		w.hub.deps.Store.Reset(ctx, w.chatID)
		_ = w.hub.reply(ctx, w.chatID, w.hub.cfg.Prompts.ResetPrompt)
		log.Info().Str("chat_id", w.chatID).Msg("chat reset")
	}
	if req.ack != nil {
		close(req.ack)
	}
}

// supersede cancels the active generation and settles its result before the
// caller touches the chat's history.
func (w *worker) supersede() {
	g := w.active
	if g == nil {
		return
	}
	w.active = nil
	g.handle.Cancel()

	select {
	case res := <-g.result:
		w.settle(context.WithoutCancel(w.hub.ctx), g, res)
	case <-time.After(supersedeTimeout):
		log.Warn().
			Str("chat_id", w.chatID).
			Str("generation_id", g.handle.ID.String()).
			Msg("superseded generation did not stop in time, dropping its result")
	}
}

func (w *worker) start(ctx context.Context, userText string) {
	turns := w.hub.deps.Store.BuildPrompt(ctx, w.chatID, userText)
	stream, handle := w.hub.deps.Generator.Start(ctx, turns)
	g := &generation{
		handle:   handle,
		userText: userText,
		result:   make(chan Result, 1),
	}
	w.active = g

	log.Debug().
		Str("chat_id", w.chatID).
		Str("generation_id", handle.ID.String()).
		Msg("generation started")
	go func() {
		res := w.hub.coalescer.Run(handle.Context(), w.chatID, stream)
		// Run may return without draining the stream; release the provider
		// and the handle's context either way.
		handle.Cancel()
		g.result <- res
	}()
}

// settle applies a finished generation: only completed ones are committed.
func (w *worker) settle(ctx context.Context, g *generation, res Result) {
	logger := log.With().
		Str("chat_id", w.chatID).
		Str("generation_id", g.handle.ID.String()).
		Stringer("outcome", res.Outcome).
		Logger()

	switch res.Outcome {
	case Completed:
		counts := chat.TokenCounts{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			Estimated:        res.Usage.Estimated,
		}
		if err := w.hub.deps.Store.CommitTurn(ctx, w.chatID, g.userText, res.Text, counts); err != nil {
			logger.Error().Err(err).Msg("failed to commit turn")
			return
		}
		if w.hub.deps.Usage != nil {
			w.hub.deps.Usage.Record(w.chatID, counts)
		}
		logger.Info().
			Int("prompt_tokens", counts.PromptTokens).
			Int("completion_tokens", counts.CompletionTokens).
			Msg("generation completed")
	case Failed:
		w.hub.deps.Store.SetPending(ctx, w.chatID, g.userText)
		logger.Warn().Err(res.Err).Msg("generation failed")
	default:
		logger.Debug().Msg("generation cancelled")
	}
}
