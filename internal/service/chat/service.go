package chat

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/bubble-relay/internal/model/chat"
)

const (
	DefaultConversationLimit = 20
	DefaultMaxTurnChars      = 16000
)

var ErrChatIDRequired = errors.New("chat id is required")

// HistoryStore persists chat histories across restarts.
type HistoryStore interface {
	LoadHistory(ctx context.Context, chatID string) ([]chat.Turn, error)
	SaveHistory(ctx context.Context, chatID string, turns []chat.Turn) error
}

// Options configures the conversation store.
type Options struct {
	ConversationLimit int
	MaxTurnChars      int
	History           HistoryStore
}

type session struct {
	history []chat.Turn
	pending string
	loaded  bool
}

// Service holds the bounded per-chat histories.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*session
	limit    int
	maxChars int
	store    HistoryStore
}

// NewService builds a conversation store. A nil History keeps everything in memory.
func NewService(opts Options) *Service {
	if opts.ConversationLimit <= 0 {
		opts.ConversationLimit = DefaultConversationLimit
	}
	if opts.MaxTurnChars <= 0 {
		opts.MaxTurnChars = DefaultMaxTurnChars
	}
	return &Service{
		sessions: make(map[string]*session),
		limit:    opts.ConversationLimit,
		maxChars: opts.MaxTurnChars,
		store:    opts.History,
	}
}

// Limit reports the configured maximum number of retained turns.
func (s *Service) Limit() int {
	return s.limit
}

// BuildPrompt returns the stored history followed by the new user turn.
// Stored state is not modified.
func (s *Service) BuildPrompt(ctx context.Context, chatID, userText string) []chat.Turn {
	history := s.History(ctx, chatID)
	prompt := make([]chat.Turn, 0, len(history)+1)
	prompt = append(prompt, history...)
	prompt = append(prompt, chat.Turn{
		Role:      chat.RoleUser,
		Content:   userText,
		CreatedAt: time.Now().UTC(),
	})
	return prompt
}

// CommitTurn appends the user and assistant turns together and evicts the
// oldest turns until the history fits the limit.
func (s *Service) CommitTurn(ctx context.Context, chatID, userText, assistantText string, counts chat.TokenCounts) error {
	if chatID == "" {
		return ErrChatIDRequired
	}

	now := time.Now().UTC()
	completion := counts.CompletionTokens
	userTurn := chat.Turn{Role: chat.RoleUser, Content: truncate(userText, s.maxChars), CreatedAt: now}
	assistantTurn := chat.Turn{Role: chat.RoleAssistant, Content: truncate(assistantText, s.maxChars), CreatedAt: now}
	if completion > 0 {
		assistantTurn.TokenCount = &completion
	}

	sess := s.session(ctx, chatID)

	s.mu.Lock()
	sess.history = append(sess.history, userTurn, assistantTurn)
	if over := len(sess.history) - s.limit; over > 0 {
		sess.history = append([]chat.Turn(nil), sess.history[over:]...)
	}
	sess.pending = ""
	snapshot := append([]chat.Turn(nil), sess.history...)
	s.mu.Unlock()

	s.persist(ctx, chatID, snapshot)
	return nil
}

// Reset clears the history and any pending retry text of a chat.
func (s *Service) Reset(ctx context.Context, chatID string) {
	sess := s.session(ctx, chatID)

	s.mu.Lock()
	sess.history = nil
	sess.pending = ""
	s.mu.Unlock()

	s.persist(ctx, chatID, nil)
}

// History returns a copy of the stored turns, oldest first.
func (s *Service) History(ctx context.Context, chatID string) []chat.Turn {
	sess := s.session(ctx, chatID)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]chat.Turn(nil), sess.history...)
}

// SetPending remembers the last user text whose generation failed.
func (s *Service) SetPending(ctx context.Context, chatID, userText string) {
	sess := s.session(ctx, chatID)

	s.mu.Lock()
	sess.pending = userText
	s.mu.Unlock()
}

// TakePending returns and clears the pending user text.
func (s *Service) TakePending(ctx context.Context, chatID string) (string, bool) {
	sess := s.session(ctx, chatID)

	s.mu.Lock()
	defer s.mu.Unlock()
	text := sess.pending
	sess.pending = ""
	return text, text != ""
}

func (s *Service) session(ctx context.Context, chatID string) *session {
	s.mu.RLock()
	sess, ok := s.sessions[chatID]
	s.mu.RUnlock()
	if ok && sess.loaded {
		return sess
	}

	var restored []chat.Turn
	if s.store != nil {
		turns, err := s.store.LoadHistory(ctx, chatID)
		if err != nil {
			log.Warn().Err(err).Str("chat_id", chatID).Msg("failed to load chat history")
		} else {
			restored = turns
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok = s.sessions[chatID]
	if !ok {
		sess = &session{}
		s.sessions[chatID] = sess
	}
	if !sess.loaded {
		if over := len(restored) - s.limit; over > 0 {
			restored = restored[over:]
		}
		sess.history = append(restored, sess.history...)
		sess.loaded = true
	}
	return sess
}

func (s *Service) persist(ctx context.Context, chatID string, turns []chat.Turn) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveHistory(ctx, chatID, turns); err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("failed to save chat history")
	}
}

// truncate keeps at most max runes from the head of text.
func truncate(text string, max int) string {
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	count := 0
	for i := range text {
		if count == max {
			return text[:i]
		}
		count++
	}
	return text
}
