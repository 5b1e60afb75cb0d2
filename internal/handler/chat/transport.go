package chat

import (
	"context"
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/bubble-relay/internal/config"
	"github.com/zhouzirui/bubble-relay/internal/service/relay"
)

const (
	FrameMessage   = "message"
	FrameEdit      = "edit"
	FrameConnected = "connected"
	FrameError     = "error"

	subscriberBuffer = 64
)

var (
	ErrMessageTooLong = errors.New("message exceeds the transport size limit")
	ErrMessageID      = errors.New("message id is required")
)

// Frame is what subscribers of a chat receive.
type Frame struct {
	Type      string `json:"type"`
	ChatID    string `json:"chatId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Text      string `json:"text,omitempty"`
	ParseMode string `json:"parseMode,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type subscriber struct {
	frames chan Frame
}

// Transport fans chat messages and edits out to the websocket and SSE
// clients of each chat. Edits are limited per chat like a hosted chat API.
type Transport struct {
	editRate  rate.Limit
	editBurst int
	maxRunes  int

	mu       sync.RWMutex
	rooms    map[string]map[*subscriber]struct{}
	limiters map[string]*rate.Limiter
}

var _ relay.Transport = (*Transport)(nil)

// NewTransport creates a transport from the transport configuration.
func NewTransport(cfg config.TransportConfig) *Transport {
	t := &Transport{
		editRate:  rate.Limit(cfg.EditRate),
		editBurst: cfg.EditBurst,
		maxRunes:  cfg.MaxMessageRunes,
		rooms:     make(map[string]map[*subscriber]struct{}),
		limiters:  make(map[string]*rate.Limiter),
	}
	if t.editRate <= 0 {
		t.editRate = rate.Inf
	}
	if t.editBurst <= 0 {
		t.editBurst = 1
	}
	return t
}

// SendMessage publishes a new message and returns its id.
func (t *Transport) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	if err := t.checkSize(text); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	t.publish(chatID, Frame{Type: FrameMessage, ChatID: chatID, MessageID: id, Text: text, ParseMode: "HTML"})
	return id, nil
}

// EditMessage replaces the text of a message. It fails with
// relay.ErrRateLimited when the chat's edit budget is exhausted.
func (t *Transport) EditMessage(ctx context.Context, chatID, messageID, text string) error {
	if messageID == "" {
		return ErrMessageID
	}
	if err := t.checkSize(text); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.limiter(chatID).Allow() {
		return relay.ErrRateLimited
	}
	t.publish(chatID, Frame{Type: FrameEdit, ChatID: chatID, MessageID: messageID, Text: text, ParseMode: "HTML"})
	return nil
}

// Subscribe registers a client of chatID. The returned function unregisters
// it and closes the frame channel.
func (t *Transport) Subscribe(chatID string) (<-chan Frame, func()) {
	sub := &subscriber{frames: make(chan Frame, subscriberBuffer)}

	t.mu.Lock()
	room, ok := t.rooms[chatID]
	if !ok {
		room = make(map[*subscriber]struct{})
		t.rooms[chatID] = room
	}
	room[sub] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	return sub.frames, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(room, sub)
			if len(t.rooms[chatID]) == 0 {
				delete(t.rooms, chatID)
			}
			close(sub.frames)
			t.mu.Unlock()
		})
	}
}

// Subscribers reports how many clients follow chatID.
func (t *Transport) Subscribers(chatID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms[chatID])
}

func (t *Transport) publish(chatID string, frame Frame) {
	frame.Timestamp = time.Now().Unix()

	t.mu.RLock()
	defer t.mu.RUnlock()
	for sub := range t.rooms[chatID] {
		select {
		case sub.frames <- frame:
		default:
			log.Warn().
				Str("chat_id", chatID).
				Str("message_id", frame.MessageID).
				Msg("subscriber is too slow, dropping frame")
		}
	}
}

func (t *Transport) limiter(chatID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[chatID]
	if !ok {
		l = rate.NewLimiter(t.editRate, t.editBurst)
		t.limiters[chatID] = l
	}
	return l
}

func (t *Transport) checkSize(text string) error {
	if t.maxRunes > 0 && utf8.RuneCountInString(text) > t.maxRunes {
		return ErrMessageTooLong
	}
	return nil
}
