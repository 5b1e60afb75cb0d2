package ai

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Usage carries the token counts of one generation.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	// Estimated is set when the provider did not report usage and the counts
	// come from the local tokenizer.
	Estimated bool
}

// Done terminates a successful stream.
type Done struct {
	Text  string
	Usage Usage
}

// Event is one item of a completion stream. Exactly one field is set.
type Event struct {
	Delta string
	Done  *Done
	Err   *StreamError
}

// Stream is the single-consumer sequence of events of one generation. The
// channel ends with a Done or Err event, or is simply closed when the
// generation was cancelled.
type Stream struct {
	events <-chan Event
}

// NewStream wraps an event channel.
func NewStream(events <-chan Event) *Stream {
	return &Stream{events: events}
}

// Events returns the receive side of the stream.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Handle identifies one in-flight generation.
type Handle struct {
	ID        uuid.UUID
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	text strings.Builder
}

// NewHandle derives a cancellable generation context from parent.
func NewHandle(parent context.Context) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		ID:        uuid.New(),
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Cancel stops the generation. It is safe to call more than once.
func (h *Handle) Cancel() {
	h.cancel()
}

// Context is cancelled once the handle is cancelled.
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Cancelled reports whether Cancel was called or the parent context ended.
func (h *Handle) Cancelled() bool {
	return h.ctx.Err() != nil
}

// Text returns the text accumulated so far.
func (h *Handle) Text() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.text.String()
}

func (h *Handle) append(delta string) {
	h.mu.Lock()
	h.text.WriteString(delta)
	h.mu.Unlock()
}
