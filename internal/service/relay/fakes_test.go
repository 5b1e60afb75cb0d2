package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zhouzirui/bubble-relay/internal/model/chat"
	"github.com/zhouzirui/bubble-relay/internal/service/ai"
)

type call struct {
	kind      string
	chatID    string
	messageID string
	text      string
	at        time.Time
	err       error
}

// fakeTransport records every call. editErrs are returned by successive
// EditMessage calls before they start succeeding.
type fakeTransport struct {
	mu       sync.Mutex
	calls    []call
	nextID   int
	sendErr  error
	editErrs []error
}

func (f *fakeTransport) SendMessage(_ context.Context, chatID, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := call{kind: "send", chatID: chatID, text: text, at: time.Now(), err: f.sendErr}
	if f.sendErr == nil {
		f.nextID++
		c.messageID = fmt.Sprintf("m%d", f.nextID)
	}
	f.calls = append(f.calls, c)
	return c.messageID, f.sendErr
}

func (f *fakeTransport) EditMessage(_ context.Context, chatID, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if len(f.editErrs) > 0 {
		err = f.editErrs[0]
		f.editErrs = f.editErrs[1:]
	}
	f.calls = append(f.calls, call{kind: "edit", chatID: chatID, messageID: messageID, text: text, at: time.Now(), err: err})
	return err
}

func (f *fakeTransport) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeTransport) count(kind string) int {
	n := 0
	for _, c := range f.snapshot() {
		if c.kind == kind {
			n++
		}
	}
	return n
}

func (f *fakeTransport) texts(chatID string) []string {
	var out []string
	for _, c := range f.snapshot() {
		if c.chatID == chatID {
			out = append(out, c.text)
		}
	}
	return out
}

// scripted is one generation opened through fakeGenerator. The test drives
// it by writing to events.
type scripted struct {
	turns  []chat.Turn
	events chan ai.Event
	handle *ai.Handle
}

type fakeGenerator struct {
	started chan *scripted
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{started: make(chan *scripted, 16)}
}

func (g *fakeGenerator) Start(ctx context.Context, turns []chat.Turn) (*ai.Stream, *ai.Handle) {
	s := &scripted{
		turns:  turns,
		events: make(chan ai.Event, 64),
		handle: ai.NewHandle(ctx),
	}
	g.started <- s
	return ai.NewStream(s.events), s.handle
}

func (g *fakeGenerator) next(timeout time.Duration) *scripted {
	select {
	case s := <-g.started:
		return s
	case <-time.After(timeout):
		return nil
	}
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []chat.TokenCounts
}

func (r *fakeRecorder) Record(_ string, counts chat.TokenCounts) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, counts)
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type fakeReporter struct {
	totals chat.UsageTotals
}

func (r fakeReporter) ChatUsage(_ context.Context, chatID string) (chat.UsageTotals, error) {
	t := r.totals
	t.ChatID = chatID
	return t, nil
}

func (r fakeReporter) TotalUsage(context.Context) (chat.UsageTotals, error) {
	return r.totals, nil
}

// scriptedStream returns a stream that already holds events.
func scriptedStream(events ...ai.Event) *ai.Stream {
	ch := make(chan ai.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	return ai.NewStream(ch)
}

func delta(s string) ai.Event {
	return ai.Event{Delta: s}
}

func done(text string) ai.Event {
	return ai.Event{Done: &ai.Done{Text: text, Usage: ai.Usage{PromptTokens: 5, CompletionTokens: 2}}}
}

func failure(kind ai.ErrorKind) ai.Event {
	return ai.Event{Err: &ai.StreamError{Kind: kind, Err: fmt.Errorf("%s", kind)}}
}
