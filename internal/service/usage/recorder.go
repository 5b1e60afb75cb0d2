// Package usage records token usage off the chat path.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/bubble-relay/internal/model/chat"
)

const (
	DefaultQueueSize = 256
	writeTimeout     = 5 * time.Second
)

// Sink persists usage records.
type Sink interface {
	RecordUsage(ctx context.Context, rec chat.UsageRecord) error
}

// Reporter answers usage queries.
type Reporter interface {
	ChatUsage(ctx context.Context, chatID string) (chat.UsageTotals, error)
	TotalUsage(ctx context.Context) (chat.UsageTotals, error)
}

// Recorder queues usage records and writes them from a single goroutine.
// Recording never blocks the caller: a full queue or a failing sink only
// loses the record.
type Recorder struct {
	sink  Sink
	queue chan chat.UsageRecord
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts the writer goroutine.
func NewRecorder(sink Sink, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Recorder{
		sink:  sink,
		queue: make(chan chat.UsageRecord, queueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues the counts of one completed generation.
func (r *Recorder) Record(chatID string, counts chat.TokenCounts) {
	rec := chat.UsageRecord{
		ChatID:           chatID,
		PromptTokens:     counts.PromptTokens,
		CompletionTokens: counts.CompletionTokens,
		Estimated:        counts.Estimated,
		Timestamp:        time.Now().UTC(),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		log.Debug().Str("chat_id", chatID).Msg("usage recorder closed, dropping record")
		return
	}

	select {
	case r.queue <- rec:
	default:
		log.Warn().Str("chat_id", chatID).Msg("usage queue full, dropping record")
	}
}

// Close stops accepting records and waits until the queue is drained.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		if r.sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := r.sink.RecordUsage(ctx, rec); err != nil {
			log.Warn().Err(err).Str("chat_id", rec.ChatID).Msg("failed to record usage")
		}
		cancel()
	}
}
