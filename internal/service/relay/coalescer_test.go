package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/bubble-relay/internal/config"
	"github.com/zhouzirui/bubble-relay/internal/service/ai"
	"github.com/zhouzirui/bubble-relay/internal/service/markup"
)

func testConfig(interval time.Duration) Config {
	return Config{
		MinEditInterval: interval,
		CancelNotice:    true,
		RenderMarkdown:  true,
		Prompts:         config.DefaultI18n(),
	}
}

func TestCoalescerHelloWorld(t *testing.T) {
	transport := &fakeTransport{}
	c := NewCoalescer(transport, testConfig(time.Hour))

	res := c.Run(context.Background(), "c1", scriptedStream(
		delta("Hel"), delta("lo wo"), delta("rld"), done("Hello world"),
	))

	require.Equal(t, Completed, res.Outcome)
	assert.Equal(t, "Hello world", res.Text)
	assert.Equal(t, 5, res.Usage.PromptTokens)

	calls := transport.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "send", calls[0].kind)
	assert.Equal(t, "Hel", calls[0].text)
	assert.Equal(t, "edit", calls[1].kind)
	assert.Equal(t, "Hello world", calls[1].text)
	assert.Equal(t, calls[0].messageID, calls[1].messageID)
	assert.Equal(t, res.MessageID, calls[1].messageID)
}

func TestCoalescerAlwaysSendsFinalEdit(t *testing.T) {
	transport := &fakeTransport{}
	c := NewCoalescer(transport, testConfig(time.Hour))

	res := c.Run(context.Background(), "c1", scriptedStream(delta("abc"), done("abc")))

	require.Equal(t, Completed, res.Outcome)
	calls := transport.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].text, calls[1].text)
	assert.Equal(t, "edit", calls[1].kind)
}

func TestCoalescerFinalEditIsFullRender(t *testing.T) {
	transport := &fakeTransport{}
	c := NewCoalescer(transport, testConfig(time.Hour))
	full := "Use **bold** and `code` <here>"

	res := c.Run(context.Background(), "c1", scriptedStream(
		delta("Use **bo"), delta("ld** and `co"), delta("de` <here>"), done(full),
	))

	require.Equal(t, Completed, res.Outcome)
	calls := transport.snapshot()
	assert.Equal(t, markup.RenderPartial("Use **bo"), calls[0].text)
	assert.Equal(t, markup.Render(full), calls[len(calls)-1].text)
}

func TestCoalescerThrottlesEdits(t *testing.T) {
	const interval = 50 * time.Millisecond
	transport := &fakeTransport{}
	c := NewCoalescer(transport, testConfig(interval))

	events := make(chan ai.Event)
	go func() {
		text := ""
		for i := 0; i < 60; i++ {
			events <- delta("x")
			text += "x"
			time.Sleep(5 * time.Millisecond)
		}
		events <- done(text)
	}()

	res := c.Run(context.Background(), "c1", ai.NewStream(events))
	require.Equal(t, Completed, res.Outcome)

	calls := transport.snapshot()
	require.Greater(t, len(calls), 3)
	streaming := calls[:len(calls)-1]
	for i := 1; i < len(streaming); i++ {
		gap := streaming[i].at.Sub(streaming[i-1].at)
		assert.GreaterOrEqual(t, gap, interval, "edit %d came %v after the previous one", i, gap)
		assert.Greater(t, len(streaming[i].text), len(streaming[i-1].text))
	}
	assert.Equal(t, markup.Render(res.Text), calls[len(calls)-1].text)
}

func TestCoalescerFlushesOnTimer(t *testing.T) {
	transport := &fakeTransport{}
	c := NewCoalescer(transport, testConfig(30*time.Millisecond))

	events := make(chan ai.Event, 4)
	events <- delta("a")
	events <- delta("b")

	results := make(chan Result, 1)
	go func() { results <- c.Run(context.Background(), "c1", ai.NewStream(events)) }()

	require.Eventually(t, func() bool {
		texts := transport.texts("c1")
		return len(texts) == 2 && texts[1] == "ab"
	}, time.Second, 5*time.Millisecond)

	events <- done("ab")
	res := <-results
	assert.Equal(t, Completed, res.Outcome)
}

func TestCoalescerBacksOffWhenRateLimited(t *testing.T) {
	const interval = 40 * time.Millisecond
	transport := &fakeTransport{editErrs: []error{ErrRateLimited}}
	c := NewCoalescer(transport, testConfig(interval))

	events := make(chan ai.Event)
	go func() {
		for i := 0; i < 40; i++ {
			events <- delta("y")
			time.Sleep(5 * time.Millisecond)
		}
		events <- done("")
	}()

	res := c.Run(context.Background(), "c1", ai.NewStream(events))
	require.Equal(t, Completed, res.Outcome)

	calls := transport.snapshot()
	limited := -1
	for i, call := range calls {
		if errors.Is(call.err, ErrRateLimited) {
			limited = i
			break
		}
	}
	require.GreaterOrEqual(t, limited, 1)
	require.Greater(t, len(calls), limited+1)
	assert.GreaterOrEqual(t, calls[limited+1].at.Sub(calls[limited].at), 2*interval)
	assert.Greater(t, len(calls[limited+1].text), 0)
}

func TestCoalescerRetriesRateLimitedFinalEdit(t *testing.T) {
	transport := &fakeTransport{editErrs: []error{ErrRateLimited, ErrRateLimited}}
	c := NewCoalescer(transport, testConfig(5*time.Millisecond))

	res := c.Run(context.Background(), "c1", scriptedStream(delta("hi"), done("hi there")))

	require.Equal(t, Completed, res.Outcome)
	assert.Equal(t, 3, transport.count("edit"))
	calls := transport.snapshot()
	assert.NoError(t, calls[len(calls)-1].err)
	assert.Equal(t, "hi there", calls[len(calls)-1].text)
}

func TestCoalescerCancelSendsNotice(t *testing.T) {
	transport := &fakeTransport{}
	c := NewCoalescer(transport, testConfig(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan ai.Event, 4)
	events <- delta("partial answer")

	results := make(chan Result, 1)
	go func() { results <- c.Run(ctx, "c1", ai.NewStream(events)) }()

	require.Eventually(t, func() bool { return transport.count("send") == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	res := <-results

	assert.Equal(t, Cancelled, res.Outcome)
	calls := transport.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "(cancelled)", calls[1].text)
}

func TestCoalescerCancelWithoutNotice(t *testing.T) {
	transport := &fakeTransport{}
	cfg := testConfig(time.Hour)
	cfg.CancelNotice = false
	c := NewCoalescer(transport, cfg)

	events := make(chan ai.Event, 4)
	events <- delta("partial")
	close(events)

	res := c.Run(context.Background(), "c1", ai.NewStream(events))
	assert.Equal(t, Cancelled, res.Outcome)
	assert.Equal(t, 1, transport.count("send"))
	assert.Equal(t, 0, transport.count("edit"))
}

func TestCoalescerCancelBeforeFirstDelta(t *testing.T) {
	transport := &fakeTransport{}
	c := NewCoalescer(transport, testConfig(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := c.Run(ctx, "c1", ai.NewStream(make(chan ai.Event)))

	assert.Equal(t, Cancelled, res.Outcome)
	assert.Empty(t, transport.snapshot())
}

func TestCoalescerErrorNotices(t *testing.T) {
	prompts := config.DefaultI18n()
	cases := []struct {
		kind ai.ErrorKind
		want string
	}{
		{ai.RateLimited, prompts.RateLimitPrompt},
		{ai.ProviderError, prompts.APIErrorPrompt},
		{ai.NetworkError, prompts.NetworkErrorPrompt},
	}
	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			transport := &fakeTransport{}
			c := NewCoalescer(transport, testConfig(time.Hour))

			res := c.Run(context.Background(), "c1", scriptedStream(failure(tc.kind)))

			assert.Equal(t, Failed, res.Outcome)
			var streamErr *ai.StreamError
			require.ErrorAs(t, res.Err, &streamErr)
			assert.Equal(t, tc.kind, streamErr.Kind)

			calls := transport.snapshot()
			require.Len(t, calls, 2)
			assert.Equal(t, "send", calls[0].kind)
			assert.Equal(t, prompts.ThinkingPrompt, calls[0].text)
			assert.Equal(t, "edit", calls[1].kind)
			assert.Equal(t, markup.Escape(tc.want), calls[1].text)
		})
	}
}

func TestCoalescerErrorAfterPartialText(t *testing.T) {
	transport := &fakeTransport{}
	c := NewCoalescer(transport, testConfig(time.Hour))

	res := c.Run(context.Background(), "c1", scriptedStream(delta("half an"), failure(ai.NetworkError)))

	assert.Equal(t, Failed, res.Outcome)
	calls := transport.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "half an", calls[0].text)
	assert.Equal(t, config.DefaultI18n().NetworkErrorPrompt, calls[1].text)
}

func TestCoalescerAbandonsOnTransportFailure(t *testing.T) {
	boom := errors.New("chat gone")
	transport := &fakeTransport{sendErr: boom}
	c := NewCoalescer(transport, testConfig(time.Hour))

	res := c.Run(context.Background(), "c1", scriptedStream(delta("a"), delta("b"), done("ab")))

	assert.Equal(t, Failed, res.Outcome)
	assert.ErrorIs(t, res.Err, boom)
	assert.Len(t, transport.snapshot(), 1)
}

func TestCoalescerBlankRenderUsesPlaceholder(t *testing.T) {
	transport := &fakeTransport{}
	c := NewCoalescer(transport, testConfig(time.Hour))

	res := c.Run(context.Background(), "c1", scriptedStream(delta("**"), done("**hi**")))

	require.Equal(t, Completed, res.Outcome)
	calls := transport.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, "Thinking...", calls[0].text)
	assert.Equal(t, "<b>hi</b>", calls[1].text)
}

func TestCoalescerPlainText(t *testing.T) {
	transport := &fakeTransport{}
	cfg := testConfig(time.Hour)
	cfg.RenderMarkdown = false
	c := NewCoalescer(transport, cfg)

	res := c.Run(context.Background(), "c1", scriptedStream(delta("**a** <b>"), done("**a** <b>")))

	require.Equal(t, Completed, res.Outcome)
	calls := transport.snapshot()
	assert.Equal(t, "**a** &lt;b&gt;", calls[len(calls)-1].text)
}

func TestCoalescerFallsBackToRawTextWhenFinalEditIsRejected(t *testing.T) {
	transport := &fakeTransport{editErrs: []error{errors.New("can't parse entities")}}
	c := NewCoalescer(transport, testConfig(time.Hour))

	res := c.Run(context.Background(), "c1", scriptedStream(done("**hi** & co")))

	require.Equal(t, Completed, res.Outcome)
	calls := transport.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, "<b>hi</b> &amp; co", calls[1].text)
	assert.Error(t, calls[1].err)
	assert.Equal(t, "**hi** &amp; co", calls[2].text)
	assert.NoError(t, calls[2].err)
}

func TestCoalescerAbandonsWhenRawFallbackFails(t *testing.T) {
	boom := errors.New("message deleted")
	transport := &fakeTransport{editErrs: []error{boom, boom}}
	c := NewCoalescer(transport, testConfig(time.Hour))

	res := c.Run(context.Background(), "c1", scriptedStream(done("**hi**")))

	assert.Equal(t, Failed, res.Outcome)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, 2, transport.count("edit"))
}
