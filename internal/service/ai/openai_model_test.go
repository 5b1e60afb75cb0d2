package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamingServer(t *testing.T, captured *openai.ChatCompletionRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(captured))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range []string{
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":2,"total_tokens":11}}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestOpenAIModelStream(t *testing.T) {
	var req openai.ChatCompletionRequest
	srv := streamingServer(t, &req)
	defer srv.Close()

	m := NewOpenAIModel(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1", Model: "gpt-test"})
	reader, err := m.Stream(context.Background(), []*schema.Message{
		schema.SystemMessage("sys"),
		schema.UserMessage("hi"),
	})
	require.NoError(t, err)
	defer reader.Close()

	var (
		text  string
		usage *schema.TokenUsage
	)
	for {
		msg, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		text += msg.Content
		if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
			usage = msg.ResponseMeta.Usage
		}
	}

	assert.Equal(t, "Hello", text)
	require.NotNil(t, usage)
	assert.Equal(t, 9, usage.PromptTokens)
	assert.Equal(t, 2, usage.CompletionTokens)

	assert.Equal(t, "gpt-test", req.Model)
	assert.True(t, req.Stream)
	require.NotNil(t, req.StreamOptions)
	assert.True(t, req.StreamOptions.IncludeUsage)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, req.Messages[1].Role)
}

func TestOpenAIModelInChain(t *testing.T) {
	srv := streamingServer(t, nil)
	defer srv.Close()

	m := NewOpenAIModel(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1", Model: "gpt-test"})
	svc := newTestService(t, m, Options{})

	stream, _ := svc.Start(context.Background(), nil)
	_, done, streamErr, _ := collect(t, stream)

	assert.Nil(t, streamErr)
	require.NotNil(t, done)
	assert.Equal(t, "Hello", done.Text)
	assert.Equal(t, Usage{PromptTokens: 9, CompletionTokens: 2}, done.Usage)
}

func TestOpenAIModelRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`)
	}))
	defer srv.Close()

	m := NewOpenAIModel(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1", Model: "gpt-test"})
	_, err := m.Stream(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	require.Error(t, err)
	assert.Equal(t, RateLimited, Classify(err).Kind)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"api 429", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "slow down"}, RateLimited},
		{"api 500", &openai.APIError{HTTPStatusCode: http.StatusInternalServerError, Message: "boom"}, ProviderError},
		{"request 429", &openai.RequestError{HTTPStatusCode: http.StatusTooManyRequests, Err: errors.New("x")}, RateLimited},
		{"net error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, NetworkError},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), NetworkError},
		{"stalled", ErrStreamStalled, NetworkError},
		{"rate limit text", errors.New("Rate limit exceeded for model"), RateLimited},
		{"other", errors.New("invalid model"), ProviderError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err).Kind)
		})
	}
}

func TestClassifyKeepsStreamError(t *testing.T) {
	orig := &StreamError{Kind: NetworkError, Err: ErrStreamStalled}
	assert.Same(t, orig, Classify(fmt.Errorf("wrapped: %w", orig)))
}
