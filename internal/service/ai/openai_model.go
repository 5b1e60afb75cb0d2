package ai

import (
	"context"
	"errors"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	pkgerrors "github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI-compatible chat model.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   *int
	Temperature *float32
	TopP        *float32
}

// OpenAIModel adapts go-openai to eino's chat model interface so that it can
// sit in the same chain as the Ark model.
type OpenAIModel struct {
	client *openai.Client
	cfg    OpenAIConfig
}

var _ model.BaseChatModel = (*OpenAIModel)(nil)

// NewOpenAIModel builds a client for the configured endpoint.
func NewOpenAIModel(cfg OpenAIConfig) *OpenAIModel {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIModel{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}
}

// Generate runs a blocking completion.
func (m *OpenAIModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	resp, err := m.client.CreateChatCompletion(ctx, m.request(input, false))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "openai completion failed")
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyCompletion
	}

	msg := schema.AssistantMessage(resp.Choices[0].Message.Content, nil)
	msg.ResponseMeta = &schema.ResponseMeta{
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: &schema.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	return msg, nil
}

// Stream runs a streaming completion. The final chunk carries the usage
// reported by the server.
func (m *OpenAIModel) Stream(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	stream, err := m.client.CreateChatCompletionStream(ctx, m.request(input, true))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "openai stream failed")
	}

	sr, sw := schema.Pipe[*schema.Message](8)
	go func() {
		defer sw.Close()
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				sw.Send(nil, pkgerrors.Wrap(err, "openai stream recv failed"))
				return
			}

			msg := &schema.Message{Role: schema.Assistant}
			if len(resp.Choices) > 0 {
				msg.Content = resp.Choices[0].Delta.Content
				if reason := resp.Choices[0].FinishReason; reason != "" {
					msg.ResponseMeta = &schema.ResponseMeta{FinishReason: string(reason)}
				}
			}
			if resp.Usage != nil {
				if msg.ResponseMeta == nil {
					msg.ResponseMeta = &schema.ResponseMeta{}
				}
				msg.ResponseMeta.Usage = &schema.TokenUsage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}
			}
			if closed := sw.Send(msg, nil); closed {
				return
			}
		}
	}()
	return sr, nil
}

func (m *OpenAIModel) request(input []*schema.Message, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    m.cfg.Model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(input)),
		Stream:   stream,
	}
	for _, msg := range input {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openAIRole(msg.Role),
			Content: msg.Content,
		})
	}
	if stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if m.cfg.MaxTokens != nil {
		req.MaxTokens = *m.cfg.MaxTokens
	}
	if m.cfg.Temperature != nil {
		req.Temperature = *m.cfg.Temperature
	}
	if m.cfg.TopP != nil {
		req.TopP = *m.cfg.TopP
	}
	return req
}

func openAIRole(role schema.RoleType) string {
	switch role {
	case schema.System:
		return openai.ChatMessageRoleSystem
	case schema.Assistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}
