package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/bubble-relay/internal/config"
)

// NewChatModel creates the chat model selected by cfg.Provider.
func NewChatModel(ctx context.Context, cfg config.AIConfig) (model.BaseChatModel, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("model credentials missing for provider %q: set Model and the provider API key", cfg.Provider)
	}

	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIModel(OpenAIConfig{
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: toFloat32(cfg.Temperature),
			TopP:        toFloat32(cfg.TopP),
		}), nil
	case config.ProviderArk, "":
		return newArkModel(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported AI provider %q", cfg.Provider)
	}
}

func newArkModel(ctx context.Context, cfg config.AIConfig) (model.BaseChatModel, error) {
	var maxTokens *int
	if cfg.MaxTokens != nil {
		val := *cfg.MaxTokens
		maxTokens = &val
	}

	arkCfg := &ark.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		Region:      cfg.Region,
		APIKey:      cfg.APIKey,
		AccessKey:   cfg.AccessKey,
		SecretKey:   cfg.SecretKey,
		Model:       cfg.Model,
		MaxTokens:   maxTokens,
		Temperature: toFloat32(cfg.Temperature),
		TopP:        toFloat32(cfg.TopP),
	}

	chatModel, err := ark.NewChatModel(ctx, arkCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create ark chat model: %w", err)
	}
	return chatModel, nil
}

func toFloat32(v *float64) *float32 {
	if v == nil {
		return nil
	}
	val := float32(*v)
	return &val
}
