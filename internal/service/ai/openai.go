package ai

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIConfig selects the model and endpoint for OpenAIInference.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	// MaxTokens of zero leaves the provider default.
	MaxTokens   int
	Temperature float32
}

// OpenAIInference calls any OpenAI compatible chat completion endpoint.
type OpenAIInference struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	logger      *zap.Logger
}

// NewOpenAIInference builds a client for cfg.
func NewOpenAIInference(cfg OpenAIConfig, logger *zap.Logger) *OpenAIInference {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OpenAIInference{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		logger:      logger,
	}
}

// Complete implements Inference.
func (o *OpenAIInference) Complete(ctx context.Context, prompt string, history []Turn) (string, error) {
	system, query := buildCompletePrompt(prompt, history)
	return o.chat(ctx, system, query)
}

// Analyze implements Inference.
func (o *OpenAIInference) Analyze(ctx context.Context, history []Turn) (string, error) {
	system, query := buildAnalysisPrompt(history)
	return o.chat(ctx, system, query)
}

func (o *OpenAIInference) chat(ctx context.Context, system, query string) (string, error) {
	resp, err := o.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: o.model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role:    openai.ChatMessageRoleSystem,
					Content: system,
				},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: query,
				},
			},
			MaxTokens:   o.maxTokens,
			Temperature: o.temperature,
		},
	)
	if err != nil {
		o.logger.Warn("openai completion failed", zap.String("model", o.model), zap.Error(err))
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}

	return cleanReply(resp.Choices[0].Message.Content)
}
