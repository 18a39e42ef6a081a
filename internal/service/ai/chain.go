package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

// ChainInference runs prompts through an eino chain backed by any chat model.
type ChainInference struct {
	chain  compose.Runnable[map[string]any, *schema.Message]
	logger *zap.Logger
}

// NewChainInference compiles a system + query template in front of chatModel.
func NewChainInference(ctx context.Context, chatModel model.BaseChatModel, logger *zap.Logger) (*ChainInference, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &ChainInference{chain: runnable, logger: logger}, nil
}

// Complete implements Inference.
func (c *ChainInference) Complete(ctx context.Context, prompt string, history []Turn) (string, error) {
	system, query := buildCompletePrompt(prompt, history)
	return c.invoke(ctx, "complete", system, query)
}

// Analyze implements Inference.
func (c *ChainInference) Analyze(ctx context.Context, history []Turn) (string, error) {
	system, query := buildAnalysisPrompt(history)
	return c.invoke(ctx, "analyze", system, query)
}

func (c *ChainInference) invoke(ctx context.Context, op, system, query string) (string, error) {
	response, err := c.chain.Invoke(ctx, map[string]any{
		"system": system,
		"query":  query,
	})
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}

	reply, err := cleanReply(response.Content)
	if err != nil {
		return "", err
	}

	c.logger.Debug("chain inference finished", zap.String("op", op), zap.Int("length", len(reply)))
	return reply, nil
}
