package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeChatModel struct {
	reply string
	err   error
	seen  []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.seen = input
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.seen = input
	return schema.StreamReaderFromArray([]*schema.Message{schema.AssistantMessage(f.reply, nil)}), nil
}

func (f *fakeChatModel) BindTools([]*schema.ToolInfo) error { return nil }

func TestChainInferenceCompleteRendersHistory(t *testing.T) {
	fake := &fakeChatModel{reply: "  It's 4.  "}
	inference, err := NewChainInference(context.Background(), fake, zaptest.NewLogger(t))
	require.NoError(t, err)

	history := []Turn{{Author: "Alice", Body: "what is 2+2?"}, {Author: "Bob", Body: "no idea"}}
	reply, err := inference.Complete(context.Background(), "settle this", history)
	require.NoError(t, err)
	require.Equal(t, "It's 4.", reply)

	require.Len(t, fake.seen, 2)
	require.Equal(t, schema.System, fake.seen[0].Role)
	require.Contains(t, fake.seen[0].Content, "Alice: what is 2+2?\nBob: no idea")
	require.Equal(t, schema.User, fake.seen[1].Role)
	require.Equal(t, "settle this", fake.seen[1].Content)
}

func TestChainInferenceAnalyzeUsesAnalysisPrompt(t *testing.T) {
	fake := &fakeChatModel{reply: "summary"}
	inference, err := NewChainInference(context.Background(), fake, zaptest.NewLogger(t))
	require.NoError(t, err)

	reply, err := inference.Analyze(context.Background(), []Turn{{Author: "Carol", Body: "{braces} stay literal"}})
	require.NoError(t, err)
	require.Equal(t, "summary", reply)
	require.Contains(t, fake.seen[0].Content, "communication analyst")
	require.Contains(t, fake.seen[1].Content, "Carol: {braces} stay literal")
}

func TestChainInferenceErrors(t *testing.T) {
	boom := errors.New("boom")
	inference, err := NewChainInference(context.Background(), &fakeChatModel{err: boom}, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = inference.Complete(context.Background(), "hi", nil)
	require.ErrorIs(t, err, boom)

	inference, err = NewChainInference(context.Background(), &fakeChatModel{reply: "   "}, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = inference.Complete(context.Background(), "hi", nil)
	require.ErrorIs(t, err, ErrEmptyReply)

	_, err = NewChainInference(context.Background(), nil, nil)
	require.Error(t, err)
}
