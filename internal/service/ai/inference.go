// Package ai talks to the inference collaborator that answers @ai turns and
// produces conversation analyses.
package ai

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrDisabled is returned by every call when no provider is configured.
	ErrDisabled = errors.New("ai: inference disabled")
	// ErrEmptyReply means the provider answered without any usable text.
	ErrEmptyReply = errors.New("ai: empty reply")
)

// Turn is one line of conversation history as the model sees it.
type Turn struct {
	Author string
	Body   string
}

// Inference produces replies for tagged messages and analyses of a room.
type Inference interface {
	Complete(ctx context.Context, prompt string, history []Turn) (string, error)
	Analyze(ctx context.Context, history []Turn) (string, error)
}

// Disabled answers every request with ErrDisabled.
type Disabled struct{}

// Complete implements Inference.
func (Disabled) Complete(context.Context, string, []Turn) (string, error) {
	return "", ErrDisabled
}

// Analyze implements Inference.
func (Disabled) Analyze(context.Context, []Turn) (string, error) {
	return "", ErrDisabled
}

// RenderHistory flattens history into "author: body" lines.
func RenderHistory(history []Turn) string {
	var builder strings.Builder
	for i, turn := range history {
		if i > 0 {
			builder.WriteByte('\n')
		}
		builder.WriteString(turn.Author)
		builder.WriteString(": ")
		builder.WriteString(turn.Body)
	}
	return builder.String()
}

func cleanReply(reply string) (string, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}
