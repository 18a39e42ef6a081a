package relay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/accord/backend/internal/analysis/tags"
	"github.com/zhouzirui/accord/backend/internal/metrics"
	"github.com/zhouzirui/accord/backend/internal/model/chat"
	"github.com/zhouzirui/accord/backend/internal/service/ai"
	"github.com/zhouzirui/accord/backend/internal/service/presence"
)

func (r *Relay) dispatchAITurn(trigger chat.Message) {
	if r.cfg.SystemUserID == 0 {
		return
	}
	if !r.spawn("ai-turn", func(ctx context.Context) { r.runAITurn(ctx, trigger) }) {
		r.logger.Info("dropping AI turn during shutdown", zap.Int64("trigger", trigger.ID))
	}
}

// runAITurn answers trigger. A reply goes to the whole room; any failure
// persists the fallback apology and shows it to the original sender only.
func (r *Relay) runAITurn(ctx context.Context, trigger chat.Message) {
	turnCtx, cancel := context.WithTimeout(ctx, r.cfg.AITimeout)
	reply, err := r.complete(turnCtx, trigger)
	cancel()

	if err == nil {
		_, err = r.commit(ctx, chat.Message{
			RoomKey:       trigger.RoomKey,
			SenderID:      r.cfg.SystemUserID,
			Body:          reply,
			IsAIGenerated: true,
		}, r.roomTargets)
		if err == nil {
			metrics.AITurns.WithLabelValues("success").Inc()
			return
		}
		r.logger.Error("failed to persist AI reply", zap.String("room", string(trigger.RoomKey)), zap.Error(err))
	} else {
		r.logger.Warn("AI turn failed",
			zap.String("room", string(trigger.RoomKey)),
			zap.Int64("trigger", trigger.ID),
			zap.Error(err))
	}

	metrics.AITurns.WithLabelValues("fallback").Inc()
	_, err = r.commit(ctx, chat.Message{
		RoomKey:       trigger.RoomKey,
		SenderID:      r.cfg.SystemUserID,
		Body:          r.cfg.FallbackMessage,
		IsAIGenerated: true,
	}, func(chat.RoomKey) []presence.Handle {
		return r.presence.HandlesFor(trigger.SenderID)
	})
	if err != nil {
		r.logger.Error("failed to persist AI fallback", zap.String("room", string(trigger.RoomKey)), zap.Error(err))
	}
}

func (r *Relay) complete(ctx context.Context, trigger chat.Message) (string, error) {
	history, err := r.loadHistory(ctx, trigger.RoomKey, r.cfg.HistoryLimit+1)
	if err != nil {
		r.logger.Warn("loading AI context failed, continuing without history",
			zap.String("room", string(trigger.RoomKey)),
			zap.Error(err))
		history = nil
	}

	prior := make([]chat.Message, 0, len(history))
	for _, msg := range history {
		if msg.ID != trigger.ID {
			prior = append(prior, msg)
		}
	}
	if len(prior) > r.cfg.HistoryLimit {
		prior = prior[len(prior)-r.cfg.HistoryLimit:]
	}

	start := time.Now()
	reply, err := r.inference.Complete(ctx, tags.StripAI(trigger.Body), r.renderTurns(ctx, prior))
	metrics.InferenceLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("inference: %w", err)
	}
	return reply, nil
}

func (r *Relay) loadHistory(ctx context.Context, room chat.RoomKey, limit int) ([]chat.Message, error) {
	history, err := r.store.RecentHistory(ctx, room, limit)
	if err != nil {
		return nil, fmt.Errorf("recent history: %w", err)
	}
	return history, nil
}

// renderTurns labels each message with its author's display name.
func (r *Relay) renderTurns(ctx context.Context, history []chat.Message) []ai.Turn {
	if len(history) == 0 {
		return nil
	}

	seen := make(map[int64]struct{})
	ids := make([]int64, 0, len(history))
	for _, msg := range history {
		if _, ok := seen[msg.SenderID]; !ok {
			seen[msg.SenderID] = struct{}{}
			ids = append(ids, msg.SenderID)
		}
	}

	names, err := r.directory.DisplayNames(ctx, ids)
	if err != nil {
		r.logger.Warn("display name lookup failed", zap.Error(err))
	}

	turns := make([]ai.Turn, 0, len(history))
	for _, msg := range history {
		author, ok := names[msg.SenderID]
		if !ok || author == "" {
			author = fmt.Sprintf("user %d", msg.SenderID)
		}
		turns = append(turns, ai.Turn{Author: author, Body: msg.Body})
	}
	return turns
}
