package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/accord/backend/internal/metrics"
	"github.com/zhouzirui/accord/backend/internal/model/chat"
	"github.com/zhouzirui/accord/backend/internal/service/presence"
)

// Reasons sent back in analysis.error.
const (
	ReasonAnalysisForbidden   = "not a participant of this room"
	ReasonAnalysisEmpty       = "no messages to analyze"
	ReasonAnalysisUnavailable = "analysis is unavailable right now"
)

// Analyze schedules an analysis of room for h. The outcome is sent to h alone
// as analysis.complete or analysis.error; nothing is persisted.
func (r *Relay) Analyze(ctx context.Context, from presence.Handle, room chat.RoomKey) error {
	parsed, err := room.Parse()
	if err != nil {
		r.deliver([]presence.Handle{from}, chat.AnalysisFailed(room, err.Error()))
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	allowed := parsed.Includes(from.UserID())
	if parsed.Kind == chat.GroupRoom {
		allowed = r.subs.Joined(from, room)
	}
	if !allowed {
		metrics.Analyses.WithLabelValues("forbidden").Inc()
		r.deliver([]presence.Handle{from}, chat.AnalysisFailed(room, ReasonAnalysisForbidden))
		return fmt.Errorf("%w: %s", ErrRejected, ReasonAnalysisForbidden)
	}

	if !r.spawn("analysis", func(ctx context.Context) { r.runAnalysis(ctx, from, room) }) {
		r.deliver([]presence.Handle{from}, chat.AnalysisFailed(room, ReasonUnavailable))
		return ErrClosed
	}
	return nil
}

func (r *Relay) runAnalysis(ctx context.Context, to presence.Handle, room chat.RoomKey) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.AITimeout)
	defer cancel()

	analysis, err := r.analyze(ctx, room)
	if err != nil {
		reason := ReasonAnalysisUnavailable
		outcome := "failure"
		if errors.Is(err, errNothingToAnalyze) {
			reason = ReasonAnalysisEmpty
			outcome = "empty"
		}
		metrics.Analyses.WithLabelValues(outcome).Inc()
		r.logger.Warn("analysis failed", zap.String("room", string(room)), zap.Error(err))
		r.deliver([]presence.Handle{to}, chat.AnalysisFailed(room, reason))
		return
	}

	metrics.Analyses.WithLabelValues("success").Inc()
	r.deliver([]presence.Handle{to}, chat.AnalysisComplete(room, analysis))
}

var errNothingToAnalyze = errors.New("room has no messages")

func (r *Relay) analyze(ctx context.Context, room chat.RoomKey) (string, error) {
	history, err := r.loadHistory(ctx, room, r.cfg.AnalysisHistoryLimit)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", errNothingToAnalyze
	}

	start := time.Now()
	analysis, err := r.inference.Analyze(ctx, r.renderTurns(ctx, history))
	metrics.InferenceLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("inference: %w", err)
	}
	return analysis, nil
}
