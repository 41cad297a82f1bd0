package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/yichenzhou/groupflow/internal/domain"
	"github.com/yichenzhou/groupflow/internal/kafka"
	"github.com/yichenzhou/groupflow/pkg/telemetry"
)

// CompletionEvent is the message published when a capture task reaches a
// terminal status.
type CompletionEvent struct {
	TaskID  int64  `json:"task_id"`
	GroupID string `json:"group_id"`
	Day     string `json:"day"`
	BizType string `json:"biz_type"`
}

// Listener consumes task-completed events and runs a dispatch attempt for
// each one. Most events find the group still incomplete; the last terminal
// task is the one that trips the barrier.
type Listener struct {
	consumer  kafka.Consumer
	deliverer *Deliverer
	bizType   string
	logger    *slog.Logger
}

// NewListener constructs a Listener. bizType is the fallback when an event
// omits its own.
func NewListener(consumer kafka.Consumer, deliverer *Deliverer, bizType string, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{consumer: consumer, deliverer: deliverer, bizType: bizType, logger: logger}
}

// Run consumes until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	return l.consumer.Subscribe(ctx, l.handle)
}

// handle processes one completion event. Malformed messages are logged and
// committed; re-delivering them would never help.
func (l *Listener) handle(ctx context.Context, msg kafka.Message) error {
	var event CompletionEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		telemetry.ListenerMessagesTotal.WithLabelValues("malformed").Inc()
		l.logger.Warn("skipping malformed completion event",
			slog.Int64("offset", msg.Offset),
			slog.Any("error", err),
		)
		return nil
	}
	if event.GroupID == "" || event.Day == "" {
		telemetry.ListenerMessagesTotal.WithLabelValues("malformed").Inc()
		l.logger.Warn("skipping completion event without group_id or day",
			slog.Int64("offset", msg.Offset),
			slog.Int64("task_id", event.TaskID),
		)
		return nil
	}
	bizType := event.BizType
	if bizType == "" {
		bizType = l.bizType
	}

	key := domain.PlanKey{BizType: bizType, GroupID: event.GroupID, Day: event.Day}
	outcome, err := l.deliverer.Dispatch(ctx, key, false)
	if err != nil {
		telemetry.ListenerMessagesTotal.WithLabelValues("error").Inc()
		l.logger.Error("dispatch from completion event failed",
			slog.String("group_id", event.GroupID),
			slog.String("day", event.Day),
			slog.Any("error", err),
		)
		return err
	}

	telemetry.ListenerMessagesTotal.WithLabelValues("handled").Inc()
	l.logger.Info("completion event handled",
		slog.Int64("task_id", event.TaskID),
		slog.String("group_id", event.GroupID),
		slog.String("outcome", outcome.Outcome),
	)
	return nil
}
