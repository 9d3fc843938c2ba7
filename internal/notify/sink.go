package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/heapytomibiza-coder/ibiza-construct-flow-sub001/internal/idgen"
)

// Sink adapts the dispatcher to the escrow service's notifier hook.
// All methods are fire-and-forget: errors are logged but never returned.
type Sink struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewSink creates a notification sink over the given dispatcher.
func NewSink(d *Dispatcher, logger *slog.Logger) *Sink {
	return &Sink{d: d, logger: logger}
}

// Notify fans an escrow lifecycle event out to the user's subscriptions.
func (s *Sink) Notify(ctx context.Context, userID, event string, payload map[string]interface{}) {
	if s == nil || s.d == nil {
		return
	}
	ev := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      EventType(event),
		Timestamp: time.Now(),
		Data:      payload,
	}
	if err := s.d.DispatchToUser(ctx, userID, ev); err != nil {
		s.logger.Warn("notification dispatch failed", "event", event, "user", userID, "error", err)
	}
}
