package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/geniusboywonder/bmad/internal/port/broadcast"
	"github.com/geniusboywonder/bmad/internal/port/messagequeue"
	"github.com/geniusboywonder/bmad/internal/port/notifier"
)

// emitter fans a state transition out to the queue, the websocket hub and
// the notification service. Every sink is optional and every failure is
// logged, never propagated: emitting events must not fail the transition.
type emitter struct {
	queue  messagequeue.Queue
	hub    broadcast.Broadcaster
	notify *NotificationService
}

func (e *emitter) publish(ctx context.Context, subject string, payload any) {
	if e.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal event payload", "subject", subject, "error", err)
		return
	}
	if err := e.queue.Publish(ctx, subject, data); err != nil {
		slog.Error("publish event", "subject", subject, "error", err)
	}
}

func (e *emitter) broadcast(ctx context.Context, eventType string, payload any) {
	if e.hub == nil {
		return
	}
	e.hub.BroadcastEvent(ctx, eventType, payload)
}

func (e *emitter) send(ctx context.Context, n notifier.Notification) {
	if e.notify == nil {
		return
	}
	e.notify.Notify(ctx, n)
}
