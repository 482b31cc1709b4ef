package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/geniusboywonder/bmad/internal/port/broadcast"
)

// BroadcastEvent marshals a typed event and broadcasts it to every client.
// Event type names come from the broadcast port so queue and WebSocket
// consumers see the same vocabulary.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}

var _ broadcast.Broadcaster = (*Hub)(nil)
