package ws

import (
	"context"
	"encoding/json"

	"github.com/playmatatu/arbiter/internal/events"
)

// Start subscribes the hub to match events, which may come from any
// instance, and forwards each to the connected clients it concerns.
func (h *Hub) Start(ctx context.Context, sub events.Subscriber) error {
	h.baseCtx = context.WithoutCancel(ctx)
	return sub.Subscribe(ctx, h.Dispatch)
}

// Dispatch delivers one event to its match room and addressed user.
func (h *Hub) Dispatch(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Warnw("invalid event", "type", ev.Type, "error", err)
		return
	}
	n := h.deliver(ev.MatchID, ev.UserID, data)
	h.log.Debugw("event delivered", "type", ev.Type, "match_id", ev.MatchID, "user_id", ev.UserID, "recipients", n)
}
