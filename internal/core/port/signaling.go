package port

import (
	"context"
	"encoding/json"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type EventHandler func(data json.RawMessage)

// SignalingTransport is the client end of the socket. Ordering is only
// assumed within a single event name.
type SignalingTransport interface {
	Emit(ctx context.Context, event domain.EventName, payload any) error
	Subscribe(event domain.EventName, h EventHandler) (unsubscribe func())
}

// SignalRouter is the relay side: it receives every event a connected
// user emits, plus the connect/disconnect lifecycle of that user.
type SignalRouter interface {
	Connect(ctx context.Context, user domain.Participant) error
	Disconnect(ctx context.Context, user domain.UserID) error
	Route(ctx context.Context, from domain.Participant, event domain.EventName, data json.RawMessage) error
}
