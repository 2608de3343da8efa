package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type RealTimeGateway interface {
	// SendTo delivers to every connection of the user. It returns
	// domain.ErrUserOffline when the user has none.
	SendTo(ctx context.Context, user domain.UserID, event domain.EventName, payload any) error
	Broadcast(ctx context.Context, event domain.EventName, payload any) error
	IsOnline(user domain.UserID) bool
	OnlineUsers() []domain.UserID
}
