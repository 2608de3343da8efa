package service

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

type PresenceService struct {
	gateway port.RealTimeGateway
}

func NewPresenceService(gateway port.RealTimeGateway) *PresenceService {
	return &PresenceService{gateway: gateway}
}

// Online announces user to everyone and sends the current roster to user.
func (s *PresenceService) Online(ctx context.Context, user domain.UserID) error {
	if err := s.gateway.Broadcast(ctx, domain.EventPresenceOnline, domain.Presence{User: user}); err != nil {
		return err
	}
	return s.gateway.SendTo(ctx, user, domain.EventPresenceList, domain.PresenceList{Users: s.gateway.OnlineUsers()})
}

func (s *PresenceService) Offline(ctx context.Context, user domain.UserID) error {
	return s.gateway.Broadcast(ctx, domain.EventPresenceOffline, domain.Presence{User: user})
}
