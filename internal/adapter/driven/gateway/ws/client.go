package ws

import "github.com/Wyydra/yacall/internal/core/domain"

// Client is one websocket connection of an authenticated user.
type Client interface {
	ID() string
	User() domain.Participant
	Send(env domain.Envelope) error
	Close() error
}
