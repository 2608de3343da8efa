package domain

import (
	"github.com/google/uuid"
)

// UserID is the authenticated identity of a chat user (the token subject).
type UserID string

func (id UserID) String() string {
	return string(id)
}

func (id UserID) IsZero() bool {
	return id == ""
}

type MessageID uuid.UUID

func NewMessageID() MessageID {
	return MessageID(uuid.New())
}

func (id MessageID) String() string {
	return uuid.UUID(id).String()
}

func (id MessageID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *MessageID) UnmarshalText(b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return err
	}
	*id = MessageID(u)
	return nil
}

// SessionID identifies one call attempt end to end. It travels in every
// call:* payload so late events from a previous call can be told apart.
type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func (s SessionID) String() string {
	return string(s)
}
