package domain

import (
	"strings"
	"time"
)

type Message struct {
	ID      MessageID `json:"id"`
	From    UserID    `json:"from"`
	To      UserID    `json:"to"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
}

func NewMessage(from, to UserID, content string, now time.Time) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	if to.IsZero() {
		return nil, ErrNoPeerSelected
	}
	return &Message{
		ID:      NewMessageID(),
		From:    from,
		To:      to,
		Content: content,
		SentAt:  now.UTC(),
	}, nil
}

// Involves reports whether the message belongs to the conversation between a and b.
func (m Message) Involves(a, b UserID) bool {
	return (m.From == a && m.To == b) || (m.From == b && m.To == a)
}

type MessageSend struct {
	To      UserID `json:"to"`
	Content string `json:"content"`
}
