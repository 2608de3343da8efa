package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type MessageRepository interface {
	Save(ctx context.Context, msg domain.Message) error
	// Conversation returns the most recent messages between a and b, oldest first.
	Conversation(ctx context.Context, a, b domain.UserID, limit int) ([]domain.Message, error)
}
