package memory

import (
	"context"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
)

type MessageRepository struct {
	mu       sync.RWMutex
	messages []domain.Message
}

func NewMessageRepository() *MessageRepository {
	return &MessageRepository{
		messages: make([]domain.Message, 0),
	}
}

func (r *MessageRepository) Save(ctx context.Context, msg domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *MessageRepository) Conversation(ctx context.Context, a, b domain.UserID, limit int) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Message, 0)
	for i := len(r.messages) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if r.messages[i].Involves(a, b) {
			out = append(out, r.messages[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
