package service

import (
	"context"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/metrics"
	"github.com/rs/zerolog/log"
)

const DefaultHistoryLimit = 50

type ChatService struct {
	repo    port.MessageRepository
	gateway port.RealTimeGateway
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewChatService(repo port.MessageRepository, gateway port.RealTimeGateway, m *metrics.Metrics) *ChatService {
	return &ChatService{
		repo:    repo,
		gateway: gateway,
		metrics: m,
		now:     time.Now,
	}
}

// SendMessage stores a direct message and delivers it to both parties. An
// offline recipient still gets it from the history endpoint.
func (s *ChatService) SendMessage(ctx context.Context, from, to domain.UserID, content string) (*domain.Message, error) {
	msg, err := domain.NewMessage(from, to, content, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.repo.Save(ctx, *msg); err != nil {
		return nil, err
	}
	s.metrics.MessageSent()

	if err := s.gateway.SendTo(ctx, to, domain.EventMessageNew, msg); err != nil {
		log.Debug().Err(err).Str("to", to.String()).Msg("Recipient not reachable, message kept in history")
	}
	if err := s.gateway.SendTo(ctx, from, domain.EventMessageNew, msg); err != nil {
		log.Debug().Err(err).Str("from", from.String()).Msg("Sender echo not delivered")
	}
	return msg, nil
}

func (s *ChatService) History(ctx context.Context, a, b domain.UserID, limit int) ([]domain.Message, error) {
	if limit <= 0 || limit > DefaultHistoryLimit*4 {
		limit = DefaultHistoryLimit
	}
	return s.repo.Conversation(ctx, a, b, limit)
}
