package ws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/metrics"
	"github.com/rs/zerolog/log"
)

var _ port.RealTimeGateway = (*Hub)(nil)

// Hub implements port.RealTimeGateway over websocket clients. A user may
// hold several connections (tabs); events go to all of them.
type Hub struct {
	mu        sync.RWMutex
	clients   map[domain.UserID]map[Client]struct{}
	broadcast chan domain.Envelope
	quit      chan struct{}
	stopOnce  sync.Once
	metrics   *metrics.Metrics
}

func NewHub(m *metrics.Metrics) *Hub {
	return &Hub{
		clients:   make(map[domain.UserID]map[Client]struct{}),
		broadcast: make(chan domain.Envelope, 256),
		quit:      make(chan struct{}),
		metrics:   m,
	}
}

// Register adds c and returns how many connections its user now has.
func (h *Hub) Register(c Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := c.User().ID
	conns, ok := h.clients[id]
	if !ok {
		conns = make(map[Client]struct{})
		h.clients[id] = conns
	}
	conns[c] = struct{}{}
	h.metrics.ClientConnected()
	log.Info().Str("client_id", c.ID()).Str("user_id", id.String()).Int("connections", len(conns)).Msg("Client registered")
	return len(conns)
}

// Unregister removes c and returns how many connections its user has left.
func (h *Hub) Unregister(c Client) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := c.User().ID
	conns, ok := h.clients[id]
	if !ok {
		return 0
	}
	if _, ok := conns[c]; ok {
		delete(conns, c)
		h.metrics.ClientDisconnected()
		log.Info().Str("client_id", c.ID()).Str("user_id", id.String()).Msg("Client unregistered")
	}
	if len(conns) == 0 {
		delete(h.clients, id)
	}
	return len(conns)
}

func (h *Hub) SendTo(ctx context.Context, user domain.UserID, event domain.EventName, payload any) error {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]Client, 0, len(h.clients[user]))
	for c := range h.clients[user] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", domain.ErrUserOffline, user)
	}

	var errs []error
	for _, c := range targets {
		if err := c.Send(env); err != nil {
			log.Error().Err(err).Str("client_id", c.ID()).Str("event", string(event)).Msg("Error sending event")
			errs = append(errs, err)
		}
	}
	if len(errs) == len(targets) {
		return errors.Join(errs...)
	}
	return nil
}

func (h *Hub) Broadcast(ctx context.Context, event domain.EventName, payload any) error {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- env:
	default:
		log.Warn().Str("event", string(event)).Msg("Broadcast channel full, dropping event")
	}
	return nil
}

func (h *Hub) IsOnline(user domain.UserID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[user]) > 0
}

func (h *Hub) OnlineUsers() []domain.UserID {
	h.mu.RLock()
	users := make([]domain.UserID, 0, len(h.clients))
	for id := range h.clients {
		users = append(users, id)
	}
	h.mu.RUnlock()
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for id, conns := range h.clients {
				for c := range conns {
					c.Close()
					h.metrics.ClientDisconnected()
				}
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case env := <-h.broadcast:
			h.mu.RLock()
			targets := make([]Client, 0)
			for _, conns := range h.clients {
				for c := range conns {
					targets = append(targets, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range targets {
				if err := c.Send(env); err != nil {
					log.Error().Err(err).Str("client_id", c.ID()).Msg("Error broadcasting event")
				}
			}
		}
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}
