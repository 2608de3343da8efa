package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/metrics"
	"github.com/rs/zerolog/log"
)

var _ port.SignalRouter = (*RelayService)(nil)

type callLeg struct {
	peer    domain.UserID
	session domain.SessionID
}

// RelayService routes signaling between users. It never touches media; it
// only remembers who is in a call with whom so a dropped connection or a
// busy callee can be answered on the peer's behalf.
type RelayService struct {
	gateway  port.RealTimeGateway
	chat     *ChatService
	presence *PresenceService
	metrics  *metrics.Metrics

	mu    sync.Mutex
	calls map[domain.UserID]callLeg
}

func NewRelayService(gateway port.RealTimeGateway, chat *ChatService, presence *PresenceService, m *metrics.Metrics) *RelayService {
	return &RelayService{
		gateway:  gateway,
		chat:     chat,
		presence: presence,
		metrics:  m,
		calls:    make(map[domain.UserID]callLeg),
	}
}

func (s *RelayService) Connect(ctx context.Context, user domain.Participant) error {
	log.Info().Str("user_id", user.ID.String()).Msg("User online")
	return s.presence.Online(ctx, user.ID)
}

// Disconnect is called once the last connection of user is gone.
func (s *RelayService) Disconnect(ctx context.Context, user domain.UserID) error {
	if leg, ok := s.endLeg(user); ok {
		log.Info().Str("user_id", user.String()).Str("peer", leg.peer.String()).Msg("User dropped mid-call")
		s.deliver(ctx, leg.peer, domain.EventCallEnded, domain.CallEnded{
			From:    user,
			Reason:  domain.ReasonDisconnected,
			Session: leg.session,
		})
	}
	log.Info().Str("user_id", user.String()).Msg("User offline")
	return s.presence.Offline(ctx, user)
}

func (s *RelayService) Route(ctx context.Context, from domain.Participant, event domain.EventName, data json.RawMessage) error {
	err := s.route(ctx, from, event, data)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.EventHandled(string(event), outcome)
	return err
}

func (s *RelayService) route(ctx context.Context, from domain.Participant, event domain.EventName, data json.RawMessage) error {
	env := domain.Envelope{Event: event, Data: data}

	switch event {
	case domain.EventCallRequest:
		var req domain.CallRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		return s.request(ctx, from, req)

	case domain.EventCallAnswer:
		var ans domain.CallAnswer
		if err := env.Decode(&ans); err != nil {
			return err
		}
		if ans.To.IsZero() {
			leg, ok := s.leg(from.ID)
			if !ok {
				return domain.ErrNoActiveCall
			}
			ans.To = leg.peer
		}
		to := ans.To
		ans.From, ans.To = from.ID, ""
		return s.gateway.SendTo(ctx, to, domain.EventCallAnswer, ans)

	case domain.EventCallCandidate:
		var cand domain.CallCandidate
		if err := env.Decode(&cand); err != nil {
			return err
		}
		if cand.To.IsZero() {
			return domain.ErrNoPeerSelected
		}
		to := cand.To
		cand.From, cand.To = from.ID, ""
		return s.gateway.SendTo(ctx, to, domain.EventCallCandidate, cand)

	case domain.EventCallEnd:
		var end domain.CallEnd
		if err := env.Decode(&end); err != nil {
			return err
		}
		return s.end(ctx, from.ID, end)

	case domain.EventMessageSend:
		var msg domain.MessageSend
		if err := env.Decode(&msg); err != nil {
			return err
		}
		_, err := s.chat.SendMessage(ctx, from.ID, msg.To, msg.Content)
		return err
	}
	return fmt.Errorf("%w: %s", domain.ErrUnknownEvent, event)
}

func (s *RelayService) request(ctx context.Context, from domain.Participant, req domain.CallRequest) error {
	req.From = from.ID
	l := log.With().Str("from", from.ID.String()).Str("to", req.To.String()).Str("session", req.Session.String()).Logger()

	switch {
	case req.To.IsZero():
		return domain.ErrNoPeerSelected
	case req.To == from.ID:
		return domain.ErrSelfCall
	case !req.Type.Valid():
		return fmt.Errorf("%w: %q", domain.ErrInvalidCallType, req.Type)
	}

	ended := domain.CallEnded{From: req.To, Session: req.Session}
	if !s.gateway.IsOnline(req.To) {
		l.Info().Msg("Callee offline")
		ended.Reason = domain.ReasonUnavailable
		return s.gateway.SendTo(ctx, from.ID, domain.EventCallEnded, ended)
	}

	s.mu.Lock()
	if leg, ok := s.calls[req.To]; ok && leg.peer != from.ID {
		s.mu.Unlock()
		l.Info().Msg("Callee busy")
		ended.Reason = domain.ReasonBusy
		return s.gateway.SendTo(ctx, from.ID, domain.EventCallEnded, ended)
	}
	previous, hadPrevious := s.calls[from.ID]
	if hadPrevious && previous.peer != req.To {
		delete(s.calls, previous.peer)
	}
	s.calls[from.ID] = callLeg{peer: req.To, session: req.Session}
	s.calls[req.To] = callLeg{peer: from.ID, session: req.Session}
	s.metrics.SetActiveCalls(len(s.calls) / 2)
	s.mu.Unlock()

	if hadPrevious && previous.peer != req.To {
		s.deliver(ctx, previous.peer, domain.EventCallEnded, domain.CallEnded{
			From:    from.ID,
			Reason:  domain.ReasonHangup,
			Session: previous.session,
		})
	}

	l.Info().Str("type", string(req.Type)).Msg("Relaying call request")
	err := s.gateway.SendTo(ctx, req.To, domain.EventCallIncoming, domain.CallIncoming{
		From:    from.ID,
		Name:    from.DisplayName,
		Offer:   req.Offer,
		Type:    req.Type,
		Session: req.Session,
	})
	if errors.Is(err, domain.ErrUserOffline) {
		s.endLeg(from.ID)
		ended.Reason = domain.ReasonUnavailable
		return s.gateway.SendTo(ctx, from.ID, domain.EventCallEnded, ended)
	}
	return err
}

func (s *RelayService) end(ctx context.Context, from domain.UserID, end domain.CallEnd) error {
	if end.To.IsZero() {
		leg, ok := s.leg(from)
		if !ok {
			return domain.ErrNoActiveCall
		}
		end.To = leg.peer
	}

	s.mu.Lock()
	if leg, ok := s.calls[from]; ok && leg.peer == end.To {
		delete(s.calls, from)
		delete(s.calls, end.To)
	}
	s.metrics.SetActiveCalls(len(s.calls) / 2)
	s.mu.Unlock()

	reason := end.Reason
	if reason == "" {
		reason = domain.ReasonHangup
	}
	log.Info().Str("from", from.String()).Str("to", end.To.String()).Str("reason", string(reason)).Msg("Relaying call end")

	s.deliver(ctx, end.To, domain.EventCallEnded, domain.CallEnded{From: from, Reason: reason, Session: end.Session})
	// Other tabs of the sender stop ringing too.
	s.deliver(ctx, from, domain.EventCallEnded, domain.CallEnded{From: end.To, Reason: reason, Session: end.Session})
	return nil
}

func (s *RelayService) leg(user domain.UserID) (callLeg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	leg, ok := s.calls[user]
	return leg, ok
}

// endLeg forgets the call user is part of, both directions.
func (s *RelayService) endLeg(user domain.UserID) (callLeg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	leg, ok := s.calls[user]
	if !ok {
		return callLeg{}, false
	}
	delete(s.calls, user)
	if back, ok := s.calls[leg.peer]; ok && back.peer == user {
		delete(s.calls, leg.peer)
	}
	s.metrics.SetActiveCalls(len(s.calls) / 2)
	return leg, true
}

// ActiveCalls returns the number of tracked call pairs.
func (s *RelayService) ActiveCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls) / 2
}

func (s *RelayService) deliver(ctx context.Context, to domain.UserID, event domain.EventName, payload any) {
	if err := s.gateway.SendTo(ctx, to, event, payload); err != nil && !errors.Is(err, domain.ErrUserOffline) {
		log.Error().Err(err).Str("to", to.String()).Str("event", string(event)).Msg("Failed to deliver event")
	}
}
