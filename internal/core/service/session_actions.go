package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

type TransitionError struct {
	Event string
	State domain.CallStatus
	Err   error
}

func (e *TransitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s in state %s: %v", e.Event, e.State, e.Err)
	}
	return fmt.Sprintf("%s not allowed in state %s", e.Event, e.State)
}

func (e *TransitionError) Unwrap() []error {
	if e.Err == nil {
		return []error{domain.ErrInvalidTransition}
	}
	return []error{domain.ErrInvalidTransition, e.Err}
}

// negotiated is the outcome of media acquisition plus description creation.
type negotiated struct {
	local port.LocalStream
	peer  port.Peer
	desc  domain.SessionDescription
}

func (n *negotiated) release() {
	if n.peer != nil {
		_ = n.peer.Close()
	}
	if n.local != nil {
		n.local.Stop()
	}
}

// negotiate acquires local media, opens a negotiation handle and produces the
// local description. It runs off the loop.
func (s *CallSession) negotiate(ctx context.Context, id domain.SessionID, t domain.CallType, epoch uint64, offer *domain.SessionDescription) (*negotiated, error) {
	n := &negotiated{}

	local, err := s.media.Acquire(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMediaUnavailable, err)
	}
	n.local = local

	peer, err := s.peers.NewPeer(ctx, id)
	if err != nil {
		n.release()
		return nil, fmt.Errorf("create negotiation handle: %w", err)
	}
	n.peer = peer
	s.bindPeer(peer, epoch)

	if err := peer.AttachLocal(local); err != nil {
		n.release()
		return nil, fmt.Errorf("attach local media: %w", err)
	}

	if offer == nil {
		n.desc, err = peer.CreateOffer(ctx)
	} else {
		n.desc, err = peer.CreateAnswer(ctx, *offer)
	}
	if err != nil {
		n.release()
		return nil, err
	}
	return n, nil
}

// StartCall places an outbound call. The session stays idle until the offer
// is ready; a media failure leaves it idle and nothing is signaled.
func (s *CallSession) StartCall(ctx context.Context, peer domain.Participant, t domain.CallType) error {
	if peer.ID.IsZero() {
		return domain.ErrNoPeerSelected
	}
	if peer.ID == s.cfg.Self.ID {
		return domain.ErrSelfCall
	}
	if !t.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidCallType, t)
	}

	var (
		epoch uint64
		id    domain.SessionID
	)
	err := s.do(func() error {
		if s.busy() {
			return &TransitionError{Event: evStart, State: s.status(), Err: domain.ErrBusy}
		}
		s.epoch++
		epoch = s.epoch
		id = domain.NewSessionID()
		s.op = evStart
		s.target = peer.ID
		s.sessionID = id
		s.endReason = ""
		s.lastErr = nil
		return nil
	})
	if err != nil {
		return err
	}

	l := s.logger.With().Str("peer", peer.ID.String()).Str("session", id.String()).Logger()
	l.Info().Str("type", string(t)).Msg("Starting call")

	n, negErr := s.negotiate(ctx, id, t, epoch, nil)

	return s.do(func() error {
		if s.epoch != epoch {
			if n != nil {
				n.release()
			}
			return domain.ErrCallAborted
		}
		if negErr != nil {
			l.Error().Err(negErr).Msg("Failed to start call")
			s.reset()
			s.fail(negErr)
			return negErr
		}

		err := s.emit(domain.EventCallRequest, domain.CallRequest{
			From:    s.cfg.Self.ID,
			To:      peer.ID,
			Offer:   n.desc,
			Type:    t,
			Session: id,
		})
		if err != nil {
			n.release()
			s.reset()
			s.fail(err)
			return err
		}

		s.op = ""
		s.local = n.local
		s.peer = n.peer
		s.callType = t
		remote := peer
		s.remote = &remote
		s.signaled = true
		if err := s.transition(evStart); err != nil {
			return err
		}
		s.flushOutbound()
		s.flushInbound()
		s.startRingTimer()
		return nil
	})
}

// AcceptCall answers the pending inbound call.
func (s *CallSession) AcceptCall(ctx context.Context) error {
	var (
		epoch   uint64
		pending pendingOffer
	)
	err := s.do(func() error {
		if s.status() != domain.StatusIncoming || s.pending == nil {
			return &TransitionError{Event: evAccept, State: s.status(), Err: domain.ErrNoActiveCall}
		}
		if s.op != "" {
			return &TransitionError{Event: evAccept, State: s.status(), Err: domain.ErrBusy}
		}
		s.op = evAccept
		s.lastErr = nil
		epoch = s.epoch
		pending = *s.pending
		return nil
	})
	if err != nil {
		return err
	}

	l := s.logger.With().Str("peer", pending.from.ID.String()).Str("session", pending.session.String()).Logger()
	l.Info().Str("type", string(pending.typ)).Msg("Accepting call")

	n, negErr := s.negotiate(ctx, pending.session, pending.typ, epoch, &pending.offer)

	return s.do(func() error {
		if s.epoch != epoch {
			if n != nil {
				n.release()
			}
			return domain.ErrCallAborted
		}
		s.op = ""
		if negErr != nil {
			// Stay ringing so the user can retry or reject.
			l.Error().Err(negErr).Msg("Failed to accept call")
			s.outbound = nil
			s.fail(negErr)
			return negErr
		}

		err := s.emit(domain.EventCallAnswer, domain.CallAnswer{
			From:    s.cfg.Self.ID,
			To:      pending.from.ID,
			Answer:  n.desc,
			Session: pending.session,
		})
		if err != nil {
			n.release()
			s.outbound = nil
			s.fail(err)
			return err
		}

		stopTimer(&s.ringTimer)
		s.local = n.local
		s.peer = n.peer
		s.callType = pending.typ
		remote := pending.from
		s.remote = &remote
		s.pending = nil
		s.signaled = true
		s.connectedAt = timeNow()
		if err := s.transition(evAccept); err != nil {
			return err
		}
		s.flushOutbound()
		s.flushInbound()
		return nil
	})
}

// RejectCall declines the pending inbound call and tells the caller. The
// session shows rejected for RejectDisplay, then returns to idle.
func (s *CallSession) RejectCall(ctx context.Context) error {
	return s.do(func() error {
		if s.status() != domain.StatusIncoming || s.pending == nil {
			return &TransitionError{Event: evReject, State: s.status(), Err: domain.ErrNoActiveCall}
		}
		s.logger.Info().Str("peer", s.pending.from.ID.String()).Msg("Rejecting call")

		_ = s.emit(domain.EventCallEnd, domain.CallEnd{
			To:      s.pending.from.ID,
			Reason:  domain.ReasonRejected,
			Session: s.pending.session,
		})

		// An accept still acquiring media is abandoned.
		s.op = ""
		s.epoch++
		s.release()
		from := s.pending.from
		s.remote = &from
		s.callType = s.pending.typ
		s.pending = nil
		s.endReason = domain.ReasonRejected
		if err := s.transition(evReject); err != nil {
			return err
		}
		s.startRejectTimer()
		return nil
	})
}

// EndCall hangs up. It never fails on an idle session and may be called any
// number of times.
func (s *CallSession) EndCall(ctx context.Context) error {
	err := s.do(func() error {
		switch {
		case s.status() == domain.StatusIdle && s.op == "":
			return nil
		case s.status() == domain.StatusIdle:
			// Outbound call still acquiring media: nothing was signaled yet.
			s.logger.Info().Msg("Abandoning call setup")
			s.reset()
			s.publish()
			return nil
		}
		s.logger.Info().Str("peer", s.target.String()).Msg("Ending call")
		s.hangup(domain.ReasonHangup)
		return nil
	})
	if errors.Is(err, domain.ErrSessionClosed) {
		return nil
	}
	return err
}
