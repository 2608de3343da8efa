package service

import (
	"context"
	"encoding/json"

	"github.com/Wyydra/yacall/internal/core/domain"
)

func decodeInto(data json.RawMessage, v any) error {
	return domain.Envelope{Data: data}.Decode(v)
}

// stale reports whether an event tagged with id belongs to another call.
// Untagged events are accepted.
func (s *CallSession) stale(id domain.SessionID) bool {
	return id != "" && s.sessionID != "" && id != s.sessionID
}

func (s *CallSession) onIncoming(data json.RawMessage) {
	var in domain.CallIncoming
	if err := decodeInto(data, &in); err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed call:incoming")
		return
	}
	s.post(func() { s.handleIncoming(in) })
}

func (s *CallSession) handleIncoming(in domain.CallIncoming) {
	l := s.logger.With().Str("from", in.From.String()).Str("session", in.Session.String()).Logger()

	if in.From.IsZero() || !in.Type.Valid() {
		l.Warn().Str("type", string(in.Type)).Msg("Dropping invalid call:incoming")
		return
	}
	if s.inspector != nil {
		offered, err := s.inspector.InferCallType(in.Offer)
		if err != nil {
			l.Warn().Err(err).Msg("Dropping call:incoming with unusable offer")
			return
		}
		if offered != in.Type {
			// The offer decides what media gets negotiated.
			l.Warn().Str("declared", string(in.Type)).Str("offered", string(offered)).Msg("Call type does not match offer")
			in.Type = offered
		}
	}
	if s.busy() {
		if in.From == s.target && !s.stale(in.Session) {
			l.Debug().Msg("Duplicate call:incoming ignored")
			return
		}
		l.Info().Str("status", string(s.status())).Msg("Declining call, already busy")
		_ = s.emit(domain.EventCallEnd, domain.CallEnd{To: in.From, Reason: domain.ReasonBusy, Session: in.Session})
		return
	}

	id := in.Session
	if id == "" {
		id = domain.NewSessionID()
	}
	s.epoch++
	s.target = in.From
	s.sessionID = id
	s.endReason = ""
	s.lastErr = nil
	s.pending = &pendingOffer{
		from:    domain.Participant{ID: in.From, DisplayName: in.Name},
		offer:   in.Offer,
		typ:     in.Type,
		session: id,
	}
	if err := s.transition(evRing); err != nil {
		l.Error().Err(err).Msg("Failed to ring")
		return
	}
	l.Info().Str("type", string(in.Type)).Msg("Incoming call")
	s.startRingTimer()
}

func (s *CallSession) onAnswer(data json.RawMessage) {
	var ans domain.CallAnswer
	if err := decodeInto(data, &ans); err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed call:answer")
		return
	}
	s.post(func() { s.handleAnswer(ans) })
}

func (s *CallSession) handleAnswer(ans domain.CallAnswer) {
	if s.status() != domain.StatusCalling || s.peer == nil {
		s.logger.Debug().Str("status", string(s.status())).Msg("Ignoring call:answer")
		return
	}
	if (!ans.From.IsZero() && ans.From != s.target) || s.stale(ans.Session) {
		s.logger.Debug().Str("from", ans.From.String()).Msg("Ignoring call:answer for another call")
		return
	}

	peer := s.peer
	epoch := s.epoch
	go func() {
		err := peer.ApplyAnswer(context.Background(), ans.Answer)
		s.post(func() {
			if s.epoch != epoch || s.status() != domain.StatusCalling {
				return
			}
			if err != nil {
				// Best effort: the call stays up, the ring timeout or a
				// hangup resolves it.
				s.logger.Error().Err(err).Msg("Failed to apply answer")
				s.fail(err)
				return
			}
			stopTimer(&s.ringTimer)
			s.connectedAt = timeNow()
			if err := s.transition(evAnswered); err != nil {
				s.logger.Error().Err(err).Msg("Failed to connect")
			}
		})
	}()
}

func (s *CallSession) onCandidate(data json.RawMessage) {
	var cand domain.CallCandidate
	if err := decodeInto(data, &cand); err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed call:ice-candidate")
		return
	}
	s.post(func() { s.handleCandidate(cand) })
}

func (s *CallSession) handleCandidate(cand domain.CallCandidate) {
	if s.target.IsZero() {
		s.logger.Debug().Msg("Dropping candidate, no active call")
		return
	}
	if (!cand.From.IsZero() && cand.From != s.target) || s.stale(cand.Session) {
		s.logger.Debug().Str("from", cand.From.String()).Msg("Dropping candidate for another call")
		return
	}
	if s.status() == domain.StatusRejected {
		return
	}
	if s.peer == nil {
		s.inbound = append(s.inbound, cand.Candidate)
		return
	}
	s.applyCandidate(cand.Candidate)
}

func (s *CallSession) onEnded(data json.RawMessage) {
	var ended domain.CallEnded
	if err := decodeInto(data, &ended); err != nil {
		s.logger.Warn().Err(err).Msg("Dropping malformed call:ended")
		return
	}
	s.post(func() { s.handleEnded(ended) })
}

func (s *CallSession) handleEnded(ended domain.CallEnded) {
	st := s.status()
	if st == domain.StatusIdle {
		return
	}
	if (!ended.From.IsZero() && ended.From != s.target) || s.stale(ended.Session) {
		s.logger.Debug().Str("from", ended.From.String()).Msg("Ignoring call:ended for another call")
		return
	}

	l := s.logger.With().Str("from", ended.From.String()).Str("reason", string(ended.Reason)).Logger()

	if st == domain.StatusCalling && (ended.Reason == domain.ReasonRejected || ended.Reason == domain.ReasonBusy) {
		l.Info().Msg("Call declined by peer")
		s.release()
		s.epoch++
		s.endReason = ended.Reason
		if err := s.transition(evDeclined); err != nil {
			l.Error().Err(err).Msg("Failed to mark call declined")
			return
		}
		s.startRejectTimer()
		return
	}
	if st == domain.StatusRejected {
		return
	}

	l.Info().Msg("Call ended by peer")
	s.reset()
	s.endReason = ended.Reason
	if ended.Reason == "" {
		s.endReason = domain.ReasonHangup
	}
	if err := s.transition(evRemoteEnd); err != nil {
		l.Error().Err(err).Msg("Failed to end call")
	}
}

func (s *CallSession) onPresenceOffline(data json.RawMessage) {
	var p domain.Presence
	if err := decodeInto(data, &p); err != nil {
		return
	}
	s.post(func() {
		if p.User.IsZero() || p.User != s.target || s.status() == domain.StatusIdle || s.status() == domain.StatusRejected {
			return
		}
		s.logger.Info().Str("peer", p.User.String()).Msg("Peer went offline, ending call")
		s.reset()
		s.endReason = domain.ReasonDisconnected
		if err := s.transition(evRemoteEnd); err != nil {
			s.logger.Error().Err(err).Msg("Failed to end call")
		}
	})
}
