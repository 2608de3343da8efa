package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice domain.UserID = "alice"
	bob   domain.UserID = "bob"
	carol domain.UserID = "carol"
)

type harness struct {
	session   *CallSession
	transport *fakeTransport
	media     *fakeMedia
	peers     *fakePeers
}

func newHarness(t *testing.T, cfg SessionConfig) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, func(p *fakePeers) port.PeerFactory { return p })
}

// newHarnessWith lets the test wrap the fake factory.
func newHarnessWith(t *testing.T, cfg SessionConfig, wrap func(*fakePeers) port.PeerFactory) *harness {
	t.Helper()
	if cfg.Self.ID.IsZero() {
		cfg.Self = domain.Participant{ID: alice, DisplayName: "Alice"}
	}
	h := &harness{
		transport: newFakeTransport(),
		media:     &fakeMedia{},
		peers:     &fakePeers{},
	}
	h.session = NewCallSession(cfg, h.transport, h.media, wrap(h.peers))
	t.Cleanup(func() { h.session.Close() })
	return h
}

// flush waits until every event queued on the loop so far has run.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.do(func() error { return nil }))
}

func (h *harness) waitStatus(t *testing.T, want domain.CallStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return h.session.Status() == want }, time.Second, 5*time.Millisecond,
		"status stayed %s, want %s", h.session.Status(), want)
}

// call places an outbound call to bob and returns the session id.
func (h *harness) call(t *testing.T, typ domain.CallType) domain.SessionID {
	t.Helper()
	require.NoError(t, h.session.StartCall(context.Background(), domain.Participant{ID: bob}, typ))
	var req domain.CallRequest
	h.transport.last(t, domain.EventCallRequest, &req)
	return req.Session
}

func (h *harness) connectOutbound(t *testing.T) domain.SessionID {
	t.Helper()
	id := h.call(t, domain.CallAudio)
	h.transport.deliver(t, domain.EventCallAnswer, domain.CallAnswer{
		From:    bob,
		Answer:  domain.SessionDescription{Type: domain.SDPAnswer, SDP: "v=0 answer"},
		Session: id,
	})
	h.waitStatus(t, domain.StatusConnected)
	return id
}

func (h *harness) ring(t *testing.T, from domain.UserID, id domain.SessionID) {
	t.Helper()
	h.transport.deliver(t, domain.EventCallIncoming, domain.CallIncoming{
		From:    from,
		Name:    "Bob",
		Offer:   domain.SessionDescription{Type: domain.SDPOffer, SDP: "v=0 offer"},
		Type:    domain.CallVideo,
		Session: id,
	})
	h.flush(t)
}

func TestStartCallSendsOffer(t *testing.T) {
	h := newHarness(t, SessionConfig{})

	require.NoError(t, h.session.StartCall(context.Background(), domain.Participant{ID: bob, DisplayName: "Bob"}, domain.CallVideo))
	assert.Equal(t, domain.StatusCalling, h.session.Status())

	var req domain.CallRequest
	h.transport.last(t, domain.EventCallRequest, &req)
	assert.Equal(t, alice, req.From)
	assert.Equal(t, bob, req.To)
	assert.Equal(t, domain.CallVideo, req.Type)
	assert.Equal(t, domain.SDPOffer, req.Offer.Type)
	assert.NotEmpty(t, req.Session)

	snap := h.session.Snapshot()
	require.NotNil(t, snap.Remote)
	assert.Equal(t, "Bob", snap.Remote.Name())
	assert.Equal(t, req.Session, snap.Session)
	require.NotNil(t, snap.LocalMedia)
	assert.Equal(t, []domain.TrackKind{domain.TrackAudio, domain.TrackVideo}, snap.LocalMedia.Kinds())
	assert.True(t, snap.Negotiating)
	assert.Same(t, h.media.stream(t, 0), h.peers.peer(t, 0).attached)
}

func TestStartCallValidation(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	ctx := context.Background()

	tests := []struct {
		name string
		peer domain.Participant
		typ  domain.CallType
		want error
	}{
		{"no peer", domain.Participant{}, domain.CallAudio, domain.ErrNoPeerSelected},
		{"self", domain.Participant{ID: alice}, domain.CallAudio, domain.ErrSelfCall},
		{"bad type", domain.Participant{ID: bob}, "screen", domain.ErrInvalidCallType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.session.StartCall(ctx, tt.peer, tt.typ)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, domain.StatusIdle, h.session.Status())
		})
	}
	assert.Empty(t, h.transport.events())
	assert.Zero(t, h.peers.count())
}

func TestStartCallMediaFailureStaysIdle(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.media.err = errors.New("permission denied")

	err := h.session.StartCall(context.Background(), domain.Participant{ID: bob}, domain.CallVideo)
	require.ErrorIs(t, err, domain.ErrMediaUnavailable)

	assert.Equal(t, domain.StatusIdle, h.session.Status())
	assert.Empty(t, h.transport.events())
	assert.Zero(t, h.peers.count())
	assert.ErrorIs(t, h.session.Snapshot().LastError, domain.ErrMediaUnavailable)

	// The failure does not wedge the session.
	h.media.err = nil
	h.call(t, domain.CallAudio)
	assert.Equal(t, domain.StatusCalling, h.session.Status())
}

func TestStartCallEmitFailureReleasesMedia(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.transport.emitErr = domain.ErrNotConnected

	err := h.session.StartCall(context.Background(), domain.Participant{ID: bob}, domain.CallAudio)
	require.ErrorIs(t, err, domain.ErrNotConnected)

	assert.Equal(t, domain.StatusIdle, h.session.Status())
	assert.Equal(t, int32(1), h.media.stream(t, 0).stopped.Load())
	assert.Equal(t, 1, h.peers.peer(t, 0).closedCount())
}

func TestStartCallWhileBusy(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.call(t, domain.CallAudio)

	err := h.session.StartCall(context.Background(), domain.Participant{ID: carol}, domain.CallAudio)
	assert.ErrorIs(t, err, domain.ErrBusy)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.StatusCalling, te.State)
	assert.Equal(t, 1, h.transport.count(domain.EventCallRequest))
}

func TestAnswerConnectsCaller(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.connectOutbound(t)

	snap := h.session.Snapshot()
	assert.False(t, snap.ConnectedAt.IsZero())
	require.Len(t, h.peers.peer(t, 0).applied, 1)
	assert.Equal(t, domain.SDPAnswer, h.peers.peer(t, 0).applied[0].Type)
}

func TestAnswerFromAnotherCallIgnored(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	id := h.call(t, domain.CallAudio)
	answer := domain.SessionDescription{Type: domain.SDPAnswer, SDP: "v=0"}

	h.transport.deliver(t, domain.EventCallAnswer, domain.CallAnswer{From: bob, Answer: answer, Session: "older-call"})
	h.transport.deliver(t, domain.EventCallAnswer, domain.CallAnswer{From: carol, Answer: answer, Session: id})
	h.flush(t)

	assert.Equal(t, domain.StatusCalling, h.session.Status())
	assert.Empty(t, h.peers.peer(t, 0).applied)
}

func TestAnswerApplyFailureKeepsCalling(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.peers.applyErr = domain.ErrMalformedDescription
	id := h.call(t, domain.CallAudio)

	h.transport.deliver(t, domain.EventCallAnswer, domain.CallAnswer{From: bob, Session: id})
	require.Eventually(t, func() bool {
		return errors.Is(h.session.Snapshot().LastError, domain.ErrMalformedDescription)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusCalling, h.session.Status())
}

func TestIncomingCallAccept(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.ring(t, bob, "s-1")

	snap := h.session.Snapshot()
	assert.Equal(t, domain.StatusIncoming, snap.Status)
	require.NotNil(t, snap.Incoming)
	assert.Equal(t, "Bob", snap.Incoming.From.Name())
	assert.Equal(t, domain.CallVideo, snap.Incoming.Type)
	assert.Equal(t, domain.SessionID("s-1"), snap.Incoming.Session)
	assert.Zero(t, h.peers.count(), "no media before the user accepts")

	require.NoError(t, h.session.AcceptCall(context.Background()))
	assert.Equal(t, domain.StatusConnected, h.session.Status())

	var ans domain.CallAnswer
	h.transport.last(t, domain.EventCallAnswer, &ans)
	assert.Equal(t, bob, ans.To)
	assert.Equal(t, domain.SessionID("s-1"), ans.Session)
	assert.Equal(t, domain.SDPAnswer, ans.Answer.Type)

	p := h.peers.peer(t, 0)
	require.NotNil(t, p.offer)
	assert.Equal(t, "v=0 offer", p.offer.SDP)

	snap = h.session.Snapshot()
	assert.Nil(t, snap.Incoming)
	assert.Equal(t, domain.CallVideo, snap.Type)
	assert.False(t, snap.ConnectedAt.IsZero())
}

func TestAcceptWithoutIncomingCall(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	err := h.session.AcceptCall(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoActiveCall)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	err = h.session.RejectCall(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoActiveCall)
}

func TestAcceptMediaFailureKeepsRinging(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.ring(t, bob, "s-1")
	h.media.err = errors.New("no camera")

	err := h.session.AcceptCall(context.Background())
	require.ErrorIs(t, err, domain.ErrMediaUnavailable)
	assert.Equal(t, domain.StatusIncoming, h.session.Status())
	assert.Zero(t, h.transport.count(domain.EventCallAnswer))

	require.NoError(t, h.session.RejectCall(context.Background()))
	assert.Equal(t, domain.StatusRejected, h.session.Status())
}

func TestAcceptRetrySignalsOnlyLiveCandidates(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.peers.gathered = &domain.Candidate{Candidate: "candidate:1 1 udp 1 192.0.2.1 5000 typ host"}
	h.ring(t, bob, "s-1")
	ctx := context.Background()

	h.transport.mu.Lock()
	h.transport.emitErr = errors.New("socket closed")
	h.transport.mu.Unlock()
	require.Error(t, h.session.AcceptCall(ctx))
	assert.Equal(t, domain.StatusIncoming, h.session.Status())
	assert.Equal(t, 1, h.peers.peer(t, 0).closedCount())

	h.transport.mu.Lock()
	h.transport.emitErr = nil
	h.transport.mu.Unlock()
	require.NoError(t, h.session.AcceptCall(ctx))
	assert.Equal(t, domain.StatusConnected, h.session.Status())
	assert.Equal(t, 1, h.transport.count(domain.EventCallCandidate))

	// The discarded handle keeps gathering; none of it reaches the caller.
	h.peers.peer(t, 0).gather()
	h.flush(t)
	assert.Equal(t, 1, h.transport.count(domain.EventCallCandidate))
}

func TestIncomingTypeFollowsOffer(t *testing.T) {
	h := newHarnessWith(t, SessionConfig{}, func(p *fakePeers) port.PeerFactory {
		return inspectingPeers{fakePeers: p, offered: domain.CallAudio}
	})

	// ring declares video.
	h.ring(t, bob, "s-1")
	snap := h.session.Snapshot()
	require.NotNil(t, snap.Incoming)
	assert.Equal(t, domain.CallAudio, snap.Incoming.Type)

	require.NoError(t, h.session.AcceptCall(context.Background()))
	assert.Equal(t, domain.CallAudio, h.session.Snapshot().Type)
	assert.Equal(t, []domain.TrackKind{domain.TrackAudio}, h.media.stream(t, 0).kinds)
}

func TestIncomingUnusableOfferDropped(t *testing.T) {
	h := newHarnessWith(t, SessionConfig{}, func(p *fakePeers) port.PeerFactory {
		return inspectingPeers{fakePeers: p, err: domain.ErrMalformedDescription}
	})

	h.ring(t, bob, "s-1")
	assert.Equal(t, domain.StatusIdle, h.session.Status())
	assert.Empty(t, h.transport.events())
}

func TestRejectShowsRejectedThenIdle(t *testing.T) {
	h := newHarness(t, SessionConfig{RejectDisplay: 50 * time.Millisecond})
	h.ring(t, bob, "s-1")

	require.NoError(t, h.session.RejectCall(context.Background()))
	snap := h.session.Snapshot()
	assert.Equal(t, domain.StatusRejected, snap.Status)
	assert.Equal(t, domain.ReasonRejected, snap.EndReason)

	var end domain.CallEnd
	h.transport.last(t, domain.EventCallEnd, &end)
	assert.Equal(t, bob, end.To)
	assert.Equal(t, domain.ReasonRejected, end.Reason)
	assert.Equal(t, domain.SessionID("s-1"), end.Session)

	h.waitStatus(t, domain.StatusIdle)
	assert.Nil(t, h.session.Snapshot().Remote)
	assert.Zero(t, h.peers.count())
}

func TestRejectedEndedEarlyByUser(t *testing.T) {
	h := newHarness(t, SessionConfig{RejectDisplay: time.Hour})
	h.ring(t, bob, "s-1")
	require.NoError(t, h.session.RejectCall(context.Background()))

	require.NoError(t, h.session.EndCall(context.Background()))
	assert.Equal(t, domain.StatusIdle, h.session.Status())
	assert.Equal(t, 1, h.transport.count(domain.EventCallEnd), "rejection already told the caller")
}

func TestPeerDeclines(t *testing.T) {
	for _, reason := range []domain.EndReason{domain.ReasonRejected, domain.ReasonBusy} {
		t.Run(string(reason), func(t *testing.T) {
			h := newHarness(t, SessionConfig{RejectDisplay: 50 * time.Millisecond})
			id := h.call(t, domain.CallAudio)

			h.transport.deliver(t, domain.EventCallEnded, domain.CallEnded{From: bob, Reason: reason, Session: id})
			h.waitStatus(t, domain.StatusRejected)
			assert.Equal(t, reason, h.session.Snapshot().EndReason)
			assert.Equal(t, 1, h.peers.peer(t, 0).closedCount())
			assert.Equal(t, int32(1), h.media.stream(t, 0).stopped.Load())

			h.waitStatus(t, domain.StatusIdle)
			assert.Zero(t, h.transport.count(domain.EventCallEnd))
		})
	}
}

func TestCalleeUnavailable(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	id := h.call(t, domain.CallAudio)

	h.transport.deliver(t, domain.EventCallEnded, domain.CallEnded{From: bob, Reason: domain.ReasonUnavailable, Session: id})
	h.waitStatus(t, domain.StatusIdle)
	assert.Equal(t, domain.ReasonUnavailable, h.session.Snapshot().EndReason)
	assert.Equal(t, 1, h.peers.peer(t, 0).closedCount())
}

func TestRemoteHangupReleasesEverything(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	id := h.connectOutbound(t)
	remote := &fakeStream{id: "remote"}
	h.peers.peer(t, 0).addRemote(remote)
	h.flush(t)
	assert.Same(t, remote, h.session.Snapshot().RemoteMedia)

	h.transport.deliver(t, domain.EventCallEnded, domain.CallEnded{From: bob, Session: id})
	h.waitStatus(t, domain.StatusIdle)

	snap := h.session.Snapshot()
	assert.Equal(t, domain.ReasonHangup, snap.EndReason)
	assert.Nil(t, snap.LocalMedia)
	assert.Nil(t, snap.RemoteMedia)
	assert.Nil(t, snap.Remote)
	assert.Empty(t, snap.Session)
	assert.Equal(t, 1, h.peers.peer(t, 0).closedCount())
	assert.Equal(t, int32(1), h.media.stream(t, 0).stopped.Load())
	assert.Equal(t, int32(1), remote.stopped.Load())
	assert.Zero(t, h.transport.count(domain.EventCallEnd))
}

func TestStaleEndedIgnored(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.connectOutbound(t)

	h.transport.deliver(t, domain.EventCallEnded, domain.CallEnded{From: bob, Session: "older-call"})
	h.transport.deliver(t, domain.EventCallEnded, domain.CallEnded{From: carol})
	h.flush(t)
	assert.Equal(t, domain.StatusConnected, h.session.Status())
}

func TestEndCallIsIdempotent(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	ctx := context.Background()

	require.NoError(t, h.session.EndCall(ctx))
	require.NoError(t, h.session.EndCall(ctx))
	assert.Empty(t, h.transport.events())

	id := h.connectOutbound(t)
	require.NoError(t, h.session.EndCall(ctx))
	require.NoError(t, h.session.EndCall(ctx))

	assert.Equal(t, domain.StatusIdle, h.session.Status())
	assert.Equal(t, 1, h.transport.count(domain.EventCallEnd))
	var end domain.CallEnd
	h.transport.last(t, domain.EventCallEnd, &end)
	assert.Equal(t, bob, end.To)
	assert.Equal(t, domain.ReasonHangup, end.Reason)
	assert.Equal(t, id, end.Session)

	assert.Equal(t, 1, h.peers.peer(t, 0).closedCount())
	assert.Equal(t, int32(1), h.media.stream(t, 0).stopped.Load())
	assert.Equal(t, domain.ReasonHangup, h.session.Snapshot().EndReason)
}

func TestEndCallWhileRingingRejects(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.ring(t, bob, "s-1")

	require.NoError(t, h.session.EndCall(context.Background()))
	assert.Equal(t, domain.StatusIdle, h.session.Status())

	var end domain.CallEnd
	h.transport.last(t, domain.EventCallEnd, &end)
	assert.Equal(t, domain.ReasonRejected, end.Reason)
}

func TestEndCallDuringSetupAbandons(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.media.gate = make(chan struct{})
	h.media.started = make(chan struct{})
	started := h.media.started

	errc := make(chan error, 1)
	go func() {
		errc <- h.session.StartCall(context.Background(), domain.Participant{ID: bob}, domain.CallAudio)
	}()
	<-started

	require.NoError(t, h.session.EndCall(context.Background()))
	assert.Equal(t, domain.StatusIdle, h.session.Status())
	close(h.media.gate)

	assert.ErrorIs(t, <-errc, domain.ErrCallAborted)
	assert.Equal(t, domain.StatusIdle, h.session.Status())
	assert.Empty(t, h.transport.events())
	assert.Equal(t, int32(1), h.media.stream(t, 0).stopped.Load())
	assert.Equal(t, 1, h.peers.peer(t, 0).closedCount())

	// A fresh call works after the abandoned one.
	h.media.gate = nil
	h.call(t, domain.CallAudio)
}

func TestSecondIncomingCallDeclinedBusy(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.ring(t, bob, "s-1")

	h.ring(t, carol, "s-2")
	assert.Equal(t, domain.StatusIncoming, h.session.Status())
	assert.Equal(t, bob, h.session.Snapshot().Incoming.From.ID)

	var end domain.CallEnd
	h.transport.last(t, domain.EventCallEnd, &end)
	assert.Equal(t, carol, end.To)
	assert.Equal(t, domain.ReasonBusy, end.Reason)
	assert.Equal(t, domain.SessionID("s-2"), end.Session)

	// A repeated request from the same caller is not a second call.
	h.ring(t, bob, "s-1")
	assert.Equal(t, 1, h.transport.count(domain.EventCallEnd))
}

func TestInvalidIncomingDropped(t *testing.T) {
	h := newHarness(t, SessionConfig{})

	h.transport.deliver(t, domain.EventCallIncoming, domain.CallIncoming{From: bob, Type: "hologram"})
	h.transport.deliver(t, domain.EventCallIncoming, domain.CallIncoming{Type: domain.CallAudio})
	h.transport.deliverRaw(domain.EventCallIncoming, []byte(`{"from":`))
	h.transport.deliverRaw(domain.EventCallAnswer, []byte(`[]`))
	h.flush(t)

	assert.Equal(t, domain.StatusIdle, h.session.Status())
	assert.Empty(t, h.transport.events())
}

func TestCandidatesHeldUntilAccepted(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.ring(t, bob, "s-1")

	c := domain.Candidate{Candidate: "candidate:1 1 udp 1 192.0.2.1 5000 typ host"}
	h.transport.deliver(t, domain.EventCallCandidate, domain.CallCandidate{From: bob, Candidate: c, Session: "s-1"})
	h.transport.deliver(t, domain.EventCallCandidate, domain.CallCandidate{From: bob, Candidate: c, Session: "other"})
	h.flush(t)

	require.NoError(t, h.session.AcceptCall(context.Background()))
	p := h.peers.peer(t, 0)
	require.Eventually(t, func() bool { return len(p.remoteCandidates()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, c, p.remoteCandidates()[0])

	h.transport.deliver(t, domain.EventCallCandidate, domain.CallCandidate{From: bob, Candidate: c, Session: "s-1"})
	require.Eventually(t, func() bool { return len(p.remoteCandidates()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestCandidateWithoutCallDropped(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.transport.deliver(t, domain.EventCallCandidate, domain.CallCandidate{From: bob, Candidate: domain.Candidate{Candidate: "candidate:1"}})
	h.flush(t)
	assert.Equal(t, domain.StatusIdle, h.session.Status())
	assert.Zero(t, h.peers.count())
}

func TestLocalCandidatesFollowOffer(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.peers.gathered = &domain.Candidate{Candidate: "candidate:1 1 udp 1 192.0.2.1 5000 typ host"}

	id := h.call(t, domain.CallAudio)
	require.Eventually(t, func() bool { return h.transport.count(domain.EventCallCandidate) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.EventName{domain.EventCallRequest, domain.EventCallCandidate}, h.transport.events())

	var cand domain.CallCandidate
	h.transport.last(t, domain.EventCallCandidate, &cand)
	assert.Equal(t, bob, cand.To)
	assert.Equal(t, id, cand.Session)
	assert.Equal(t, h.peers.gathered.Candidate, cand.Candidate.Candidate)
}

func TestRingTimeout(t *testing.T) {
	t.Run("outbound", func(t *testing.T) {
		h := newHarness(t, SessionConfig{RingTimeout: 30 * time.Millisecond})
		h.call(t, domain.CallAudio)
		h.waitStatus(t, domain.StatusIdle)

		var end domain.CallEnd
		h.transport.last(t, domain.EventCallEnd, &end)
		assert.Equal(t, domain.ReasonTimeout, end.Reason)
		assert.Equal(t, domain.ReasonTimeout, h.session.Snapshot().EndReason)
	})
	t.Run("inbound", func(t *testing.T) {
		h := newHarness(t, SessionConfig{RingTimeout: 30 * time.Millisecond})
		h.ring(t, bob, "s-1")
		h.waitStatus(t, domain.StatusIdle)
		assert.Equal(t, domain.ReasonTimeout, h.session.Snapshot().EndReason)
	})
	t.Run("answered in time", func(t *testing.T) {
		h := newHarness(t, SessionConfig{RingTimeout: 50 * time.Millisecond})
		h.connectOutbound(t)
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, domain.StatusConnected, h.session.Status())
	})
}

func TestLivenessTimeout(t *testing.T) {
	t.Run("peer never recovers", func(t *testing.T) {
		h := newHarness(t, SessionConfig{LivenessTimeout: 30 * time.Millisecond})
		h.connectOutbound(t)
		h.peers.peer(t, 0).setState(domain.PeerDisconnected)
		h.flush(t)
		assert.Equal(t, domain.StatusConnected, h.session.Status())

		h.waitStatus(t, domain.StatusIdle)
		assert.Equal(t, domain.ReasonDisconnected, h.session.Snapshot().EndReason)
		var end domain.CallEnd
		h.transport.last(t, domain.EventCallEnd, &end)
		assert.Equal(t, domain.ReasonDisconnected, end.Reason)
	})
	t.Run("peer recovers", func(t *testing.T) {
		h := newHarness(t, SessionConfig{LivenessTimeout: 30 * time.Millisecond})
		h.connectOutbound(t)
		p := h.peers.peer(t, 0)
		p.setState(domain.PeerDisconnected)
		p.setState(domain.PeerConnected)
		time.Sleep(80 * time.Millisecond)
		assert.Equal(t, domain.StatusConnected, h.session.Status())
	})
	t.Run("peer failed", func(t *testing.T) {
		h := newHarness(t, SessionConfig{LivenessTimeout: time.Hour})
		h.connectOutbound(t)
		h.peers.peer(t, 0).setState(domain.PeerFailed)
		h.waitStatus(t, domain.StatusIdle)
		assert.Equal(t, domain.ReasonDisconnected, h.session.Snapshot().EndReason)
	})
}

func TestPeerOfflineEndsCall(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.connectOutbound(t)

	h.transport.deliver(t, domain.EventPresenceOffline, domain.Presence{User: carol})
	h.flush(t)
	assert.Equal(t, domain.StatusConnected, h.session.Status())

	h.transport.deliver(t, domain.EventPresenceOffline, domain.Presence{User: bob})
	h.waitStatus(t, domain.StatusIdle)
	assert.Equal(t, domain.ReasonDisconnected, h.session.Snapshot().EndReason)
	assert.Equal(t, 1, h.peers.peer(t, 0).closedCount())
}

func TestLateRemoteStreamStopped(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.connectOutbound(t)
	p := h.peers.peer(t, 0)
	require.NoError(t, h.session.EndCall(context.Background()))

	late := &fakeStream{id: "late"}
	p.addRemote(late)
	p.setState(domain.PeerFailed)
	h.flush(t)

	assert.Equal(t, int32(1), late.stopped.Load())
	assert.Nil(t, h.session.Snapshot().RemoteMedia)
	assert.Equal(t, 1, h.transport.count(domain.EventCallEnd))
}

func TestObserversSeeEveryStatus(t *testing.T) {
	h := newHarness(t, SessionConfig{RejectDisplay: 20 * time.Millisecond})

	var mu sync.Mutex
	var seen []domain.CallStatus
	unsubscribe := h.session.OnChange(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 || seen[len(seen)-1] != s.Status {
			seen = append(seen, s.Status)
		}
	})

	id := h.call(t, domain.CallAudio)
	h.transport.deliver(t, domain.EventCallEnded, domain.CallEnded{From: bob, Reason: domain.ReasonRejected, Session: id})
	h.waitStatus(t, domain.StatusRejected)
	h.waitStatus(t, domain.StatusIdle)

	want := []domain.CallStatus{domain.StatusCalling, domain.StatusRejected, domain.StatusIdle}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return assert.ObjectsAreEqual(want, seen)
	}, time.Second, 5*time.Millisecond)

	unsubscribe()
	h.call(t, domain.CallAudio)
	h.flush(t)
	mu.Lock()
	assert.Len(t, seen, 3)
	mu.Unlock()
}

func TestSlowObserverMissesNothing(t *testing.T) {
	h := newHarness(t, SessionConfig{})

	gate := make(chan struct{})
	var mu sync.Mutex
	var seen []error
	h.session.OnChange(func(s Snapshot) {
		<-gate
		mu.Lock()
		seen = append(seen, s.LastError)
		mu.Unlock()
	})

	var want []error
	for i := 0; i < 200; i++ {
		err := fmt.Errorf("attempt %d", i)
		want = append(want, err)
		require.NoError(t, h.session.do(func() error {
			h.session.fail(err)
			return nil
		}))
	}
	close(gate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(want)
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, want, seen)
	mu.Unlock()
}

func TestObserverMayCallBack(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	accepted := make(chan error, 1)
	h.session.OnChange(func(s Snapshot) {
		if s.Status == domain.StatusIncoming && s.Incoming != nil {
			accepted <- h.session.AcceptCall(context.Background())
		}
	})

	h.ring(t, bob, "s-1")
	select {
	case err := <-accepted:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("observer never ran")
	}
	assert.Equal(t, domain.StatusConnected, h.session.Status())
}

func TestCloseHangsUpAndUnsubscribes(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.connectOutbound(t)

	require.NoError(t, h.session.Close())
	require.NoError(t, h.session.Close())

	assert.Equal(t, 1, h.transport.count(domain.EventCallEnd))
	assert.False(t, h.transport.subscribed(domain.EventCallIncoming))
	assert.Equal(t, 1, h.peers.peer(t, 0).closedCount())

	err := h.session.StartCall(context.Background(), domain.Participant{ID: bob}, domain.CallAudio)
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
	assert.NoError(t, h.session.EndCall(context.Background()))
}
