package service

import (
	"context"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRejectDisplay   = 2 * time.Second
	DefaultRingTimeout     = 45 * time.Second
	DefaultLivenessTimeout = 15 * time.Second
)

var timeNow = time.Now

type SessionConfig struct {
	Self domain.Participant

	// RejectDisplay is how long the rejected state is shown before idle.
	RejectDisplay time.Duration
	// RingTimeout bounds calling and incoming. Zero disables it.
	RingTimeout time.Duration
	// LivenessTimeout is how long a disconnected peer may take to recover.
	LivenessTimeout time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.RejectDisplay <= 0 {
		c.RejectDisplay = DefaultRejectDisplay
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = DefaultLivenessTimeout
	}
	return c
}

// IncomingCall is what the presentation layer needs to render a ringing call.
type IncomingCall struct {
	From    domain.Participant
	Type    domain.CallType
	Session domain.SessionID
}

// Snapshot is an immutable view of the call session.
type Snapshot struct {
	Status      domain.CallStatus
	Type        domain.CallType
	Session     domain.SessionID
	Remote      *domain.Participant
	Incoming    *IncomingCall
	LocalMedia  port.LocalStream
	RemoteMedia port.RemoteStream
	Negotiating bool
	ConnectedAt time.Time
	EndReason   domain.EndReason
	LastError   error
}

type pendingOffer struct {
	from    domain.Participant
	offer   domain.SessionDescription
	typ     domain.CallType
	session domain.SessionID
}

// Call state machine events.
const (
	evStart     = "start"
	evRing      = "ring"
	evAccept    = "accept"
	evReject    = "reject"
	evAnswered  = "answered"
	evDeclined  = "declined"
	evExpire    = "expire"
	evHangup    = "hangup"
	evRemoteEnd = "remote_end"
)

func newCallFSM(after fsm.Callback) *fsm.FSM {
	idle := string(domain.StatusIdle)
	calling := string(domain.StatusCalling)
	incoming := string(domain.StatusIncoming)
	connected := string(domain.StatusConnected)
	rejected := string(domain.StatusRejected)

	return fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: evStart, Src: []string{idle}, Dst: calling},
			{Name: evRing, Src: []string{idle}, Dst: incoming},
			{Name: evAccept, Src: []string{incoming}, Dst: connected},
			{Name: evReject, Src: []string{incoming}, Dst: rejected},
			{Name: evAnswered, Src: []string{calling}, Dst: connected},
			{Name: evDeclined, Src: []string{calling}, Dst: rejected},
			{Name: evExpire, Src: []string{rejected}, Dst: idle},
			{Name: evHangup, Src: []string{calling, incoming, connected, rejected}, Dst: idle},
			{Name: evRemoteEnd, Src: []string{calling, incoming, connected, rejected}, Dst: idle},
		},
		fsm.Callbacks{
			"after_event": after,
		},
	)
}

// CallSession drives a single peer-to-peer call for the local user.
//
// Every transition runs on one goroutine (the loop). Media acquisition and
// description handling run on the caller's goroutine and report back to the
// loop, where a result is dropped if the session epoch moved in between.
type CallSession struct {
	cfg       SessionConfig
	transport port.SignalingTransport
	media     port.MediaSource
	peers     port.PeerFactory
	inspector port.OfferInspector
	logger    zerolog.Logger

	fsm  *fsm.FSM
	cmds chan func()
	done chan struct{}

	closeOnce   sync.Once
	unsubscribe []func()

	// loop-owned
	epoch       uint64
	op          string
	target      domain.UserID
	sessionID   domain.SessionID
	callType    domain.CallType
	remote      *domain.Participant
	local       port.LocalStream
	remoteMedia port.RemoteStream
	peer        port.Peer
	pending     *pendingOffer
	signaled    bool
	inbound     []domain.Candidate
	outbound    []localCandidate
	peerState   domain.PeerState
	connectedAt time.Time
	endReason   domain.EndReason
	lastErr     error

	rejectTimer   *time.Timer
	ringTimer     *time.Timer
	livenessTimer *time.Timer

	snapMu sync.RWMutex
	snap   Snapshot

	obsMu     sync.Mutex
	observers map[int]func(Snapshot)
	nextObs   int

	// queued holds snapshots not yet dispatched; wake signals the dispatcher.
	queueMu sync.Mutex
	queued  []Snapshot
	wake    chan struct{}
}

// localCandidate is a gathered candidate held until the description it
// belongs to has been signaled.
type localCandidate struct {
	peer port.Peer
	c    domain.Candidate
}

func NewCallSession(cfg SessionConfig, transport port.SignalingTransport, media port.MediaSource, peers port.PeerFactory) *CallSession {
	s := &CallSession{
		cfg:       cfg.withDefaults(),
		transport: transport,
		media:     media,
		peers:     peers,
		logger:    log.With().Str("user_id", cfg.Self.ID.String()).Logger(),
		cmds:      make(chan func(), 64),
		done:      make(chan struct{}),
		observers: make(map[int]func(Snapshot)),
		wake:      make(chan struct{}, 1),
	}
	s.inspector, _ = peers.(port.OfferInspector)
	s.fsm = newCallFSM(s.afterTransition)
	s.snap = Snapshot{Status: domain.StatusIdle}

	s.unsubscribe = []func(){
		transport.Subscribe(domain.EventCallIncoming, s.onIncoming),
		transport.Subscribe(domain.EventCallAnswer, s.onAnswer),
		transport.Subscribe(domain.EventCallCandidate, s.onCandidate),
		transport.Subscribe(domain.EventCallEnded, s.onEnded),
		transport.Subscribe(domain.EventPresenceOffline, s.onPresenceOffline),
	}

	go s.run()
	go s.dispatchLoop()
	return s
}

func (s *CallSession) run() {
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.done:
			return
		}
	}
}

// post queues fn on the loop without waiting.
func (s *CallSession) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// do runs fn on the loop and waits for its result.
func (s *CallSession) do(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case s.cmds <- func() { errc <- fn() }:
	case <-s.done:
		return domain.ErrSessionClosed
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		return domain.ErrSessionClosed
	}
}

func (s *CallSession) Status() domain.CallStatus {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap.Status
}

func (s *CallSession) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// OnChange registers fn for every published snapshot. Callbacks run in order
// on a dedicated goroutine and may call back into the session.
func (s *CallSession) OnChange(fn func(Snapshot)) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *CallSession) dispatchLoop() {
	for {
		select {
		case <-s.wake:
			s.queueMu.Lock()
			batch := s.queued
			s.queued = nil
			s.queueMu.Unlock()

			for _, snap := range batch {
				s.obsMu.Lock()
				fns := make([]func(Snapshot), 0, len(s.observers))
				for _, fn := range s.observers {
					fns = append(fns, fn)
				}
				s.obsMu.Unlock()
				for _, fn := range fns {
					fn(snap)
				}
			}
		case <-s.done:
			return
		}
	}
}

// Close hangs up any active call, unsubscribes from the transport and stops
// the loop. It is safe to call more than once.
func (s *CallSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		for _, unsub := range s.unsubscribe {
			unsub()
		}
		err = s.EndCall(context.Background())
		close(s.done)
	})
	return err
}

func (s *CallSession) afterTransition(_ context.Context, e *fsm.Event) {
	s.logger.Debug().
		Str("from", e.Src).
		Str("to", e.Dst).
		Str("event", e.Event).
		Str("session", s.sessionID.String()).
		Msg("Call transition")
}

// transition fires a state machine event. Fields must already reflect the
// destination state; the snapshot is published afterwards.
func (s *CallSession) transition(event string) error {
	if !s.fsm.Can(event) {
		return &TransitionError{Event: event, State: domain.CallStatus(s.fsm.Current())}
	}
	if err := s.fsm.Event(context.Background(), event); err != nil {
		return &TransitionError{Event: event, State: domain.CallStatus(s.fsm.Current()), Err: err}
	}
	s.publish()
	return nil
}

// publish copies loop-owned state into the snapshot read by other goroutines.
func (s *CallSession) publish() {
	snap := Snapshot{
		Status:      domain.CallStatus(s.fsm.Current()),
		Type:        s.callType,
		Session:     s.sessionID,
		LocalMedia:  s.local,
		RemoteMedia: s.remoteMedia,
		Negotiating: s.peer != nil,
		ConnectedAt: s.connectedAt,
		EndReason:   s.endReason,
		LastError:   s.lastErr,
	}
	if s.remote != nil {
		r := *s.remote
		snap.Remote = &r
	}
	if s.pending != nil {
		snap.Incoming = &IncomingCall{From: s.pending.from, Type: s.pending.typ, Session: s.pending.session}
	}

	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()

	// The loop never waits on observers, which may call back into it.
	s.queueMu.Lock()
	s.queued = append(s.queued, snap)
	s.queueMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *CallSession) status() domain.CallStatus {
	return domain.CallStatus(s.fsm.Current())
}

// busy reports whether a call exists or is being set up.
func (s *CallSession) busy() bool {
	return s.status() != domain.StatusIdle || s.op != ""
}

func (s *CallSession) fail(err error) {
	s.lastErr = err
	s.publish()
}

// emit sends on the transport; on failure the error is recorded and returned.
func (s *CallSession) emit(event domain.EventName, payload any) error {
	if err := s.transport.Emit(context.Background(), event, payload); err != nil {
		s.logger.Error().Err(err).Str("event", string(event)).Msg("Failed to emit signal")
		s.lastErr = err
		return err
	}
	return nil
}

func (s *CallSession) sendCandidate(c domain.Candidate) {
	_ = s.emit(domain.EventCallCandidate, domain.CallCandidate{
		From:      s.cfg.Self.ID,
		To:        s.target,
		Candidate: c,
		Session:   s.sessionID,
	})
}

// flushOutbound sends the candidates gathered by the current handle. Those
// of a handle discarded by a failed attempt are dropped.
func (s *CallSession) flushOutbound() {
	queued := s.outbound
	s.outbound = nil
	for _, lc := range queued {
		if lc.peer == s.peer {
			s.sendCandidate(lc.c)
		}
	}
}

func (s *CallSession) flushInbound() {
	queued := s.inbound
	s.inbound = nil
	for _, c := range queued {
		s.applyCandidate(c)
	}
}

func (s *CallSession) applyCandidate(c domain.Candidate) {
	peer := s.peer
	go func() {
		if err := peer.AddRemoteCandidate(context.Background(), c); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to apply remote candidate")
		}
	}()
}

// bindPeer wires negotiation handle callbacks back onto the loop, tagged with
// the epoch they belong to.
func (s *CallSession) bindPeer(peer port.Peer, epoch uint64) {
	peer.OnLocalCandidate(func(c domain.Candidate) {
		s.post(func() {
			if !s.owns(peer, epoch) {
				return
			}
			if !s.signaled {
				s.outbound = append(s.outbound, localCandidate{peer: peer, c: c})
				return
			}
			s.sendCandidate(c)
		})
	})
	peer.OnRemoteStream(func(rs port.RemoteStream) {
		s.post(func() {
			if !s.owns(peer, epoch) {
				rs.Stop()
				return
			}
			s.remoteMedia = rs
			s.publish()
		})
	})
	peer.OnStateChange(func(st domain.PeerState) {
		s.post(func() {
			if !s.owns(peer, epoch) {
				return
			}
			s.onPeerState(st)
		})
	})
}

// owns reports whether callbacks of peer still belong to the call. Once a
// handle is adopted, any other handle of the same epoch is a discarded
// attempt.
func (s *CallSession) owns(peer port.Peer, epoch uint64) bool {
	return s.epoch == epoch && (s.peer == nil || s.peer == peer)
}

func (s *CallSession) onPeerState(st domain.PeerState) {
	s.peerState = st
	s.logger.Debug().Str("peer_state", string(st)).Msg("Negotiation handle state")

	switch st {
	case domain.PeerConnected:
		stopTimer(&s.livenessTimer)
	case domain.PeerDisconnected:
		if s.livenessTimer != nil {
			return
		}
		epoch := s.epoch
		s.livenessTimer = time.AfterFunc(s.cfg.LivenessTimeout, func() {
			s.post(func() {
				if s.epoch != epoch || s.peerState != domain.PeerDisconnected {
					return
				}
				s.logger.Warn().Msg("Peer did not recover, ending call")
				s.hangup(domain.ReasonDisconnected)
			})
		})
	case domain.PeerFailed:
		s.hangup(domain.ReasonDisconnected)
	}
}

func (s *CallSession) startRingTimer() {
	if s.cfg.RingTimeout <= 0 {
		return
	}
	epoch := s.epoch
	s.ringTimer = time.AfterFunc(s.cfg.RingTimeout, func() {
		s.post(func() {
			if s.epoch != epoch {
				return
			}
			switch s.status() {
			case domain.StatusCalling, domain.StatusIncoming:
				s.logger.Info().Msg("Call not answered in time")
				s.hangup(domain.ReasonTimeout)
			}
		})
	})
}

func (s *CallSession) startRejectTimer() {
	epoch := s.epoch
	s.rejectTimer = time.AfterFunc(s.cfg.RejectDisplay, func() {
		s.post(func() {
			if s.epoch != epoch || s.status() != domain.StatusRejected {
				return
			}
			s.reset()
			if err := s.transition(evExpire); err != nil {
				s.logger.Error().Err(err).Msg("Failed to expire rejected call")
			}
		})
	})
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// release closes the negotiation handle and stops all media. Every step
// tolerates an already released resource.
func (s *CallSession) release() {
	stopTimer(&s.ringTimer)
	stopTimer(&s.livenessTimer)
	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close negotiation handle")
		}
		s.peer = nil
	}
	if s.local != nil {
		s.local.Stop()
		s.local = nil
	}
	if s.remoteMedia != nil {
		s.remoteMedia.Stop()
		s.remoteMedia = nil
	}
	s.inbound = nil
	s.outbound = nil
	s.signaled = false
	s.peerState = ""
}

// reset releases everything and clears every session field. The epoch moves
// so late completions of the previous call are discarded.
func (s *CallSession) reset() {
	s.release()
	stopTimer(&s.rejectTimer)
	s.epoch++
	s.op = ""
	s.target = ""
	s.sessionID = ""
	s.callType = ""
	s.remote = nil
	s.pending = nil
	s.connectedAt = time.Time{}
}

// hangup ends the call locally and tells the remote side why.
func (s *CallSession) hangup(reason domain.EndReason) {
	st := s.status()
	if st == domain.StatusIdle {
		return
	}
	if st != domain.StatusRejected && !s.target.IsZero() {
		r := reason
		if st == domain.StatusIncoming && reason == domain.ReasonHangup {
			r = domain.ReasonRejected
		}
		_ = s.emit(domain.EventCallEnd, domain.CallEnd{To: s.target, Reason: r, Session: s.sessionID})
	}
	s.reset()
	s.endReason = reason
	if err := s.transition(evHangup); err != nil {
		s.logger.Error().Err(err).Msg("Failed to hang up")
	}
}
