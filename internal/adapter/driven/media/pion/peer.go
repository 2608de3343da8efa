package pion

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ port.Peer = (*Peer)(nil)

// Peer wraps one RTCPeerConnection for one call.
type Peer struct {
	id     domain.SessionID
	pc     *webrtc.PeerConnection
	remote *RemoteStream
	logger zerolog.Logger

	mu            sync.Mutex
	remoteApplied bool
	queued        []webrtc.ICECandidateInit
	closed        bool

	hmu         sync.RWMutex
	onCandidate func(domain.Candidate)
	onRemote    func(port.RemoteStream)
	onState     func(domain.PeerState)

	closeOnce sync.Once
	closeErr  error
}

func newPeer(id domain.SessionID, pc *webrtc.PeerConnection, sink Sink) *Peer {
	p := &Peer{
		id:     id,
		pc:     pc,
		remote: newRemoteStream(string(id), sink),
		logger: log.With().Str("session", id.String()).Logger(),
	}

	pc.OnICECandidate(p.handleICECandidate)
	pc.OnConnectionStateChange(p.handleConnectionState)
	pc.OnTrack(p.handleTrack)
	return p
}

func (p *Peer) OnLocalCandidate(fn func(domain.Candidate)) {
	p.hmu.Lock()
	p.onCandidate = fn
	p.hmu.Unlock()
}

func (p *Peer) OnRemoteStream(fn func(port.RemoteStream)) {
	p.hmu.Lock()
	p.onRemote = fn
	p.hmu.Unlock()
}

func (p *Peer) OnStateChange(fn func(domain.PeerState)) {
	p.hmu.Lock()
	p.onState = fn
	p.hmu.Unlock()
}

func (p *Peer) handleICECandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering.
	if c == nil {
		return
	}
	init := c.ToJSON()

	p.hmu.RLock()
	fn := p.onCandidate
	p.hmu.RUnlock()
	if fn != nil {
		fn(domain.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	}
}

func (p *Peer) handleConnectionState(s webrtc.PeerConnectionState) {
	p.logger.Debug().Str("state", s.String()).Msg("Peer connection state changed")

	p.hmu.RLock()
	fn := p.onState
	p.hmu.RUnlock()
	if fn != nil {
		fn(peerState(s))
	}
}

func peerState(s webrtc.PeerConnectionState) domain.PeerState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return domain.PeerConnecting
	case webrtc.PeerConnectionStateConnected:
		return domain.PeerConnected
	case webrtc.PeerConnectionStateDisconnected:
		return domain.PeerDisconnected
	case webrtc.PeerConnectionStateFailed:
		return domain.PeerFailed
	case webrtc.PeerConnectionStateClosed:
		return domain.PeerClosed
	default:
		return domain.PeerNew
	}
}

func (p *Peer) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := domain.TrackAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.TrackVideo
	}
	p.logger.Debug().
		Str("kind", string(kind)).
		Str("codec", track.Codec().MimeType).
		Msg("Received remote track")

	p.remote.add(kind)

	if kind == domain.TrackVideo {
		// Ask for a keyframe so a recording starts decodable.
		if err := p.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		}); err != nil {
			p.logger.Debug().Err(err).Msg("Failed to send PLI")
		}
	}

	p.hmu.RLock()
	fn := p.onRemote
	p.hmu.RUnlock()
	if fn != nil {
		fn(p.remote)
	}

	go p.readTrack(track, kind)
}

func (p *Peer) readTrack(track *webrtc.TrackRemote, kind domain.TrackKind) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		p.remote.write(kind, pkt)
	}
}

// AttachLocal adds every track of stream to the connection.
func (p *Peer) AttachLocal(stream port.LocalStream) error {
	src, ok := stream.(TrackSource)
	if !ok {
		return fmt.Errorf("local stream %T carries no pion tracks", stream)
	}

	for _, track := range src.TrackLocals() {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		// Drain RTCP so interceptors keep running.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

func (p *Peer) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := p.checkOpen(); err != nil {
		return domain.SessionDescription{}, err
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return p.localDescription(domain.SDPOffer, offer), nil
}

func (p *Peer) CreateAnswer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	parsed, err := parseDescription(offer, domain.SDPOffer)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	p.logger.Debug().Strs("media", mediaNames(parsed)).Msg("Answering offer")

	if err := p.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return domain.SessionDescription{}, err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return p.localDescription(domain.SDPAnswer, answer), nil
}

func (p *Peer) ApplyAnswer(ctx context.Context, answer domain.SessionDescription) error {
	if _, err := parseDescription(answer, domain.SDPAnswer); err != nil {
		return err
	}
	return p.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
}

// applyRemote sets the remote description once, then releases the
// candidates that arrived ahead of it.
func (p *Peer) applyRemote(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return domain.ErrPeerClosed
	case p.remoteApplied:
		p.mu.Unlock()
		return domain.ErrDescriptionApplied
	}
	p.remoteApplied = true
	p.mu.Unlock()

	if err := p.pc.SetRemoteDescription(desc); err != nil {
		p.mu.Lock()
		p.remoteApplied = false
		p.mu.Unlock()
		return fmt.Errorf("%w: %w", domain.ErrMalformedDescription, err)
	}

	p.mu.Lock()
	queued := p.queued
	p.queued = nil
	p.mu.Unlock()

	for _, c := range queued {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to apply queued candidate")
		}
	}
	return nil
}

// AddRemoteCandidate applies c, or holds it until the remote description is
// set. An empty candidate marks the end of the remote's gathering.
func (p *Peer) AddRemoteCandidate(ctx context.Context, c domain.Candidate) error {
	if c.Candidate == "" {
		return nil
	}
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return domain.ErrPeerClosed
	}
	if !p.remoteApplied || p.pc.RemoteDescription() == nil {
		p.queued = append(p.queued, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (p *Peer) localDescription(t domain.SDPType, fallback webrtc.SessionDescription) domain.SessionDescription {
	sdp := fallback.SDP
	if ld := p.pc.LocalDescription(); ld != nil {
		sdp = ld.SDP
	}
	return domain.SessionDescription{Type: t, SDP: sdp}
}

func (p *Peer) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrPeerClosed
	}
	return nil
}

// Close tears the connection down. Later calls return the first result.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.queued = nil
		p.mu.Unlock()

		p.closeErr = p.pc.Close()
		p.remote.Stop()
		if p.closeErr != nil && !errors.Is(p.closeErr, webrtc.ErrConnectionClosed) {
			p.logger.Warn().Err(p.closeErr).Msg("Peer connection closed with error")
		}
	})
	return p.closeErr
}
