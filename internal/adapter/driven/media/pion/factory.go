// Package pion implements the media negotiation handle on top of
// pion/webrtc. Local media comes from any port.LocalStream that also exposes
// its pion tracks; remote media can be handed to a Recorder.
package pion

import (
	"context"
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var _ port.PeerFactory = (*Factory)(nil)

const (
	DefaultDisconnectedTimeout = 10 * time.Second
	DefaultFailedTimeout       = 30 * time.Second
	DefaultKeepAliveInterval   = 2 * time.Second
)

// TrackSource is implemented by local streams that can be sent by pion.
type TrackSource interface {
	TrackLocals() []webrtc.TrackLocal
}

// Sink receives the RTP of one call's remote tracks.
type Sink interface {
	WriteRTP(kind domain.TrackKind, pkt *rtp.Packet) error
	Close() error
}

type Recorder interface {
	Open(id domain.SessionID) (Sink, error)
}

type Config struct {
	ICEServers []string

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// Recorder is optional.
	Recorder Recorder
}

type Factory struct {
	api      *webrtc.API
	rtc      webrtc.Configuration
	recorder Recorder
}

func NewFactory(cfg Config) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	if cfg.DisconnectedTimeout <= 0 {
		cfg.DisconnectedTimeout = DefaultDisconnectedTimeout
	}
	if cfg.FailedTimeout <= 0 {
		cfg.FailedTimeout = DefaultFailedTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}

	se := webrtc.SettingEngine{LoggerFactory: loggerFactory{}}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	rtc := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		rtc.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return &Factory{api: api, rtc: rtc, recorder: cfg.Recorder}, nil
}

// InferCallType implements port.OfferInspector.
func (f *Factory) InferCallType(offer domain.SessionDescription) (domain.CallType, error) {
	return InferCallType(offer)
}

func (f *Factory) NewPeer(ctx context.Context, id domain.SessionID) (port.Peer, error) {
	pc, err := f.api.NewPeerConnection(f.rtc)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	var sink Sink
	if f.recorder != nil {
		sink, err = f.recorder.Open(id)
		if err != nil {
			// A call without a recording is still a call.
			log.Warn().Err(err).Str("session", id.String()).Msg("Recorder unavailable")
			sink = nil
		}
	}

	return newPeer(id, pc, sink), nil
}
