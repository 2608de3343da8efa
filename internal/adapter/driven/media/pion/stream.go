package pion

import (
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"
)

var _ port.RemoteStream = (*RemoteStream)(nil)

// RemoteStream aggregates the tracks the peer sends during one call.
type RemoteStream struct {
	id string

	mu      sync.Mutex
	kinds   []domain.TrackKind
	sink    Sink
	stopped bool
	packets map[domain.TrackKind]int
}

func newRemoteStream(id string, sink Sink) *RemoteStream {
	return &RemoteStream{id: id, sink: sink, packets: make(map[domain.TrackKind]int)}
}

func (s *RemoteStream) ID() string {
	return s.id
}

func (s *RemoteStream) Kinds() []domain.TrackKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TrackKind(nil), s.kinds...)
}

// Packets returns how many RTP packets of kind have been received.
func (s *RemoteStream) Packets(kind domain.TrackKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets[kind]
}

func (s *RemoteStream) add(kind domain.TrackKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.kinds {
		if k == kind {
			return
		}
	}
	s.kinds = append(s.kinds, kind)
}

func (s *RemoteStream) write(kind domain.TrackKind, pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.packets[kind]++
	if s.sink == nil {
		return
	}
	if err := s.sink.WriteRTP(kind, pkt); err != nil {
		log.Warn().Err(err).Str("session", s.id).Str("kind", string(kind)).Msg("Recording failed, dropping sink")
		_ = s.sink.Close()
		s.sink = nil
	}
}

// Stop ends delivery and closes the sink. It is idempotent.
func (s *RemoteStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			log.Warn().Err(err).Str("session", s.id).Msg("Failed to close recording")
		}
		s.sink = nil
	}
}
