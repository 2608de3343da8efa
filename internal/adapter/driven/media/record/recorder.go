// Package record writes the remote side of a call to disk: VP8 video as IVF,
// Opus audio as Ogg, one pair of files per call session.
package record

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

var _ pion.Recorder = (*Recorder)(nil)

var ErrSinkClosed = errors.New("recording closed")

type Recorder struct {
	dir string
}

func New(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	return &Recorder{dir: dir}, nil
}

// Open returns the sink for one session. Files are created on the first
// packet of each kind, so an audio call leaves no empty .ivf behind.
func (r *Recorder) Open(id domain.SessionID) (pion.Sink, error) {
	if id == "" {
		return nil, errors.New("record: empty session id")
	}
	return &Sink{base: filepath.Join(r.dir, id.String())}, nil
}

type rtpWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

type Sink struct {
	base string

	mu     sync.Mutex
	audio  rtpWriter
	video  rtpWriter
	closed bool
}

func (s *Sink) AudioPath() string { return s.base + ".ogg" }
func (s *Sink) VideoPath() string { return s.base + ".ivf" }

func (s *Sink) WriteRTP(kind domain.TrackKind, pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}

	w, err := s.writer(kind)
	if err != nil {
		return err
	}
	return w.WriteRTP(pkt)
}

func (s *Sink) writer(kind domain.TrackKind) (rtpWriter, error) {
	switch kind {
	case domain.TrackAudio:
		if s.audio == nil {
			w, err := oggwriter.New(s.AudioPath(), 48000, 2)
			if err != nil {
				return nil, fmt.Errorf("open audio recording: %w", err)
			}
			log.Info().Str("path", s.AudioPath()).Msg("Recording remote audio")
			s.audio = w
		}
		return s.audio, nil
	case domain.TrackVideo:
		if s.video == nil {
			w, err := ivfwriter.New(s.VideoPath())
			if err != nil {
				return nil, fmt.Errorf("open video recording: %w", err)
			}
			log.Info().Str("path", s.VideoPath()).Msg("Recording remote video")
			s.video = w
		}
		return s.video, nil
	}
	return nil, fmt.Errorf("record: unknown track kind %q", kind)
}

// Close finalizes both files. It is idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, w := range []rtpWriter{s.audio, s.video} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}
