// Package file is a MediaSource for headless clients: it plays an Ogg/Opus
// clip as the microphone and an IVF/VP8 clip as the camera, looping both.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var _ port.MediaSource = (*Source)(nil)

const (
	opusFrame         = 20 * time.Millisecond
	defaultFrameDelay = 33 * time.Millisecond
)

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type Config struct {
	// AudioFile is an Ogg/Opus file. Empty sends silence.
	AudioFile string
	// VideoFile is an IVF/VP8 file. Video calls fail without it.
	VideoFile string
}

type Source struct {
	cfg Config
}

func NewSource(cfg Config) *Source {
	return &Source{cfg: cfg}
}

func (s *Source) Acquire(ctx context.Context, t domain.CallType) (port.LocalStream, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidCallType, t)
	}
	if t.HasVideo() && s.cfg.VideoFile == "" {
		return nil, fmt.Errorf("%w: no video file configured", domain.ErrMediaUnavailable)
	}

	id := uuid.New().String()
	st := &Stream{id: id, logger: log.With().Str("stream", id).Logger()}
	runCtx, cancel := context.WithCancel(context.Background())
	st.cancel = cancel

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", id)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("audio track: %w", err)
	}
	st.audio = audio

	var audioFile *os.File
	if s.cfg.AudioFile != "" {
		audioFile, err = openOgg(s.cfg.AudioFile)
		if err != nil {
			cancel()
			return nil, err
		}
		st.files = append(st.files, audioFile)
	}

	var videoFile *os.File
	if t.HasVideo() {
		videoFile, err = openIVF(s.cfg.VideoFile)
		if err != nil {
			st.closeFiles()
			cancel()
			return nil, err
		}
		st.files = append(st.files, videoFile)

		st.video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", id)
		if err != nil {
			st.closeFiles()
			cancel()
			return nil, fmt.Errorf("video track: %w", err)
		}
	}

	st.wg.Add(1)
	if audioFile != nil {
		go st.playOgg(runCtx, audioFile)
	} else {
		go st.playSilence(runCtx)
	}
	if videoFile != nil {
		st.wg.Add(1)
		go st.playIVF(runCtx, videoFile)
	}

	st.logger.Debug().Str("type", string(t)).Msg("Local media acquired")
	return st, nil
}

// openOgg opens path and checks it parses as Ogg before any call starts.
func openOgg(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMediaUnavailable, err)
	}
	if _, _, err := oggreader.NewWith(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrMediaUnavailable, path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", domain.ErrMediaUnavailable, err)
	}
	return f, nil
}

func openIVF(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrMediaUnavailable, err)
	}
	if _, header, err := ivfreader.NewWith(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrMediaUnavailable, path, err)
	} else if header.FourCC != "VP80" {
		f.Close()
		return nil, fmt.Errorf("%w: %s: unsupported codec %q", domain.ErrMediaUnavailable, path, header.FourCC)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %w", domain.ErrMediaUnavailable, err)
	}
	return f, nil
}

// Stream is a local stream fed from files.
type Stream struct {
	id     string
	audio  *webrtc.TrackLocalStaticSample
	video  *webrtc.TrackLocalStaticSample
	files  []*os.File
	logger zerolog.Logger

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) Kinds() []domain.TrackKind {
	kinds := []domain.TrackKind{domain.TrackAudio}
	if s.video != nil {
		kinds = append(kinds, domain.TrackVideo)
	}
	return kinds
}

func (s *Stream) TrackLocals() []webrtc.TrackLocal {
	tracks := []webrtc.TrackLocal{s.audio}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	return tracks
}

// Stop ends playback and closes the files. It is idempotent.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.closeFiles()
		s.logger.Debug().Msg("Local media stopped")
	})
}

func (s *Stream) closeFiles() {
	for _, f := range s.files {
		_ = f.Close()
	}
	s.files = nil
}

func (s *Stream) playSilence(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.audio.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Debug().Err(err).Msg("Failed to write silence")
			}
		}
	}
}

func (s *Stream) playOgg(ctx context.Context, f *os.File) {
	defer s.wg.Done()

	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read audio file")
		return
	}

	var lastGranule uint64
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if ogg, err = rewindOgg(f); err != nil {
				s.logger.Error().Err(err).Msg("Failed to loop audio file")
				return
			}
			lastGranule = 0
			continue
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to read audio page")
			return
		}

		// Header pages carry no samples.
		if header.GranulePosition <= lastGranule {
			continue
		}
		samples := header.GranulePosition - lastGranule
		lastGranule = header.GranulePosition
		d := time.Duration(samples) * time.Second / 48000

		if err := s.audio.WriteSample(media.Sample{Data: page, Duration: d}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.logger.Debug().Err(err).Msg("Failed to write audio sample")
		}
	}
}

func rewindOgg(f *os.File) (*oggreader.OggReader, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	ogg, _, err := oggreader.NewWith(f)
	return ogg, err
}

func (s *Stream) playIVF(ctx context.Context, f *os.File) {
	defer s.wg.Done()

	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read video file")
		return
	}

	delay := defaultFrameDelay
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		delay = time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	}
	if delay <= 0 {
		delay = defaultFrameDelay
	}

	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				s.logger.Error().Err(err).Msg("Failed to loop video file")
				return
			}
			if ivf, _, err = ivfreader.NewWith(f); err != nil {
				s.logger.Error().Err(err).Msg("Failed to loop video file")
				return
			}
			continue
		}
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to read video frame")
			return
		}

		if err := s.video.WriteSample(media.Sample{Data: frame, Duration: delay}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.logger.Debug().Err(err).Msg("Failed to write video sample")
		}
	}
}
