package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/media/file"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/pion"
	"github.com/Wyydra/yacall/internal/adapter/driven/media/record"
	sigws "github.com/Wyydra/yacall/internal/adapter/driven/signaling/ws"
	"github.com/Wyydra/yacall/internal/auth"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/Wyydra/yacall/internal/logging"
	"github.com/Wyydra/yacall/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "yacall",
		Short:        "Headless call client",
		SilenceUsage: true,
	}

	f := root.PersistentFlags()
	f.String("config", "", "config file (yaml, json or toml)")
	f.String("server-url", "ws://localhost:8080/ws", "signaling server websocket URL")
	f.String("token", "", "bearer token")
	f.StringSlice("ice-servers", []string{"stun:stun.l.google.com:19302"}, "STUN/TURN URLs")
	f.String("audio-file", "", "Ogg/Opus file sent as the microphone (silence when empty)")
	f.String("video-file", "", "IVF/VP8 file sent as the camera")
	f.String("record-dir", "", "record remote media into this directory")
	f.Duration("ring-timeout", service.DefaultRingTimeout, "give up on unanswered calls after this long")
	f.Duration("liveness-timeout", service.DefaultLivenessTimeout, "end a call whose peer stays disconnected this long")
	f.Duration("reject-display", service.DefaultRejectDisplay, "how long a rejected call is shown")
	f.Uint64("reconnect-attempts", sigws.DefaultMaxAttempts, "signaling connection attempts")
	f.Duration("reconnect-backoff", sigws.DefaultInitialBackoff, "initial delay between connection attempts")
	f.String("metrics-addr", "", "serve prometheus metrics on this address")
	f.String("log-level", "info", "trace, debug, info, warn or error")

	root.AddCommand(newCallCmd(), newListenCmd())
	return root
}

func newCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <user>",
		Short: "Call a user and stay on the line until either side hangs up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, _ := cmd.Flags().GetString("type")
			t, err := domain.ParseCallType(typ)
			if err != nil {
				return err
			}
			hangupAfter, _ := cmd.Flags().GetDuration("duration")

			c, err := setup(cmd)
			if err != nil {
				return err
			}
			defer c.close()

			ended := make(chan struct{})
			var (
				once sync.Once
				last domain.CallStatus
			)
			c.session.OnChange(func(s service.Snapshot) {
				if s.Status == domain.StatusIdle && last != "" && last != domain.StatusIdle {
					once.Do(func() { close(ended) })
				}
				last = s.Status
			})

			if err := c.session.StartCall(c.ctx, domain.Participant{ID: domain.UserID(args[0])}, t); err != nil {
				return err
			}

			var timeout <-chan time.Time
			if hangupAfter > 0 {
				timeout = time.After(hangupAfter)
			}
			select {
			case <-ended:
			case <-timeout:
				c.logger.Info().Msg("Call duration reached")
			case <-c.ctx.Done():
			}
			return nil
		},
	}
	cmd.Flags().String("type", string(domain.CallAudio), "audio or video")
	cmd.Flags().Duration("duration", 0, "hang up after this long (0 waits for the peer)")
	return cmd
}

func newListenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Wait for incoming calls",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := setup(cmd)
			if err != nil {
				return err
			}
			defer c.close()

			autoAnswer := c.cfg.AutoAnswer
			c.session.OnChange(func(s service.Snapshot) {
				if s.Status != domain.StatusIncoming || s.Incoming == nil || s.LastError != nil {
					return
				}
				l := c.logger.With().
					Str("from", s.Incoming.From.Name()).
					Str("type", string(s.Incoming.Type)).
					Logger()
				if !autoAnswer {
					l.Info().Msg("Ringing, start with --auto-answer to pick up")
					return
				}
				go func() {
					if err := c.session.AcceptCall(c.ctx); err != nil {
						l.Error().Err(err).Msg("Failed to answer")
					}
				}()
			})

			c.logger.Info().Msg("Waiting for calls")
			<-c.ctx.Done()
			return nil
		},
	}
	cmd.Flags().Bool("auto-answer", false, "answer every incoming call")
	return cmd
}

type client struct {
	ctx       context.Context
	stop      context.CancelFunc
	cfg       config.Client
	logger    zerolog.Logger
	transport *sigws.Transport
	session   *service.CallSession
	metricSrv *http.Server
}

func setup(cmd *cobra.Command) (*client, error) {
	v := config.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadClient(v, cfgFile)
	if err != nil {
		return nil, err
	}

	l, err := logging.Setup(os.Stderr, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	self, err := auth.Identify(cfg.Token)
	if err != nil {
		return nil, err
	}
	l = l.With().Str("user_id", self.ID.String()).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	transport, err := sigws.Dial(ctx, sigws.Options{
		URL:            cfg.ServerURL,
		Token:          cfg.Token,
		MaxAttempts:    cfg.ReconnectAttempts,
		InitialBackoff: cfg.ReconnectBackoff,
	})
	if err != nil {
		stop()
		return nil, err
	}
	transport.OnStateChange(func(s sigws.State) {
		l.Info().Str("state", string(s)).Msg("Signaling state changed")
		if s == sigws.StateClosed {
			stop()
		}
	})
	transport.Subscribe(domain.EventPresenceList, func(data json.RawMessage) {
		var list domain.PresenceList
		if err := (domain.Envelope{Event: domain.EventPresenceList, Data: data}).Decode(&list); err == nil {
			l.Info().Int("online", len(list.Users)).Msg("Presence received")
		}
	})

	pc := pion.Config{ICEServers: cfg.ICEServers}
	if cfg.RecordDir != "" {
		rec, err := record.New(cfg.RecordDir)
		if err != nil {
			_ = transport.Close()
			stop()
			return nil, err
		}
		pc.Recorder = rec
	}
	peers, err := pion.NewFactory(pc)
	if err != nil {
		_ = transport.Close()
		stop()
		return nil, err
	}
	source := file.NewSource(file.Config{AudioFile: cfg.AudioFile, VideoFile: cfg.VideoFile})

	session := service.NewCallSession(service.SessionConfig{
		Self:            self,
		RejectDisplay:   cfg.RejectDisplay,
		RingTimeout:     cfg.RingTimeout,
		LivenessTimeout: cfg.LivenessTimeout,
	}, transport, source, peers)

	c := &client{
		ctx:       ctx,
		stop:      stop,
		cfg:       cfg,
		logger:    l,
		transport: transport,
		session:   session,
	}

	m := metrics.New()
	session.OnChange(c.observe(m))
	if cfg.MetricsAddr != "" {
		c.metricSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler()}
		go func() {
			if err := c.metricSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				l.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}
	return c, nil
}

// observe logs every status change and counts it.
func (c *client) observe(m *metrics.Metrics) func(service.Snapshot) {
	prev := domain.StatusIdle
	return func(s service.Snapshot) {
		if s.LastError != nil {
			c.logger.Warn().Err(s.LastError).Msg("Call error")
		}
		if s.Status == prev {
			return
		}
		m.Transition(prev.String(), s.Status.String())

		ev := c.logger.Info().Str("from", prev.String()).Str("to", s.Status.String())
		if s.Remote != nil {
			ev = ev.Str("peer", s.Remote.Name())
		}
		if s.EndReason != "" && (s.Status == domain.StatusIdle || s.Status == domain.StatusRejected) {
			ev = ev.Str("reason", string(s.EndReason))
		}
		if s.Status == domain.StatusConnected && s.RemoteMedia != nil {
			ev = ev.Int("remote_tracks", len(s.RemoteMedia.Kinds()))
		}
		ev.Msg("Call status changed")
		prev = s.Status
	}
}

func (c *client) close() {
	if err := c.session.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to end call")
	}
	if err := c.transport.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to close signaling")
	}
	if c.metricSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.metricSrv.Shutdown(ctx)
	}
	c.stop()
}
