package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/auth"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendQueueSize  = 64
)

var errSendQueueFull = errors.New("send queue full")

type WSClient struct {
	id   string
	user domain.Participant
	conn *websocket.Conn

	send      chan domain.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn, user domain.Participant) *WSClient {
	return &WSClient{
		id:   uuid.New().String(),
		user: user,
		conn: conn,
		send: make(chan domain.Envelope, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (c *WSClient) ID() string {
	return c.id
}

func (c *WSClient) User() domain.Participant {
	return c.user
}

// Send queues env for the write pump. A client that can't keep up is
// dropped rather than stalling the sender.
func (c *WSClient) Send(env domain.Envelope) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		c.Close()
		return errSendQueueFull
	}
}

func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *WSClient) writePump(l zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				l.Error().Err(err).Msg("Error writing event")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(h.AllowedOrigins),
	}
}

// originChecker allows any origin when none are configured (development).
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
				return true
			}
		}
		return false
	}
}

// HTTP handler
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	user, err := h.Verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Rejected websocket authentication")
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := newWSClient(conn, user)
	l := log.With().Str("client_id", client.ID()).Str("user_id", user.ID.String()).Logger()
	l.Info().Msg("New client connected")

	// Routing outlives the request context once the upgrade is done.
	ctx := context.WithoutCancel(r.Context())

	go client.writePump(l)
	if h.Hub.Register(client) == 1 {
		if err := h.Router.Connect(ctx, user); err != nil {
			l.Error().Err(err).Msg("Failed to announce user")
		}
	}

	defer func() {
		l.Info().Msg("Client disconnected")
		client.Close()
		if h.Hub.Unregister(client) == 0 {
			if err := h.Router.Disconnect(ctx, user.ID); err != nil {
				l.Error().Err(err).Msg("Failed to release user")
			}
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// listening for browser
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			break
		}

		var env domain.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			l.Warn().Err(err).Msg("Invalid envelope")
			h.replyError(client, "", err)
			continue
		}

		if err := h.Router.Route(ctx, user, env.Event, env.Data); err != nil {
			l.Warn().Err(err).Str("event", string(env.Event)).Msg("Failed to handle event")
			h.replyError(client, env.Event, err)
		}
	}
}

func (h *Handler) replyError(c *WSClient, event domain.EventName, err error) {
	reply, encErr := domain.NewEnvelope(domain.EventError, domain.ErrorEvent{Event: event, Message: err.Error()})
	if encErr != nil {
		return
	}
	_ = c.Send(reply)
}
