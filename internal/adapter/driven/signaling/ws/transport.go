// Package ws is the client end of the signaling socket. It speaks the same
// {"event","data"} envelopes the relay server does and reconnects on its own
// with bounded exponential backoff.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var _ port.SignalingTransport = (*Transport)(nil)

var ErrUnauthorized = errors.New("signaling server rejected credentials")

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	outQueueSize = 64

	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 500 * time.Millisecond
)

type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
)

type Options struct {
	URL   string
	Token string

	// MaxAttempts bounds each reconnect cycle, the first dial included.
	MaxAttempts    uint64
	InitialBackoff time.Duration
	Dialer         *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultInitialBackoff
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// link is one live connection and its writer.
type link struct {
	conn *websocket.Conn
	out  chan domain.Envelope
	done chan struct{}
	once sync.Once
}

func newLink(conn *websocket.Conn) *link {
	return &link{
		conn: conn,
		out:  make(chan domain.Envelope, outQueueSize),
		done: make(chan struct{}),
	}
}

// enqueue hands env to the writer. A closed link refuses it even while its
// queue has room, and a close racing the send is reported as a failure.
func (l *link) enqueue(ctx context.Context, env domain.Envelope) error {
	select {
	case <-l.done:
		return domain.ErrNotConnected
	default:
	}
	select {
	case l.out <- env:
	case <-l.done:
		return domain.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-l.done:
		return domain.ErrNotConnected
	default:
		return nil
	}
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}

type Transport struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}

	mu       sync.RWMutex
	current  *link
	state    State
	handlers map[domain.EventName]map[int]port.EventHandler
	watchers map[int]func(State)
	nextID   int
}

// Dial connects to the relay and keeps the connection alive until Close.
// It fails when the first connection cannot be made within MaxAttempts.
func Dial(ctx context.Context, opts Options) (*Transport, error) {
	opts = opts.withDefaults()

	t := &Transport{
		opts:     opts,
		exited:   make(chan struct{}),
		state:    StateConnecting,
		handlers: make(map[domain.EventName]map[int]port.EventHandler),
		watchers: make(map[int]func(State)),
	}

	first, err := t.connect(ctx)
	if err != nil {
		return nil, err
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.setLink(first)
	go t.run(first)
	return t, nil
}

func (t *Transport) connect(ctx context.Context) (*link, error) {
	header := http.Header{}
	if t.opts.Token != "" {
		header.Set("Authorization", "Bearer "+t.opts.Token)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.opts.InitialBackoff

	attempt := 0
	var conn *websocket.Conn
	op := func() error {
		attempt++
		c, resp, err := t.opts.Dialer.DialContext(ctx, t.opts.URL, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status))
			}
			log.Warn().Err(err).Int("attempt", attempt).Str("url", t.opts.URL).Msg("Signaling dial failed")
			return err
		}
		conn = c
		return nil
	}

	// WithMaxRetries counts retries, not attempts.
	b := backoff.WithContext(backoff.WithMaxRetries(eb, t.opts.MaxAttempts-1), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("connect %s: %w", t.opts.URL, err)
	}
	log.Info().Str("url", t.opts.URL).Int("attempts", attempt).Msg("Signaling connected")
	return newLink(conn), nil
}

func (t *Transport) run(l *link) {
	defer close(t.exited)

	for {
		t.serve(l)

		t.mu.Lock()
		t.current = nil
		t.mu.Unlock()

		if t.ctx.Err() != nil {
			t.setState(StateClosed)
			return
		}

		t.setState(StateDisconnected)
		log.Warn().Msg("Signaling connection lost, reconnecting")

		t.setState(StateConnecting)
		next, err := t.connect(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				log.Error().Err(err).Msg("Giving up on signaling server")
			}
			t.setState(StateClosed)
			return
		}
		l = next
		t.setLink(l)
	}
}

func (t *Transport) setLink(l *link) {
	t.mu.Lock()
	t.current = l
	t.mu.Unlock()
	t.setState(StateConnected)
}

// serve pumps one connection until it breaks.
func (t *Transport) serve(l *link) {
	go t.writePump(l)
	defer l.close()
	go func() {
		select {
		case <-t.ctx.Done():
			l.close()
		case <-l.done:
		}
	}()

	conn := l.conn
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("Signaling read failed")
			}
			return
		}
		t.dispatch(env)
	}
}

func (t *Transport) writePump(l *link) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.close()
	}()

	for {
		select {
		case <-l.done:
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case env := <-l.out:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteJSON(env); err != nil {
				log.Error().Err(err).Str("event", string(env.Event)).Msg("Signaling write failed")
				return
			}
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *Transport) dispatch(env domain.Envelope) {
	t.mu.RLock()
	hs := make([]port.EventHandler, 0, len(t.handlers[env.Event]))
	for _, h := range t.handlers[env.Event] {
		hs = append(hs, h)
	}
	t.mu.RUnlock()

	if env.Event == domain.EventError {
		var e domain.ErrorEvent
		if err := env.Decode(&e); err == nil {
			log.Warn().Str("event", string(e.Event)).Str("message", e.Message).Msg("Signaling server reported an error")
		}
	}
	if len(hs) == 0 {
		log.Debug().Str("event", string(env.Event)).Msg("No handler for event")
		return
	}
	for _, h := range hs {
		h(env.Data)
	}
}

// Emit queues an event on the live connection. It fails fast with
// domain.ErrNotConnected while the transport is reconnecting.
func (t *Transport) Emit(ctx context.Context, event domain.EventName, payload any) error {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	t.mu.RLock()
	l := t.current
	t.mu.RUnlock()
	if l == nil {
		return fmt.Errorf("%w: %s", domain.ErrNotConnected, event)
	}

	if err := l.enqueue(ctx, env); err != nil {
		if errors.Is(err, domain.ErrNotConnected) {
			return fmt.Errorf("%w: %s", err, event)
		}
		return err
	}
	return nil
}

// Subscribe registers h for event. Handlers run on the read goroutine, so
// events of one name are delivered in arrival order.
func (t *Transport) Subscribe(event domain.EventName, h port.EventHandler) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	if t.handlers[event] == nil {
		t.handlers[event] = make(map[int]port.EventHandler)
	}
	t.handlers[event][id] = h
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.handlers[event], id)
		t.mu.Unlock()
	}
}

// OnStateChange registers fn for connection state changes.
func (t *Transport) OnStateChange(fn func(State)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.watchers[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.watchers, id)
		t.mu.Unlock()
	}
}

func (t *Transport) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	fns := make([]func(State), 0, len(t.watchers))
	for _, fn := range t.watchers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Close stops reconnecting and closes the connection.
func (t *Transport) Close() error {
	t.cancel()
	<-t.exited
	return nil
}
