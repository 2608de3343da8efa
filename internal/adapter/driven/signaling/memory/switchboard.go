// Package memory wires clients to a relay inside one process. The
// Switchboard plays the websocket hub for the relay and hands each joined
// user an Endpoint that behaves like the client socket.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

var (
	_ port.RealTimeGateway    = (*Switchboard)(nil)
	_ port.SignalingTransport = (*Endpoint)(nil)
)

// Filter reports whether an event headed to user should be dropped.
type Filter func(to domain.UserID, event domain.EventName) bool

type Switchboard struct {
	mu        sync.RWMutex
	router    port.SignalRouter
	endpoints map[domain.UserID]map[*Endpoint]struct{}
	filter    Filter
}

func NewSwitchboard() *Switchboard {
	return &Switchboard{endpoints: make(map[domain.UserID]map[*Endpoint]struct{})}
}

// Bind sets the router that receives everything endpoints emit.
func (s *Switchboard) Bind(r port.SignalRouter) {
	s.mu.Lock()
	s.router = r
	s.mu.Unlock()
}

func (s *Switchboard) SetFilter(f Filter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

// Join connects user and returns its endpoint. The router hears about the
// user on its first endpoint only.
func (s *Switchboard) Join(ctx context.Context, user domain.Participant) (*Endpoint, error) {
	e := newEndpoint(s, user)

	s.mu.Lock()
	conns, ok := s.endpoints[user.ID]
	if !ok {
		conns = make(map[*Endpoint]struct{})
		s.endpoints[user.ID] = conns
	}
	conns[e] = struct{}{}
	first := len(conns) == 1
	router := s.router
	s.mu.Unlock()

	go e.pump()

	if first && router != nil {
		if err := router.Connect(ctx, user); err != nil {
			return e, err
		}
	}
	return e, nil
}

// Leave disconnects e. It is safe to call more than once.
func (s *Switchboard) Leave(ctx context.Context, e *Endpoint) error {
	s.mu.Lock()
	conns := s.endpoints[e.user.ID]
	_, present := conns[e]
	delete(conns, e)
	last := present && len(conns) == 0
	if last {
		delete(s.endpoints, e.user.ID)
	}
	router := s.router
	s.mu.Unlock()

	e.stop()
	if last && router != nil {
		return router.Disconnect(ctx, e.user.ID)
	}
	return nil
}

func (s *Switchboard) SendTo(ctx context.Context, user domain.UserID, event domain.EventName, payload any) error {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	s.mu.RLock()
	targets := make([]*Endpoint, 0, len(s.endpoints[user]))
	for e := range s.endpoints[user] {
		targets = append(targets, e)
	}
	filter := s.filter
	s.mu.RUnlock()

	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", domain.ErrUserOffline, user)
	}
	if filter != nil && filter(user, event) {
		log.Debug().Str("to", user.String()).Str("event", string(event)).Msg("Switchboard dropped event")
		return nil
	}
	for _, e := range targets {
		e.deliver(env)
	}
	return nil
}

func (s *Switchboard) Broadcast(ctx context.Context, event domain.EventName, payload any) error {
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	s.mu.RLock()
	var targets []*Endpoint
	for _, conns := range s.endpoints {
		for e := range conns {
			targets = append(targets, e)
		}
	}
	s.mu.RUnlock()

	for _, e := range targets {
		e.deliver(env)
	}
	return nil
}

func (s *Switchboard) IsOnline(user domain.UserID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.endpoints[user]) > 0
}

func (s *Switchboard) OnlineUsers() []domain.UserID {
	s.mu.RLock()
	users := make([]domain.UserID, 0, len(s.endpoints))
	for id := range s.endpoints {
		users = append(users, id)
	}
	s.mu.RUnlock()
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// Endpoint is the client side of one in-process connection. Inbound events
// are dispatched in order on a goroutine of its own.
type Endpoint struct {
	sb   *Switchboard
	user domain.Participant

	qmu     sync.Mutex
	pending []domain.Envelope
	wake    chan struct{}

	hmu      sync.RWMutex
	handlers map[domain.EventName]map[int]port.EventHandler
	nextID   int

	done     chan struct{}
	stopOnce sync.Once
}

func newEndpoint(sb *Switchboard, user domain.Participant) *Endpoint {
	return &Endpoint{
		sb:       sb,
		user:     user,
		wake:     make(chan struct{}, 1),
		handlers: make(map[domain.EventName]map[int]port.EventHandler),
		done:     make(chan struct{}),
	}
}

func (e *Endpoint) User() domain.Participant {
	return e.user
}

// Emit hands the event to the router as if it arrived on the socket. A
// routing failure comes back as an error event, like on the wire.
func (e *Endpoint) Emit(ctx context.Context, event domain.EventName, payload any) error {
	select {
	case <-e.done:
		return fmt.Errorf("%w: %s", domain.ErrNotConnected, event)
	default:
	}

	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	e.sb.mu.RLock()
	router := e.sb.router
	e.sb.mu.RUnlock()
	if router == nil {
		return fmt.Errorf("%w: no router bound", domain.ErrNotConnected)
	}

	if err := router.Route(ctx, e.user, env.Event, env.Data); err != nil {
		log.Debug().Err(err).Str("user_id", e.user.ID.String()).Str("event", string(event)).Msg("Route failed")
		reply, encErr := domain.NewEnvelope(domain.EventError, domain.ErrorEvent{Event: event, Message: err.Error()})
		if encErr == nil {
			e.deliver(reply)
		}
	}
	return nil
}

func (e *Endpoint) Subscribe(event domain.EventName, h port.EventHandler) func() {
	e.hmu.Lock()
	id := e.nextID
	e.nextID++
	if e.handlers[event] == nil {
		e.handlers[event] = make(map[int]port.EventHandler)
	}
	e.handlers[event][id] = h
	e.hmu.Unlock()

	return func() {
		e.hmu.Lock()
		delete(e.handlers[event], id)
		e.hmu.Unlock()
	}
}

func (e *Endpoint) deliver(env domain.Envelope) {
	e.qmu.Lock()
	e.pending = append(e.pending, env)
	e.qmu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Endpoint) pump() {
	for {
		select {
		case <-e.done:
			return
		case <-e.wake:
		}

		for {
			e.qmu.Lock()
			if len(e.pending) == 0 {
				e.qmu.Unlock()
				break
			}
			env := e.pending[0]
			e.pending = e.pending[1:]
			e.qmu.Unlock()

			select {
			case <-e.done:
				return
			default:
			}
			e.dispatch(env)
		}
	}
}

func (e *Endpoint) dispatch(env domain.Envelope) {
	e.hmu.RLock()
	hs := make([]port.EventHandler, 0, len(e.handlers[env.Event]))
	for _, h := range e.handlers[env.Event] {
		hs = append(hs, h)
	}
	e.hmu.RUnlock()

	for _, h := range hs {
		h(env.Data)
	}
}

func (e *Endpoint) stop() {
	e.stopOnce.Do(func() { close(e.done) })
}
