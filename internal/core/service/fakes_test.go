package service

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu       sync.Mutex
	handlers map[domain.EventName]port.EventHandler
	sent     []domain.Envelope
	emitErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[domain.EventName]port.EventHandler)}
}

func (t *fakeTransport) Emit(_ context.Context, event domain.EventName, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.emitErr != nil {
		return t.emitErr
	}
	env, err := domain.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	t.sent = append(t.sent, env)
	return nil
}

func (t *fakeTransport) Subscribe(event domain.EventName, h port.EventHandler) func() {
	t.mu.Lock()
	t.handlers[event] = h
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.handlers, event)
		t.mu.Unlock()
	}
}

func (t *fakeTransport) deliver(tb testing.TB, event domain.EventName, payload any) {
	tb.Helper()
	env, err := domain.NewEnvelope(event, payload)
	require.NoError(tb, err)
	t.deliverRaw(event, env.Data)
}

func (t *fakeTransport) deliverRaw(event domain.EventName, data json.RawMessage) {
	t.mu.Lock()
	h := t.handlers[event]
	t.mu.Unlock()
	if h != nil {
		h(data)
	}
}

func (t *fakeTransport) subscribed(event domain.EventName) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.handlers[event]
	return ok
}

func (t *fakeTransport) events() []domain.EventName {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]domain.EventName, len(t.sent))
	for i, env := range t.sent {
		names[i] = env.Event
	}
	return names
}

// last decodes the most recent event called name into v.
func (t *fakeTransport) last(tb testing.TB, name domain.EventName, v any) {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sent) - 1; i >= 0; i-- {
		if t.sent[i].Event == name {
			require.NoError(tb, t.sent[i].Decode(v))
			return
		}
	}
	tb.Fatalf("no %s sent", name)
}

func (t *fakeTransport) count(name domain.EventName) int {
	n := 0
	for _, e := range t.events() {
		if e == name {
			n++
		}
	}
	return n
}

type fakeStream struct {
	id      string
	kinds   []domain.TrackKind
	stopped atomic.Int32
}

func (s *fakeStream) ID() string                { return s.id }
func (s *fakeStream) Kinds() []domain.TrackKind { return s.kinds }
func (s *fakeStream) Stop()                     { s.stopped.Add(1) }

type fakeMedia struct {
	mu      sync.Mutex
	err     error
	gate    chan struct{}
	started chan struct{}
	streams []*fakeStream
}

func (m *fakeMedia) Acquire(ctx context.Context, t domain.CallType) (port.LocalStream, error) {
	m.mu.Lock()
	gate, started, err := m.gate, m.started, m.err
	m.started = nil
	m.mu.Unlock()

	if started != nil {
		close(started)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := &fakeStream{id: "local", kinds: []domain.TrackKind{domain.TrackAudio}}
	if t.HasVideo() {
		s.kinds = append(s.kinds, domain.TrackVideo)
	}
	m.mu.Lock()
	m.streams = append(m.streams, s)
	m.mu.Unlock()
	return s, nil
}

func (m *fakeMedia) stream(tb testing.TB, i int) *fakeStream {
	tb.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Greater(tb, len(m.streams), i)
	return m.streams[i]
}

type fakePeer struct {
	mu         sync.Mutex
	attached   port.LocalStream
	offer      *domain.SessionDescription
	applied    []domain.SessionDescription
	candidates []domain.Candidate
	applyErr   error
	closed     int

	// gathered is reported as a local candidate while the description is
	// being created.
	gathered *domain.Candidate

	onCandidate func(domain.Candidate)
	onRemote    func(port.RemoteStream)
	onState     func(domain.PeerState)
}

func (p *fakePeer) AttachLocal(stream port.LocalStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = stream
	return nil
}

func (p *fakePeer) CreateOffer(context.Context) (domain.SessionDescription, error) {
	p.gather()
	return domain.SessionDescription{Type: domain.SDPOffer, SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer(_ context.Context, offer domain.SessionDescription) (domain.SessionDescription, error) {
	p.mu.Lock()
	p.offer = &offer
	p.mu.Unlock()
	p.gather()
	return domain.SessionDescription{Type: domain.SDPAnswer, SDP: "v=0 answer"}, nil
}

func (p *fakePeer) ApplyAnswer(_ context.Context, answer domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applyErr != nil {
		return p.applyErr
	}
	p.applied = append(p.applied, answer)
	return nil
}

func (p *fakePeer) AddRemoteCandidate(_ context.Context, c domain.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnLocalCandidate(fn func(domain.Candidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnRemoteStream(fn func(port.RemoteStream)) {
	p.mu.Lock()
	p.onRemote = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnStateChange(fn func(domain.PeerState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) gather() {
	p.mu.Lock()
	c, fn := p.gathered, p.onCandidate
	p.mu.Unlock()
	if c != nil && fn != nil {
		fn(*c)
	}
}

func (p *fakePeer) setState(st domain.PeerState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(st)
}

func (p *fakePeer) addRemote(rs port.RemoteStream) {
	p.mu.Lock()
	fn := p.onRemote
	p.mu.Unlock()
	fn(rs)
}

func (p *fakePeer) closedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) remoteCandidates() []domain.Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Candidate(nil), p.candidates...)
}

type fakePeers struct {
	mu       sync.Mutex
	peers    []*fakePeer
	err      error
	applyErr error
	gathered *domain.Candidate
}

func (f *fakePeers) NewPeer(context.Context, domain.SessionID) (port.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{applyErr: f.applyErr, gathered: f.gathered}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *fakePeers) peer(tb testing.TB, i int) *fakePeer {
	tb.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(tb, len(f.peers), i)
	return f.peers[i]
}

// inspectingPeers reports offered as the call type of every offer.
type inspectingPeers struct {
	*fakePeers
	offered domain.CallType
	err     error
}

func (p inspectingPeers) InferCallType(domain.SessionDescription) (domain.CallType, error) {
	return p.offered, p.err
}
