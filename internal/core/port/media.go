package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// LocalStream is a capture stream owned by one call. Stop must be safe to
// call more than once.
type LocalStream interface {
	ID() string
	Kinds() []domain.TrackKind
	Stop()
}

// RemoteStream aggregates the tracks received from the peer. The same value
// is reported again each time a track is added.
type RemoteStream interface {
	ID() string
	Kinds() []domain.TrackKind
	Stop()
}

type MediaSource interface {
	Acquire(ctx context.Context, t domain.CallType) (LocalStream, error)
}

// Peer is a negotiation handle. A remote description is applied at most once;
// remote candidates received before that are held until it is.
type Peer interface {
	AttachLocal(stream LocalStream) error
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context, offer domain.SessionDescription) (domain.SessionDescription, error)
	ApplyAnswer(ctx context.Context, answer domain.SessionDescription) error
	AddRemoteCandidate(ctx context.Context, c domain.Candidate) error

	OnLocalCandidate(fn func(domain.Candidate))
	OnRemoteStream(fn func(RemoteStream))
	OnStateChange(fn func(domain.PeerState))

	Close() error
}

type PeerFactory interface {
	NewPeer(ctx context.Context, id domain.SessionID) (Peer, error)
}

// OfferInspector reads the call type an offer actually negotiates. A
// PeerFactory may implement it.
type OfferInspector interface {
	InferCallType(offer domain.SessionDescription) (domain.CallType, error)
}
