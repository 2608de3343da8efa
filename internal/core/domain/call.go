package domain

import "fmt"

type CallStatus string

const (
	StatusIdle      CallStatus = "idle"
	StatusCalling   CallStatus = "calling"
	StatusIncoming  CallStatus = "incoming"
	StatusConnected CallStatus = "connected"
	StatusRejected  CallStatus = "rejected"
)

func (s CallStatus) String() string {
	return string(s)
}

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

func ParseCallType(s string) (CallType, error) {
	switch CallType(s) {
	case CallAudio, CallVideo:
		return CallType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCallType, s)
}

func (t CallType) Valid() bool {
	return t == CallAudio || t == CallVideo
}

// HasVideo reports whether a camera track is captured for this call type.
// Audio is always captured.
func (t CallType) HasVideo() bool {
	return t == CallVideo
}

// EndReason travels with call:end / call:ended.
type EndReason string

const (
	ReasonHangup       EndReason = "hangup"
	ReasonRejected     EndReason = "rejected"
	ReasonBusy         EndReason = "busy"
	ReasonTimeout      EndReason = "timeout"
	ReasonDisconnected EndReason = "disconnected"
	ReasonUnavailable  EndReason = "unavailable"
)

type Participant struct {
	ID          UserID `json:"id"`
	DisplayName string `json:"name,omitempty"`
}

// Name falls back to a generated label when no display name is known.
func (p Participant) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return "User " + p.ID.String()
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// PeerState mirrors the connection state of a negotiation handle.
type PeerState string

const (
	PeerNew          PeerState = "new"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)
