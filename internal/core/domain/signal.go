package domain

import (
	"encoding/json"
	"fmt"
)

type EventName string

const (
	EventCallRequest   EventName = "call:request"
	EventCallIncoming  EventName = "call:incoming"
	EventCallAnswer    EventName = "call:answer"
	EventCallCandidate EventName = "call:ice-candidate"
	EventCallEnd       EventName = "call:end"
	EventCallEnded     EventName = "call:ended"

	EventPresenceOnline  EventName = "presence:online"
	EventPresenceOffline EventName = "presence:offline"
	EventPresenceList    EventName = "presence:list"

	EventMessageSend EventName = "message:send"
	EventMessageNew  EventName = "message:new"

	EventError EventName = "error"
)

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// SessionDescription has the same JSON shape as a browser
// RTCSessionDescriptionInit.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Candidate has the same JSON shape as a browser RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type CallRequest struct {
	From    UserID             `json:"from"`
	To      UserID             `json:"to"`
	Offer   SessionDescription `json:"offer"`
	Type    CallType           `json:"type"`
	Session SessionID          `json:"session,omitempty"`
}

type CallIncoming struct {
	From    UserID             `json:"from"`
	Name    string             `json:"name,omitempty"`
	Offer   SessionDescription `json:"offer"`
	Type    CallType           `json:"type"`
	Session SessionID          `json:"session,omitempty"`
}

type CallAnswer struct {
	From    UserID             `json:"from,omitempty"`
	To      UserID             `json:"to,omitempty"`
	Answer  SessionDescription `json:"answer"`
	Session SessionID          `json:"session,omitempty"`
}

type CallCandidate struct {
	From      UserID    `json:"from,omitempty"`
	To        UserID    `json:"to,omitempty"`
	Candidate Candidate `json:"candidate"`
	Session   SessionID `json:"session,omitempty"`
}

type CallEnd struct {
	To      UserID    `json:"to"`
	Reason  EndReason `json:"reason,omitempty"`
	Session SessionID `json:"session,omitempty"`
}

type CallEnded struct {
	From    UserID    `json:"from,omitempty"`
	Reason  EndReason `json:"reason,omitempty"`
	Session SessionID `json:"session,omitempty"`
}

type Presence struct {
	User UserID `json:"user"`
}

type PresenceList struct {
	Users []UserID `json:"users"`
}

type ErrorEvent struct {
	Event   EventName `json:"event,omitempty"`
	Message string    `json:"message"`
}

// Envelope is the wire frame for every named event on the socket.
type Envelope struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(event EventName, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Data = raw
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Event, err)
	}
	return nil
}
