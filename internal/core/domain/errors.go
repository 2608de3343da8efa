package domain

import "errors"

var (
	ErrInvalidCallType      = errors.New("invalid call type")
	ErrNoPeerSelected       = errors.New("select a user first")
	ErrSelfCall             = errors.New("cannot call yourself")
	ErrMediaUnavailable     = errors.New("media unavailable")
	ErrInvalidTransition    = errors.New("invalid call transition")
	ErrNoActiveCall         = errors.New("no active call")
	ErrCallAborted          = errors.New("call aborted")
	ErrBusy                 = errors.New("call already in progress")
	ErrSessionClosed        = errors.New("call session closed")
	ErrDescriptionApplied   = errors.New("remote description already applied")
	ErrMalformedDescription = errors.New("malformed session description")
	ErrPeerClosed           = errors.New("peer connection closed")
	ErrNotConnected         = errors.New("signaling transport not connected")
	ErrUnknownEvent         = errors.New("unknown event")
	ErrUserOffline          = errors.New("user offline")
	ErrEmptyMessage         = errors.New("message content cannot be empty")
)
