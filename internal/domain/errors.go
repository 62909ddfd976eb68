package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCredential      = errors.New("credential unavailable")
	ErrNegotiation     = errors.New("negotiation failed")
	ErrMediaAccess     = errors.New("media access failed")
	ErrChannelNotReady = errors.New("data channel not ready")
	ErrRoomJoin        = errors.New("room join failed")
	ErrProtocol        = errors.New("protocol error")
	ErrTimeout         = errors.New("timeout")
	ErrAlreadyActive   = errors.New("session already active")

	ErrNegotiationInFlight = errors.New("negotiation already in flight")
	ErrNotPublished        = errors.New("room publish not established")
	ErrGatewayClosed       = errors.New("gateway closed")
	ErrRoomLost            = errors.New("room connection lost")
	ErrNoSession           = errors.New("no active session")
)

// Link names used in LinkError.
const (
	LinkModel     = "model"
	LinkRoom      = "room"
	LinkPublish   = "publish"
	LinkSubscribe = "subscribe"
)

// LinkError reports a failed step on one link.
// Kind is one of the sentinel errors above; Err is the underlying cause.
type LinkError struct {
	Link string
	Op   string
	Kind error
	Err  error
}

func (e *LinkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Link, e.Op, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Link, e.Op, e.Kind, e.Err)
}

func (e *LinkError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NewLinkError(link, op string, kind, err error) *LinkError {
	return &LinkError{Link: link, Op: op, Kind: kind, Err: err}
}
