package core

import (
	"context"
	"encoding/json"
)

// JSEP carries an SDP description over the gateway protocol.
type JSEP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// PluginEvent is a plugin payload pushed or returned by the gateway.
type PluginEvent struct {
	Plugin string
	Data   json.RawMessage
	JSEP   *JSEP
}

// PluginHandle is one attachment to a gateway plugin.
type PluginHandle interface {
	ID() uint64
	// Request sends a plugin message and waits for the matching response event.
	Request(ctx context.Context, body any, jsep *JSEP) (*PluginEvent, error)
	// Events yields pushes that were not responses to a Request. Closed on detach.
	Events() <-chan *PluginEvent
	Detach(ctx context.Context) error
}

// Gateway is a live session with a media gateway.
type Gateway interface {
	Attach(ctx context.Context, plugin, opaqueID string) (PluginHandle, error)
	// Done is closed once the session is gone, whether by Close or by transport loss.
	Done() <-chan struct{}
	Close() error
}

// GatewayDialer opens a gateway session.
type GatewayDialer func(ctx context.Context) (Gateway, error)
