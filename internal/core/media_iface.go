package core

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack is an inbound media track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// DataChannel is the event channel of a connection. *webrtc.DataChannel satisfies it.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	OnOpen(func())
	OnClose(func())
	OnMessage(func(webrtc.DataChannelMessage))
	Close() error
}

// MediaConnection is one peer connection as seen by a link.
// The link that created it owns it and is the only one allowed to Close it.
type MediaConnection interface {
	// CreateAndSetOffer creates an offer, applies it locally and returns the gathered local description.
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	// ApplyAnswer applies the remote answer to a previously set offer.
	ApplyAnswer(webrtc.SessionDescription) error
	// ApplyOfferAndCreateAnswer is the responder side of a negotiation.
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)

	// AddLocalTrack attaches the sole outbound audio track. A nil track adds a
	// send-capable audio slot without media so it can be filled later.
	AddLocalTrack(track webrtc.TrackLocal) error
	// ReplaceLocalTrack swaps the outbound audio track without renegotiation.
	ReplaceLocalTrack(track webrtc.TrackLocal) error
	// LocalTrack returns the currently attached outbound audio track, if any.
	LocalTrack() webrtc.TrackLocal

	CreateDataChannel(label string) (DataChannel, error)

	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track RemoteTrack))
	// OnStateChange reports peer connection state transitions.
	OnStateChange(func(webrtc.PeerConnectionState))

	// Close should stop all underlying media resources. Safe to call twice.
	Close() error
	IsClosed() bool
}

// ConnectionFactory builds a fresh, unconnected MediaConnection.
type ConnectionFactory func() (MediaConnection, error)
