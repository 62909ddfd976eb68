// Package domain contains the bridge's plain data: states, events and errors, without transport logic.
package domain

import "time"

// Status is the externally observed state of a conversation session.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusClosing    Status = "closing"
	StatusClosed     Status = "closed"
)

// CanStart reports whether a session in this status accepts a new start.
func (s Status) CanStart() bool {
	return s == StatusIdle || s == StatusClosed
}

// ConnectionState of the peer connection to the model.
type ConnectionState string

const (
	ConnectionNew         ConnectionState = "new"
	ConnectionNegotiating ConnectionState = "negotiating"
	ConnectionConnected   ConnectionState = "connected"
	ConnectionFailed      ConnectionState = "failed"
	ConnectionClosed      ConnectionState = "closed"
)

// ChannelState of the model events data channel.
type ChannelState string

const (
	ChannelConnecting ChannelState = "connecting"
	ChannelOpen       ChannelState = "open"
	ChannelClosed     ChannelState = "closed"
)

// PublishState of the room publish attachment.
type PublishState string

const (
	PublishUnjoined  PublishState = "unjoined"
	PublishJoining   PublishState = "joining"
	PublishPublished PublishState = "published"
	PublishLeaving   PublishState = "leaving"
)

// SubscribeState of the room listener attachment.
type SubscribeState string

const (
	SubscribeUnjoined   SubscribeState = "unjoined"
	SubscribeJoining    SubscribeState = "joining"
	SubscribeSubscribed SubscribeState = "subscribed"
)

// RoomActive reports whether both room sub-sessions are established.
func RoomActive(p PublishState, s SubscribeState) bool {
	return p == PublishPublished && s == SubscribeSubscribed
}

// Snapshot is the single status view handed to observers.
// RoomConnected is auxiliary and never folded into Status.
type Snapshot struct {
	Status         Status         `json:"status"`
	StartedAt      time.Time      `json:"started_at,omitzero"`
	RoomConnected  bool           `json:"room_connected"`
	PublishState   PublishState   `json:"publish_state"`
	SubscribeState SubscribeState `json:"subscribe_state"`
	Participants   []Participant  `json:"participants"`
	RoomMuted      bool           `json:"room_muted"`
}

// Credential is the short-lived key issued by the token collaborator for one model session.
type Credential struct {
	Value string
	Model string
}
