package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Model data channel event types used by the bridge.
const (
	EventConversationItemCreate = "conversation.item.create"
	EventResponseCreate         = "response.create"

	EventSessionCreated = "session.created"
	EventResponseDone   = "response.done"
	EventError          = "error"
)

var ErrEventTypeMissing = errors.New("event type missing")

// NewEventID returns a fresh client event identifier.
func NewEventID() string {
	return "evt_" + uuid.NewString()
}

// ClientEvent is a message sent to the model over the data channel.
type ClientEvent map[string]any

func (e ClientEvent) Type() string {
	t, _ := e["type"].(string)
	return t
}

func (e ClientEvent) ID() string {
	id, _ := e["event_id"].(string)
	return id
}

// EnsureID assigns an identifier when the event has none and returns the identifier in use.
func (e ClientEvent) EnsureID() string {
	if id := e.ID(); id != "" {
		return id
	}
	id := NewEventID()
	e["event_id"] = id
	return id
}

// TextMessage builds the conversation.item.create event carrying one user text part.
func TextMessage(text string) ClientEvent {
	return ClientEvent{
		"type": EventConversationItemCreate,
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}
}

// ResponseCreate asks the model to produce a response.
func ResponseCreate() ClientEvent {
	return ClientEvent{"type": EventResponseCreate}
}

// ServerEvent is a decoded data channel message from the model.
type ServerEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Session *struct {
		ID string `json:"id"`
	} `json:"session,omitempty"`
	Error *struct {
		Type    string `json:"type,omitempty"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// DecodeServerEvent parses one data channel payload.
func DecodeServerEvent(data []byte) (*ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode server event: %w", err)
	}
	if ev.Type == "" {
		return nil, ErrEventTypeMissing
	}
	ev.Raw = slices.Clone(data)
	return &ev, nil
}

type Direction string

const (
	DirectionClient Direction = "client"
	DirectionServer Direction = "server"
)

// Event is one entry of the session event sequence.
type Event struct {
	Direction Direction       `json:"direction"`
	Type      string          `json:"type"`
	EventID   string          `json:"event_id,omitempty"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
}

// EventLog is the append-only session event sequence. Snapshots are newest-first.
type EventLog struct {
	mu     sync.RWMutex
	events []Event
	notify func(Event)
}

func NewEventLog() *EventLog {
	return &EventLog{}
}

// OnAppend installs a hook invoked after every append, outside the lock.
func (l *EventLog) OnAppend(fn func(Event)) {
	l.mu.Lock()
	l.notify = fn
	l.mu.Unlock()
}

func (l *EventLog) Append(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	l.mu.Lock()
	l.events = append(l.events, ev)
	notify := l.notify
	l.mu.Unlock()
	if notify != nil {
		notify(ev)
	}
}

// AppendClient records an outbound event exactly as it was serialized.
func (l *EventLog) AppendClient(ev ClientEvent, payload []byte) {
	l.Append(Event{Direction: DirectionClient, Type: ev.Type(), EventID: ev.ID(), Payload: payload})
}

// AppendServer records an inbound event in arrival order.
func (l *EventLog) AppendServer(ev *ServerEvent) {
	l.Append(Event{Direction: DirectionServer, Type: ev.Type, EventID: ev.EventID, Payload: ev.Raw})
}

// Snapshot returns the events newest-first.
func (l *EventLog) Snapshot() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	for i, ev := range l.events {
		out[len(l.events)-1-i] = ev
	}
	return out
}

func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Reset clears the sequence; used when a fresh data channel opens.
func (l *EventLog) Reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}
