package sfu

import (
	"context"
	"sync"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// StreamID groups every mirror track the bridge publishes.
const StreamID = "voicebridge"

type RelayManager struct {
	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[string]*Relay),
	}
}

// StartRelay creates a Relay for the named source and starts its loop.
// An existing relay under the same name is stopped first.
func (m *RelayManager) StartRelay(ctx context.Context, name string, track core.RemoteTrack) (*Relay, error) {
	logger := log.With().
		Str("module", "relay").
		Str("source", name).
		Str("track_id", track.ID()).
		Logger()

	local, err := webrtc.NewTrackLocalStaticRTP(track.Codec().RTPCodecCapability, "bridge-"+name, StreamID)
	if err != nil {
		return nil, err
	}

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(track, local, cancel)

	m.mu.Lock()
	if old, ok := m.relays[name]; ok {
		logger.Info().Msg("replacing existing relay for source")
		old.removeAll()
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.relays[name] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
	return relay, nil
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(src string) {
	m.mu.Lock()
	relay, ok := m.relays[src]
	if ok {
		delete(m.relays, src)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.removeAll()
	if relay.cancel != nil {
		relay.cancel()
	}
}

func (m *RelayManager) StopAll() {
	m.mu.RLock()
	names := make([]string, 0, len(m.relays))
	for name := range m.relays {
		names = append(names, name)
	}
	m.mu.RUnlock()
	for _, name := range names {
		m.StopRelay(name)
	}
}

// HasRelay reports whether a relay exists for src.
func (m *RelayManager) HasRelay(src string) bool {
	_, ok := m.Get(src)
	return ok
}

func (m *RelayManager) Get(src string) (*Relay, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	relay, ok := m.relays[src]
	return relay, ok
}
