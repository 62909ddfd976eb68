package sfu

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Relay re-publishes a remote track as a local RTP track and forwards every
// packet to its named sinks. It implements core.AudioStream.
type Relay struct {
	Src   core.RemoteTrack
	local *webrtc.TrackLocalStaticRTP

	mu    sync.RWMutex
	sinks map[string]*sinkEntry

	cancel context.CancelFunc
	done   chan struct{}
}

var _ core.AudioStream = (*Relay)(nil)

// sinkEntry is one named consumer. A removed entry is skipped and pruned by the loop.
type sinkEntry struct {
	sink    core.Sink
	removed atomic.Bool
}

func NewRelay(src core.RemoteTrack, local *webrtc.TrackLocalStaticRTP, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:       src,
		local:     local,
		sinks:     make(map[string]*sinkEntry),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (r *Relay) ID() string { return r.local.ID() }

// Track is the local mirror that can be attached to another connection's sender.
func (r *Relay) Track() webrtc.TrackLocal { return r.local }

// Done is closed once the source track stops producing packets.
func (r *Relay) Done() <-chan struct{} { return r.done }

// AddSink registers s under name, replacing any sink already using that name.
func (r *Relay) AddSink(name string, s core.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = &sinkEntry{sink: s}
}

// RemoveSink stops delivery to name at once; the entry is dropped on the next forwarded packet.
func (r *Relay) RemoveSink(name string) {
	r.mu.RLock()
	e, ok := r.sinks[name]
	r.mu.RUnlock()
	if ok {
		e.removed.Store(true)
	}
}

// loop reads RTP packets from the source track and forwards them to the mirror and every sink.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, removing sinks")
			r.removeAll()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Info().Err(err).Msg("relay source ended, stopping")
			r.removeAll()
			return
		}
		if err := r.local.WriteRTP(pkt); err != nil {
			logger.Debug().Err(err).Msg("relay mirror write error")
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[string]*sinkEntry, len(r.sinks))
	maps.Copy(snapshot, r.sinks)
	r.mu.RUnlock()

	var dead []string
	for name, e := range snapshot {
		if e.removed.Load() {
			dead = append(dead, name)
			continue
		}
		if err := e.sink.WriteRTP(pkt); err != nil {
			logger.Error().Err(err).Str("sink", name).Msg("sink write failed, removing")
			e.removed.Store(true)
			dead = append(dead, name)
		}
	}
	if len(dead) > 0 {
		r.prune(snapshot, dead)
	}
}

// prune deletes dead entries unless AddSink replaced them since the snapshot.
func (r *Relay) prune(snapshot map[string]*sinkEntry, dead []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range dead {
		if r.sinks[name] == snapshot[name] {
			delete(r.sinks, name)
		}
	}
}

func (r *Relay) removeAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.sinks {
		e.removed.Store(true)
	}
}

func (r *Relay) sinkCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}
