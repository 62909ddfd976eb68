package orch

import (
	"context"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/rs/zerolog/log"
)

// Relay names for the two inbound sources.
const (
	SourceModel = "model"
	SourceRoom  = "room"
)

func (o *Orchestrator) BindMediaHandlers(ctx context.Context, gen uint64, model ModelLink) {
	model.OnInboundAudio(func(_ context.Context, track core.RemoteTrack) {
		o.OnModelTrack(ctx, gen, track)
	})
	model.OnConnectionState(func(s domain.ConnectionState) {
		if s != domain.ConnectionFailed && s != domain.ConnectionClosed {
			return
		}
		o.OnModelDisconnect(gen, "connection "+string(s))
	})
	model.OnChannelState(func(s domain.ChannelState) {
		if s == domain.ChannelClosed {
			o.OnModelDisconnect(gen, "event channel closed")
		}
	})
	model.OnProtocolError(func(err error) {
		o.publish(Notification{Type: NotifyProtocolError, Error: err.Error()})
	})
}

// OnModelTrack re-publishes model speech so the router can play it or forward it to the room.
func (o *Orchestrator) OnModelTrack(ctx context.Context, gen uint64, track core.RemoteTrack) {
	if !o.live(gen) {
		return
	}
	relay, err := o.Relays.StartRelay(ctx, SourceModel, track)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("model relay")
		return
	}
	o.Router.SetModelAudio(relay)
}

// OnModelDisconnect ends an active session whose model connection or event channel is gone.
func (o *Orchestrator) OnModelDisconnect(gen uint64, reason string) {
	o.mu.Lock()
	active := o.gen == gen && o.status == domain.StatusActive
	o.mu.Unlock()
	if !active {
		return
	}
	log.Warn().Str("module", "orch").Str("reason", reason).Msg("model connection lost, ending session")
	go o.Stop(context.Background())
}

func (o *Orchestrator) bindRoom(ctx context.Context, gen uint64, room RoomLink) {
	room.OnMixedAudio(func(_ context.Context, track core.RemoteTrack) {
		if !o.live(gen) {
			return
		}
		relay, err := o.Relays.StartRelay(ctx, SourceRoom, track)
		if err != nil {
			log.Error().Err(err).Str("module", "orch").Msg("room relay")
			return
		}
		o.Router.SetMixedAudio(relay)
	})
	room.OnStateChange(func(p domain.PublishState, s domain.SubscribeState) {
		if !o.isRoom(room) {
			return
		}
		o.Router.SetRoomActive(domain.RoomActive(p, s))
		o.publishStatus()
	})
	room.OnLost(func(err error) {
		log.Warn().Err(err).Str("module", "orch").Msg("room lost, reverting to direct mode")
		o.releaseRoom(room)
	})
}

// isRoom reports whether room is still the current room link.
func (o *Orchestrator) isRoom(room RoomLink) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.room == room
}

func (o *Orchestrator) detachRoomMedia() {
	o.Router.SetRoomActive(false)
	o.Router.BindRoom(nil)
	o.Router.SetMixedAudio(nil)
	o.Relays.StopRelay(SourceRoom)
}

func (o *Orchestrator) cleanupMedia() {
	o.Relays.StopAll()
	o.Router.Reset()
	if o.mic != nil {
		if err := o.mic.Close(); err != nil {
			log.Warn().Err(err).Str("module", "orch").Msg("microphone close")
		}
	}
}
