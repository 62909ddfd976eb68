package router

import (
	"sync"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ModelSender is the outbound slot of the model link.
type ModelSender interface {
	ReplaceOutboundAudio(track webrtc.TrackLocal) error
}

// RoomSender is the outbound slot of the room publish attachment.
type RoomSender interface {
	// SendLocalAudio reports whether the published track actually changed.
	SendLocalAudio(track webrtc.TrackLocal) (bool, error)
}

// Router applies Decide to the links it is bound to.
// It holds only non-owning references and replays a decision only where it differs
// from what was last applied successfully.
type Router struct {
	mu       sync.Mutex
	mic      webrtc.TrackLocal
	playback core.Playback

	model ModelSender
	room  RoomSender

	roomActive bool
	modelAudio core.AudioStream
	mixedAudio core.AudioStream

	modelIn    applied[webrtc.TrackLocal]
	roomOut    applied[webrtc.TrackLocal]
	playing    applied[core.AudioStream]
	roomSends  int
	lastStatus Decision
}

type applied[T comparable] struct {
	set   bool
	value T
}

func (a *applied[T]) differs(v T) bool { return !a.set || a.value != v }
func (a *applied[T]) store(v T)        { a.set, a.value = true, v }
func (a *applied[T]) reset()           { var zero T; a.set, a.value = false, zero }

// New returns a Router with mic as the local source; mic may be nil and playback may be nil.
func New(mic webrtc.TrackLocal, playback core.Playback) *Router {
	return &Router{mic: mic, playback: playback}
}

// BindModel points the router at the model link's outbound slot; nil unbinds it.
func (r *Router) BindModel(m ModelSender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.model = m
	r.modelIn.reset()
	r.apply()
}

// BindRoom points the router at the room publish slot; nil unbinds it.
func (r *Router) BindRoom(s RoomSender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.room = s
	r.roomOut.reset()
	r.apply()
}

// SetModelAudio records the latest model speech stream. Only the last one is kept.
func (r *Router) SetModelAudio(s core.AudioStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modelAudio = s
	r.apply()
}

func (r *Router) SetMixedAudio(s core.AudioStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mixedAudio = s
	r.apply()
}

func (r *Router) SetRoomActive(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.roomActive == active {
		return
	}
	r.roomActive = active
	if !active {
		r.roomOut.reset()
	}
	r.apply()
}

// Reset forgets every stream and link and silences playback.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.model, r.room = nil, nil
	r.modelAudio, r.mixedAudio = nil, nil
	r.roomActive = false
	r.modelIn.reset()
	r.roomOut.reset()
	if r.playback != nil && r.playing.set && r.playing.value != nil {
		r.playback.Play(nil)
	}
	r.playing.reset()
	r.lastStatus = Decide(State{})
}

// Decision returns the routing most recently computed.
func (r *Router) Decision() Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastStatus
}

// RoomSends counts replacements that changed the room's published track.
func (r *Router) RoomSends() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomSends
}

func (r *Router) state() State {
	return State{
		RoomActive: r.roomActive && r.room != nil,
		ModelAudio: r.modelAudio != nil,
		MixedAudio: r.mixedAudio != nil,
	}
}

func (r *Router) apply() {
	d := Decide(r.state())
	if d != r.lastStatus {
		log.Info().
			Str("module", "router").
			Str("model_input", d.ModelInput.String()).
			Str("room_output", d.RoomOutput.String()).
			Str("playback", d.Playback.String()).
			Msg("routing changed")
	}
	r.lastStatus = d

	if r.model != nil {
		want := r.mic
		if d.ModelInput == RoomMixedAudio {
			want = r.mixedAudio.Track()
		}
		if r.modelIn.differs(want) {
			if err := r.model.ReplaceOutboundAudio(want); err != nil {
				log.Error().Err(err).Str("module", "router").Msg("replace model input failed")
			} else {
				r.modelIn.store(want)
			}
		}
	}

	if r.room != nil && r.roomActive {
		want := r.mic
		if d.RoomOutput == RoomHearsModel {
			want = r.modelAudio.Track()
		}
		if r.roomOut.differs(want) {
			replaced, err := r.room.SendLocalAudio(want)
			if err != nil {
				log.Error().Err(err).Str("module", "router").Msg("replace room output failed")
			} else {
				r.roomOut.store(want)
				if replaced {
					r.roomSends++
				}
			}
		}
	}

	if r.playback != nil {
		var want core.AudioStream
		if d.Playback == PlayModel {
			want = r.modelAudio
		}
		if r.playing.differs(want) {
			r.playback.Play(want)
			r.playing.store(want)
		}
	}
}
