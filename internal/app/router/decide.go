// Package router decides where each audio stream goes and issues the replace-track
// operations that make it so. It never creates or closes a link.
package router

// Source is what the model link hears.
type Source int

const (
	LocalMicrophone Source = iota
	RoomMixedAudio
)

func (s Source) String() string {
	switch s {
	case LocalMicrophone:
		return "microphone"
	case RoomMixedAudio:
		return "room_mix"
	default:
		return "unknown"
	}
}

// RoomOutput is what the room publish attachment carries.
type RoomOutput int

const (
	RoomHearsMicrophone RoomOutput = iota
	RoomHearsModel
)

func (o RoomOutput) String() string {
	switch o {
	case RoomHearsMicrophone:
		return "microphone"
	case RoomHearsModel:
		return "model"
	default:
		return "unknown"
	}
}

// Playback is what the local output device plays.
type Playback int

const (
	PlayNothing Playback = iota
	PlayModel
)

func (p Playback) String() string {
	if p == PlayModel {
		return "model"
	}
	return "nothing"
}

// State is the connectivity the decision depends on.
type State struct {
	RoomActive bool
	ModelAudio bool
	MixedAudio bool
}

type Decision struct {
	ModelInput Source
	// RoomOutput is meaningful only while the room is active.
	RoomOutput RoomOutput
	Playback   Playback
}

// Decide maps connectivity to a routing. Room activity takes precedence over local playback.
func Decide(s State) Decision {
	if !s.RoomActive {
		d := Decision{ModelInput: LocalMicrophone, RoomOutput: RoomHearsMicrophone, Playback: PlayNothing}
		if s.ModelAudio {
			d.Playback = PlayModel
		}
		return d
	}

	d := Decision{ModelInput: LocalMicrophone, RoomOutput: RoomHearsMicrophone, Playback: PlayNothing}
	// until the mix arrives the model keeps hearing the microphone
	if s.MixedAudio {
		d.ModelInput = RoomMixedAudio
	}
	// until the model speaks the room keeps hearing the microphone
	if s.ModelAudio {
		d.RoomOutput = RoomHearsModel
	}
	return d
}
