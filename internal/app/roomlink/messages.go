package roomlink

import (
	"encoding/json"

	"github.com/dkeye/voicebridge/internal/domain"
)

const Plugin = "janus.plugin.audiobridge"

// Room push discriminators.
const (
	msgJoined      = "joined"
	msgEvent       = "event"
	msgRoomChanged = "roomchanged"
	msgDestroyed   = "destroyed"
	msgLeft        = "left"
	msgSuccess     = "success"
)

type joinRequest struct {
	Request       string               `json:"request"`
	Room          domain.RoomID        `json:"room"`
	Display       string               `json:"display,omitempty"`
	ID            domain.ParticipantID `json:"id"`
	Muted         bool                 `json:"muted"`
	GenerateOffer bool                 `json:"generate_offer,omitempty"`
}

type configureRequest struct {
	Request string `json:"request"`
	Muted   bool   `json:"muted"`
}

type plainRequest struct {
	Request string `json:"request"`
}

// roomMessage is the audiobridge payload of a response or push.
type roomMessage struct {
	AudioBridge  string               `json:"audiobridge"`
	Room         domain.RoomID        `json:"room,omitempty"`
	ID           domain.ParticipantID `json:"id,omitempty"`
	Participants []domain.Participant `json:"participants,omitempty"`
	// Leaving is a participant id, or "ok" when this attachment itself left.
	Leaving json.RawMessage `json:"leaving,omitempty"`
}

func decodeRoomMessage(data json.RawMessage) (*roomMessage, error) {
	var m roomMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// leavingID returns the id in a leaving field, or false when it is not a participant id.
func (m *roomMessage) leavingID() (domain.ParticipantID, bool) {
	if len(m.Leaving) == 0 {
		return 0, false
	}
	var id domain.ParticipantID
	if err := json.Unmarshal(m.Leaving, &id); err != nil {
		return 0, false
	}
	return id, true
}
