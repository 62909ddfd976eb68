package domain

import (
	"errors"
	"math/rand/v2"
)

const (
	MaxDisplayLen = 64

	participantIDMin   = 10000
	participantIDRange = 90000
)

var (
	ErrDisplayTooLong = errors.New("display name too long")
	ErrDisplayEmpty   = errors.New("display name empty")
)

type (
	RoomID        uint64
	ParticipantID uint64
)

// NewParticipantID picks a publishing identity for one session.
// The listener identity is always ListenerID of it, so both stay distinct.
func NewParticipantID() ParticipantID {
	return ParticipantID(participantIDMin + rand.IntN(participantIDRange))
}

// ListenerID is the identity used by the passive subscribe attachment.
func (id ParticipantID) ListenerID() ParticipantID {
	return id + 1
}

// Participant is an entry of the room roster as reported by the mixer.
type Participant struct {
	ID      ParticipantID `json:"id"`
	Display string        `json:"display,omitempty"`
	Muted   bool          `json:"muted"`
}

func ValidateDisplay(display string) error {
	if len(display) == 0 {
		return ErrDisplayEmpty
	}
	if len(display) > MaxDisplayLen {
		return ErrDisplayTooLong
	}
	return nil
}
