package orch

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/voicebridge/internal/app"
	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrRoomDisabled = errors.New("room bridge disabled")

// JoinRoom joins the configured room for the active session, retrying per policy.
// A failure leaves the model session untouched.
func (o *Orchestrator) JoinRoom(ctx context.Context) error {
	o.mu.Lock()
	gen := o.gen
	o.mu.Unlock()
	return o.joinRoom(ctx, gen)
}

func (o *Orchestrator) joinRoom(ctx context.Context, gen uint64) error {
	const op = "join"
	if o.newRoom == nil {
		return domain.NewLinkError(domain.LinkRoom, op, domain.ErrRoomJoin, ErrRoomDisabled)
	}

	o.mu.Lock()
	if o.gen != gen || o.status != domain.StatusActive {
		o.mu.Unlock()
		return domain.NewLinkError(domain.LinkRoom, op, domain.ErrRoomJoin, domain.ErrNoSession)
	}
	if o.room != nil {
		o.mu.Unlock()
		return domain.NewLinkError(domain.LinkRoom, op, domain.ErrAlreadyActive, nil)
	}
	room := o.newRoom()
	roomCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.room, o.roomCancel = room, cancel
	o.mu.Unlock()

	o.bindRoom(roomCtx, gen, room)
	o.Router.BindRoom(room)

	for attempt := 0; ; attempt++ {
		err := room.Join(roomCtx, o.micTrack())
		if err == nil {
			log.Info().Str("module", "orch").Int("attempt", attempt).Msg("room joined")
			o.publishStatus()
			return nil
		}
		if roomCtx.Err() != nil {
			return err
		}

		action, delay := o.retry.OnJoinFailure(attempt, err)
		log.Warn().Err(err).Str("module", "orch").Int("attempt", attempt).Bool("retry", action == app.RetryJoin).Msg("room join failed")

		// partial state of a failed join is torn down before any retry
		lctx, lcancel := context.WithTimeout(roomCtx, leaveTimeout)
		if lerr := room.Leave(lctx); lerr != nil {
			log.Warn().Err(lerr).Str("module", "orch").Msg("room cleanup")
		}
		lcancel()

		if action != app.RetryJoin {
			o.releaseRoom(room)
			return err
		}
		select {
		case <-time.After(delay):
		case <-roomCtx.Done():
			return err
		}
	}
}

// releaseRoom forgets room if it is still the current one.
func (o *Orchestrator) releaseRoom(room RoomLink) {
	o.mu.Lock()
	if o.room != room {
		o.mu.Unlock()
		return
	}
	cancel := o.roomCancel
	o.room, o.roomCancel = nil, nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.detachRoomMedia()
	o.publishStatus()
}

// SetRoomMuted mutes or unmutes the published participant of the current room.
func (o *Orchestrator) SetRoomMuted(ctx context.Context, muted bool) error {
	o.mu.Lock()
	room := o.room
	o.mu.Unlock()
	if room == nil {
		return domain.NewLinkError(domain.LinkPublish, "mute", domain.ErrNotPublished, domain.ErrNoSession)
	}
	if err := room.SetMuted(ctx, muted); err != nil {
		return err
	}
	o.publishStatus()
	return nil
}

// LeaveRoom leaves the room and reverts routing to direct mode. The model session stays up.
func (o *Orchestrator) LeaveRoom(ctx context.Context) error {
	o.mu.Lock()
	room, cancel := o.room, o.roomCancel
	o.room, o.roomCancel = nil, nil
	o.mu.Unlock()
	if room == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	err := room.Leave(ctx)
	o.detachRoomMedia()
	o.publishStatus()
	return err
}
