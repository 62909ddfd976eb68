// Package orch is the session controller: the only component that starts and stops
// the model and room links, and the single source of the observed status.
package orch

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/voicebridge/internal/app"
	"github.com/dkeye/voicebridge/internal/app/router"
	"github.com/dkeye/voicebridge/internal/app/sfu"
	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const leaveTimeout = 5 * time.Second

type ModelLink interface {
	Start(ctx context.Context, source webrtc.TrackLocal) error
	Stop() error
	Send(ev domain.ClientEvent) error
	SendText(text string) error
	ReplaceOutboundAudio(track webrtc.TrackLocal) error
	ChannelState() domain.ChannelState
	SessionID() string
	OnInboundAudio(func(ctx context.Context, track core.RemoteTrack))
	OnServerEvent(func(*domain.ServerEvent))
	OnProtocolError(func(error))
	OnConnectionState(func(domain.ConnectionState))
	OnChannelState(func(domain.ChannelState))
}

type RoomLink interface {
	Join(ctx context.Context, local webrtc.TrackLocal) error
	Leave(ctx context.Context) error
	SendLocalAudio(track webrtc.TrackLocal) (bool, error)
	PublishState() domain.PublishState
	SubscribeState() domain.SubscribeState
	Participants() []domain.Participant
	SetMuted(ctx context.Context, muted bool) error
	Muted() bool
	OnMixedAudio(func(ctx context.Context, track core.RemoteTrack))
	OnStateChange(func(domain.PublishState, domain.SubscribeState))
	// OnLost reports a membership the link tore down by itself after a transport loss.
	OnLost(func(error))
}

// LocalSource is the local microphone.
type LocalSource interface {
	Track() webrtc.TrackLocal
	Start(ctx context.Context)
	Close() error
}

type Deps struct {
	NewModel func(events *domain.EventLog) ModelLink
	// NewRoom is nil when the room bridge is disabled.
	NewRoom  func() RoomLink
	AutoJoin bool

	Microphone LocalSource
	Playback   core.Playback
	Retry      app.RetryPolicy
	Policy     app.Policy
}

type Orchestrator struct {
	newModel func(*domain.EventLog) ModelLink
	newRoom  func() RoomLink
	autoJoin bool
	mic      LocalSource
	retry    app.RetryPolicy

	Relays *sfu.RelayManager
	Router *router.Router
	Events *domain.EventLog
	hub    *hub

	mu         sync.Mutex
	status     domain.Status
	startedAt  time.Time
	gen        uint64
	cancel     context.CancelFunc
	model      ModelLink
	room       RoomLink
	roomCancel context.CancelFunc
}

func New(d Deps) *Orchestrator {
	o := &Orchestrator{
		newModel: d.NewModel,
		newRoom:  d.NewRoom,
		autoJoin: d.AutoJoin,
		mic:      d.Microphone,
		retry:    d.Retry,
		Relays:   sfu.NewRelayManager(),
		Events:   domain.NewEventLog(),
		hub:      newHub(d.Policy),
		status:   domain.StatusIdle,
	}
	if o.retry == nil {
		o.retry = app.FixedRetry{}
	}
	var micTrack webrtc.TrackLocal
	if d.Microphone != nil {
		micTrack = d.Microphone.Track()
	}
	o.Router = router.New(micTrack, d.Playback)
	o.Events.OnAppend(o.publishEvent)
	return o
}

func (o *Orchestrator) micTrack() webrtc.TrackLocal {
	if o.mic == nil {
		return nil
	}
	return o.mic.Track()
}

// Start runs idle/closed -> connecting -> active. It returns once the model event
// channel is open. If Stop runs before that, the attempt is discarded and Start returns nil.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if !o.status.CanStart() {
		st := o.status
		o.mu.Unlock()
		log.Warn().Str("module", "orch").Str("status", string(st)).Msg("start rejected")
		return domain.NewLinkError(domain.LinkModel, "start", domain.ErrAlreadyActive, nil)
	}
	o.gen++
	gen := o.gen
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.status = domain.StatusConnecting
	o.startedAt = time.Now()
	model := o.newModel(o.Events)
	o.model = model
	o.mu.Unlock()

	log.Info().Str("module", "orch").Uint64("gen", gen).Msg("session connecting")
	o.Events.Reset()
	o.publishStatus()
	if o.mic != nil {
		o.mic.Start(sessCtx)
	}
	o.BindMediaHandlers(sessCtx, gen, model)

	// the caller may give up on Start without ending the session it created
	startCtx, stopStart := context.WithCancel(sessCtx)
	defer stopStart()
	unwatch := context.AfterFunc(ctx, stopStart)
	defer unwatch()

	err := model.Start(startCtx, o.micTrack())

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		_ = model.Stop()
		log.Info().Str("module", "orch").Uint64("gen", gen).Msg("start superseded by stop, result discarded")
		return nil
	}
	if err != nil {
		o.model, o.cancel = nil, nil
		o.mu.Unlock()
		cancel()
		_ = model.Stop()
		o.cleanupMedia()
		o.mu.Lock()
		o.status = domain.StatusClosed
		o.mu.Unlock()
		o.publishStatus()
		log.Error().Err(err).Str("module", "orch").Msg("session start failed")
		return err
	}
	o.status = domain.StatusActive
	o.mu.Unlock()

	o.Router.BindModel(model)
	o.publishStatus()
	log.Info().Str("module", "orch").Uint64("gen", gen).Msg("session active")

	if o.newRoom != nil && o.autoJoin {
		go func() {
			if err := o.joinRoom(sessCtx, gen); err != nil {
				log.Warn().Err(err).Str("module", "orch").Msg("room unavailable, continuing with model only")
			}
		}()
	}
	return nil
}

// Stop tears down both links from any state and ends in closed. Teardown errors of one
// link are logged and never keep the other from being torn down. Safe to call repeatedly.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	model, room := o.model, o.room
	if model == nil && room == nil {
		o.mu.Unlock()
		return
	}
	o.gen++
	cancel, roomCancel := o.cancel, o.roomCancel
	o.model, o.room, o.cancel, o.roomCancel = nil, nil, nil, nil
	o.status = domain.StatusClosing
	o.mu.Unlock()
	o.publishStatus()

	if roomCancel != nil {
		roomCancel()
	}
	if room != nil {
		lctx, lcancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
		if err := room.Leave(lctx); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("link", domain.LinkRoom).Msg("teardown error ignored")
		}
		lcancel()
	}
	if model != nil {
		if err := model.Stop(); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("link", domain.LinkModel).Msg("teardown error ignored")
		}
	}
	if cancel != nil {
		cancel()
	}
	o.cleanupMedia()

	o.mu.Lock()
	o.status = domain.StatusClosed
	o.mu.Unlock()
	o.publishStatus()
	log.Info().Str("module", "orch").Msg("session closed")
}

// Send forwards a client event to the model. Without a session it fails with ErrChannelNotReady.
func (o *Orchestrator) Send(ev domain.ClientEvent) error {
	model := o.currentModel()
	if model == nil {
		return domain.NewLinkError(domain.LinkModel, "send", domain.ErrChannelNotReady, domain.ErrNoSession)
	}
	return model.Send(ev)
}

func (o *Orchestrator) SendText(text string) error {
	model := o.currentModel()
	if model == nil {
		return domain.NewLinkError(domain.LinkModel, "send", domain.ErrChannelNotReady, domain.ErrNoSession)
	}
	return model.SendText(text)
}

func (o *Orchestrator) currentModel() ModelLink {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.model
}

func (o *Orchestrator) live(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.gen == gen && o.model != nil
}

func (o *Orchestrator) Status() domain.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// ModelSessionID is the id the model assigned to the current session, if known.
func (o *Orchestrator) ModelSessionID() string {
	if m := o.currentModel(); m != nil {
		return m.SessionID()
	}
	return ""
}

// History is the session event sequence, newest first.
func (o *Orchestrator) History() []domain.Event {
	return o.Events.Snapshot()
}

// Snapshot is the externally observed status. Room connectivity is auxiliary.
func (o *Orchestrator) Snapshot() domain.Snapshot {
	o.mu.Lock()
	snap := domain.Snapshot{
		Status:         o.status,
		StartedAt:      o.startedAt,
		PublishState:   domain.PublishUnjoined,
		SubscribeState: domain.SubscribeUnjoined,
		Participants:   []domain.Participant{},
	}
	room := o.room
	o.mu.Unlock()

	if snap.Status == domain.StatusIdle {
		snap.StartedAt = time.Time{}
	}
	if room != nil {
		snap.PublishState = room.PublishState()
		snap.SubscribeState = room.SubscribeState()
		snap.RoomConnected = domain.RoomActive(snap.PublishState, snap.SubscribeState)
		snap.Participants = room.Participants()
		snap.RoomMuted = room.Muted()
	}
	return snap
}
