// Package roomlink owns the membership in an audiobridge room: one attachment that
// publishes local audio and one passive attachment that receives the room mix.
package roomlink

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/voicebridge/internal/app/signaling"
	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultDisplay         = "OpenAI User"
	DefaultListenerDisplay = "OpenAI Listener"

	teardownWait = 2 * time.Second
)

var ErrNoOffer = errors.New("mixer sent no offer")

type Config struct {
	Room            domain.RoomID
	Display         string
	ListenerDisplay string
}

type attachment struct {
	handle core.PluginHandle
	conn   core.MediaConnection
	sig    *signaling.Transport
}

func (a *attachment) close(ctx context.Context) {
	if a.handle != nil {
		if err := a.handle.Detach(ctx); err != nil {
			log.Warn().Err(err).Str("module", "roomlink").Uint64("handle", a.handle.ID()).Msg("detach")
		}
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
}

type Link struct {
	cfg     Config
	dial    core.GatewayDialer
	newConn core.ConnectionFactory

	mu           sync.Mutex
	gw           core.Gateway
	session      uint64
	pub, sub     *attachment
	id           domain.ParticipantID
	pubState     domain.PublishState
	subState     domain.SubscribeState
	participants map[domain.ParticipantID]domain.Participant
	mixed        core.RemoteTrack
	muted        bool
	loops        sync.WaitGroup

	onMixed func(ctx context.Context, track core.RemoteTrack)
	onState func(domain.PublishState, domain.SubscribeState)
	onLost  func(error)
}

func New(dial core.GatewayDialer, newConn core.ConnectionFactory, cfg Config) *Link {
	if cfg.Display == "" {
		cfg.Display = DefaultDisplay
	}
	if cfg.ListenerDisplay == "" {
		cfg.ListenerDisplay = DefaultListenerDisplay
	}
	return &Link{
		cfg:          cfg,
		dial:         dial,
		newConn:      newConn,
		pubState:     domain.PublishUnjoined,
		subState:     domain.SubscribeUnjoined,
		participants: make(map[domain.ParticipantID]domain.Participant),
	}
}

// OnMixedAudio registers cb for the room mix track received by the listener attachment.
func (l *Link) OnMixedAudio(cb func(ctx context.Context, track core.RemoteTrack)) {
	l.mu.Lock()
	l.onMixed = cb
	l.mu.Unlock()
}

// OnStateChange registers cb, called after every publish or subscribe transition.
func (l *Link) OnStateChange(cb func(domain.PublishState, domain.SubscribeState)) {
	l.mu.Lock()
	l.onState = cb
	l.mu.Unlock()
}

// OnLost registers cb, called after the link tore itself down because the gateway
// session, a peer connection or a handle went away without Leave.
func (l *Link) OnLost(cb func(error)) {
	l.mu.Lock()
	l.onLost = cb
	l.mu.Unlock()
}

// Join connects to the gateway and brings up publish and subscribe concurrently.
// local is the initial published track and may be nil. A failed sub-session is torn
// down and left unjoined; the other one keeps whatever state it reached.
func (l *Link) Join(ctx context.Context, local webrtc.TrackLocal) error {
	const op = "join"
	l.mu.Lock()
	if l.pubState != domain.PublishUnjoined || l.subState != domain.SubscribeUnjoined {
		l.mu.Unlock()
		return domain.NewLinkError(domain.LinkRoom, op, domain.ErrAlreadyActive, nil)
	}
	l.id = domain.NewParticipantID()
	id := l.id
	gw := l.gw
	session := l.session
	l.mu.Unlock()

	if gw == nil {
		var err error
		gw, err = l.dial(ctx)
		if err != nil {
			return domain.NewLinkError(domain.LinkRoom, op, domain.ErrRoomJoin, err)
		}
		l.mu.Lock()
		l.gw = gw
		l.session++
		session = l.session
		l.mu.Unlock()
		go l.watchGateway(session, gw)
	}

	log.Info().Str("module", "roomlink").Uint64("room", uint64(l.cfg.Room)).Uint64("participant", uint64(id)).Msg("joining room")

	var pubErr, subErr error
	var g errgroup.Group
	g.Go(func() error {
		pubErr = l.publish(ctx, gw, session, id, local)
		return pubErr
	})
	g.Go(func() error {
		subErr = l.subscribe(ctx, gw, session, id.ListenerID())
		return subErr
	})
	_ = g.Wait()
	return errors.Join(pubErr, subErr)
}

func (l *Link) publish(ctx context.Context, gw core.Gateway, session uint64, id domain.ParticipantID, local webrtc.TrackLocal) (err error) {
	l.setPublish(domain.PublishJoining)
	a := &attachment{}
	step := "attach"
	defer func() {
		if err != nil {
			l.abandon(a)
			l.setPublish(domain.PublishUnjoined)
			err = l.joinError(ctx, domain.LinkPublish, step, err)
		}
	}()

	if a.conn, err = l.newConn(); err != nil {
		return err
	}
	l.watchPeer(domain.LinkPublish, session, a)
	if a.handle, err = gw.Attach(ctx, Plugin, "voicebridge-pub-"+uuid.NewString()); err != nil {
		return err
	}

	step = "request"
	resp, err := a.handle.Request(ctx, joinRequest{
		Request: "join",
		Room:    l.cfg.Room,
		Display: l.cfg.Display,
		ID:      id,
		Muted:   false,
	}, nil)
	if err != nil {
		return err
	}
	l.absorb(resp)

	step = "configure"
	if err = a.conn.AddLocalTrack(local); err != nil {
		return err
	}
	a.sig = signaling.New(a.conn, domain.LinkPublish)
	_, err = a.sig.Negotiate(ctx, func(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
		resp, err := a.handle.Request(ctx, configureRequest{Request: "configure", Muted: false}, &core.JSEP{Type: offer.Type.String(), SDP: offer.SDP})
		if err != nil {
			return webrtc.SessionDescription{}, err
		}
		if resp.JSEP == nil {
			return webrtc.SessionDescription{}, errors.New("configure reply has no answer")
		}
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: resp.JSEP.SDP}, nil
	})
	if err != nil {
		return err
	}

	if !l.install(&l.pub, a) {
		return context.Canceled
	}
	l.setPublish(domain.PublishPublished)
	l.watch(domain.LinkPublish, session, a)
	log.Info().Str("module", "roomlink").Uint64("handle", a.handle.ID()).Msg("published")
	return nil
}

func (l *Link) subscribe(ctx context.Context, gw core.Gateway, session uint64, id domain.ParticipantID) (err error) {
	l.setSubscribe(domain.SubscribeJoining)
	a := &attachment{}
	step := "attach"
	defer func() {
		if err != nil {
			l.abandon(a)
			l.setSubscribe(domain.SubscribeUnjoined)
			err = l.joinError(ctx, domain.LinkSubscribe, step, err)
		}
	}()

	if a.conn, err = l.newConn(); err != nil {
		return err
	}
	conn := a.conn
	conn.OnTrack(func(ctx context.Context, track core.RemoteTrack) {
		l.handleMixed(ctx, conn, track)
	})
	l.watchPeer(domain.LinkSubscribe, session, a)
	if a.handle, err = gw.Attach(ctx, Plugin, "voicebridge-sub-"+uuid.NewString()); err != nil {
		return err
	}

	step = "request"
	resp, err := a.handle.Request(ctx, joinRequest{
		Request:       "join",
		Room:          l.cfg.Room,
		Display:       l.cfg.ListenerDisplay,
		ID:            id,
		Muted:         true,
		GenerateOffer: true,
	}, nil)
	if err != nil {
		return err
	}
	l.absorb(resp)

	step = "start"
	offer := resp.JSEP
	for offer == nil {
		// the mixer may deliver its offer as a separate push
		select {
		case ev, ok := <-a.handle.Events():
			if !ok {
				return ErrNoOffer
			}
			l.absorb(ev)
			offer = ev.JSEP
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.sig = signaling.New(a.conn, domain.LinkSubscribe)
	if err = l.answer(ctx, a, offer); err != nil {
		return err
	}

	if !l.install(&l.sub, a) {
		return context.Canceled
	}
	l.setSubscribe(domain.SubscribeSubscribed)
	l.watch(domain.LinkSubscribe, session, a)
	log.Info().Str("module", "roomlink").Uint64("handle", a.handle.ID()).Msg("subscribed")
	return nil
}

// answer runs the responder side for a mixer offer and sends start with the answer.
func (l *Link) answer(ctx context.Context, a *attachment, offer *core.JSEP) error {
	return a.sig.Answer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}, func(ctx context.Context, answer webrtc.SessionDescription) error {
		_, err := a.handle.Request(ctx, plainRequest{Request: "start"}, &core.JSEP{Type: answer.Type.String(), SDP: answer.SDP})
		return err
	})
}

// install stores a as the live attachment unless Leave ran in the meantime.
func (l *Link) install(slot **attachment, a *attachment) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gw == nil {
		return false
	}
	*slot = a
	return true
}

func (l *Link) abandon(a *attachment) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownWait)
	defer cancel()
	a.close(ctx)
}

func (l *Link) joinError(ctx context.Context, link, step string, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return domain.NewLinkError(link, step, domain.ErrRoomJoin, ctx.Err())
	}
	log.Error().Err(err).Str("module", "roomlink").Str("link", link).Str("step", step).Msg("room join failed")
	return domain.NewLinkError(link, step, domain.ErrRoomJoin, err)
}

// watch consumes pushes for one attachment. They only update the roster, except that
// a later offer on the listener is answered again. The channel closing outside Leave
// means the handle is gone.
func (l *Link) watch(link string, session uint64, a *attachment) {
	l.loops.Add(1)
	go func() {
		defer l.loops.Done()
		defer func() {
			// drop waits for this loop, so it cannot run inline
			go l.drop(session, a, fmt.Errorf("%s handle closed", link))
		}()
		for ev := range a.handle.Events() {
			l.absorb(ev)
			if link != domain.LinkSubscribe || ev.JSEP == nil || ev.JSEP.Type != "offer" {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), signaling.RenegotiateTimeout)
			if err := l.answer(ctx, a, ev.JSEP); err != nil {
				log.Error().Err(err).Str("module", "roomlink").Msg("renegotiation failed")
			} else {
				log.Info().Str("module", "roomlink").Msg("renegotiated listener")
			}
			cancel()
		}
	}()
}

// watchPeer drops the membership when an installed attachment's peer connection ends.
func (l *Link) watchPeer(link string, session uint64, a *attachment) {
	a.conn.OnStateChange(func(s webrtc.PeerConnectionState) {
		if s != webrtc.PeerConnectionStateFailed && s != webrtc.PeerConnectionStateClosed {
			return
		}
		go l.drop(session, a, fmt.Errorf("%s connection %s", link, s))
	})
}

func (l *Link) watchGateway(session uint64, gw core.Gateway) {
	<-gw.Done()
	l.drop(session, nil, domain.ErrGatewayClosed)
}

// drop tears the membership down after a transport loss. It does nothing when the
// session was already left or replaced, or when a is no longer installed.
func (l *Link) drop(session uint64, a *attachment, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownWait)
	defer cancel()
	left, err := l.leave(ctx, func() bool {
		return l.session == session && (a == nil || l.pub == a || l.sub == a)
	})
	if !left {
		return
	}
	log.Warn().Err(cause).AnErr("teardown", err).Str("module", "roomlink").Uint64("room", uint64(l.cfg.Room)).Msg("room connection lost")
	l.mu.Lock()
	cb := l.onLost
	l.mu.Unlock()
	if cb != nil {
		cb(domain.NewLinkError(domain.LinkRoom, "watch", domain.ErrRoomLost, cause))
	}
}

// absorb interprets a room message for logging and the participant list only.
func (l *Link) absorb(ev *core.PluginEvent) {
	if ev == nil || len(ev.Data) == 0 {
		return
	}
	m, err := decodeRoomMessage(ev.Data)
	if err != nil {
		log.Warn().Err(err).Str("module", "roomlink").Msg("undecodable room message")
		return
	}
	logger := log.With().Str("module", "roomlink").Str("kind", m.AudioBridge).Uint64("room", uint64(m.Room)).Logger()

	l.mu.Lock()
	defer l.mu.Unlock()
	switch m.AudioBridge {
	case msgJoined, msgEvent:
		for _, p := range m.Participants {
			if p.ID == l.id || p.ID == l.id.ListenerID() {
				continue
			}
			l.participants[p.ID] = p
		}
		if id, ok := m.leavingID(); ok {
			delete(l.participants, id)
			logger.Info().Uint64("participant", uint64(id)).Msg("participant left")
		}
		if len(m.Participants) > 0 {
			logger.Info().Int("participants", len(l.participants)).Msg("participant list updated")
		}
	case msgRoomChanged:
		logger.Info().Msg("room changed")
	case msgDestroyed:
		logger.Warn().Msg("room destroyed")
	case msgLeft, msgSuccess:
		logger.Debug().Msg("room reply")
	default:
		logger.Debug().Msg("room message")
	}
}

func (l *Link) handleMixed(ctx context.Context, conn core.MediaConnection, track core.RemoteTrack) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	l.mu.Lock()
	if l.gw == nil {
		l.mu.Unlock()
		return
	}
	l.mixed = track
	cb := l.onMixed
	l.mu.Unlock()
	log.Info().Str("module", "roomlink").Str("track_id", track.ID()).Msg("room mix received")
	if cb != nil {
		cb(ctx, track)
	}
}

// SendLocalAudio replaces the published track without renegotiation. It reports
// false when track was already published.
func (l *Link) SendLocalAudio(track webrtc.TrackLocal) (bool, error) {
	l.mu.Lock()
	pub := l.pub
	state := l.pubState
	l.mu.Unlock()
	if pub == nil || state != domain.PublishPublished {
		return false, domain.NewLinkError(domain.LinkPublish, "send", domain.ErrNotPublished, nil)
	}
	if pub.conn.LocalTrack() == track {
		return false, nil
	}
	if err := pub.conn.ReplaceLocalTrack(track); err != nil {
		return false, err
	}
	return true, nil
}

// SetMuted toggles the published participant's mute flag in the room. The flag is
// kept only for the current membership; a new join publishes unmuted.
func (l *Link) SetMuted(ctx context.Context, muted bool) error {
	const op = "mute"
	l.mu.Lock()
	pub := l.pub
	state := l.pubState
	l.mu.Unlock()
	if pub == nil || state != domain.PublishPublished {
		return domain.NewLinkError(domain.LinkPublish, op, domain.ErrNotPublished, nil)
	}
	if _, err := pub.handle.Request(ctx, configureRequest{Request: "configure", Muted: muted}, nil); err != nil {
		return domain.NewLinkError(domain.LinkPublish, op, domain.ErrProtocol, err)
	}
	l.mu.Lock()
	if l.pub == pub {
		l.muted = muted
	}
	l.mu.Unlock()
	log.Info().Str("module", "roomlink").Bool("muted", muted).Msg("publish mute changed")
	return nil
}

func (l *Link) Muted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.muted
}

// Leave leaves the room, detaches both attachments and closes the gateway session.
// It is safe to call at any time and more than once.
func (l *Link) Leave(ctx context.Context) error {
	_, err := l.leave(ctx, func() bool { return true })
	return err
}

// leave tears down the current session if match, evaluated under the lock, holds.
func (l *Link) leave(ctx context.Context, match func() bool) (bool, error) {
	l.mu.Lock()
	if l.gw == nil || !match() {
		l.mu.Unlock()
		return false, nil
	}
	gw, pub, sub := l.gw, l.pub, l.sub
	l.gw, l.pub, l.sub = nil, nil, nil
	l.mixed = nil
	l.muted = false
	clear(l.participants)
	l.mu.Unlock()

	var errs []error
	if pub != nil {
		l.setPublish(domain.PublishLeaving)
		if _, err := pub.handle.Request(ctx, plainRequest{Request: "leave"}, nil); err != nil {
			errs = append(errs, fmt.Errorf("leave: %w", err))
		}
		pub.close(ctx)
	}
	if sub != nil {
		sub.close(ctx)
	}
	if err := gw.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close gateway: %w", err))
	}
	l.loops.Wait()

	l.setPublish(domain.PublishUnjoined)
	l.setSubscribe(domain.SubscribeUnjoined)
	log.Info().Str("module", "roomlink").Uint64("room", uint64(l.cfg.Room)).Msg("left room")
	return true, errors.Join(errs...)
}

func (l *Link) setPublish(s domain.PublishState) {
	l.mu.Lock()
	if l.pubState == s {
		l.mu.Unlock()
		return
	}
	l.pubState = s
	sub := l.subState
	cb := l.onState
	l.mu.Unlock()
	if cb != nil {
		cb(s, sub)
	}
}

func (l *Link) setSubscribe(s domain.SubscribeState) {
	l.mu.Lock()
	if l.subState == s {
		l.mu.Unlock()
		return
	}
	l.subState = s
	pub := l.pubState
	cb := l.onState
	l.mu.Unlock()
	if cb != nil {
		cb(pub, s)
	}
}

func (l *Link) PublishState() domain.PublishState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pubState
}

func (l *Link) SubscribeState() domain.SubscribeState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.subState
}

// Active reports whether both sub-sessions are up.
func (l *Link) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return domain.RoomActive(l.pubState, l.subState)
}

func (l *Link) ParticipantID() domain.ParticipantID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.id
}

// Participants returns the other room members sorted by id.
func (l *Link) Participants() []domain.Participant {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := slices.Sorted(maps.Keys(l.participants))
	out := make([]domain.Participant, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.participants[id])
	}
	return out
}

// MixedAudio is the latest room mix track. The transport owns it.
func (l *Link) MixedAudio() core.RemoteTrack {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mixed
}

// PublishConnection exposes the publish connection for inspection, nil when unpublished.
func (l *Link) PublishConnection() core.MediaConnection {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pub == nil {
		return nil
	}
	return l.pub.conn
}
