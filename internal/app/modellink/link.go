// Package modellink owns the peer connection to the realtime model and its event channel.
package modellink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/voicebridge/internal/app/signaling"
	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	EventsLabel             = "oai-events"
	DefaultNegotiateTimeout = 10 * time.Second
)

// Endpoint is the pair of HTTP collaborators a model session needs.
type Endpoint interface {
	FetchCredential(ctx context.Context) (domain.Credential, error)
	// PostOffer sends a raw SDP offer and returns the raw SDP answer.
	PostOffer(ctx context.Context, cred domain.Credential, offer string) (string, error)
}

type Config struct {
	NegotiateTimeout time.Duration
	// RequireAudio makes Start fail with ErrMediaAccess when no local source is given.
	RequireAudio bool
}

type Link struct {
	cfg      Config
	endpoint Endpoint
	newConn  core.ConnectionFactory
	events   *domain.EventLog

	mu        sync.Mutex
	conn      core.MediaConnection
	dc        core.DataChannel
	connState domain.ConnectionState
	chanState domain.ChannelState
	inbound   core.RemoteTrack
	sessionID string

	onInbound     func(ctx context.Context, track core.RemoteTrack)
	onServerEvent func(*domain.ServerEvent)
	onProtocolErr func(error)
	onConnState   func(domain.ConnectionState)
	onChanState   func(domain.ChannelState)
}

func New(endpoint Endpoint, newConn core.ConnectionFactory, events *domain.EventLog, cfg Config) *Link {
	if cfg.NegotiateTimeout <= 0 {
		cfg.NegotiateTimeout = DefaultNegotiateTimeout
	}
	return &Link{
		cfg:       cfg,
		endpoint:  endpoint,
		newConn:   newConn,
		events:    events,
		connState: domain.ConnectionNew,
		chanState: domain.ChannelClosed,
	}
}

// OnInboundAudio registers cb, called once for each remote audio track the model adds.
func (l *Link) OnInboundAudio(cb func(ctx context.Context, track core.RemoteTrack)) {
	l.mu.Lock()
	l.onInbound = cb
	l.mu.Unlock()
}

func (l *Link) OnServerEvent(cb func(*domain.ServerEvent)) {
	l.mu.Lock()
	l.onServerEvent = cb
	l.mu.Unlock()
}

// OnProtocolError registers cb for inbound messages that could not be decoded.
func (l *Link) OnProtocolError(cb func(error)) {
	l.mu.Lock()
	l.onProtocolErr = cb
	l.mu.Unlock()
}

func (l *Link) OnConnectionState(cb func(domain.ConnectionState)) {
	l.mu.Lock()
	l.onConnState = cb
	l.mu.Unlock()
}

// OnChannelState registers cb for event channel transitions. A close caused by Stop is not reported.
func (l *Link) OnChannelState(cb func(domain.ChannelState)) {
	l.mu.Lock()
	l.onChanState = cb
	l.mu.Unlock()
}

// Start connects to the model with source as the outbound audio and returns once the
// event channel is open. source may be nil when no local audio is required.
func (l *Link) Start(ctx context.Context, source webrtc.TrackLocal) error {
	const op = "start"
	l.mu.Lock()
	if l.conn != nil {
		l.mu.Unlock()
		return domain.NewLinkError(domain.LinkModel, op, domain.ErrAlreadyActive, nil)
	}
	l.mu.Unlock()

	if l.cfg.RequireAudio && source == nil {
		return domain.NewLinkError(domain.LinkModel, op, domain.ErrMediaAccess, errors.New("no local audio source"))
	}

	cred, err := l.endpoint.FetchCredential(ctx)
	if err != nil {
		return classify(op, domain.ErrCredential, err)
	}

	conn, err := l.newConn()
	if err != nil {
		return domain.NewLinkError(domain.LinkModel, op, domain.ErrNegotiation, fmt.Errorf("new connection: %w", err))
	}

	opened := make(chan struct{})
	l.mu.Lock()
	if l.conn != nil {
		l.mu.Unlock()
		_ = conn.Close()
		return domain.NewLinkError(domain.LinkModel, op, domain.ErrAlreadyActive, nil)
	}
	l.conn = conn
	l.inbound = nil
	l.sessionID = ""
	l.mu.Unlock()
	l.setConnState(conn, domain.ConnectionNegotiating)

	conn.OnTrack(func(ctx context.Context, track core.RemoteTrack) {
		l.handleTrack(ctx, conn, track)
	})
	conn.OnStateChange(func(s webrtc.PeerConnectionState) {
		l.handlePeerState(conn, s)
	})

	fail := func(err error) error {
		l.teardown(conn)
		return err
	}

	if err := conn.AddLocalTrack(source); err != nil {
		return fail(domain.NewLinkError(domain.LinkModel, op, domain.ErrMediaAccess, err))
	}

	dc, err := conn.CreateDataChannel(EventsLabel)
	if err != nil {
		return fail(domain.NewLinkError(domain.LinkModel, op, domain.ErrNegotiation, fmt.Errorf("data channel: %w", err)))
	}
	l.bindChannel(conn, dc, opened)

	tctx, cancel := context.WithTimeout(ctx, l.cfg.NegotiateTimeout)
	defer cancel()

	sig := signaling.New(conn, domain.LinkModel)
	sig.RequireAudio = l.cfg.RequireAudio
	_, err = sig.Negotiate(tctx, func(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
		answer, err := l.endpoint.PostOffer(ctx, cred, offer.SDP)
		if err != nil {
			return webrtc.SessionDescription{}, err
		}
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}, nil
	})
	if err != nil {
		return fail(l.deadline(ctx, tctx, op, err))
	}

	select {
	case <-opened:
	case <-tctx.Done():
		return fail(l.deadline(ctx, tctx, op, tctx.Err()))
	}

	log.Info().Str("module", "modellink").Str("model", cred.Model).Msg("model link active")
	return nil
}

// deadline turns expiry of the negotiation bound into ErrTimeout and leaves
// cancellation of the caller's context as it is.
func (l *Link) deadline(parent, bounded context.Context, op string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(bounded.Err(), context.DeadlineExceeded) {
		return domain.NewLinkError(domain.LinkModel, op, domain.ErrTimeout, err)
	}
	return err
}

func (l *Link) bindChannel(conn core.MediaConnection, dc core.DataChannel, opened chan struct{}) {
	var once sync.Once
	dc.OnOpen(func() {
		if !l.current(conn) {
			return
		}
		l.events.Reset()
		l.setChanState(conn, domain.ChannelOpen)
		log.Info().Str("module", "modellink").Str("label", dc.Label()).Msg("data channel open")
		once.Do(func() { close(opened) })
	})
	dc.OnClose(func() {
		if !l.current(conn) {
			return
		}
		log.Warn().Str("module", "modellink").Str("label", dc.Label()).Msg("data channel closed")
		l.setChanState(conn, domain.ChannelClosed)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if l.current(conn) {
			l.handleMessage(msg.Data)
		}
	})

	l.mu.Lock()
	l.dc = dc
	l.chanState = domain.ChannelConnecting
	l.mu.Unlock()
}

func (l *Link) handleMessage(data []byte) {
	ev, err := domain.DecodeServerEvent(data)
	if err != nil {
		perr := domain.NewLinkError(domain.LinkModel, "receive", domain.ErrProtocol, err)
		log.Error().Err(perr).Str("module", "modellink").Int("size", len(data)).Msg("dropping malformed server event")
		l.mu.Lock()
		cb := l.onProtocolErr
		l.mu.Unlock()
		if cb != nil {
			cb(perr)
		}
		return
	}

	l.events.AppendServer(ev)

	l.mu.Lock()
	if ev.Type == domain.EventSessionCreated && ev.Session != nil {
		l.sessionID = ev.Session.ID
	}
	cb := l.onServerEvent
	l.mu.Unlock()

	if ev.Type == domain.EventError && ev.Error != nil {
		log.Warn().Str("module", "modellink").Str("event_type", ev.Type).Str("code", ev.Error.Code).Msg(ev.Error.Message)
	} else {
		log.Debug().Str("module", "modellink").Str("event_type", ev.Type).Msg("server event")
	}
	if cb != nil {
		cb(ev)
	}
}

func (l *Link) handleTrack(ctx context.Context, conn core.MediaConnection, track core.RemoteTrack) {
	if track.Kind() != webrtc.RTPCodecTypeAudio || !l.current(conn) {
		return
	}
	l.mu.Lock()
	l.inbound = track
	cb := l.onInbound
	l.mu.Unlock()
	if cb != nil {
		cb(ctx, track)
	}
}

func (l *Link) handlePeerState(conn core.MediaConnection, s webrtc.PeerConnectionState) {
	var next domain.ConnectionState
	switch s {
	case webrtc.PeerConnectionStateConnected:
		next = domain.ConnectionConnected
	case webrtc.PeerConnectionStateFailed:
		next = domain.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		next = domain.ConnectionClosed
	default:
		return
	}
	l.setConnState(conn, next)
}

func (l *Link) setConnState(conn core.MediaConnection, s domain.ConnectionState) {
	l.mu.Lock()
	if l.conn != conn || l.connState == s {
		l.mu.Unlock()
		return
	}
	l.connState = s
	cb := l.onConnState
	l.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (l *Link) setChanState(conn core.MediaConnection, s domain.ChannelState) {
	l.mu.Lock()
	if l.conn != conn || l.chanState == s {
		l.mu.Unlock()
		return
	}
	l.chanState = s
	cb := l.onChanState
	l.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (l *Link) current(conn core.MediaConnection) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn == conn
}

// Send transmits ev over the open event channel and records it in the session sequence.
// It assigns an event_id when ev has none. It never retries.
func (l *Link) Send(ev domain.ClientEvent) error {
	const op = "send"
	if ev.Type() == "" {
		return domain.NewLinkError(domain.LinkModel, op, domain.ErrProtocol, domain.ErrEventTypeMissing)
	}

	l.mu.Lock()
	dc := l.dc
	state := l.chanState
	l.mu.Unlock()
	if dc == nil || state != domain.ChannelOpen || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return domain.NewLinkError(domain.LinkModel, op, domain.ErrChannelNotReady, nil)
	}

	ev.EnsureID()
	payload, err := json.Marshal(ev)
	if err != nil {
		return domain.NewLinkError(domain.LinkModel, op, domain.ErrProtocol, err)
	}
	if err := dc.SendText(string(payload)); err != nil {
		return domain.NewLinkError(domain.LinkModel, op, domain.ErrChannelNotReady, err)
	}
	l.events.AppendClient(ev, payload)
	log.Debug().Str("module", "modellink").Str("event_type", ev.Type()).Str("event_id", ev.ID()).Msg("client event sent")
	return nil
}

// SendText sends a user text message followed by a response request.
func (l *Link) SendText(text string) error {
	if err := l.Send(domain.TextMessage(text)); err != nil {
		return err
	}
	return l.Send(domain.ResponseCreate())
}

// ReplaceOutboundAudio swaps the outbound track without renegotiating. Same track is a no-op.
func (l *Link) ReplaceOutboundAudio(track webrtc.TrackLocal) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return domain.NewLinkError(domain.LinkModel, "replace", domain.ErrNoSession, nil)
	}
	if conn.LocalTrack() == track {
		return nil
	}
	return conn.ReplaceLocalTrack(track)
}

// Stop closes the channel and the connection. Calling it on a stopped link does nothing.
func (l *Link) Stop() error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	return l.teardown(conn)
}

func (l *Link) teardown(conn core.MediaConnection) error {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return nil
	}
	dc := l.dc
	l.conn, l.dc, l.inbound = nil, nil, nil
	l.chanState = domain.ChannelClosed
	l.connState = domain.ConnectionClosed
	l.mu.Unlock()

	var errs []error
	if dc != nil {
		if err := dc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close data channel: %w", err))
		}
	}
	if err := conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	log.Info().Str("module", "modellink").Msg("model link stopped")
	return errors.Join(errs...)
}

func (l *Link) ConnectionState() domain.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connState
}

func (l *Link) ChannelState() domain.ChannelState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chanState
}

// SessionID is the model session id reported by session.created, if seen.
func (l *Link) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}

// InboundAudio is the latest remote audio track. The transport owns it.
func (l *Link) InboundAudio() core.RemoteTrack {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inbound
}

func classify(op string, kind, err error) error {
	var le *domain.LinkError
	if errors.As(err, &le) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.NewLinkError(domain.LinkModel, op, kind, err)
}
