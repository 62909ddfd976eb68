package orch

import (
	"context"
	"sync"
	"testing"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

type fakeModel struct {
	mu       sync.Mutex
	startErr error
	// gate, when set, blocks Start until it is closed or ctx ends.
	gate     chan struct{}
	starts   int
	stops    int
	sent     []domain.ClientEvent
	replaced []webrtc.TrackLocal
	source   webrtc.TrackLocal

	trackFn func(context.Context, core.RemoteTrack)
	stateFn func(domain.ConnectionState)
	chanFn  func(domain.ChannelState)
}

func (m *fakeModel) Start(ctx context.Context, source webrtc.TrackLocal) error {
	m.mu.Lock()
	m.starts++
	m.source = source
	gate, err := m.gate, m.startErr
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (m *fakeModel) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}

func (m *fakeModel) Send(ev domain.ClientEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, ev)
	return nil
}

func (m *fakeModel) SendText(text string) error {
	return m.Send(domain.TextMessage(text))
}

func (m *fakeModel) ReplaceOutboundAudio(track webrtc.TrackLocal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaced = append(m.replaced, track)
	return nil
}

func (m *fakeModel) ChannelState() domain.ChannelState { return domain.ChannelOpen }
func (m *fakeModel) SessionID() string                 { return "sess_fake" }

func (m *fakeModel) OnInboundAudio(fn func(context.Context, core.RemoteTrack)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackFn = fn
}

func (m *fakeModel) OnServerEvent(func(*domain.ServerEvent)) {}
func (m *fakeModel) OnProtocolError(func(error))             {}

func (m *fakeModel) OnConnectionState(fn func(domain.ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateFn = fn
}

func (m *fakeModel) OnChannelState(fn func(domain.ChannelState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chanFn = fn
}

func (m *fakeModel) emitChannel(s domain.ChannelState) {
	m.mu.Lock()
	fn := m.chanFn
	m.mu.Unlock()
	fn(s)
}

func (m *fakeModel) emitTrack(track core.RemoteTrack) {
	m.mu.Lock()
	fn := m.trackFn
	m.mu.Unlock()
	fn(context.Background(), track)
}

func (m *fakeModel) emitState(s domain.ConnectionState) {
	m.mu.Lock()
	fn := m.stateFn
	m.mu.Unlock()
	fn(s)
}

func (m *fakeModel) counts() (starts, stops int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts, m.stops
}

type fakeRoom struct {
	mu sync.Mutex
	// joinErrs are returned by successive Join calls before one succeeds.
	joinErrs []error
	joins    int
	leaves   int
	sends    []webrtc.TrackLocal
	current  webrtc.TrackLocal
	pub      domain.PublishState
	sub      domain.SubscribeState
	muted    bool
	muteErr  error

	stateFn func(domain.PublishState, domain.SubscribeState)
	mixedFn func(context.Context, core.RemoteTrack)
	lostFn  func(error)
}

func newFakeRoom() *fakeRoom {
	return &fakeRoom{pub: domain.PublishUnjoined, sub: domain.SubscribeUnjoined}
}

func (r *fakeRoom) Join(ctx context.Context, local webrtc.TrackLocal) error {
	r.mu.Lock()
	r.joins++
	if len(r.joinErrs) > 0 {
		err := r.joinErrs[0]
		r.joinErrs = r.joinErrs[1:]
		r.mu.Unlock()
		return err
	}
	r.pub, r.sub = domain.PublishPublished, domain.SubscribeSubscribed
	r.current = local
	fn := r.stateFn
	r.mu.Unlock()
	if fn != nil {
		fn(domain.PublishPublished, domain.SubscribeSubscribed)
	}
	return nil
}

func (r *fakeRoom) Leave(ctx context.Context) error {
	r.mu.Lock()
	r.leaves++
	wasActive := domain.RoomActive(r.pub, r.sub)
	r.pub, r.sub = domain.PublishUnjoined, domain.SubscribeUnjoined
	fn := r.stateFn
	r.mu.Unlock()
	if wasActive && fn != nil {
		fn(domain.PublishUnjoined, domain.SubscribeUnjoined)
	}
	return nil
}

func (r *fakeRoom) SendLocalAudio(track webrtc.TrackLocal) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, track)
	replaced := r.current != track
	r.current = track
	return replaced, nil
}

func (r *fakeRoom) PublishState() domain.PublishState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pub
}

func (r *fakeRoom) SubscribeState() domain.SubscribeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub
}

func (r *fakeRoom) Participants() []domain.Participant {
	return []domain.Participant{{ID: 2001, Display: "alice"}}
}

func (r *fakeRoom) SetMuted(ctx context.Context, muted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.muteErr != nil {
		return r.muteErr
	}
	if r.pub != domain.PublishPublished {
		return domain.NewLinkError(domain.LinkPublish, "mute", domain.ErrNotPublished, nil)
	}
	r.muted = muted
	return nil
}

func (r *fakeRoom) Muted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.muted
}

func (r *fakeRoom) OnLost(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lostFn = fn
}

// lose tears the fake down the way the room link does after a transport loss.
func (r *fakeRoom) lose() {
	r.mu.Lock()
	r.pub, r.sub, r.muted = domain.PublishUnjoined, domain.SubscribeUnjoined, false
	stateFn, lostFn := r.stateFn, r.lostFn
	r.mu.Unlock()
	stateFn(domain.PublishUnjoined, domain.SubscribeUnjoined)
	lostFn(domain.NewLinkError(domain.LinkRoom, "watch", domain.ErrRoomLost, domain.ErrGatewayClosed))
}

// emitState fires the state hook without changing the fake's own state.
func (r *fakeRoom) emitState(p domain.PublishState, s domain.SubscribeState) {
	r.mu.Lock()
	fn := r.stateFn
	r.mu.Unlock()
	fn(p, s)
}

func (r *fakeRoom) OnMixedAudio(fn func(context.Context, core.RemoteTrack)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mixedFn = fn
}

func (r *fakeRoom) OnStateChange(fn func(domain.PublishState, domain.SubscribeState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateFn = fn
}

func (r *fakeRoom) emitMixed(track core.RemoteTrack) {
	r.mu.Lock()
	fn := r.mixedFn
	r.mu.Unlock()
	fn(context.Background(), track)
}

func (r *fakeRoom) lastSend() webrtc.TrackLocal {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sends) == 0 {
		return nil
	}
	return r.sends[len(r.sends)-1]
}

func (r *fakeRoom) counts() (joins, leaves int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joins, r.leaves
}

type fakeMic struct {
	mu     sync.Mutex
	track  webrtc.TrackLocal
	starts int
	closes int
}

func newFakeMic(t *testing.T) *fakeMic {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "mic", "local")
	require.NoError(t, err)
	return &fakeMic{track: tr}
}

func (m *fakeMic) Track() webrtc.TrackLocal { return m.track }

func (m *fakeMic) Start(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
}

func (m *fakeMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}
