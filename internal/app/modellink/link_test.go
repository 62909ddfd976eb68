package modellink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/core/coretest"
	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEndpoint struct {
	mu      sync.Mutex
	credErr error
	postErr error
	answer  string
	posts   int
	gotKey  string
	onPost  func(ctx context.Context)
}

func (f *fakeEndpoint) FetchCredential(ctx context.Context) (domain.Credential, error) {
	if f.credErr != nil {
		return domain.Credential{}, f.credErr
	}
	return domain.Credential{Value: "ek_test", Model: "gpt-realtime"}, nil
}

func (f *fakeEndpoint) PostOffer(ctx context.Context, cred domain.Credential, offer string) (string, error) {
	f.mu.Lock()
	f.posts++
	f.gotKey = cred.Value
	hook := f.onPost
	f.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}
	if f.postErr != nil {
		return "", f.postErr
	}
	if f.answer != "" {
		return f.answer, nil
	}
	return coretest.SDP, nil
}

type harness struct {
	link   *Link
	rec    *coretest.Recorder
	ep     *fakeEndpoint
	events *domain.EventLog
}

func newHarness(cfg Config) *harness {
	h := &harness{rec: &coretest.Recorder{}, ep: &fakeEndpoint{}, events: domain.NewEventLog()}
	h.link = New(h.ep, h.rec.Factory(), h.events, cfg)
	return h
}

// openOnAnswer makes the fake model open the event channel once it has answered.
func (h *harness) openOnAnswer() {
	h.ep.onPost = func(context.Context) {
		go func() {
			conn := h.rec.Last()
			conn.DataChannel().Open()
		}()
	}
}

func (h *harness) start(t *testing.T) *coretest.Connection {
	t.Helper()
	h.openOnAnswer()
	require.NoError(t, h.link.Start(context.Background(), nil))
	return h.rec.Last()
}

func TestStartOpensChannel(t *testing.T) {
	h := newHarness(Config{})
	conn := h.start(t)

	assert.Equal(t, domain.ChannelOpen, h.link.ChannelState())
	assert.Equal(t, domain.ConnectionNegotiating, h.link.ConnectionState())
	assert.Equal(t, EventsLabel, conn.DataChannel().Label())
	assert.Equal(t, "ek_test", h.ep.gotKey)
	require.NotNil(t, conn.Remote)

	conn.EmitState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, domain.ConnectionConnected, h.link.ConnectionState())
}

func TestStartRejectsSecondStart(t *testing.T) {
	h := newHarness(Config{})
	h.start(t)
	err := h.link.Start(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrAlreadyActive)
	assert.Len(t, h.rec.Conns(), 1)
}

func TestStartCredentialFailure(t *testing.T) {
	h := newHarness(Config{})
	h.ep.credErr = errors.New("token endpoint returned 500")

	err := h.link.Start(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrCredential)
	assert.Empty(t, h.rec.Conns())
	assert.Equal(t, domain.ChannelClosed, h.link.ChannelState())
}

func TestStartNegotiationFailureTearsDown(t *testing.T) {
	h := newHarness(Config{})
	h.ep.postErr = errors.New("status 401")

	err := h.link.Start(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrNegotiation)
	conn := h.rec.Last()
	require.NotNil(t, conn)
	assert.True(t, conn.IsClosed())
	assert.Equal(t, domain.ConnectionClosed, h.link.ConnectionState())

	// a failed link can be started again from scratch
	h.ep.postErr = nil
	h.start(t)
	assert.Len(t, h.rec.Conns(), 2)
}

func TestStartUnparsableAnswer(t *testing.T) {
	h := newHarness(Config{})
	h.ep.answer = "<html>bad gateway</html>"
	err := h.link.Start(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrNegotiation)
	assert.True(t, h.rec.Last().IsClosed())
}

func TestStartTimesOutWithoutOpen(t *testing.T) {
	h := newHarness(Config{NegotiateTimeout: 50 * time.Millisecond})

	err := h.link.Start(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.True(t, h.rec.Last().IsClosed())
}

func TestStartRequiresAudio(t *testing.T) {
	h := newHarness(Config{RequireAudio: true})
	err := h.link.Start(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrMediaAccess)
	assert.Empty(t, h.rec.Conns())
}

func TestStartCanceledMidNegotiation(t *testing.T) {
	h := newHarness(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	h.ep.onPost = func(context.Context) {
		require.NoError(t, h.link.Stop())
		cancel()
	}

	err := h.link.Start(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, domain.ErrNegotiation)
	assert.True(t, h.rec.Last().IsClosed())
	assert.Nil(t, h.rec.Last().Remote)
}

func TestSendBeforeOpen(t *testing.T) {
	h := newHarness(Config{})
	err := h.link.Send(domain.ClientEvent{"type": "response.create"})
	assert.ErrorIs(t, err, domain.ErrChannelNotReady)
	assert.Zero(t, h.events.Len())
}

func TestSendAssignsDistinctIDs(t *testing.T) {
	h := newHarness(Config{})
	conn := h.start(t)

	a := domain.ClientEvent{"type": "response.create"}
	b := domain.ClientEvent{"type": "response.create"}
	require.NoError(t, h.link.Send(a))
	require.NoError(t, h.link.Send(b))
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())

	sent := conn.DataChannel().Sent()
	require.Len(t, sent, 2)
	var wire map[string]any
	require.NoError(t, json.Unmarshal([]byte(sent[0]), &wire))
	assert.Equal(t, a.ID(), wire["event_id"])

	keep := domain.ClientEvent{"type": "response.create", "event_id": "mine"}
	require.NoError(t, h.link.Send(keep))
	assert.Equal(t, "mine", keep.ID())
}

func TestSendTextAppendsTwoEventsInOrder(t *testing.T) {
	h := newHarness(Config{})
	h.start(t)

	require.NoError(t, h.link.SendText("hello"))
	evs := h.events.Snapshot()
	require.Len(t, evs, 2)
	assert.Equal(t, domain.EventResponseCreate, evs[0].Type)
	assert.Equal(t, domain.EventConversationItemCreate, evs[1].Type)
	assert.Equal(t, domain.DirectionClient, evs[1].Direction)
	assert.Contains(t, string(evs[1].Payload), `"text":"hello"`)
}

func TestSendMissingType(t *testing.T) {
	h := newHarness(Config{})
	h.start(t)
	assert.ErrorIs(t, h.link.Send(domain.ClientEvent{"item": 1}), domain.ErrProtocol)
}

func TestInboundMessages(t *testing.T) {
	h := newHarness(Config{})
	conn := h.start(t)

	var protoErrs []error
	var seen []string
	h.link.OnProtocolError(func(err error) { protoErrs = append(protoErrs, err) })
	h.link.OnServerEvent(func(ev *domain.ServerEvent) { seen = append(seen, ev.Type) })

	dc := conn.DataChannel()
	dc.Deliver([]byte(`{"type":"session.created","event_id":"e1","session":{"id":"sess_1"}}`))
	dc.Deliver([]byte(`{not json`))
	dc.Deliver([]byte(`{"event_id":"e2"}`))
	dc.Deliver([]byte(`{"type":"response.done","event_id":"e3"}`))

	assert.Equal(t, []string{"session.created", "response.done"}, seen)
	require.Len(t, protoErrs, 2)
	assert.ErrorIs(t, protoErrs[0], domain.ErrProtocol)
	assert.ErrorIs(t, protoErrs[1], domain.ErrEventTypeMissing)
	assert.Equal(t, "sess_1", h.link.SessionID())
	assert.Equal(t, domain.ChannelOpen, h.link.ChannelState())

	evs := h.events.Snapshot()
	require.Len(t, evs, 2)
	assert.Equal(t, "e3", evs[0].EventID)
	assert.Equal(t, "e1", evs[1].EventID)
}

func TestInboundAudioOncePerTrack(t *testing.T) {
	h := newHarness(Config{})
	var got []core.RemoteTrack
	h.link.OnInboundAudio(func(ctx context.Context, track core.RemoteTrack) { got = append(got, track) })
	conn := h.start(t)

	tr := coretest.NewRemoteTrack("speech", "model")
	conn.EmitTrack(context.Background(), tr)
	require.Len(t, got, 1)
	assert.Same(t, tr, got[0])
	assert.Equal(t, tr, h.link.InboundAudio())
}

func TestReplaceOutboundAudio(t *testing.T) {
	h := newHarness(Config{})
	assert.ErrorIs(t, h.link.ReplaceOutboundAudio(nil), domain.ErrNoSession)
	conn := h.start(t)

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "mix", "room")
	require.NoError(t, err)
	require.NoError(t, h.link.ReplaceOutboundAudio(track))
	require.NoError(t, h.link.ReplaceOutboundAudio(track))
	assert.Equal(t, 1, conn.Replaced)
	assert.Equal(t, track, conn.LocalTrack())
}

func TestStopIdempotent(t *testing.T) {
	h := newHarness(Config{})
	require.NoError(t, h.link.Stop())
	conn := h.start(t)

	require.NoError(t, h.link.Stop())
	require.NoError(t, h.link.Stop())
	assert.True(t, conn.IsClosed())
	assert.Equal(t, domain.ChannelClosed, h.link.ChannelState())
	assert.ErrorIs(t, h.link.SendText("late"), domain.ErrChannelNotReady)
}

func TestPeerFailureReported(t *testing.T) {
	h := newHarness(Config{})
	states := make(chan domain.ConnectionState, 4)
	h.link.OnConnectionState(func(s domain.ConnectionState) { states <- s })
	conn := h.start(t)
	<-states // negotiating

	conn.EmitState(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, domain.ConnectionFailed, <-states)

	// events from a connection that was already stopped are ignored
	require.NoError(t, h.link.Stop())
	conn.EmitState(webrtc.PeerConnectionStateClosed)
	assert.Empty(t, states)
}

func TestChannelCloseReported(t *testing.T) {
	h := newHarness(Config{})
	states := make(chan domain.ChannelState, 4)
	h.link.OnChannelState(func(s domain.ChannelState) { states <- s })
	conn := h.start(t)
	assert.Equal(t, domain.ChannelOpen, <-states)

	// the remote side closes the channel while the peer connection stays up
	require.NoError(t, conn.DataChannel().Close())
	assert.Equal(t, domain.ChannelClosed, <-states)
	assert.Equal(t, domain.ChannelClosed, h.link.ChannelState())
	assert.ErrorIs(t, h.link.SendText("hello"), domain.ErrChannelNotReady)
}

func TestChannelCloseOnStopNotReported(t *testing.T) {
	h := newHarness(Config{})
	states := make(chan domain.ChannelState, 4)
	h.link.OnChannelState(func(s domain.ChannelState) { states <- s })
	h.start(t)
	<-states // open

	require.NoError(t, h.link.Stop())
	assert.Empty(t, states)
}
