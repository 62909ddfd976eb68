package rtc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrNoAudioSender = errors.New("no outbound audio slot")

// WebRTCConnection implements core.MediaConnection over a pion PeerConnection
// with at most one outbound audio sender.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	mu      sync.Mutex
	sender  *webrtc.RTPSender
	silence webrtc.TrackLocal
	onTrack func(ctx context.Context, track core.RemoteTrack)
	onState func(webrtc.PeerConnectionState)
}

var _ core.MediaConnection = (*WebRTCConnection)(nil)

func newConnection(pc *webrtc.PeerConnection, name string) *WebRTCConnection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &WebRTCConnection{pc: pc, name: name, ctx: ctx, cancel: cancel}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "webrtc").Str("link", name).Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("link", name).Str("peer_connection_state", s.String()).Msg("Peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			cancel()
		}
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("link", name).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(ctx, track)
		}
	})

	return c
}

func (c *WebRTCConnection) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	return c.setLocalAndGather(offer)
}

func (c *WebRTCConnection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *WebRTCConnection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	return c.setLocalAndGather(answer)
}

// setLocalAndGather applies desc and waits for ICE gathering, so the returned
// description carries every candidate. Neither peer trickles.
func (c *WebRTCConnection) setLocalAndGather(desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-c.ctx.Done():
		return nil, context.Canceled
	}
	return c.pc.LocalDescription(), nil
}

func (c *WebRTCConnection) AddLocalTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	if c.sender != nil {
		c.mu.Unlock()
		return c.ReplaceLocalTrack(track)
	}
	defer c.mu.Unlock()

	var (
		tr  *webrtc.RTPTransceiver
		err error
	)
	init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}
	if track == nil {
		tr, err = c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, init)
	} else {
		tr, err = c.pc.AddTransceiverFromTrack(track, init)
	}
	if err != nil {
		return err
	}
	c.sender = tr.Sender()
	if track == nil {
		// pion fills a send slot with a placeholder track that is never written to
		c.silence = c.sender.Track()
	}
	go c.drainRTCP(c.sender)
	return nil
}

// drainRTCP keeps the interceptors fed; the packets themselves are not used.
func (c *WebRTCConnection) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *WebRTCConnection) ReplaceLocalTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return ErrNoAudioSender
	}
	if c.LocalTrack() == track {
		return nil
	}
	log.Debug().Str("module", "webrtc").Str("link", c.name).Bool("silence", track == nil).Msg("replace track")
	return sender.ReplaceTrack(track)
}

func (c *WebRTCConnection) LocalTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sender == nil {
		return nil
	}
	t := c.sender.Track()
	if t == nil || t == c.silence {
		return nil
	}
	return t
}

func (c *WebRTCConnection) CreateDataChannel(label string) (core.DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(ctx context.Context, track core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("link", c.name).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("link", c.name).Msg("closed")
	return nil
}

func (c *WebRTCConnection) IsClosed() bool {
	return c.closed.Load()
}
