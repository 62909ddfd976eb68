// Package coretest provides in-memory doubles of the core interfaces for tests.
package coretest

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/pion/webrtc/v4"
)

// SDP is a minimal audio session description that parses as valid SDP.
const SDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

var ErrNoSlot = errors.New("no outbound audio slot")

// Connection is a scriptable core.MediaConnection.
type Connection struct {
	mu sync.Mutex

	OfferErr  error
	AnswerErr error
	ApplyErr  error
	ChanErr   error
	// OfferGate, when set, blocks CreateAndSetOffer until it is closed.
	OfferGate chan struct{}

	Remote   *webrtc.SessionDescription
	Channel  *DataChannel
	Replaced int
	Offers   int
	Answers  int

	hasSlot bool
	local   webrtc.TrackLocal
	closed  bool
	trackFn func(ctx context.Context, track core.RemoteTrack)
	stateFn func(webrtc.PeerConnectionState)
}

var _ core.MediaConnection = (*Connection)(nil)

func NewConnection() *Connection {
	return &Connection{}
}

// Recorder builds Connections for a core.ConnectionFactory and keeps them for inspection.
type Recorder struct {
	mu    sync.Mutex
	conns []*Connection
	Err   error
	// Prepare, when set, scripts each connection before it is handed out.
	Prepare func(n int, c *Connection)
}

func (r *Recorder) Factory() core.ConnectionFactory {
	return func() (core.MediaConnection, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.Err != nil {
			return nil, r.Err
		}
		c := NewConnection()
		if r.Prepare != nil {
			r.Prepare(len(r.conns), c)
		}
		r.conns = append(r.conns, c)
		return c, nil
	}
}

func (r *Recorder) Conns() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Connection(nil), r.conns...)
}

// Last returns the most recently built connection or nil.
func (r *Recorder) Last() *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) == 0 {
		return nil
	}
	return r.conns[len(r.conns)-1]
}

func (c *Connection) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	c.mu.Lock()
	gate := c.OfferGate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Offers++
	if c.OfferErr != nil {
		return nil, c.OfferErr
	}
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: SDP}, nil
}

func (c *Connection) ApplyAnswer(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ApplyErr != nil {
		return c.ApplyErr
	}
	c.Remote = &sd
	return nil
}

func (c *Connection) ApplyOfferAndCreateAnswer(sd webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Answers++
	if c.AnswerErr != nil {
		return nil, c.AnswerErr
	}
	c.Remote = &sd
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: SDP}, nil
}

func (c *Connection) AddLocalTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasSlot = true
	c.local = track
	return nil
}

func (c *Connection) ReplaceLocalTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasSlot {
		return ErrNoSlot
	}
	if c.local == track {
		return nil
	}
	c.local = track
	c.Replaced++
	return nil
}

func (c *Connection) LocalTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Connection) CreateDataChannel(label string) (core.DataChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ChanErr != nil {
		return nil, c.ChanErr
	}
	c.Channel = NewDataChannel(label)
	return c.Channel, nil
}

func (c *Connection) OnTrack(fn func(ctx context.Context, track core.RemoteTrack)) {
	c.mu.Lock()
	c.trackFn = fn
	c.mu.Unlock()
}

func (c *Connection) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.stateFn = fn
	c.mu.Unlock()
}

// EmitTrack delivers a remote track as the transport would.
func (c *Connection) EmitTrack(ctx context.Context, track core.RemoteTrack) {
	c.mu.Lock()
	fn := c.trackFn
	c.mu.Unlock()
	if fn != nil {
		fn(ctx, track)
	}
}

func (c *Connection) EmitState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.stateFn
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Connection) DataChannel() *DataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Channel
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.local = nil
	dc := c.Channel
	c.mu.Unlock()
	if dc != nil {
		_ = dc.Close()
	}
	return nil
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
