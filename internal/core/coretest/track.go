package coretest

import (
	"io"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack yields the packets pushed into it and io.EOF once ended.
type RemoteTrack struct {
	id, stream string
	packets    chan *rtp.Packet
}

var _ core.RemoteTrack = (*RemoteTrack)(nil)

func NewRemoteTrack(id, stream string) *RemoteTrack {
	return &RemoteTrack{id: id, stream: stream, packets: make(chan *rtp.Packet, 64)}
}

func (t *RemoteTrack) ID() string                { return t.id }
func (t *RemoteTrack) StreamID() string          { return t.stream }
func (t *RemoteTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

func (t *RemoteTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}
}

func (t *RemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-t.packets
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

func (t *RemoteTrack) Push(pkt *rtp.Packet) { t.packets <- pkt }

// End makes the next ReadRTP fail as if the remote side removed the track.
func (t *RemoteTrack) End() { close(t.packets) }

// Sink records the packets written to it.
type Sink struct {
	Packets chan *rtp.Packet
	Err     error
}

var _ core.Sink = (*Sink)(nil)

func NewSink() *Sink { return &Sink{Packets: make(chan *rtp.Packet, 64)} }

func (s *Sink) WriteRTP(p *rtp.Packet) error {
	if s.Err != nil {
		return s.Err
	}
	s.Packets <- p
	return nil
}
