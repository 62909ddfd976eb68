package core

import (
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Sink consumes forwarded RTP packets. *webrtc.TrackLocalStaticRTP satisfies it.
type Sink interface {
	WriteRTP(*rtp.Packet) error
}

// AudioStream is an inbound remote track re-published locally, so it can be
// attached to another connection's sender and tapped by sinks.
type AudioStream interface {
	ID() string
	Track() webrtc.TrackLocal
	AddSink(name string, s Sink)
	RemoveSink(name string)
}

// Playback is the local output device.
type Playback interface {
	// Play routes stream to the device, replacing whatever played before. Nil silences it.
	Play(stream AudioStream)
	Close() error
}
