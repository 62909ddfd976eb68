package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

const playbackSink = "playback"

// Playback records the routed stream into an Ogg/Opus file, or discards it when
// no path is configured. It implements core.Playback and core.Sink.
type Playback struct {
	mu      sync.Mutex
	w       *oggwriter.OggWriter
	current core.AudioStream
	packets atomic.Int64
}

var (
	_ core.Playback = (*Playback)(nil)
	_ core.Sink     = (*Playback)(nil)
)

func NewPlayback(path string) (*Playback, error) {
	p := &Playback{}
	if path == "" {
		return p, nil
	}
	w, err := oggwriter.New(path, opusSampleRate, 2)
	if err != nil {
		return nil, fmt.Errorf("open playback %s: %w", path, err)
	}
	p.w = w
	return p, nil
}

func (p *Playback) Play(stream core.AudioStream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == stream {
		return
	}
	if p.current != nil {
		p.current.RemoveSink(playbackSink)
	}
	p.current = stream
	if stream != nil {
		stream.AddSink(playbackSink, p)
		log.Info().Str("module", "media").Str("stream", stream.ID()).Msg("playback attached")
	} else {
		log.Info().Str("module", "media").Msg("playback silenced")
	}
}

// Current returns the stream being played, if any.
func (p *Playback) Current() core.AudioStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Playback) Packets() int64 { return p.packets.Load() }

func (p *Playback) WriteRTP(pkt *rtp.Packet) error {
	p.packets.Add(1)
	p.mu.Lock()
	w := p.w
	p.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.WriteRTP(pkt)
}

func (p *Playback) Close() error {
	p.Play(nil)
	p.mu.Lock()
	w := p.w
	p.w = nil
	p.mu.Unlock()
	if w != nil {
		return w.Close()
	}
	return nil
}
