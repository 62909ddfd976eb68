// Package media provides the local audio devices: an Ogg/Opus file as microphone
// and an Ogg/Opus recorder as playback.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

const (
	opusSampleRate  = 48000
	oggPageDuration = 20 * time.Millisecond
)

// Microphone streams an Ogg/Opus file in real time into a local track.
type Microphone struct {
	path  string
	loop  bool
	track *webrtc.TrackLocalStaticSample
	pages atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// OpenMicrophone checks that path is a readable Ogg/Opus file. Failure wraps domain.ErrMediaAccess.
func OpenMicrophone(path string, loop bool) (*Microphone, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open microphone: %w", domain.ErrMediaAccess, err)
	}
	defer f.Close()
	if _, _, err := oggreader.NewWith(f); err != nil {
		return nil, fmt.Errorf("%w: read microphone %s: %w", domain.ErrMediaAccess, path, err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: opusSampleRate,
		Channels:  2,
	}, "microphone", "local")
	if err != nil {
		return nil, err
	}
	return &Microphone{path: path, loop: loop, track: track}, nil
}

func (m *Microphone) Track() webrtc.TrackLocal { return m.track }

// Pages counts the Ogg pages written to the track so far.
func (m *Microphone) Pages() int64 { return m.pages.Load() }

// Start begins streaming until ctx ends or Close is called. A second Start does nothing.
func (m *Microphone) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
}

func (m *Microphone) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		err := m.stream(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		if !errors.Is(err, io.EOF) || !m.loop {
			if !errors.Is(err, io.EOF) {
				log.Error().Err(err).Str("module", "media").Str("path", m.path).Msg("microphone stopped")
			}
			return
		}
	}
}

// stream plays the file once and returns io.EOF at its end.
func (m *Microphone) stream(ctx context.Context) error {
	f, err := os.Open(m.path)
	if err != nil {
		return err
	}
	defer f.Close()
	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		return err
	}

	var lastGranule uint64
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	for {
		page, header, err := ogg.ParseNextPage()
		if err != nil {
			return err
		}
		sampleCount := float64(header.GranulePosition - lastGranule)
		lastGranule = header.GranulePosition
		dur := time.Duration((sampleCount / opusSampleRate) * float64(time.Second))

		if err := m.track.WriteSample(media.Sample{Data: page, Duration: dur}); err != nil {
			return err
		}
		m.pages.Add(1)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Microphone) Close() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
