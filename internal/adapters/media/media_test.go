package media

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	mu    sync.Mutex
	sinks map[string]core.Sink
}

func newFakeStream() *fakeStream                 { return &fakeStream{sinks: map[string]core.Sink{}} }
func (s *fakeStream) ID() string                 { return "model" }
func (s *fakeStream) Track() webrtc.TrackLocal   { return nil }
func (s *fakeStream) AddSink(n string, k core.Sink) {
	s.mu.Lock()
	s.sinks[n] = k
	s.mu.Unlock()
}
func (s *fakeStream) RemoveSink(n string) {
	s.mu.Lock()
	delete(s.sinks, n)
	s.mu.Unlock()
}

func (s *fakeStream) push(t *testing.T, pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.sinks {
		require.NoError(t, k.WriteRTP(pkt))
	}
}

func opusPacket(seq uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: seq, Timestamp: ts, SSRC: 1},
		Payload: []byte{0xfc, 0xff, 0xfe},
	}
}

// writeOgg records n packets through Playback so the file is a valid Ogg/Opus stream.
func writeOgg(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mic.ogg")
	p, err := NewPlayback(path)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, p.WriteRTP(opusPacket(uint16(i), uint32(i*960))))
	}
	require.NoError(t, p.Close())
	return path
}

func TestPlaybackSwitchesStreams(t *testing.T) {
	p, err := NewPlayback("")
	require.NoError(t, err)

	a, b := newFakeStream(), newFakeStream()
	p.Play(a)
	assert.Equal(t, a, p.Current())
	a.push(t, opusPacket(1, 0))

	p.Play(b)
	assert.Empty(t, a.sinks)
	assert.Len(t, b.sinks, 1)
	b.push(t, opusPacket(2, 960))
	assert.Equal(t, int64(2), p.Packets())

	p.Play(nil)
	assert.Empty(t, b.sinks)
	assert.Nil(t, p.Current())
	require.NoError(t, p.Close())
}

func TestPlaybackRecordsOgg(t *testing.T) {
	path := writeOgg(t, 5)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "OggS", string(data[:4]))
}

func TestOpenMicrophoneErrors(t *testing.T) {
	_, err := OpenMicrophone(filepath.Join(t.TempDir(), "missing.ogg"), false)
	assert.ErrorIs(t, err, domain.ErrMediaAccess)

	bad := filepath.Join(t.TempDir(), "bad.ogg")
	require.NoError(t, os.WriteFile(bad, []byte("not an ogg file"), 0o600))
	_, err = OpenMicrophone(bad, false)
	assert.ErrorIs(t, err, domain.ErrMediaAccess)
}

func TestMicrophoneStreams(t *testing.T) {
	mic, err := OpenMicrophone(writeOgg(t, 3), false)
	require.NoError(t, err)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, mic.Track().Kind())

	mic.Start(context.Background())
	require.Eventually(t, func() bool { return mic.Pages() >= 3 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, mic.Close())
	require.NoError(t, mic.Close())
}
