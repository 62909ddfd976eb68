package router

import (
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct{ id string }

func (f *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (f *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (f *fakeTrack) ID() string                            { return f.id }
func (f *fakeTrack) RID() string                           { return "" }
func (f *fakeTrack) StreamID() string                      { return "test" }
func (f *fakeTrack) Kind() webrtc.RTPCodecType             { return webrtc.RTPCodecTypeAudio }

type fakeStream struct{ track *fakeTrack }

func newStream(id string) *fakeStream              { return &fakeStream{track: &fakeTrack{id: id}} }
func (s *fakeStream) ID() string                   { return s.track.id }
func (s *fakeStream) Track() webrtc.TrackLocal     { return s.track }
func (s *fakeStream) AddSink(string, core.Sink)    {}
func (s *fakeStream) RemoveSink(string)            {}

type slot struct {
	mu      sync.Mutex
	err     error
	sends   []webrtc.TrackLocal
	current webrtc.TrackLocal
}

func (s *slot) ReplaceOutboundAudio(t webrtc.TrackLocal) error {
	_, err := s.record(t)
	return err
}

func (s *slot) SendLocalAudio(t webrtc.TrackLocal) (bool, error) { return s.record(t) }

func (s *slot) record(t webrtc.TrackLocal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	s.sends = append(s.sends, t)
	replaced := s.current != t
	s.current = t
	return replaced, nil
}

func (s *slot) last() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sends) == 0 {
		return nil
	}
	return s.sends[len(s.sends)-1]
}

func (s *slot) count(t webrtc.TrackLocal) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, x := range s.sends {
		if x == t {
			n++
		}
	}
	return n
}

type fakePlayback struct {
	mu    sync.Mutex
	plays []core.AudioStream
}

func (p *fakePlayback) Play(s core.AudioStream) {
	p.mu.Lock()
	p.plays = append(p.plays, s)
	p.mu.Unlock()
}
func (p *fakePlayback) Close() error { return nil }

func (p *fakePlayback) current() core.AudioStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.plays) == 0 {
		return nil
	}
	return p.plays[len(p.plays)-1]
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name  string
		state State
		want  Decision
	}{
		{"idle", State{}, Decision{LocalMicrophone, RoomHearsMicrophone, PlayNothing}},
		{"model speaks, no room", State{ModelAudio: true}, Decision{LocalMicrophone, RoomHearsMicrophone, PlayModel}},
		{"mix without active room is ignored", State{MixedAudio: true, ModelAudio: true}, Decision{LocalMicrophone, RoomHearsMicrophone, PlayModel}},
		{"room active, nothing yet", State{RoomActive: true}, Decision{LocalMicrophone, RoomHearsMicrophone, PlayNothing}},
		{"room active, mix only", State{RoomActive: true, MixedAudio: true}, Decision{RoomMixedAudio, RoomHearsMicrophone, PlayNothing}},
		{"room active, model only", State{RoomActive: true, ModelAudio: true}, Decision{LocalMicrophone, RoomHearsModel, PlayNothing}},
		{"room active, both", State{RoomActive: true, ModelAudio: true, MixedAudio: true}, Decision{RoomMixedAudio, RoomHearsModel, PlayNothing}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.state))
		})
	}
}

func TestModelAudioPlaysLocallyWithoutRoom(t *testing.T) {
	mic := &fakeTrack{id: "mic"}
	pb := &fakePlayback{}
	r := New(mic, pb)
	model, room := &slot{}, &slot{}
	r.BindModel(model)
	r.BindRoom(room)

	speech := newStream("model")
	r.SetModelAudio(speech)

	assert.Equal(t, speech, pb.current())
	assert.Zero(t, r.RoomSends())
	assert.Empty(t, room.sends)
	assert.Equal(t, mic, model.last())
}

func TestQueuedModelAudioForwardedOnceOnRoomActive(t *testing.T) {
	mic := &fakeTrack{id: "mic"}
	pb := &fakePlayback{}
	r := New(mic, pb)
	model, room := &slot{}, &slot{}
	r.BindModel(model)

	first := newStream("model-1")
	latest := newStream("model-2")
	r.SetModelAudio(first)
	r.SetModelAudio(latest)
	r.BindRoom(room)
	assert.Empty(t, room.sends)

	r.SetRoomActive(true)
	r.SetRoomActive(true)
	mix := newStream("mix")
	r.SetMixedAudio(mix)

	assert.Equal(t, 1, room.count(latest.Track()))
	assert.Zero(t, room.count(first.Track()))
	assert.Equal(t, 1, r.RoomSends())
	assert.Equal(t, mix.Track(), model.last())
	assert.Nil(t, pb.current())
}

func TestRoomLossRestoresPlayback(t *testing.T) {
	mic := &fakeTrack{id: "mic"}
	pb := &fakePlayback{}
	r := New(mic, pb)
	model, room := &slot{}, &slot{}
	r.BindModel(model)
	r.BindRoom(room)
	r.SetRoomActive(true)

	mix := newStream("mix")
	speech := newStream("model")
	r.SetMixedAudio(mix)
	r.SetModelAudio(speech)
	assert.Nil(t, pb.current())
	assert.Equal(t, speech.Track(), room.last())

	r.SetRoomActive(false)
	assert.Equal(t, speech, pb.current())
	assert.Equal(t, mic, model.last())

	// rejoining forwards the model again, once
	r.SetRoomActive(true)
	assert.Equal(t, 2, room.count(speech.Track()))
	assert.Equal(t, mix.Track(), model.last())
}

func TestRoomSendsCountsOnlyReplacements(t *testing.T) {
	mic := &fakeTrack{id: "mic"}
	r := New(mic, nil)
	// the room was joined publishing the microphone
	room := &slot{current: mic}
	r.BindRoom(room)

	r.SetRoomActive(true)
	assert.Equal(t, mic, room.last())
	assert.Zero(t, r.RoomSends())

	speech := newStream("model")
	r.SetModelAudio(speech)
	assert.Equal(t, 1, r.RoomSends())

	// reactivation re-asserts the same track without changing it
	r.SetRoomActive(false)
	r.SetRoomActive(true)
	assert.Equal(t, 2, room.count(speech.Track()))
	assert.Equal(t, 1, r.RoomSends())
}

func TestMixKeepsMicUntilArrival(t *testing.T) {
	mic := &fakeTrack{id: "mic"}
	r := New(mic, nil)
	model, room := &slot{}, &slot{}
	r.BindModel(model)
	r.BindRoom(room)
	r.SetRoomActive(true)

	assert.Equal(t, RoomHearsMicrophone, r.Decision().RoomOutput)
	assert.Equal(t, LocalMicrophone, r.Decision().ModelInput)
	assert.Equal(t, mic, model.last())
	assert.Equal(t, mic, room.last())
}

func TestFailedReplaceIsRetried(t *testing.T) {
	mic := &fakeTrack{id: "mic"}
	r := New(mic, nil)
	model, room := &slot{}, &slot{err: errors.New("no sender")}
	r.BindModel(model)
	r.BindRoom(room)
	r.SetRoomActive(true)
	speech := newStream("model")
	r.SetModelAudio(speech)
	assert.Zero(t, r.RoomSends())

	room.mu.Lock()
	room.err = nil
	room.mu.Unlock()
	r.SetMixedAudio(newStream("mix"))
	assert.Equal(t, 1, r.RoomSends())
	assert.Equal(t, speech.Track(), room.last())
}

func TestResetSilences(t *testing.T) {
	pb := &fakePlayback{}
	r := New(nil, pb)
	r.BindModel(&slot{})
	r.SetModelAudio(newStream("model"))
	require.NotNil(t, pb.current())

	r.Reset()
	assert.Nil(t, pb.current())
	assert.Equal(t, Decide(State{}), r.Decision())
}
