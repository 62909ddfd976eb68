package rtc

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnection(t *testing.T) *WebRTCConnection {
	t.Helper()
	api, err := NewAPI(Options{})
	require.NoError(t, err)
	c, err := api.NewConnection("test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newOpusTrack(t *testing.T, id string) *webrtc.TrackLocalStaticRTP {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticRTP(OpusCapability(), id, "test")
	require.NoError(t, err)
	return tr
}

func TestReplaceWithoutSenderFails(t *testing.T) {
	c := newTestConnection(t)
	assert.ErrorIs(t, c.ReplaceLocalTrack(newOpusTrack(t, "a")), ErrNoAudioSender)
	assert.Nil(t, c.LocalTrack())
}

func TestAddLocalTrackSingleSlot(t *testing.T) {
	c := newTestConnection(t)
	a := newOpusTrack(t, "a")
	b := newOpusTrack(t, "b")

	require.NoError(t, c.AddLocalTrack(a))
	assert.Same(t, a, c.LocalTrack())

	// a second attach replaces, it does not add another sender
	require.NoError(t, c.AddLocalTrack(b))
	assert.Same(t, b, c.LocalTrack())
	assert.Len(t, c.pc.GetSenders(), 1)

	require.NoError(t, c.ReplaceLocalTrack(b))
	assert.Same(t, b, c.LocalTrack())
}

func TestSilentSlotCanBeFilledLater(t *testing.T) {
	c := newTestConnection(t)
	require.NoError(t, c.AddLocalTrack(nil))
	assert.Nil(t, c.LocalTrack())

	a := newOpusTrack(t, "a")
	require.NoError(t, c.ReplaceLocalTrack(a))
	assert.Same(t, a, c.LocalTrack())
}

func TestOfferCarriesAudioAndDataChannel(t *testing.T) {
	c := newTestConnection(t)
	require.NoError(t, c.AddLocalTrack(nil))
	dc, err := c.CreateDataChannel("oai-events")
	require.NoError(t, err)
	assert.Equal(t, "oai-events", dc.Label())

	offer, err := c.CreateAndSetOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.True(t, strings.Contains(offer.SDP, "m=audio"))
	assert.True(t, strings.Contains(offer.SDP, "m=application"))
	assert.True(t, strings.Contains(offer.SDP, "opus/48000/2"))
}

func TestCloseIdempotent(t *testing.T) {
	c := newTestConnection(t)
	require.NoError(t, c.Close())
	assert.True(t, c.IsClosed())
	require.NoError(t, c.Close())
}
