package orch_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/dkeye/voicebridge/internal/app/modellink"
	"github.com/dkeye/voicebridge/internal/app/orch"
	"github.com/dkeye/voicebridge/internal/core/coretest"
	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// endpoint answers every offer and opens the event channel right after.
type endpoint struct {
	rec *coretest.Recorder
}

func (e *endpoint) FetchCredential(context.Context) (domain.Credential, error) {
	return domain.Credential{Value: "ek_test", Model: "gpt-realtime"}, nil
}

func (e *endpoint) PostOffer(context.Context, domain.Credential, string) (string, error) {
	go e.rec.Last().DataChannel().Open()
	return coretest.SDP, nil
}

func newSession() (*orch.Orchestrator, *coretest.Recorder) {
	rec := &coretest.Recorder{}
	ep := &endpoint{rec: rec}
	o := orch.New(orch.Deps{
		NewModel: func(events *domain.EventLog) orch.ModelLink {
			return modellink.New(ep, rec.Factory(), events, modellink.Config{})
		},
	})
	return o, rec
}

func TestSessionSendTextRecordsTwoEvents(t *testing.T) {
	o, rec := newSession()
	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, domain.StatusActive, o.Status())

	require.NoError(t, o.SendText("What's the weather like?"))

	sent := rec.Last().DataChannel().Sent()
	require.Len(t, sent, 2)
	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(sent[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(sent[1]), &second))
	assert.Equal(t, domain.EventConversationItemCreate, first["type"])
	assert.Equal(t, domain.EventResponseCreate, second["type"])

	events := o.Events.Snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventResponseCreate, events[0].Type)
	assert.Equal(t, domain.EventConversationItemCreate, events[1].Type)

	o.Stop(context.Background())
	assert.Equal(t, domain.StatusClosed, o.Status())
	assert.True(t, rec.Last().IsClosed())
	assert.ErrorIs(t, o.SendText("again"), domain.ErrChannelNotReady)
}

func TestSessionServerEventsAppended(t *testing.T) {
	o, rec := newSession()
	require.NoError(t, o.Start(context.Background()))

	rec.Last().DataChannel().Deliver([]byte(`{"type":"session.created","event_id":"ev_1","session":{"id":"sess_1"}}`))
	events := o.Events.Snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, domain.DirectionServer, events[0].Direction)
	assert.Equal(t, "session.created", events[0].Type)

	o.Stop(context.Background())
	require.NoError(t, o.Start(context.Background()))
	assert.Zero(t, o.Events.Len())
}
