package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestSimplePolicy(t *testing.T) {
	p := SimplePolicy{MaxDropped: 3}
	assert.Equal(t, DropFrame, p.OnBackPressure("ws-1", 1))
	assert.Equal(t, KickSubscriber, p.OnBackPressure("ws-1", 3))
	assert.Equal(t, DropFrame, SimplePolicy{}.OnBackPressure("ws-1", 100))
}

func TestFixedRetry(t *testing.T) {
	p := FixedRetry{Retries: 2, Delay: time.Second}
	joinErr := domain.NewLinkError(domain.LinkPublish, "configure", domain.ErrRoomJoin, errors.New("boom"))

	action, delay := p.OnJoinFailure(0, joinErr)
	assert.Equal(t, RetryJoin, action)
	assert.Equal(t, time.Second, delay)

	action, _ = p.OnJoinFailure(1, joinErr)
	assert.Equal(t, RetryJoin, action)
	action, _ = p.OnJoinFailure(2, joinErr)
	assert.Equal(t, GiveUp, action)

	canceled := domain.NewLinkError(domain.LinkRoom, "join", domain.ErrRoomJoin, context.Canceled)
	action, _ = p.OnJoinFailure(0, canceled)
	assert.Equal(t, GiveUp, action)

	action, _ = FixedRetry{}.OnJoinFailure(0, joinErr)
	assert.Equal(t, GiveUp, action)
}
