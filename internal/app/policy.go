package app

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/voicebridge/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickSubscriber
)

// Policy decides what happens to a status stream subscriber that cannot keep up.
type Policy interface {
	OnBackPressure(subscriber string, dropped int) BackpressureAction
}

// SimplePolicy drops frames for a slow subscriber and kicks it once it has missed too many.
type SimplePolicy struct {
	MaxDropped int
}

func (p SimplePolicy) OnBackPressure(_ string, dropped int) BackpressureAction {
	if p.MaxDropped > 0 && dropped >= p.MaxDropped {
		return KickSubscriber
	}
	return DropFrame
}

type JoinAction int

const (
	GiveUp JoinAction = iota
	RetryJoin
)

// RetryPolicy decides whether a failed room join is attempted again from scratch.
type RetryPolicy interface {
	OnJoinFailure(attempt int, err error) (JoinAction, time.Duration)
}

// FixedRetry retries up to Retries times with a constant Delay.
type FixedRetry struct {
	Retries int
	Delay   time.Duration
}

func (p FixedRetry) OnJoinFailure(attempt int, err error) (JoinAction, time.Duration) {
	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrAlreadyActive) {
		return GiveUp, 0
	}
	if attempt < p.Retries {
		return RetryJoin, p.Delay
	}
	return GiveUp, 0
}
