// Package signaling runs SDP offer/answer exchanges on a single connection.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// AnswerFetcher delivers a local offer to the remote peer and returns its answer.
type AnswerFetcher func(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)

// AnswerSender delivers a local answer to the remote peer that made the offer.
type AnswerSender func(ctx context.Context, answer webrtc.SessionDescription) error

var (
	ErrEmptyDescription = errors.New("empty session description")
	ErrNoMedia          = errors.New("session description has no media sections")
)

// Transport guards one connection so two negotiations never overlap on it.
type Transport struct {
	conn     core.MediaConnection
	link     string
	inFlight atomic.Bool

	// RequireAudio fails negotiation with ErrMediaAccess when no outbound audio track is attached.
	RequireAudio bool
}

func New(conn core.MediaConnection, link string) *Transport {
	return &Transport{conn: conn, link: link}
}

func (t *Transport) acquire(op string) error {
	if !t.inFlight.CompareAndSwap(false, true) {
		return domain.NewLinkError(t.link, op, domain.ErrNegotiation, domain.ErrNegotiationInFlight)
	}
	return nil
}

func (t *Transport) release() { t.inFlight.Store(false) }

// InFlight reports whether a negotiation is currently running.
func (t *Transport) InFlight() bool { return t.inFlight.Load() }

// Negotiate is the offerer side: offer, fetch the answer, apply it.
// A result that arrives after ctx is done is discarded and ctx.Err() is returned.
func (t *Transport) Negotiate(ctx context.Context, fetch AnswerFetcher) (*webrtc.SessionDescription, error) {
	const op = "negotiate"
	if err := t.acquire(op); err != nil {
		return nil, err
	}
	defer t.release()

	if t.RequireAudio && t.conn.LocalTrack() == nil {
		return nil, domain.NewLinkError(t.link, op, domain.ErrMediaAccess, errors.New("no local audio attached"))
	}

	offer, err := t.conn.CreateAndSetOffer()
	if err != nil {
		return nil, t.fail(ctx, op, fmt.Errorf("create offer: %w", err))
	}

	answer, err := fetch(ctx, *offer)
	if err != nil {
		return nil, t.fail(ctx, op, err)
	}
	if err := ctx.Err(); err != nil {
		log.Debug().Str("module", "signaling").Str("link", t.link).Msg("answer arrived after cancel, discarded")
		return nil, err
	}
	if err := Validate(answer.SDP); err != nil {
		return nil, t.fail(ctx, op, err)
	}
	answer.Type = webrtc.SDPTypeAnswer
	if err := t.conn.ApplyAnswer(answer); err != nil {
		return nil, t.fail(ctx, op, fmt.Errorf("apply answer: %w", err))
	}
	log.Info().Str("module", "signaling").Str("link", t.link).Msg("negotiated")
	return &answer, nil
}

// Answer is the responder side: apply the remote offer and send back the local answer.
func (t *Transport) Answer(ctx context.Context, offer webrtc.SessionDescription, send AnswerSender) error {
	const op = "answer"
	if err := t.acquire(op); err != nil {
		return err
	}
	defer t.release()

	if err := Validate(offer.SDP); err != nil {
		return t.fail(ctx, op, err)
	}
	offer.Type = webrtc.SDPTypeOffer
	answer, err := t.conn.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		return t.fail(ctx, op, fmt.Errorf("create answer: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := send(ctx, *answer); err != nil {
		return t.fail(ctx, op, err)
	}
	log.Info().Str("module", "signaling").Str("link", t.link).Msg("answered")
	return nil
}

// fail keeps a cancellation as it is, and classifies anything else as a negotiation failure
// unless the cause already carries a kind.
func (t *Transport) fail(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var le *domain.LinkError
	if errors.As(err, &le) {
		return err
	}
	return domain.NewLinkError(t.link, op, domain.ErrNegotiation, err)
}

// Validate checks that s parses as SDP and carries at least one media section.
func Validate(s string) error {
	if s == "" {
		return ErrEmptyDescription
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(s)); err != nil {
		return fmt.Errorf("parse sdp: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return ErrNoMedia
	}
	return nil
}

// RenegotiateTimeout bounds a renegotiation started by the remote side.
const RenegotiateTimeout = 10 * time.Second
