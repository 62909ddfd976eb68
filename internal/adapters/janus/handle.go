package janus

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/rs/zerolog/log"
)

// Handle is one plugin attachment. It implements core.PluginHandle.
type Handle struct {
	c      *Client
	id     uint64
	mu     sync.Mutex
	closed bool
	events chan *core.PluginEvent
}

var _ core.PluginHandle = (*Handle)(nil)

func (h *Handle) ID() uint64 { return h.id }

func (h *Handle) Events() <-chan *core.PluginEvent { return h.events }

// Request sends a plugin message. Plugin-level failures come back as *PluginError.
func (h *Handle) Request(ctx context.Context, body any, jsep *core.JSEP) (*core.PluginEvent, error) {
	resp, err := h.c.transact(ctx, &request{Janus: kindMessage, HandleID: h.id, Body: body, JSEP: jsep}, true)
	if err != nil {
		return nil, err
	}
	if resp.Janus != kindEvent && resp.Janus != kindSuccess {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedReply, resp.Janus)
	}
	ev := resp.pluginEvent()
	if err := pluginError(ev.Data); err != nil {
		return ev, err
	}
	return ev, nil
}

func (h *Handle) Detach(ctx context.Context) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil
	}
	_, err := h.c.transact(ctx, &request{Janus: kindDetach, HandleID: h.id}, false)
	h.c.forget(h.id)
	h.closeEvents()
	return err
}

func (h *Handle) push(ev *core.PluginEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	default:
		log.Warn().Str("module", "janus").Uint64("handle", h.id).Msg("event buffer full, dropping")
	}
}

func (h *Handle) closeEvents() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
}
