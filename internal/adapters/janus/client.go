// Package janus is a minimal Janus gateway client over its WebSocket transport.
package janus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	Subprotocol = "janus-protocol"

	DefaultKeepalive = 25 * time.Second
	writeWait        = 5 * time.Second
	closeWait        = 2 * time.Second
	eventBuffer      = 32
)

var ErrUnexpectedReply = errors.New("unexpected gateway reply")

type Options struct {
	Keepalive        time.Duration
	HandshakeTimeout time.Duration
	Header           http.Header
}

type pending struct {
	// waitEvent keeps the transaction open past the ack of an asynchronous plugin request.
	waitEvent bool
	ch        chan *response
}

// Client is one Janus session. It implements core.Gateway.
type Client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	sessionID uint64
	pending   map[string]*pending
	handles   map[uint64]*Handle
}

var _ core.Gateway = (*Client)(nil)

// Dialer returns a core.GatewayDialer for url.
func Dialer(url string, opts Options) core.GatewayDialer {
	return func(ctx context.Context) (core.Gateway, error) {
		return Dial(ctx, url, opts)
	}
}

// Dial connects to the gateway and creates a session.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	d := websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	if d.HandshakeTimeout == 0 {
		d.HandshakeTimeout = 10 * time.Second
	}
	ws, _, err := d.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	c := &Client{
		conn:    ws,
		send:    make(chan []byte, eventBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]*pending),
		handles: make(map[uint64]*Handle),
	}
	go c.writePump()
	go c.readPump()

	resp, err := c.transact(ctx, &request{Janus: kindCreate}, false)
	if err != nil {
		c.shutdown()
		return nil, fmt.Errorf("create session: %w", err)
	}
	if resp.Data == nil || resp.Data.ID == 0 {
		c.shutdown()
		return nil, fmt.Errorf("create session: %w", ErrUnexpectedReply)
	}
	c.mu.Lock()
	c.sessionID = resp.Data.ID
	c.mu.Unlock()
	log.Info().Str("module", "janus").Uint64("session", resp.Data.ID).Str("url", url).Msg("gateway session created")

	keepalive := opts.Keepalive
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	go c.keepalive(keepalive)
	return c, nil
}

func (c *Client) SessionID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Done is closed when the gateway connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Attach(ctx context.Context, plugin, opaqueID string) (core.PluginHandle, error) {
	resp, err := c.transact(ctx, &request{Janus: kindAttach, Plugin: plugin, OpaqueID: opaqueID}, false)
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", plugin, err)
	}
	if resp.Data == nil || resp.Data.ID == 0 {
		return nil, fmt.Errorf("attach %s: %w", plugin, ErrUnexpectedReply)
	}
	h := &Handle{c: c, id: resp.Data.ID, events: make(chan *core.PluginEvent, eventBuffer)}
	c.mu.Lock()
	c.handles[h.id] = h
	c.mu.Unlock()
	log.Info().Str("module", "janus").Uint64("handle", h.id).Str("plugin", plugin).Msg("attached")
	return h, nil
}

// Close destroys the session and closes the connection. Safe to call twice.
func (c *Client) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeWait)
	defer cancel()
	if _, err := c.transact(ctx, &request{Janus: kindDestroy}, false); err != nil {
		log.Warn().Err(err).Str("module", "janus").Msg("destroy session")
	}
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()

		c.mu.Lock()
		handles := c.handles
		c.handles = make(map[uint64]*Handle)
		c.pending = make(map[string]*pending)
		c.mu.Unlock()
		for _, h := range handles {
			h.closeEvents()
		}
		log.Info().Str("module", "janus").Msg("gateway connection closed")
	})
}

// transact sends req with a fresh transaction id and waits for its reply.
func (c *Client) transact(ctx context.Context, req *request, waitEvent bool) (*response, error) {
	req.Transaction = uuid.NewString()
	c.mu.Lock()
	req.SessionID = c.sessionID
	p := &pending{waitEvent: waitEvent, ch: make(chan *response, 1)}
	c.pending[req.Transaction] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.Transaction)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	select {
	case c.send <- data:
	case <-c.done:
		return nil, domain.ErrGatewayClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-p.ch:
		if resp.Janus == kindError {
			if resp.Error != nil {
				return nil, resp.Error
			}
			return nil, ErrUnexpectedReply
		}
		return resp, nil
	case <-c.done:
		return nil, domain.ErrGatewayClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "janus").Msg("writePump set deadline")
				c.shutdown()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "janus").Msg("writePump write error")
				c.shutdown()
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer c.shutdown()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Error().Err(err).Str("module", "janus").Msg("readPump read error")
			}
			return
		}
		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Error().Err(err).Str("module", "janus").Msg("bad json")
			continue
		}
		if resp.Janus == kindTimeout {
			log.Warn().Str("module", "janus").Uint64("session", resp.SessionID).Msg("gateway session timed out")
			return
		}
		c.route(&resp)
	}
}

func (c *Client) route(resp *response) {
	if resp.Transaction != "" {
		c.mu.Lock()
		p, ok := c.pending[resp.Transaction]
		c.mu.Unlock()
		if ok {
			if resp.Janus == kindAck && p.waitEvent {
				return
			}
			select {
			case p.ch <- resp:
			default:
			}
			return
		}
	}

	c.mu.Lock()
	h := c.handles[resp.Sender]
	c.mu.Unlock()

	switch resp.Janus {
	case kindEvent:
		if h == nil {
			log.Debug().Str("module", "janus").Uint64("sender", resp.Sender).Msg("event for unknown handle")
			return
		}
		h.push(resp.pluginEvent())
	case kindHangup, kindDetached:
		log.Info().Str("module", "janus").Uint64("handle", resp.Sender).Str("kind", resp.Janus).Str("reason", resp.Reason).Msg("peer notice")
		if resp.Janus == kindDetached && h != nil {
			c.forget(h.id)
			h.closeEvents()
		}
	case kindWebRTCUp, kindMedia, kindSlowLink:
		log.Debug().Str("module", "janus").Uint64("handle", resp.Sender).Str("kind", resp.Janus).Msg("media notice")
	case kindAck:
	default:
		log.Warn().Str("module", "janus").Str("kind", resp.Janus).Msg("unknown gateway message")
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.handles, id)
	c.mu.Unlock()
}

func (c *Client) keepalive(period time.Duration) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), period)
			if _, err := c.transact(ctx, &request{Janus: kindKeepalive}, false); err != nil {
				log.Warn().Err(err).Str("module", "janus").Msg("keepalive")
			}
			cancel()
		}
	}
}
