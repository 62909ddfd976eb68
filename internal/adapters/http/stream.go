package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/voicebridge/internal/app/orch"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

var (
	ErrBackpressure = errors.New("backpressure")
	ErrStreamClosed = errors.New("connection closed")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamConn is one status stream client. Replies to its own messages go through send;
// session notifications come from the subscription.
type streamConn struct {
	conn *websocket.Conn
	send chan []byte
	sub  *orch.Subscription

	mu     sync.RWMutex
	closed bool
}

func (c *streamConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrStreamClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *streamConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

func (s *Server) handleStatusStream(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	conn := &streamConn{
		conn: ws,
		send: make(chan []byte, 32),
		sub:  s.ctl.Subscribe(),
	}
	log.Info().Str("module", "adapters.http").Str("subscriber", conn.sub.ID).Msg("status stream opened")

	snap := s.ctl.Snapshot()
	if b, err := json.Marshal(orch.Notification{Type: orch.NotifyStatus, Status: &snap}); err == nil {
		_ = conn.TrySend(b)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go s.writePump(ctx, conn)
	go func() {
		defer cancel()
		s.readPump(conn)
	}()
}

func (s *Server) writePump(ctx context.Context, c *streamConn) {
	var ping <-chan time.Time
	if s.pingPeriod > 0 {
		ticker := time.NewTicker(s.pingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer func() {
		s.ctl.Unsubscribe(c.sub)
		c.Close()
	}()

	for {
		var data []byte
		select {
		case <-ctx.Done():
			return
		case b, ok := <-c.send:
			if !ok {
				return
			}
			data = b
		case n, ok := <-c.sub.C:
			if !ok {
				log.Warn().Str("module", "adapters.http").Str("subscriber", c.sub.ID).Msg("subscription dropped")
				return
			}
			b, err := json.Marshal(n)
			if err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("notification marshal")
				continue
			}
			data = b
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		}

		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("writePump set deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug().Err(err).Str("module", "adapters.http").Msg("writePump write error")
			return
		}
	}
}

func (s *Server) readPump(c *streamConn) {
	defer func() {
		log.Info().Str("module", "adapters.http").Str("subscriber", c.sub.ID).Msg("status stream closing")
		c.Close()
	}()
	if s.readLimit > 0 {
		c.conn.SetReadLimit(s.readLimit)
	}
	if s.pingPeriod > 0 {
		pongWait := s.pingPeriod * 10 / 9
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("bad json")
			continue
		}
		switch env.Type {
		case "ping":
			_ = c.TrySend([]byte(`{"type":"pong"}`))
		default:
			log.Warn().Str("module", "adapters.http").Str("type", env.Type).Msg("unknown stream message")
		}
	}
}
