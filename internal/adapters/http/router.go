package http

import (
	"context"
	"time"

	"github.com/dkeye/voicebridge/internal/app/orch"
	"github.com/dkeye/voicebridge/internal/config"
	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Controller is the session controller as seen by the control API.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	Send(ev domain.ClientEvent) error
	SendText(text string) error
	JoinRoom(ctx context.Context) error
	LeaveRoom(ctx context.Context) error
	SetRoomMuted(ctx context.Context, muted bool) error
	Snapshot() domain.Snapshot
	History() []domain.Event
	Subscribe() *orch.Subscription
	Unsubscribe(s *orch.Subscription)
}

type Server struct {
	ctl        Controller
	limiter    *RateLimiter
	readLimit  int64
	pingPeriod time.Duration
}

func SetupRouter(cfg *config.Config, ctl Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	s := &Server{
		ctl:        ctl,
		limiter:    NewRateLimiter(cfg.API.RateLimit, cfg.API.RateInterval),
		readLimit:  cfg.ReadLimit,
		pingPeriod: cfg.PingPeriod,
	}

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/events", s.handleHistory)
	api.GET("/ws/status", s.handleStatusStream)

	limited := api.Group("", s.limiter.Middleware())
	limited.POST("/session/start", s.handleStart)
	limited.POST("/session/stop", s.handleStop)
	limited.POST("/events", s.handleSendEvent)
	limited.POST("/messages", s.handleSendText)
	limited.POST("/room/join", s.handleJoinRoom)
	limited.POST("/room/leave", s.handleLeaveRoom)
	limited.POST("/room/mute", s.handleMuteRoom)

	log.Info().Str("module", "adapters.http").Int("rate_limit", cfg.API.RateLimit).Msg("router setup")
	return r
}
