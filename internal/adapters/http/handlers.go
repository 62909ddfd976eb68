package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

var errBadPayload = errors.New("bad payload")

type TextRequest struct {
	Text string `json:"text" binding:"required"`
}

type MuteRequest struct {
	Muted *bool `json:"muted" binding:"required"`
}

// statusFor maps an error kind onto the HTTP status of the control API.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadPayload), errors.Is(err, domain.ErrEventTypeMissing):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyActive), errors.Is(err, domain.ErrChannelNotReady),
		errors.Is(err, domain.ErrNegotiationInFlight), errors.Is(err, domain.ErrNotPublished):
		return http.StatusConflict
	case errors.Is(err, domain.ErrMediaAccess):
		return http.StatusFailedDependency
	case errors.Is(err, domain.ErrCredential), errors.Is(err, domain.ErrNegotiation),
		errors.Is(err, domain.ErrTimeout), errors.Is(err, domain.ErrRoomJoin), errors.Is(err, domain.ErrProtocol):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrNoSession):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abortWith(c *gin.Context, err error) {
	code := statusFor(err)
	log.Warn().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Int("code", code).Msg("request failed")
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) handleHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": s.ctl.History()})
}

func (s *Server) handleStart(c *gin.Context) {
	if err := s.ctl.Start(c.Request.Context()); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) handleStop(c *gin.Context) {
	s.ctl.Stop(c.Request.Context())
	c.JSON(http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) handleSendEvent(c *gin.Context) {
	var ev domain.ClientEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		abortWith(c, errors.Join(errBadPayload, err))
		return
	}
	if ev.Type() == "" {
		abortWith(c, domain.ErrEventTypeMissing)
		return
	}
	id := ev.EnsureID()
	if err := s.ctl.Send(ev); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"event_id": id})
}

func (s *Server) handleSendText(c *gin.Context) {
	var req TextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, errors.Join(errBadPayload, errors.New("missing or invalid text")))
		return
	}
	if err := s.ctl.SendText(req.Text); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleJoinRoom(c *gin.Context) {
	if err := s.ctl.JoinRoom(c.Request.Context()); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) handleLeaveRoom(c *gin.Context) {
	if err := s.ctl.LeaveRoom(c.Request.Context()); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, s.ctl.Snapshot())
}

func (s *Server) handleMuteRoom(c *gin.Context) {
	var req MuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWith(c, errors.Join(errBadPayload, errors.New("missing or invalid muted")))
		return
	}
	if err := s.ctl.SetRoomMuted(c.Request.Context(), *req.Muted); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, s.ctl.Snapshot())
}
