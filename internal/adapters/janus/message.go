package janus

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/voicebridge/internal/core"
)

// Janus envelope kinds.
const (
	kindCreate    = "create"
	kindAttach    = "attach"
	kindMessage   = "message"
	kindKeepalive = "keepalive"
	kindDetach    = "detach"
	kindDestroy   = "destroy"

	kindSuccess  = "success"
	kindError    = "error"
	kindAck      = "ack"
	kindEvent    = "event"
	kindHangup   = "hangup"
	kindDetached = "detached"
	kindWebRTCUp = "webrtcup"
	kindMedia    = "media"
	kindSlowLink = "slowlink"
	kindTimeout  = "timeout"
)

type request struct {
	Janus       string     `json:"janus"`
	Transaction string     `json:"transaction"`
	SessionID   uint64     `json:"session_id,omitempty"`
	HandleID    uint64     `json:"handle_id,omitempty"`
	Plugin      string     `json:"plugin,omitempty"`
	OpaqueID    string     `json:"opaque_id,omitempty"`
	Body        any        `json:"body,omitempty"`
	JSEP        *core.JSEP `json:"jsep,omitempty"`
}

type response struct {
	Janus       string `json:"janus"`
	Transaction string `json:"transaction,omitempty"`
	SessionID   uint64 `json:"session_id,omitempty"`
	Sender      uint64 `json:"sender,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Data        *struct {
		ID uint64 `json:"id"`
	} `json:"data,omitempty"`
	PluginData *struct {
		Plugin string          `json:"plugin"`
		Data   json.RawMessage `json:"data"`
	} `json:"plugindata,omitempty"`
	JSEP  *core.JSEP `json:"jsep,omitempty"`
	Error *Error     `json:"error,omitempty"`
}

func (r *response) pluginEvent() *core.PluginEvent {
	ev := &core.PluginEvent{JSEP: r.JSEP}
	if r.PluginData != nil {
		ev.Plugin = r.PluginData.Plugin
		ev.Data = r.PluginData.Data
	}
	return ev
}

// Error is a gateway-level failure reply.
type Error struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("janus error %d: %s", e.Code, e.Reason)
}

// PluginError is a failure reported inside a plugin payload.
type PluginError struct {
	Code   int    `json:"error_code"`
	Reason string `json:"error"`
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin error %d: %s", e.Code, e.Reason)
}

// pluginError extracts error_code/error from a plugin payload, if present.
func pluginError(data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	var pe PluginError
	if err := json.Unmarshal(data, &pe); err != nil || pe.Code == 0 {
		return nil
	}
	return &pe
}
