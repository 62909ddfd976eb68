package rtc

import (
	"fmt"

	"github.com/dkeye/voicebridge/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

const DefaultSTUN = "stun:stun.l.google.com:19302"

type Options struct {
	ICEServers      []string
	IncludeLoopback bool
}

// API builds peer connections that share one media engine and interceptor chain.
type API struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{DefaultSTUN},
			},
		},
	}
}

// NewAPI registers Opus as the only audio codec and the default NACK/RTCP interceptors.
func NewAPI(opts Options) (*API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: OpusCapability(),
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	cfg := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}

	return &API{
		api: webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir), webrtc.WithSettingEngine(se)),
		cfg: cfg,
	}, nil
}

func OpusCapability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
}

func (a *API) NewConnection(name string) (*WebRTCConnection, error) {
	pc, err := a.api.NewPeerConnection(a.cfg)
	if err != nil {
		return nil, err
	}
	return newConnection(pc, name), nil
}

// Factory adapts NewConnection to core.ConnectionFactory for one named link.
func (a *API) Factory(name string) core.ConnectionFactory {
	return func() (core.MediaConnection, error) {
		return a.NewConnection(name)
	}
}
