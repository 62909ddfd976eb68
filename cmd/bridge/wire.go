package main

import (
	"fmt"

	"github.com/dkeye/voicebridge/internal/adapters/janus"
	"github.com/dkeye/voicebridge/internal/adapters/media"
	"github.com/dkeye/voicebridge/internal/adapters/openai"
	"github.com/dkeye/voicebridge/internal/adapters/rtc"
	"github.com/dkeye/voicebridge/internal/app"
	"github.com/dkeye/voicebridge/internal/app/modellink"
	"github.com/dkeye/voicebridge/internal/app/orch"
	"github.com/dkeye/voicebridge/internal/app/roomlink"
	"github.com/dkeye/voicebridge/internal/config"
	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/spf13/cobra"
)

const maxDroppedNotifications = 32

// bridge is the wired process: the session controller and the local media it owns.
type bridge struct {
	cfg      *config.Config
	orch     *orch.Orchestrator
	playback *media.Playback
}

func (b *bridge) Close() error {
	return b.playback.Close()
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	config.SetupLogger(cfg)
	return cfg, nil
}

func build(cfg *config.Config) (*bridge, error) {
	api, err := rtc.NewAPI(rtc.Options{ICEServers: cfg.ICEServers, IncludeLoopback: cfg.IncludeLoopback})
	if err != nil {
		return nil, fmt.Errorf("webrtc api: %w", err)
	}
	endpoint := openai.NewClient(openai.Config{
		TokenURL: cfg.TokenURL,
		ModelURL: cfg.ModelURL,
		Timeout:  cfg.HTTPTimeout,
	})

	playback, err := media.NewPlayback(cfg.Audio.Playback)
	if err != nil {
		return nil, err
	}

	deps := orch.Deps{
		NewModel: func(events *domain.EventLog) orch.ModelLink {
			return modellink.New(endpoint, api.Factory(domain.LinkModel), events, modellink.Config{
				NegotiateTimeout: cfg.NegotiateTimeout,
				RequireAudio:     cfg.Audio.RequireMicrophone,
			})
		},
		AutoJoin: cfg.Room.Enabled,
		Playback: playback,
		Retry:    app.FixedRetry{Retries: cfg.Room.JoinRetries, Delay: cfg.Room.RetryDelay},
		Policy:   app.SimplePolicy{MaxDropped: maxDroppedNotifications},
	}
	if cfg.Audio.Microphone != "" {
		mic, err := media.OpenMicrophone(cfg.Audio.Microphone, cfg.Audio.Loop)
		if err != nil {
			_ = playback.Close()
			return nil, err
		}
		deps.Microphone = mic
	}
	if cfg.Room.Enabled {
		dial := janus.Dialer(cfg.Room.Server, janus.Options{Keepalive: cfg.KeepalivePeriod})
		roomCfg := roomlink.Config{
			Room:            domain.RoomID(cfg.Room.ID),
			Display:         cfg.Room.Display,
			ListenerDisplay: cfg.Room.ListenerDisplay,
		}
		deps.NewRoom = func() orch.RoomLink {
			return roomlink.New(dial, api.Factory(domain.LinkRoom), roomCfg)
		}
	}

	return &bridge{cfg: cfg, orch: orch.New(deps), playback: playback}, nil
}
