package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// config.Load logs, so the logger is set up before it and reconfigured after.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("bridge failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bridge",
		Short:         "Bridge a realtime model session into an audiobridge room",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.String("mode", "release", "gin mode (debug, release)")
	f.Int("port", 8080, "control API port")
	f.String("log-level", "info", "log level")
	f.String("log-format", "console", "log format (console, json)")
	f.String("token-url", "", "ephemeral key endpoint")
	f.String("model-url", "", "model SDP endpoint")
	f.String("room-server", "", "gateway websocket address")
	f.Uint64("room-id", 0, "audiobridge room id")
	f.Bool("no-room", false, "run without the room bridge")
	f.String("mic", "", "Ogg/Opus file used as the microphone")
	f.String("playback", "", "Ogg file that records the routed model audio")

	root.AddCommand(newServeCmd(), newSayCmd())
	return root
}
