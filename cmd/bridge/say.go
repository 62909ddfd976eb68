package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/voicebridge/internal/app/orch"
	"github.com/dkeye/voicebridge/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newSayCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "say <text>",
		Short: "Start a session, send one message and wait for the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			b, err := build(cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			transcript, err := say(ctx, b.orch, strings.Join(args, " "))
			if transcript != "" {
				fmt.Fprintln(cmd.OutOrStdout(), transcript)
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", time.Minute, "how long to wait for the response")
	return cmd
}

// say runs one exchange and returns the transcript of the model's response, if any.
func say(ctx context.Context, o *orch.Orchestrator, text string) (string, error) {
	sub := o.Subscribe()
	defer o.Unsubscribe(sub)

	if err := o.Start(ctx); err != nil {
		return "", err
	}
	defer o.Stop(context.Background())

	if err := o.SendText(text); err != nil {
		return "", err
	}

	var transcript strings.Builder
	for {
		select {
		case <-ctx.Done():
			return transcript.String(), fmt.Errorf("waiting for %s: %w", domain.EventResponseDone, ctx.Err())
		case n, ok := <-sub.C:
			if !ok {
				return transcript.String(), errors.New("status stream dropped")
			}
			if n.Type == orch.NotifyStatus && n.Status.Status == domain.StatusClosed {
				return transcript.String(), fmt.Errorf("session closed before %s", domain.EventResponseDone)
			}
			if n.Type != orch.NotifyEvent || n.Event.Direction != domain.DirectionServer {
				continue
			}
			switch ev := n.Event; {
			case strings.HasSuffix(ev.Type, "transcript.done"):
				var body struct {
					Transcript string `json:"transcript"`
				}
				if err := json.Unmarshal(ev.Payload, &body); err == nil {
					transcript.WriteString(body.Transcript)
				}
			case ev.Type == domain.EventError:
				log.Warn().RawJSON("event", ev.Payload).Msg("model reported an error")
			case ev.Type == domain.EventResponseDone:
				return transcript.String(), nil
			}
		}
	}
}
