package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/cricket/pkg/binding"
	"github.com/go-go-golems/cricket/pkg/ui"
)

func newJoinCmd(rf *rootFlags) *cobra.Command {
	var presencePayload string
	cmd := &cobra.Command{
		Use:   "join <room>",
		Short: "Join a room: terminal UI on a TTY, headless message tail otherwise",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			room := args[0]
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := rf.resolve()
			if err != nil {
				return err
			}
			if s.memory {
				log.Warn().Msg("--memory hub is process-local; nobody else can join this room")
			}

			presence := presencePayload
			if presence == "" {
				b, _ := json.Marshal(map[string]string{"name": s.participant})
				presence = string(b)
			}
			if !json.Valid([]byte(presence)) {
				return errors.Errorf("presence payload is not valid JSON: %s", presence)
			}

			dial, cleanup := s.dialer()
			defer cleanup()
			client, err := dial(ctx, s.participant)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			b, err := binding.New(client, room, binding.WithInitialPresence(json.RawMessage(presence)))
			if err != nil {
				return err
			}

			if isatty.IsTerminal(os.Stdout.Fd()) {
				return ui.Run(ctx, b, s.participant)
			}
			return runHeadless(ctx, b)
		},
	}
	cmd.Flags().StringVar(&presencePayload, "presence", "", "presence payload as JSON (default {\"name\":<participant>})")
	return cmd
}

// runHeadless tails the room to the log until interrupted.
func runHeadless(ctx context.Context, b *binding.Binding) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	defer b.Release()
	logger := log.With().Str("room", b.ChannelName()).Logger()
	logger.Info().Msg("joined; press ctrl-c to leave")

	seen := 0
	lastMembers := -1
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.Updates():
			msgs := b.Messages()
			for ; seen < len(msgs); seen++ {
				logger.Info().
					Str("type", msgs[seen].Type).
					RawJSON("payload", payloadOrNull(msgs[seen].Payload)).
					Msg("message")
			}
			members := b.PresenceSet()
			if len(members) != lastMembers {
				lastMembers = len(members)
				ids := make([]string, 0, len(members))
				for _, m := range members {
					ids = append(ids, m.ParticipantID)
				}
				logger.Info().Strs("members", ids).Msg("presence")
			}
		}
	}
}

func payloadOrNull(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage("null")
	}
	return p
}
