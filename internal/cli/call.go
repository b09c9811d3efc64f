package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corvino/connectsphere/internal/call"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newCallCmd() *cobra.Command {
	var (
		video bool
		room  string
	)

	cmd := &cobra.Command{
		Use:   "call <user>",
		Short: "Place a 1:1 call and stay on it until either side hangs up",
		Long: `Rings <user> on their personal channel and negotiates a peer connection
over call:<room>. The room defaults to the configured room, or a fresh id.
Press Ctrl+C to hang up.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(); err != nil {
				return err
			}
			if room == "" {
				room = cfg.Room
			}
			if room == "" {
				room = uuid.NewString()
			}
			media := call.AudioOnly
			if video {
				media = call.AudioVideo
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			calls, err := newCalls(newRelay(cfg.User))
			if err != nil {
				return err
			}
			defer calls.Stop()

			s, err := calls.Dial(ctx, room, args[0], media)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "calling %s (%s) in room %s ...\n", args[0], media.CallType(), room)
			return followSession(ctx, s)
		},
	}

	cmd.Flags().BoolVar(&video, "video", false, "start a video call")
	cmd.Flags().StringVar(&room, "room", "", "conversation room of the call")

	return cmd
}

// followSession prints state transitions until s ends. Cancelling ctx hangs up.
func followSession(ctx context.Context, s *call.Session) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	last := call.State("")
	for {
		if st := s.State(); st != last {
			fmt.Fprintf(os.Stderr, "state: %s\n", st)
			last = st
		}
		select {
		case <-s.Done():
			fmt.Fprintf(os.Stderr, "call ended: %s (connected %s)\n", s.EndReason(), s.Duration().Round(time.Second))
			return nil
		case <-ctx.Done():
			s.Hangup()
			<-s.Done()
			fmt.Fprintf(os.Stderr, "hung up after %s\n", s.Duration().Round(time.Second))
			return nil
		case <-ticker.C:
		}
	}
}
