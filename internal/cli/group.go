package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corvino/connectsphere/internal/call"
	"github.com/spf13/cobra"
)

func newGroupCmd() *cobra.Command {
	var video bool

	cmd := &cobra.Command{
		Use:   "group [room]",
		Short: "Join the full-mesh group call of a room",
		Long: `Joins group-call:<room>. Participants find each other through presence and
connect pairwise; nothing rings. Press Ctrl+C to leave.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(); err != nil {
				return err
			}
			room := cfg.Room
			if len(args) == 1 {
				room = args[0]
			}
			if room == "" {
				return fmt.Errorf("room is required (argument, -r or CONNECTSPHERE_ROOM)")
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

			g, err := calls.JoinGroup(ctx, room, media)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "joined group call %s (%s)\n", room, media.CallType())

			ticker := time.NewTicker(250 * time.Millisecond)
			defer ticker.Stop()
			seen := make(map[string]call.PeerView)
			for {
				select {
				case <-g.Done():
					fmt.Fprintf(os.Stderr, "group call ended: %s\n", g.EndReason())
					return nil
				case <-ctx.Done():
					g.Leave()
					fmt.Fprintln(os.Stderr, "\nleft group call")
					return nil
				case <-ticker.C:
					printViewChanges(seen, g.Views())
				}
			}
		},
	}

	cmd.Flags().BoolVar(&video, "video", false, "send video as well as audio")

	return cmd
}

// printViewChanges reports participants that joined, left or changed state
// since the previous snapshot, and updates seen.
func printViewChanges(seen map[string]call.PeerView, views []call.PeerView) {
	current := make(map[string]bool, len(views))
	for _, v := range views {
		current[v.ID] = true
		prev, ok := seen[v.ID]
		switch {
		case !ok:
			fmt.Fprintf(os.Stderr, "+ %s joined\n", displayName(v))
		case prev.State != v.State:
			fmt.Fprintf(os.Stderr, "  %s: %s\n", displayName(v), v.State)
		case prev.ShowPlaceholder && !v.ShowPlaceholder:
			fmt.Fprintf(os.Stderr, "  %s: receiving %d tracks\n", displayName(v), len(v.Tracks))
		}
		seen[v.ID] = v
	}
	for id, v := range seen {
		if !current[id] {
			fmt.Fprintf(os.Stderr, "- %s left\n", displayName(v))
			delete(seen, id)
		}
	}
}

func displayName(v call.PeerView) string {
	if v.Profile.Name != "" && v.Profile.Name != v.ID {
		return fmt.Sprintf("%s (%s)", v.Profile.Name, v.ID)
	}
	return v.ID
}
