package cli

import (
	"fmt"
	"os"

	"github.com/corvino/connectsphere/internal/call"
	"github.com/corvino/connectsphere/internal/daemon"
	"github.com/spf13/cobra"
)

func newListenCmd() *cobra.Command {
	var (
		autoAccept bool
		avatar     string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stay reachable for calls on your personal ring channel",
		Long: `Subscribes to user:<id> and reports incoming calls. With --auto-accept
every ring is answered unless another call already holds the media devices,
in which case the caller is told the line is busy.

Before running listen, use "connectsphere join" to configure your .connectsphere.yaml file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireUser(); err != nil {
				return err
			}
			calls, err := newCalls(newRelay(cfg.User))
			if err != nil {
				return err
			}

			meta := map[string]string{"name": cfg.User}
			if avatar != "" {
				meta["avatar"] = avatar
			}
			return daemon.Run(cmd.Context(), daemon.Config{
				Calls:      calls,
				AutoAccept: autoAccept,
				Meta:       meta,
				OnSession: func(s *call.Session) {
					fmt.Fprintf(os.Stderr, "incoming %s call from %s in room %s\n", s.Media().CallType(), s.RemoteID(), s.RoomID())
				},
			})
		},
	}

	cmd.Flags().BoolVar(&autoAccept, "auto-accept", false, "answer every incoming call")
	cmd.Flags().StringVar(&avatar, "avatar", "", "avatar URL announced to callers")

	return cmd
}
