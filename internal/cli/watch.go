package cli

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/corvino/connectsphere/internal/protocol"
	"github.com/corvino/connectsphere/internal/realtime"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var noColor bool

	cmd := &cobra.Command{
		Use:   "watch [channel]",
		Short: "Watch a channel for live events and presence via WebSocket",
		Long: `Subscribes to a relay channel and prints every event and presence change.
Channels include call:<room>, group-call:<room> and user:<id>. Defaults to
the configured room.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel := cfg.Room
			if len(args) == 1 {
				channel = args[0]
			}
			if channel == "" {
				return fmt.Errorf("channel is required (argument, -r or CONNECTSPHERE_ROOM)")
			}
			sender := cfg.User
			if sender == "" {
				sender = "watcher"
			}

			format := formatColor
			if noColor {
				format = formatPlain
			}

			client := realtime.NewWSClient(cfg.Server, sender)
			ch := client.Channel(channel, realtime.ChannelOptions{Reconnect: true})
			ch.On(realtime.AnyEvent, func(m realtime.Message) {
				fmt.Println(format(protocol.Envelope{
					Room:      m.Channel,
					Sender:    m.Sender,
					Type:      m.Event,
					Payload:   m.Payload,
					Timestamp: time.Now(),
				}))
			})
			ch.OnPresenceSync(func(p realtime.Presence) {
				fmt.Fprintf(os.Stderr, "present: %s\n", formatPresence(p))
			})

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)
			defer signal.Stop(interrupt)

			fmt.Fprintf(os.Stderr, "connecting to %s as %q ...\n", channel, sender)
			if err := ch.Subscribe(func(st realtime.Status) {
				fmt.Fprintf(os.Stderr, "channel %s: %s\n", channel, st)
			}); err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			defer ch.Close()

			<-interrupt
			fmt.Fprintln(os.Stderr, "\ndisconnecting...")
			return nil
		},
	}

	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output (useful for piping/logging)")

	return cmd
}

func formatPresence(p realtime.Presence) string {
	if len(p) == 0 {
		return "(nobody)"
	}
	ids := make([]string, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, ", ")
}
