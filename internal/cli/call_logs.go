package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/corvino/connectsphere/internal/protocol"
	"github.com/spf13/cobra"
)

func newCallLogsCmd() *cobra.Command {
	var (
		limit  int
		format string
	)

	cmd := &cobra.Command{
		Use:   "call-logs [room]",
		Short: "List completed calls recorded in a conversation room",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			room := cfg.Room
			if len(args) == 1 {
				room = args[0]
			}
			if room == "" {
				return fmt.Errorf("room is required (argument, -r or CONNECTSPHERE_ROOM)")
			}

			logs, err := newRelay("call-logs").CallLogs(cmd.Context(), room, limit)
			if err != nil {
				return err
			}
			return printMessages(logs, format)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "max call records to list (0 for all)")
	cmd.Flags().StringVar(&format, "format", "plain", "output format: plain, json")

	return cmd
}

func printMessages(msgs []protocol.Envelope, format string) error {
	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(msgs)
	}

	if len(msgs) == 0 {
		fmt.Println("no calls recorded")
		return nil
	}

	for _, env := range msgs {
		fmt.Println(formatPlain(env))
	}
	return nil
}
