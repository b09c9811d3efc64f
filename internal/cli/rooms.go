package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRoomsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List active channels on the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := newRelay("rooms").Rooms(cmd.Context())
			if err != nil {
				return err
			}

			if len(list.Rooms) == 0 {
				fmt.Println("no active rooms")
				return nil
			}

			fmt.Printf("%-28s %8s %8s %8s %8s\n", "ROOM", "CLIENTS", "PRESENT", "MSGS", "LAST SEQ")
			for _, r := range list.Rooms {
				fmt.Printf("%-28s %8d %8d %8d %8d\n", r.Name, r.Clients, r.Present, r.MessageCount, r.LastSeq)
			}
			return nil
		},
	}
}
