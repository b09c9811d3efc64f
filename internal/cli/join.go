package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/corvino/connectsphere/internal/config"
	"github.com/corvino/connectsphere/internal/relay"
	"github.com/spf13/cobra"
)

func newJoinCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join <url> [room] [name]",
		Short: "Connect to a ConnectSphere relay",
		Long: `Connects to a relay, verifies it's reachable, and writes a
.connectsphere.yaml file in the current directory so all future commands
just work. An existing file keeps its transfer, ICE and S3 settings.`,
		Args: cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var serverURL, room, user string
			if len(args) >= 1 {
				serverURL = args[0]
			}
			if len(args) >= 2 {
				room = args[1]
			}
			if len(args) >= 3 {
				user = args[2]
			}
			return runJoin(cmd.Context(), serverURL, room, user)
		},
	}
	return cmd
}

func runJoin(ctx context.Context, serverURL, room, user string) error {
	reader := bufio.NewReader(os.Stdin)
	prompt := func(label string) string {
		fmt.Print(label)
		line, _ := reader.ReadString('\n')
		return strings.TrimSpace(line)
	}

	// 1. Get the server URL.
	if serverURL == "" {
		serverURL = prompt("Relay URL: ")
	}
	if serverURL == "" {
		return fmt.Errorf("server URL is required")
	}
	serverURL = strings.TrimRight(serverURL, "/")

	// 2. Health check.
	fmt.Printf("Connecting to %s ...\n", serverURL)
	health, err := relay.New(serverURL, "").Health(ctx)
	if err != nil {
		return fmt.Errorf("could not reach server: %w", err)
	}
	fmt.Printf("Connected! Server is %s (uptime: %s, %d rooms, %d blobs)\n", health.Status, health.Uptime, health.Rooms, health.Blobs)

	// 3. Prompt for room and user if needed.
	if room == "" {
		room = prompt("Default room (optional): ")
	}
	if user == "" {
		user = prompt("Your user id (e.g. alice): ")
	}
	if user == "" {
		return fmt.Errorf("user id is required")
	}

	// 4. Write .connectsphere.yaml, keeping tuning from an existing file.
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	out := &config.Config{}
	if existing, err := config.Read(config.FileName); err == nil {
		out = existing
	}
	out.Server = serverURL
	out.Room = room
	out.User = user

	path, err := config.Save(wd, out)
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)

	fmt.Println()
	fmt.Printf("  Server: %s\n", serverURL)
	if room != "" {
		fmt.Printf("  Room:   %s\n", room)
	}
	fmt.Printf("  User:   %s\n", user)
	fmt.Println()
	fmt.Println("  Quick commands:")
	fmt.Println("    connectsphere listen --auto-accept")
	fmt.Println("    connectsphere call <user> --video")
	fmt.Println("    connectsphere upload <file>")
	fmt.Println()
	return nil
}
