package cli

import (
	"fmt"
	"os"

	"github.com/corvino/connectsphere/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagServer   string
	flagRoom     string
	flagUser     string
	flagLogLevel string
	flagLogJSON  bool

	// cfg is the resolved project config. Flags override its fields in
	// PersistentPreRunE.
	cfg = &config.Config{Server: config.DefaultServer}
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "connectsphere",
		Short:         "ConnectSphere - peer-to-peer calls and chunked media transfer over a relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(flagLogLevel)
			if err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
			log.SetLevel(level)
			if flagLogJSON {
				log.SetFormatter(&log.JSONFormatter{})
			}
			cfg.Server = flagServer
			cfg.Room = flagRoom
			cfg.User = flagUser
			return nil
		},
	}

	// Resolve defaults: flags > env vars > .connectsphere.yaml > hardcoded defaults.
	if wd, err := os.Getwd(); err == nil {
		if loaded, err := config.Load(wd); err == nil {
			cfg = loaded
		} else {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}

	root.PersistentFlags().StringVarP(&flagServer, "server", "s", cfg.Server, "relay server URL")
	root.PersistentFlags().StringVarP(&flagRoom, "room", "r", cfg.Room, "room name")
	root.PersistentFlags().StringVarP(&flagUser, "name", "n", cfg.User, "your user id")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit JSON logs")

	root.AddCommand(
		newJoinCmd(),
		newStatusCmd(),
		newRoomsCmd(),
		newWatchCmd(),
		newUploadCmd(),
		newDownloadCmd(),
		newCallCmd(),
		newListenCmd(),
		newGroupCmd(),
		newCallLogsCmd(),
		newMCPServeCmd(),
	)

	return root
}

// Execute runs the CLI.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func requireRoom() error {
	if cfg.Room == "" {
		return fmt.Errorf("room is required (use -r or %s)", config.EnvRoom)
	}
	return nil
}

func requireUser() error {
	if cfg.User == "" {
		return fmt.Errorf("name is required (use -n, %s or connectsphere join)", config.EnvUser)
	}
	return nil
}
