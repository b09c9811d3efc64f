package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/corvino/connectsphere/internal/transfer"
	"github.com/spf13/cobra"
)

func newDownloadCmd() *cobra.Command {
	var (
		output string
		quiet  bool
	)

	cmd := &cobra.Command{
		Use:   "download <manifest.json|->",
		Short: "Download every chunk of a manifest and reassemble the file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var raw []byte
			var err error
			if args[0] == "-" {
				raw, err = io.ReadAll(os.Stdin)
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			var manifest transfer.Manifest
			if err := json.Unmarshal(raw, &manifest); err != nil {
				return fmt.Errorf("invalid manifest: %w", err)
			}

			engine, err := newEngine(ctx, newRelay("downloader"))
			if err != nil {
				return err
			}

			var progress transfer.ProgressFunc
			if !quiet {
				progress = func(p int) { fmt.Fprintf(os.Stderr, "\rdownloading: %3d%%", p) }
			}
			obj, err := engine.DownloadManifest(ctx, manifest, transfer.ContentTypeFor(output), progress)
			if !quiet {
				fmt.Fprintln(os.Stderr)
			}
			if err != nil {
				return err
			}
			defer obj.Release()

			if output == "" || output == "-" {
				_, err = os.Stdout.Write(obj.Data)
				return err
			}
			if err := os.WriteFile(output, obj.Data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(os.Stderr, "saved %d bytes to %s\n", obj.Size(), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write (default: stdout)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress output")

	return cmd
}
