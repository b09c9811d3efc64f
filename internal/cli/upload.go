package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/corvino/connectsphere/internal/transfer"
	"github.com/spf13/cobra"
)

func newUploadCmd() *cobra.Command {
	var (
		contentType string
		quiet       bool
	)

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file in chunks and print its manifest",
		Long: `Splits a file into chunks, uploads them concurrently with retries and
prints the manifest JSON on stdout. Pass the manifest to "download" to get the
file back. Progress goes to stderr.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rc := newRelay("uploader")
			engine, err := newEngine(ctx, rc)
			if err != nil {
				return err
			}

			file, f, err := transfer.OpenFile(args[0], contentType)
			if err != nil {
				return err
			}
			defer f.Close()

			var progress transfer.ProgressFunc
			if !quiet {
				progress = func(p int) { fmt.Fprintf(os.Stderr, "\ruploading %s: %3d%%", file.Name, p) }
			}
			manifest, err := engine.Upload(ctx, file, progress)
			if !quiet {
				fmt.Fprintln(os.Stderr)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(manifest)
		},
	}

	cmd.Flags().StringVarP(&contentType, "type", "t", "", "MIME type (guessed from the extension if omitted)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress output")

	return cmd
}
