package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/andresmejia3/spotter/internal/utils"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var fetchOutput string

var fetchCmd = &cobra.Command{
	Use:   "fetch <video_id>",
	Short: "Download the processed video with detections drawn in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseVideoID(args[0])
		if err != nil {
			return fail("Invalid video ID", err)
		}
		return runFetch(cmd, id, fetchDestination(id, fetchOutput, Cfg.DownloadDir))
	},
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchOutput, "output", "o", "", "Destination file (default: <download_dir>/video_<id>_processed.mp4)")
	rootCmd.AddCommand(fetchCmd)
}

// fetchDestination resolves where a processed video is written.
func fetchDestination(id int, output, downloadDir string) string {
	if output != "" {
		return output
	}
	return filepath.Join(downloadDir, fmt.Sprintf("video_%d_processed.mp4", id))
}

func runFetch(cmd *cobra.Command, id int, dest string) error {
	body, size, _, err := Client.OpenProcessed(cmd.Context(), id)
	if err != nil {
		return fail("Failed to fetch processed video", err)
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fail("Failed to create download directory", err)
	}

	// Write next to the destination and rename so an interrupted download never
	// leaves a truncated video behind
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".spotter-download-*")
	if err != nil {
		return fail("Failed to create output file", err)
	}
	defer os.Remove(tmp.Name())

	bar := progressbar.NewOptions64(size,
		progressbar.OptionSetDescription(fmt.Sprintf("⬇️  Video %d", id)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
	)

	n, err := io.Copy(io.MultiWriter(tmp, bar), body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fail("Download failed", err)
	}
	bar.Finish()

	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fail("Failed to save processed video", err)
	}
	fmt.Fprintf(os.Stderr, "\n💾 Saved %s (%s)\n", dest, utils.FormatBytes(n))
	return nil
}
