package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/spotter/internal/controller"
	"github.com/andresmejia3/spotter/internal/types"
	"github.com/spf13/cobra"
)

var (
	showFormat  string
	showOutput  string
	showArchive bool
)

var showCmd = &cobra.Command{
	Use:   "show <video_id>",
	Short: "Show the detections of a processed video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseVideoID(args[0])
		if err != nil {
			return fail("Invalid video ID", err)
		}
		ctx := cmd.Context()

		var dets []types.Detection
		if showArchive {
			db, err := openArchive(ctx, true)
			if err != nil {
				return err
			}
			if dets, err = db.RunDetections(ctx, id); err != nil {
				return fail("Failed to read archived detections", err)
			}
		} else {
			if dets, err = Client.Detections(ctx, id); err != nil {
				return fail(controller.MsgDetections, err)
			}
		}

		var w io.Writer = cmd.OutOrStdout()
		if showOutput != "" {
			f, err := os.Create(showOutput)
			if err != nil {
				return fail("Failed to create output file", err)
			}
			defer f.Close()
			w = f
		}

		if err := writeDetections(w, dets, showFormat); err != nil {
			return fail("Failed to write detections", err)
		}
		if showOutput != "" {
			fmt.Fprintf(os.Stderr, "💾 Wrote %d detections to %s\n", len(dets), showOutput)
		}
		return nil
	},
}

func init() {
	showCmd.Flags().StringVarP(&showFormat, "format", "f", formatTable, "Output format: table, json or msgpack")
	showCmd.Flags().StringVarP(&showOutput, "output", "o", "", "Write to a file instead of stdout")
	showCmd.Flags().BoolVar(&showArchive, "archive", false, "Read from the local archive instead of the server")
	rootCmd.AddCommand(showCmd)
}
