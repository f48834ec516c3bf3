package cmd

import (
	"fmt"

	"github.com/andresmejia3/spotter/internal/controller"
	"github.com/andresmejia3/spotter/internal/types"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <video_id>",
	Short: "Show the processing status of a video once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseVideoID(args[0])
		if err != nil {
			return fail("Invalid video ID", err)
		}

		st, err := Client.Status(cmd.Context(), id)
		if err != nil {
			return fail(controller.MsgStatus, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Video %d: %s | Progress: %.0f%% | Detections: %d\n",
			id, describeStatus(st), st.Progress, st.DetectionsCount)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// describeStatus prefers the server's own label and derives one otherwise.
func describeStatus(st *types.JobStatus) string {
	switch {
	case st.Status != "":
		return st.Status
	case st.Failed():
		return "failed"
	case st.Complete():
		return "completed"
	default:
		return "processing"
	}
}
