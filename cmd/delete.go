package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var deleteYes bool

var deleteCmd = &cobra.Command{
	Use:   "delete <video_id>",
	Short: "Delete a video and its detections from the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseVideoID(args[0])
		if err != nil {
			return fail("Invalid video ID", err)
		}
		ctx := cmd.Context()

		if !deleteYes && !confirm(bufio.NewReader(os.Stdin), fmt.Sprintf("⚠️  Delete video %d from the server?", id)) {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}

		ctrl := newController(nil)
		defer ctrl.Close()
		if err := ctrl.DeleteVideo(ctx, id); err != nil {
			return fail(ctrl.State().Error, err)
		}
		fmt.Fprintf(os.Stderr, "🗑️  Video %d deleted\n", id)

		// The archived copy goes too when an archive is configured
		if db, _ := openArchive(ctx, false); db != nil {
			if err := db.DeleteRun(ctx, id); err != nil {
				fmt.Fprintf(os.Stderr, "⚠️  Failed to remove archived run: %v\n", err)
			}
		}
		return nil
	},
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(deleteCmd)
}
