package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var processNoWait bool

var processCmd = &cobra.Command{
	Use:   "process <video_id>",
	Short: "Run detection on an uploaded video again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseVideoID(args[0])
		if err != nil {
			return fail("Invalid video ID", err)
		}
		ctx := cmd.Context()

		archive, err := openArchive(ctx, false)
		if err != nil {
			return err
		}
		ctrl := newController(archive)
		defer ctrl.Close()

		sess, err := ctrl.Reprocess(ctx, id)
		if err != nil {
			return fail(ctrl.State().Error, err)
		}

		if sess == nil {
			// Already processed: the detections were loaded directly
			dets := ctrl.State().Detections
			fmt.Fprintf(os.Stderr, "✅ Video %d is already processed: %d detections\n", id, len(dets))
			if len(dets) > 0 {
				printDetections(cmd.OutOrStdout(), dets)
			}
			return nil
		}

		fmt.Fprintf(os.Stderr, "⚙️  Processing started for video %d\n", id)
		if processNoWait {
			ctrl.CancelSession()
			return nil
		}
		return followSession(ctx, cmd, ctrl, sess)
	},
}

func init() {
	processCmd.Flags().BoolVar(&processNoWait, "no-wait", false, "Return right after starting instead of polling")
	rootCmd.AddCommand(processCmd)
}
