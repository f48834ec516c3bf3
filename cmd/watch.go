package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <video_id>",
	Short: "Follow detection progress of an uploaded video",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseVideoID(args[0])
		if err != nil {
			return fail("Invalid video ID", err)
		}

		archive, err := openArchive(cmd.Context(), false)
		if err != nil {
			return err
		}
		ctrl := newController(archive)
		defer ctrl.Close()

		sess, err := ctrl.Watch(id)
		if err != nil {
			return fail("Failed to start watching", err)
		}
		fmt.Fprintf(os.Stderr, "👀 Watching video %d every %s\n", id, Cfg.PollInterval)
		return followSession(cmd.Context(), cmd, ctrl, sess)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
