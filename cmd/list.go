package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/spotter/internal/controller"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all videos known to the detection service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(cmd)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command) error {
	videos, err := Client.ListVideos(cmd.Context())
	if err != nil {
		return fail(controller.MsgVideos, err)
	}

	if len(videos) == 0 {
		fmt.Fprintln(os.Stderr, "No videos found on the server.")
		return nil
	}

	printVideos(cmd.OutOrStdout(), videos)
	return nil
}
