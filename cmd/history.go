package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List detection runs stored in the local archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := openArchive(ctx, true)
		if err != nil {
			return err
		}

		runs, err := db.ListRuns(ctx)
		if err != nil {
			return fail("Failed to list archived runs", err)
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No archived runs found in database.")
			return nil
		}

		printRuns(cmd.OutOrStdout(), runs)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
}
