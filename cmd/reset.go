package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetFiles bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset local state (Archive, Downloads)",
	Long:  "Clears local data. By default, it resets everything. Use flags to clear specific components. Videos on the detection service are not touched.",
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles {
			resetDB = true
			resetFiles = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			db, err := openArchive(cmd.Context(), false)
			if err != nil {
				return err
			}
			switch {
			case db == nil:
				fmt.Fprintln(os.Stderr, "ℹ️  No archive configured, skipping database.")
			case confirm(reader, "⚠️  Are you sure you want to DROP all archive tables?"):
				fmt.Fprintln(os.Stderr, "🗑️  Clearing Archive...")
				if err := db.Reset(cmd.Context()); err != nil {
					return fail("Failed to reset database", err)
				}
			}
		}

		if resetFiles {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete everything in %s?", Cfg.DownloadDir)) {
				fmt.Fprintln(os.Stderr, "🗑️  Clearing Downloads...")
				removeDir(Cfg.DownloadDir)
			}
		}

		fmt.Fprintln(os.Stderr, "✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Drop the detection archive tables")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear downloaded videos and pending dashboard uploads")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
