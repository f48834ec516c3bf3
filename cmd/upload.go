package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/spotter/internal/utils"
	"github.com/spf13/cobra"
)

// UploadOptions holds the flags of the upload command
type UploadOptions struct {
	InputPath string
	NoWait    bool
}

var uploadOpts UploadOptions

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Upload a video and follow detection until it finishes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runUpload(cmd, uploadOpts)
	},
}

func init() {
	uploadCmd.Flags().StringVarP(&uploadOpts.InputPath, "input", "i", "", "Path to video")
	uploadCmd.Flags().BoolVar(&uploadOpts.NoWait, "no-wait", false, "Return right after the upload instead of polling")

	uploadCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, opts UploadOptions) error {
	ctx := cmd.Context()

	if err := utils.ValidateVideoFile(opts.InputPath); err != nil {
		return fail("Invalid input file", err)
	}
	fingerprint, err := utils.Fingerprint(opts.InputPath)
	if err != nil {
		return fail("Failed to read input file", err)
	}

	archive, err := openArchive(ctx, false)
	if err != nil {
		return err
	}
	ctrl := newController(archive)
	defer ctrl.Close()

	fmt.Fprintf(os.Stderr, "📼 Uploading %s (%s)\n", filepath.Base(opts.InputPath), fingerprint[:12])
	ctrl.SelectFile(opts.InputPath)
	job, sess, err := ctrl.Upload(ctx)
	if err != nil {
		return fail(ctrl.State().Error, err)
	}
	fmt.Fprintf(os.Stderr, "✅ Uploaded as video %d\n", job.ID)

	if opts.NoWait {
		fmt.Fprintf(os.Stderr, "👀 Follow progress with 'spotter watch %d'\n", job.ID)
		return nil
	}
	return followSession(ctx, cmd, ctrl, sess)
}
