package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/spotter/internal/controller"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// followSession renders a poll session as a progress bar until it ends, then
// prints the detections. Ctrl+C cancels the session, not the server job.
func followSession(ctx context.Context, cmd *cobra.Command, ctrl *controller.Controller, sess *controller.PollSession) error {
	if sess == nil {
		return fail("Polling stopped", errors.New("no poll session to follow"))
	}
	start := time.Now()

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription(fmt.Sprintf("🔍 Detecting (video %d)", sess.JobID)),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
	)

	unsubscribe := ctrl.Subscribe(func(st controller.State) {
		if st.Status == nil || st.Job == nil || st.Job.ID != sess.JobID {
			return
		}
		p := int(st.Status.Progress)
		if p < 0 {
			return
		}
		if p > 100 {
			p = 100
		}
		bar.Describe(fmt.Sprintf("🔍 Detecting (video %d, %d found)", sess.JobID, st.Status.DetectionsCount))
		bar.Set(p)
	})
	defer unsubscribe()

	select {
	case <-sess.Done():
	case <-ctx.Done():
		ctrl.CancelSession()
		fmt.Fprintf(os.Stderr, "\n⚠️  Stopped watching video %d. Processing continues on the server; resume with 'spotter watch %d'.\n", sess.JobID, sess.JobID)
		return reportedError{err: ctx.Err()}
	}

	if err := sess.Err(); err != nil {
		fmt.Fprintln(os.Stderr)
		msg := ctrl.State().Error
		if msg == "" {
			msg = "Polling stopped"
		}
		return fail(msg, err)
	}

	bar.Finish()
	st := ctrl.State()
	fmt.Fprintf(os.Stderr, "\n✅ Video %d processed in %s: %d detections\n", sess.JobID, fmtTime(time.Since(start).Seconds()), len(st.Detections))
	if len(st.Detections) > 0 {
		printDetections(cmd.OutOrStdout(), st.Detections)
	}
	return nil
}
