package controller

import (
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/spotter/internal/types"
)

// PollSession ties one repeating status check to the job it targets.
// The controller keeps at most one session active.
type PollSession struct {
	JobID int

	// filename names the archived run; empty when the job was picked up by id.
	filename string

	timer    Timer
	inFlight atomic.Bool

	// last is the previous status snapshot, read by the stalled-job rule.
	// Guarded by the controller mutex.
	last *types.JobStatus

	once sync.Once
	done chan struct{}
	err  error
}

func newSession(jobID int, filename string) *PollSession {
	return &PollSession{JobID: jobID, filename: filename, done: make(chan struct{})}
}

// Done is closed once the session has ended and its follow-up work (the
// detections fetch after completion) has finished.
func (s *PollSession) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended: nil on completion, ErrSessionCancelled,
// *api.JobFailedError, *api.StalledJobError or the status fetch error.
// Only meaningful after Done is closed.
func (s *PollSession) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *PollSession) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}
