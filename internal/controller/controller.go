// Package controller implements the upload-and-poll loop: it uploads a video,
// polls the job status on a fixed interval until the job completes, fails or
// stalls, and then loads the detections. Renderers (the CLI and the dashboard)
// only read State and subscribe to changes.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/spotter/internal/api"
	"github.com/andresmejia3/spotter/internal/logger"
	"github.com/andresmejia3/spotter/internal/metrics"
	"github.com/andresmejia3/spotter/internal/types"
)

const logModule = "controller"

// DefaultInterval is the status poll cadence.
const DefaultInterval = 2 * time.Second

// User-facing messages. Each failure replaces whatever message was shown before.
const (
	MsgNoFile     = "Please select a file first"
	MsgUpload     = "Failed to upload video. Please try again."
	MsgStatus     = "Failed to check video status. Please try again."
	MsgJobFailed  = "Failed to process video. Please try again."
	MsgStalled    = "Video processing seems to be stuck. Please try uploading the video again."
	MsgVideos     = "Failed to fetch videos. Please try again."
	MsgDetections = "Failed to fetch detections. Please try again."
	MsgDelete     = "Failed to delete video. Please try again."
	MsgReprocess  = "Failed to start processing. Please try again."
)

var (
	// ErrNoFile is returned by Upload when no file was selected.
	ErrNoFile = errors.New("no file selected")
	// ErrSessionCancelled ends a session that was cancelled or replaced.
	ErrSessionCancelled = errors.New("poll session cancelled")
	// ErrClosed is returned once the controller has been torn down.
	ErrClosed = errors.New("controller closed")
)

// UploadError wraps a failed upload of File.
type UploadError struct {
	File string
	Err  error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("failed to upload %s: %v", e.File, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

// Service is the subset of the detection service API the controller drives.
type Service interface {
	ListVideos(ctx context.Context) ([]types.Video, error)
	GetVideo(ctx context.Context, id int) (*types.Video, error)
	UploadFile(ctx context.Context, path string) (*types.UploadJob, error)
	Status(ctx context.Context, id int) (*types.JobStatus, error)
	Detections(ctx context.Context, id int) ([]types.Detection, error)
	DeleteVideo(ctx context.Context, id int) error
	Reprocess(ctx context.Context, id int) (*api.ProcessResult, error)
}

// Archive persists the detections of completed jobs.
type Archive interface {
	SaveRun(ctx context.Context, videoID int, filename string, dets []types.Detection) error
}

// State is a snapshot of everything a renderer needs.
type State struct {
	SelectedFile  string            `json:"selected_file,omitempty"`
	Loading       bool              `json:"loading"`
	Processing    bool              `json:"processing"`
	Job           *types.UploadJob  `json:"job,omitempty"`
	Status        *types.JobStatus  `json:"status,omitempty"`
	Error         string            `json:"error,omitempty"`
	Videos        []types.Video     `json:"videos"`
	SelectedVideo *types.Video      `json:"selected_video,omitempty"`
	Detections    []types.Detection `json:"detections"`
	// DetectionsFor is the video the detections belong to, 0 when empty.
	DetectionsFor int `json:"detections_for,omitempty"`
}

func (s State) clone() State {
	out := s
	out.Videos = append([]types.Video(nil), s.Videos...)
	out.Detections = append([]types.Detection(nil), s.Detections...)
	if s.Job != nil {
		j := *s.Job
		out.Job = &j
	}
	if s.Status != nil {
		st := *s.Status
		out.Status = &st
	}
	if s.SelectedVideo != nil {
		v := *s.SelectedVideo
		out.SelectedVideo = &v
	}
	return out
}

// Options configures a Controller. Service is required.
type Options struct {
	Service   Service
	Scheduler Scheduler
	Interval  time.Duration
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
	Archive   Archive
}

// Controller owns the dashboard state and the single active PollSession.
type Controller struct {
	svc      Service
	sched    Scheduler
	interval time.Duration
	log      *logger.Logger
	metrics  *metrics.Metrics
	archive  Archive

	// ctx scopes tick requests; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   State
	session *PollSession
	closed  bool
	// detGen invalidates detection responses that arrive after the
	// selection they were requested for has changed.
	detGen uint64

	notifyMu sync.Mutex
	subs     map[int]func(State)
	nextSub  int
}

// New creates a Controller.
func New(opts Options) *Controller {
	if opts.Scheduler == nil {
		opts.Scheduler = TickerScheduler{}
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		svc:      opts.Service,
		sched:    opts.Scheduler,
		interval: opts.Interval,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		archive:  opts.Archive,
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[int]func(State)),
	}
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Session returns the active poll session, or nil.
func (c *Controller) Session() *PollSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Subscribe registers fn to receive a snapshot after every state change.
// Snapshots are delivered in order, one at a time. fn must not call back into
// methods of the controller that change state.
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	c.notifyMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.notifyMu.Unlock()

	return func() {
		c.notifyMu.Lock()
		delete(c.subs, id)
		c.notifyMu.Unlock()
	}
}

func (c *Controller) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if len(c.subs) == 0 {
		return
	}
	snap := c.State()
	for _, fn := range c.subs {
		fn(snap)
	}
}

// update applies fn under the state lock and then notifies subscribers.
func (c *Controller) update(fn func(s *State)) {
	c.mu.Lock()
	fn(&c.state)
	c.mu.Unlock()
	c.notify()
}

// fail logs err and replaces the user-visible message.
func (c *Controller) fail(msg string, err error) {
	c.log.Error(logModule, "%s: %v", msg, err)
	c.update(func(s *State) {
		s.Error = msg
		s.Loading = false
	})
}

// SelectFile picks the local video to upload next. Any previous job status is discarded.
func (c *Controller) SelectFile(path string) {
	c.update(func(s *State) {
		s.SelectedFile = path
		s.Status = nil
		s.Error = ""
	})
}

// Upload sends the selected file and starts polling the new job. The returned
// session may already have ended by the time Upload returns.
// A session that is still running is cancelled first.
func (c *Controller) Upload(ctx context.Context) (*types.UploadJob, *PollSession, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, ErrClosed
	}
	file := c.state.SelectedFile
	if file == "" {
		c.state.Error = MsgNoFile
		c.mu.Unlock()
		c.notify()
		return nil, nil, ErrNoFile
	}
	c.cancelSessionLocked()
	c.state.Processing = false
	c.state.Error = ""
	c.state.Loading = true
	c.mu.Unlock()
	c.notify()

	c.log.Info(logModule, "uploading %s", file)
	job, err := c.svc.UploadFile(ctx, file)
	if err != nil {
		c.fail(MsgUpload, err)
		return nil, nil, &UploadError{File: file, Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return job, nil, ErrClosed
	}
	c.state.Job = job
	c.state.Status = nil
	c.state.Processing = true
	sess := c.startSessionLocked(job.ID, job.Filename)
	c.mu.Unlock()
	c.notify()
	c.log.Info(logModule, "job %d created, polling every %s", job.ID, c.interval)

	// The upload itself succeeded; a failed list refresh only sets a message.
	_ = c.RefreshVideos(ctx)
	c.update(func(s *State) { s.Loading = false })
	return job, sess, nil
}

// Watch starts polling an existing job without uploading anything.
func (c *Controller) Watch(id int) (*PollSession, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.state.Job = &types.UploadJob{ID: id}
	c.state.Status = nil
	c.state.Error = ""
	c.state.Processing = true
	s := c.startSessionLocked(id, "")
	c.mu.Unlock()
	c.notify()
	return s, nil
}

// Reprocess asks the server to run detection on video id again and polls it.
// An already processed video just has its detections loaded.
func (c *Controller) Reprocess(ctx context.Context, id int) (*PollSession, error) {
	res, err := c.svc.Reprocess(ctx, id)
	if err != nil {
		c.fail(MsgReprocess, err)
		return nil, err
	}
	if res.Status == "completed" {
		c.log.Info(logModule, "video %d already processed: %s", id, res.Message)
		return nil, c.loadDetections(ctx, id, true, "")
	}
	return c.Watch(id)
}

// startSessionLocked replaces any running session with a new one for jobID.
func (c *Controller) startSessionLocked(jobID int, filename string) *PollSession {
	c.cancelSessionLocked()

	s := newSession(jobID, filename)
	s.timer = c.sched.Repeat(c.interval, func() { c.pollTick(s) })
	c.session = s
	c.metrics.SessionStarted()
	c.log.Debug(logModule, "poll session started for job %d", jobID)
	return s
}

// CancelSession stops the active session. Calling it with no active session is a no-op.
func (c *Controller) CancelSession() {
	c.mu.Lock()
	cancelled := c.cancelSessionLocked()
	if cancelled {
		c.state.Processing = false
	}
	c.mu.Unlock()
	if cancelled {
		c.notify()
	}
}

func (c *Controller) cancelSessionLocked() bool {
	s := c.session
	if s == nil {
		return false
	}
	c.endSessionLocked(s, "cancelled")
	s.finish(ErrSessionCancelled)
	c.log.Debug(logModule, "poll session for job %d cancelled", s.JobID)
	return true
}

// endSessionLocked stops the timer and drops the session reference.
// The caller decides when to finish the session.
func (c *Controller) endSessionLocked(s *PollSession, end string) {
	s.timer.Stop()
	if c.session == s {
		c.session = nil
	}
	c.metrics.SessionEnded(end)
}

// pollTick runs once per interval for session s.
func (c *Controller) pollTick(s *PollSession) {
	if !s.inFlight.CompareAndSwap(false, true) {
		c.metrics.PollTick("skipped")
		c.log.Debug(logModule, "job %d: previous status request still running, skipping tick", s.JobID)
		return
	}
	defer s.inFlight.Store(false)

	c.mu.Lock()
	current := c.session == s
	c.mu.Unlock()
	if !current {
		return
	}

	st, err := c.svc.Status(c.ctx, s.JobID)

	c.mu.Lock()
	if c.session != s {
		// Cancelled or replaced while the request was in flight
		c.mu.Unlock()
		c.metrics.PollTick("stale")
		return
	}

	if err != nil {
		c.endSessionLocked(s, "error")
		c.state.Error = MsgStatus
		c.state.Processing = false
		c.mu.Unlock()
		c.metrics.PollTick("error")
		c.log.Error(logModule, "job %d: %v", s.JobID, err)
		c.notify()
		s.finish(err)
		return
	}

	prev := s.last
	snap := *st
	s.last = &snap
	c.state.Status = &snap

	var endErr error
	result := "continue"
	switch {
	case st.Complete():
		result = "complete"
		c.endSessionLocked(s, result)
		c.state.Processing = false
	case st.Failed():
		result = "failed"
		endErr = &api.JobFailedError{JobID: s.JobID}
		c.endSessionLocked(s, result)
		c.state.Error = MsgJobFailed
		c.state.Processing = false
	case st.Progress == 0 && prev != nil && prev.Progress == 0:
		result = "stalled"
		endErr = &api.StalledJobError{JobID: s.JobID}
		c.endSessionLocked(s, result)
		c.state.Error = MsgStalled
		c.state.Processing = false
	}
	c.mu.Unlock()

	c.metrics.PollTick(result)
	c.notify()

	switch result {
	case "continue":
		c.log.Debug(logModule, "job %d: %.1f%% (%d detections so far)", s.JobID, st.Progress, st.DetectionsCount)
		return
	case "complete":
		c.log.Info(logModule, "job %d complete with %d detections", s.JobID, st.DetectionsCount)
		s.finish(c.loadDetections(c.ctx, s.JobID, true, s.filename))
	default:
		c.log.Error(logModule, "%v", endErr)
		s.finish(endErr)
	}
}

// loadDetections fetches the detections of video id into state. Results of a
// completed job are also handed to the archive, under filename when known.
func (c *Controller) loadDetections(ctx context.Context, id int, completed bool, filename string) error {
	c.mu.Lock()
	c.detGen++
	gen := c.detGen
	c.mu.Unlock()

	dets, err := c.svc.Detections(ctx, id)
	if err != nil {
		c.fail(MsgDetections, err)
		return err
	}

	c.mu.Lock()
	if gen != c.detGen {
		c.mu.Unlock()
		c.log.Debug(logModule, "dropping stale detections for video %d", id)
		return nil
	}
	c.state.Detections = dets
	c.state.DetectionsFor = id
	c.mu.Unlock()
	c.notify()

	if c.archive != nil && completed {
		if err := c.archive.SaveRun(ctx, id, c.runName(ctx, id, filename), dets); err != nil {
			c.log.Warn(logModule, "failed to archive detections for video %d: %v", id, err)
		}
	}
	return nil
}

// runName picks the archive name of video id. Jobs picked up by id carry no
// filename, so the server record is asked for one.
func (c *Controller) runName(ctx context.Context, id int, filename string) string {
	if filename != "" {
		return filename
	}
	v, err := c.svc.GetVideo(ctx, id)
	if err == nil && v.Filename != "" {
		return v.Filename
	}
	if err != nil {
		c.log.Warn(logModule, "could not look up name of video %d: %v", id, err)
	}
	return fmt.Sprintf("video-%d", id)
}

// RefreshVideos reloads the video list.
func (c *Controller) RefreshVideos(ctx context.Context) error {
	videos, err := c.svc.ListVideos(ctx)
	if err != nil {
		c.log.Error(logModule, "%s: %v", MsgVideos, err)
		c.update(func(s *State) { s.Error = MsgVideos })
		return err
	}
	c.update(func(s *State) { s.Videos = videos })
	return nil
}

// SelectVideo makes v the viewed video and loads its detections. It never
// touches the active poll session.
func (c *Controller) SelectVideo(ctx context.Context, v types.Video) error {
	c.update(func(s *State) {
		s.Loading = true
		s.Error = ""
		s.SelectedVideo = &v
	})
	err := c.loadDetections(ctx, v.ID, false, "")
	c.update(func(s *State) { s.Loading = false })
	return err
}

// DeleteVideo removes video id server-side. If it was the selected video the
// selection and detections are cleared. On failure state is left as it was,
// apart from the message.
func (c *Controller) DeleteVideo(ctx context.Context, id int) error {
	c.update(func(s *State) {
		s.Loading = true
		s.Error = ""
	})

	if err := c.svc.DeleteVideo(ctx, id); err != nil {
		c.fail(MsgDelete, err)
		return err
	}
	c.log.Info(logModule, "video %d deleted", id)

	_ = c.RefreshVideos(ctx)

	c.update(func(s *State) {
		if s.SelectedVideo != nil && s.SelectedVideo.ID == id {
			s.SelectedVideo = nil
			s.Detections = nil
			s.DetectionsFor = 0
			// A detections fetch for the deleted video may still be in flight
			c.detGen++
		}
		s.Loading = false
	})
	return nil
}

// Close tears the controller down: the session is cancelled, in-flight tick
// requests are aborted and the last status is discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancelSessionLocked()
	c.state.Processing = false
	c.state.Status = nil
	c.mu.Unlock()
	c.cancel()
	c.notify()
}
