package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/spotter/internal/api"
	"github.com/andresmejia3/spotter/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test doubles ---

// manualScheduler hands out timers that only tick when the test fires them.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	mu       sync.Mutex
	fn       func()
	interval time.Duration
	stops    int
}

func (m *manualScheduler) Repeat(interval time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{fn: fn, interval: interval}
	m.timers = append(m.timers, t)
	return t
}

func (m *manualScheduler) last() *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timers) == 0 {
		return nil
	}
	return m.timers[len(m.timers)-1]
}

func (t *manualTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
}

func (t *manualTimer) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

// fire runs one tick unless the timer was stopped.
func (t *manualTimer) fire() bool {
	if t.stopCount() > 0 {
		return false
	}
	t.fn()
	return true
}

type statusReply struct {
	progress float64
	count    int
	err      error
}

type fakeService struct {
	mu sync.Mutex

	uploadJob *types.UploadJob
	uploadErr error

	statuses    []statusReply
	statusCalls int
	statusHook  func()

	dets     []types.Detection
	detErr   error
	detCalls int

	videos    []types.Video
	listErr   error
	listDelay time.Duration

	video    *types.Video
	getErr   error
	getCalls int

	deleteErr   error
	deleteCalls int

	reprocess    *api.ProcessResult
	reprocessErr error
}

func (f *fakeService) ListVideos(ctx context.Context) ([]types.Video, error) {
	f.mu.Lock()
	delay := f.listDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Video(nil), f.videos...), f.listErr
}

func (f *fakeService) GetVideo(ctx context.Context, id int) (*types.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.video == nil {
		return &types.Video{ID: id}, nil
	}
	v := *f.video
	return &v, nil
}

func (f *fakeService) UploadFile(ctx context.Context, path string) (*types.UploadJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	job := *f.uploadJob
	return &job, nil
}

func (f *fakeService) Status(ctx context.Context, id int) (*types.JobStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	hook := f.statusHook
	var r statusReply
	if len(f.statuses) > 0 {
		r = f.statuses[0]
		f.statuses = f.statuses[1:]
	}
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if r.err != nil {
		return nil, r.err
	}
	return &types.JobStatus{Progress: r.progress, DetectionsCount: r.count}, nil
}

func (f *fakeService) Detections(ctx context.Context, id int) ([]types.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detCalls++
	return append([]types.Detection(nil), f.dets...), f.detErr
}

func (f *fakeService) DeleteVideo(ctx context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return f.deleteErr
}

func (f *fakeService) Reprocess(ctx context.Context, id int) (*api.ProcessResult, error) {
	return f.reprocess, f.reprocessErr
}

func (f *fakeService) counts() (status, dets int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls, f.detCalls
}

type fakeArchive struct {
	mu    sync.Mutex
	saved map[int]int
	names map[int]string
}

func (a *fakeArchive) SaveRun(ctx context.Context, videoID int, filename string, dets []types.Detection) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.saved == nil {
		a.saved = make(map[int]int)
		a.names = make(map[int]string)
	}
	a.saved[videoID] = len(dets)
	a.names[videoID] = filename
	return nil
}

func threeDetections() []types.Detection {
	return []types.Detection{
		{ID: 1, FrameNumber: 10, Confidence: 0.9, X: 1, Y: 2},
		{ID: 2, FrameNumber: 20, Confidence: 0.8, X: 3, Y: 4},
		{ID: 3, FrameNumber: 30, Confidence: 0.7, X: 5, Y: 6},
	}
}

func newTestController(svc *fakeService) (*Controller, *manualScheduler) {
	sched := &manualScheduler{}
	c := New(Options{Service: svc, Scheduler: sched})
	return c, sched
}

func startUpload(t *testing.T, c *Controller, sched *manualScheduler) *manualTimer {
	t.Helper()
	c.SelectFile("/videos/clip.mp4")
	_, _, err := c.Upload(context.Background())
	require.NoError(t, err)
	timer := sched.last()
	require.NotNil(t, timer)
	return timer
}

// --- Scenarios ---

func TestStalledJobScenario(t *testing.T) {
	svc := &fakeService{
		uploadJob: &types.UploadJob{ID: 42, Filename: "clip.mp4"},
		statuses:  []statusReply{{progress: 0}, {progress: 0}},
	}
	c, sched := newTestController(svc)
	timer := startUpload(t, c, sched)
	sess := c.Session()
	require.NotNil(t, sess)
	assert.Equal(t, 42, sess.JobID)
	assert.Equal(t, DefaultInterval, timer.interval)

	require.True(t, timer.fire())
	assert.Equal(t, 0, timer.stopCount(), "a single zero reading must keep polling")
	assert.True(t, c.State().Processing)

	require.True(t, timer.fire())
	assert.Equal(t, 1, timer.stopCount())

	st := c.State()
	assert.Equal(t, MsgStalled, st.Error)
	assert.False(t, st.Processing)
	assert.Nil(t, c.Session())

	<-sess.Done()
	var stalled *api.StalledJobError
	assert.True(t, errors.As(sess.Err(), &stalled))
	assert.Equal(t, 42, stalled.JobID)

	_, dets := svc.counts()
	assert.Equal(t, 0, dets)
}

func TestCompletedJobScenario(t *testing.T) {
	svc := &fakeService{
		uploadJob: &types.UploadJob{ID: 7, Filename: "clip.mp4"},
		statuses:  []statusReply{{progress: 55}, {progress: 100, count: 3}},
		dets:      threeDetections(),
	}
	archive := &fakeArchive{}
	sched := &manualScheduler{}
	c := New(Options{Service: svc, Scheduler: sched, Archive: archive})
	timer := startUpload(t, c, sched)
	sess := c.Session()

	require.True(t, timer.fire())
	st := c.State()
	assert.True(t, st.Processing)
	assert.Equal(t, 55.0, st.Status.Progress)

	require.True(t, timer.fire())
	<-sess.Done()
	assert.NoError(t, sess.Err())

	st = c.State()
	assert.False(t, st.Processing)
	assert.Empty(t, st.Error)
	assert.Len(t, st.Detections, 3)
	assert.Equal(t, 7, st.DetectionsFor)
	assert.Equal(t, 3, st.Status.DetectionsCount)
	assert.Equal(t, 1, timer.stopCount())

	// Further ticks are impossible and fetch nothing
	assert.False(t, timer.fire())
	statusCalls, detCalls := svc.counts()
	assert.Equal(t, 2, statusCalls)
	assert.Equal(t, 1, detCalls)
	assert.Equal(t, 3, archive.saved[7])
	assert.Equal(t, "clip.mp4", archive.names[7])
	assert.Equal(t, 0, svc.getCalls, "an uploaded job already knows its name")
}

func TestPollTransportFailure(t *testing.T) {
	svc := &fakeService{
		uploadJob: &types.UploadJob{ID: 3},
		statuses:  []statusReply{{err: &api.TransportError{Op: api.OpStatus, Err: errors.New("connection refused")}}},
	}
	c, sched := newTestController(svc)
	timer := startUpload(t, c, sched)
	sess := c.Session()

	require.True(t, timer.fire())

	st := c.State()
	assert.Equal(t, MsgStatus, st.Error)
	assert.False(t, st.Processing)
	assert.Equal(t, 1, timer.stopCount())
	assert.Nil(t, c.Session())

	var te *api.TransportError
	assert.True(t, errors.As(sess.Err(), &te))
}

// --- Properties ---

func TestProgressBelowCompleteKeepsPolling(t *testing.T) {
	for _, p := range []float64{0, 0.5, 1, 42, 99, 99.99} {
		svc := &fakeService{
			uploadJob: &types.UploadJob{ID: 1},
			statuses:  []statusReply{{progress: p}},
		}
		c, sched := newTestController(svc)
		timer := startUpload(t, c, sched)

		require.True(t, timer.fire())
		st := c.State()
		assert.Empty(t, st.Error, "progress %v", p)
		assert.True(t, st.Processing, "progress %v", p)
		assert.Equal(t, 0, timer.stopCount(), "progress %v", p)
		assert.NotNil(t, c.Session())
	}
}

func TestZeroThenNonzeroIsNotStalled(t *testing.T) {
	svc := &fakeService{
		uploadJob: &types.UploadJob{ID: 1},
		statuses:  []statusReply{{progress: 0}, {progress: 30}, {progress: 0}},
	}
	c, sched := newTestController(svc)
	timer := startUpload(t, c, sched)

	for i := 0; i < 3; i++ {
		require.True(t, timer.fire())
	}
	assert.Empty(t, c.State().Error)
	assert.Equal(t, 0, timer.stopCount())
}

func TestJobFailed(t *testing.T) {
	svc := &fakeService{
		uploadJob: &types.UploadJob{ID: 5},
		statuses:  []statusReply{{progress: 20}, {progress: -1}},
	}
	c, sched := newTestController(svc)
	timer := startUpload(t, c, sched)
	sess := c.Session()

	timer.fire()
	timer.fire()

	st := c.State()
	assert.Equal(t, MsgJobFailed, st.Error)
	assert.False(t, st.Processing)
	assert.Equal(t, 1, timer.stopCount())

	var failed *api.JobFailedError
	assert.True(t, errors.As(sess.Err(), &failed))
	_, dets := svc.counts()
	assert.Equal(t, 0, dets)
}

func TestDetectionsFetchFailureAfterCompletion(t *testing.T) {
	svc := &fakeService{
		uploadJob: &types.UploadJob{ID: 8},
		statuses:  []statusReply{{progress: 100}},
		detErr:    &api.ServerError{Op: api.OpDetections, StatusCode: 404},
	}
	c, sched := newTestController(svc)
	timer := startUpload(t, c, sched)
	sess := c.Session()

	timer.fire()
	<-sess.Done()

	assert.Equal(t, MsgDetections, c.State().Error)
	assert.True(t, api.IsNotFound(sess.Err()))
}

func TestCancelSessionIsIdempotent(t *testing.T) {
	svc := &fakeService{uploadJob: &types.UploadJob{ID: 1}}
	c, sched := newTestController(svc)
	timer := startUpload(t, c, sched)
	sess := c.Session()

	c.CancelSession()
	c.CancelSession()

	assert.Equal(t, 1, timer.stopCount())
	assert.Nil(t, c.Session())
	assert.False(t, c.State().Processing)
	assert.ErrorIs(t, sess.Err(), ErrSessionCancelled)
}

func TestCancelWithoutSession(t *testing.T) {
	c, _ := newTestController(&fakeService{})
	assert.NotPanics(t, c.CancelSession)
}

// --- Upload ---

func TestUploadRequiresFile(t *testing.T) {
	c, sched := newTestController(&fakeService{})

	_, _, err := c.Upload(context.Background())
	assert.ErrorIs(t, err, ErrNoFile)
	assert.Equal(t, MsgNoFile, c.State().Error)
	assert.Nil(t, sched.last())
}

func TestUploadFailureStartsNoSession(t *testing.T) {
	svc := &fakeService{uploadErr: &api.ServerError{Op: api.OpUpload, StatusCode: 500}}
	c, sched := newTestController(svc)
	c.SelectFile("/videos/clip.mp4")

	_, _, err := c.Upload(context.Background())

	var ue *UploadError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "/videos/clip.mp4", ue.File)
	assert.Nil(t, sched.last())
	assert.Nil(t, c.Session())

	st := c.State()
	assert.Equal(t, MsgUpload, st.Error)
	assert.False(t, st.Loading)
	assert.False(t, st.Processing)
}

func TestUploadRefreshesVideos(t *testing.T) {
	svc := &fakeService{
		uploadJob: &types.UploadJob{ID: 1},
		videos:    []types.Video{{ID: 1, Filename: "clip.mp4"}},
	}
	c, sched := newTestController(svc)
	startUpload(t, c, sched)

	st := c.State()
	assert.Len(t, st.Videos, 1)
	assert.False(t, st.Loading)
	assert.True(t, st.Processing)
	assert.Equal(t, 1, st.Job.ID)
}

func TestSecondUploadReplacesSession(t *testing.T) {
	svc := &fakeService{uploadJob: &types.UploadJob{ID: 1}}
	c, sched := newTestController(svc)
	first := startUpload(t, c, sched)
	firstSess := c.Session()

	svc.mu.Lock()
	svc.uploadJob = &types.UploadJob{ID: 2}
	svc.mu.Unlock()
	second := startUpload(t, c, sched)

	assert.Equal(t, 1, first.stopCount())
	assert.Equal(t, 0, second.stopCount())
	assert.ErrorIs(t, firstSess.Err(), ErrSessionCancelled)
	assert.Equal(t, 2, c.Session().JobID)
	assert.False(t, first.fire())
}

func TestUploadReturnsSessionThatEndedDuringRefresh(t *testing.T) {
	svc := &fakeService{
		uploadJob: &types.UploadJob{ID: 7, Filename: "clip.mp4"},
		statuses:  []statusReply{{progress: 100, count: 3}},
		dets:      threeDetections(),
		listDelay: 300 * time.Millisecond,
	}
	c := New(Options{Service: svc, Scheduler: TickerScheduler{}, Interval: 20 * time.Millisecond})
	defer c.Close()
	c.SelectFile("/videos/clip.mp4")

	job, sess, err := c.Upload(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess, "the started session is returned even if it already ended")
	assert.Equal(t, job.ID, sess.JobID)
	assert.Nil(t, c.Session())

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session never finished")
	}
	assert.NoError(t, sess.Err())
	assert.Len(t, c.State().Detections, 3)
}

func TestStaleStatusResponseIgnored(t *testing.T) {
	svc := &fakeService{
		uploadJob: &types.UploadJob{ID: 1},
		statuses:  []statusReply{{progress: -1}},
	}
	c, sched := newTestController(svc)
	timer := startUpload(t, c, sched)

	// The session is cancelled while the status request is in flight
	svc.statusHook = c.CancelSession
	timer.fn()

	st := c.State()
	assert.Empty(t, st.Error)
	assert.Nil(t, st.Status)
	assert.Equal(t, 1, timer.stopCount())
}

func TestOverlappingTickSkipped(t *testing.T) {
	svc := &fakeService{
		uploadJob: &types.UploadJob{ID: 1},
		statuses:  []statusReply{{progress: 10}, {progress: 20}},
	}
	c, sched := newTestController(svc)
	timer := startUpload(t, c, sched)

	var reentered atomic.Bool
	svc.statusHook = func() {
		if reentered.CompareAndSwap(false, true) {
			timer.fn() // a second tick fires before the first one returned
		}
	}
	timer.fn()

	statusCalls, _ := svc.counts()
	assert.Equal(t, 1, statusCalls)
	assert.Equal(t, 10.0, c.State().Status.Progress)
}

// --- Selection & deletion ---

func TestSelectVideo(t *testing.T) {
	svc := &fakeService{dets: threeDetections()}
	c, _ := newTestController(svc)

	require.NoError(t, c.SelectVideo(context.Background(), types.Video{ID: 9, Filename: "x.mp4"}))

	st := c.State()
	require.NotNil(t, st.SelectedVideo)
	assert.Equal(t, 9, st.SelectedVideo.ID)
	assert.Len(t, st.Detections, 3)
	assert.False(t, st.Loading)
}

func TestSelectVideoFailureLeavesSession(t *testing.T) {
	svc := &fakeService{uploadJob: &types.UploadJob{ID: 1}, detErr: errors.New("boom")}
	c, sched := newTestController(svc)
	timer := startUpload(t, c, sched)

	err := c.SelectVideo(context.Background(), types.Video{ID: 9})
	assert.Error(t, err)
	assert.Equal(t, MsgDetections, c.State().Error)
	assert.Equal(t, 0, timer.stopCount())
	assert.NotNil(t, c.Session())
}

func TestDeleteVideo(t *testing.T) {
	tests := []struct {
		name          string
		deleteID      int
		wantSelection bool
	}{
		{"selected video", 9, false},
		{"other video", 4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{dets: threeDetections()}
			c, _ := newTestController(svc)
			require.NoError(t, c.SelectVideo(context.Background(), types.Video{ID: 9}))

			require.NoError(t, c.DeleteVideo(context.Background(), tt.deleteID))

			st := c.State()
			if tt.wantSelection {
				require.NotNil(t, st.SelectedVideo)
				assert.Len(t, st.Detections, 3)
			} else {
				assert.Nil(t, st.SelectedVideo)
				assert.Empty(t, st.Detections)
			}
			assert.Empty(t, st.Error)
		})
	}
}

func TestDeleteVideoFailure(t *testing.T) {
	svc := &fakeService{dets: threeDetections(), deleteErr: errors.New("nope")}
	c, _ := newTestController(svc)
	require.NoError(t, c.SelectVideo(context.Background(), types.Video{ID: 9}))

	assert.Error(t, c.DeleteVideo(context.Background(), 9))

	st := c.State()
	assert.Equal(t, MsgDelete, st.Error)
	require.NotNil(t, st.SelectedVideo)
	assert.Len(t, st.Detections, 3)
	assert.False(t, st.Loading)
}

func TestRefreshVideosFailure(t *testing.T) {
	svc := &fakeService{listErr: errors.New("down")}
	c, _ := newTestController(svc)

	assert.Error(t, c.RefreshVideos(context.Background()))
	assert.Equal(t, MsgVideos, c.State().Error)
}

// --- Lifecycle ---

func TestReprocess(t *testing.T) {
	svc := &fakeService{reprocess: &api.ProcessResult{Status: "processing"}}
	c, sched := newTestController(svc)

	sess, err := c.Reprocess(context.Background(), 11)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, 11, sess.JobID)
	assert.NotNil(t, sched.last())
	assert.True(t, c.State().Processing)

	svc.reprocess = &api.ProcessResult{Status: "completed"}
	svc.dets = threeDetections()
	sess, err = c.Reprocess(context.Background(), 12)
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Equal(t, 12, c.State().DetectionsFor)
}

func TestWatchedJobIsArchived(t *testing.T) {
	tests := []struct {
		name     string
		video    *types.Video
		getErr   error
		wantName string
	}{
		{"name from server", &types.Video{ID: 5, Filename: "yard.mp4"}, nil, "yard.mp4"},
		{"lookup fails", nil, &api.TransportError{Op: api.OpGetVideo, Err: errors.New("connection refused")}, "video-5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{
				statuses: []statusReply{{progress: 100, count: 3}},
				dets:     threeDetections(),
				video:    tt.video,
				getErr:   tt.getErr,
			}
			archive := &fakeArchive{}
			sched := &manualScheduler{}
			c := New(Options{Service: svc, Scheduler: sched, Archive: archive})

			sess, err := c.Watch(5)
			require.NoError(t, err)
			require.True(t, sched.last().fire())
			<-sess.Done()
			require.NoError(t, sess.Err())

			assert.Len(t, c.State().Detections, 3)
			assert.Equal(t, 3, archive.saved[5])
			assert.Equal(t, tt.wantName, archive.names[5])
		})
	}
}

func TestReprocessCompletedIsArchived(t *testing.T) {
	svc := &fakeService{
		reprocess: &api.ProcessResult{Status: "completed"},
		dets:      threeDetections(),
		video:     &types.Video{ID: 12, Filename: "porch.mp4"},
	}
	archive := &fakeArchive{}
	c := New(Options{Service: svc, Scheduler: &manualScheduler{}, Archive: archive})

	_, err := c.Reprocess(context.Background(), 12)
	require.NoError(t, err)
	assert.Equal(t, 3, archive.saved[12])
	assert.Equal(t, "porch.mp4", archive.names[12])
}

func TestSelectVideoIsNotArchived(t *testing.T) {
	svc := &fakeService{dets: threeDetections()}
	archive := &fakeArchive{}
	c := New(Options{Service: svc, Scheduler: &manualScheduler{}, Archive: archive})

	require.NoError(t, c.SelectVideo(context.Background(), types.Video{ID: 4, Filename: "a.mp4"}))
	assert.Empty(t, archive.saved)
}

func TestCloseCancelsSession(t *testing.T) {
	svc := &fakeService{uploadJob: &types.UploadJob{ID: 1}}
	c, sched := newTestController(svc)
	timer := startUpload(t, c, sched)

	c.Close()
	c.Close()

	assert.Equal(t, 1, timer.stopCount())
	assert.Nil(t, c.Session())
	assert.Nil(t, c.State().Status)

	c.SelectFile("/videos/other.mp4")
	_, _, err := c.Upload(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubscribe(t *testing.T) {
	svc := &fakeService{
		uploadJob: &types.UploadJob{ID: 1},
		statuses:  []statusReply{{progress: 25}},
	}
	c, sched := newTestController(svc)

	var mu sync.Mutex
	var seen []State
	unsubscribe := c.Subscribe(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	timer := startUpload(t, c, sched)
	timer.fire()

	mu.Lock()
	n := len(seen)
	lastState := seen[n-1]
	mu.Unlock()
	assert.Greater(t, n, 2)
	assert.Equal(t, 25.0, lastState.Status.Progress)

	unsubscribe()
	c.SelectFile("/videos/other.mp4")
	mu.Lock()
	assert.Equal(t, n, len(seen))
	mu.Unlock()
}

func TestTickerScheduler(t *testing.T) {
	var ticks atomic.Int32
	timer := TickerScheduler{}.Repeat(5*time.Millisecond, func() { ticks.Add(1) })

	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, time.Second, time.Millisecond)
	timer.Stop()
	timer.Stop()

	// Allow a tick that raced with Stop to land, then expect silence
	time.Sleep(20 * time.Millisecond)
	after := ticks.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())
}

func TestTickerSchedulerSelfStop(t *testing.T) {
	var timer Timer
	done := make(chan struct{})
	var once sync.Once
	ready := make(chan struct{})
	timer = TickerScheduler{}.Repeat(time.Millisecond, func() {
		<-ready
		timer.Stop() // must not deadlock
		once.Do(func() { close(done) })
	})
	close(ready)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tick never stopped its own timer")
	}
}
