package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/spotter/internal/logger"
	"github.com/andresmejia3/spotter/internal/metrics"
	"github.com/andresmejia3/spotter/internal/types"
	"github.com/google/uuid"
)

const (
	logModule    = "api"
	maxErrorBody = 64 * 1024
)

// Config is the per-client HTTP configuration. Each Client owns its own copy,
// so several clients (or tests) can talk to different servers side by side.
type Config struct {
	BaseURL string
	// HTTPClient is used as-is when set. Otherwise a client with a cookie jar
	// is created so session cookies travel with every request.
	HTTPClient *http.Client
	// Timeout bounds each API call. Processed-video downloads are only
	// bounded until the response headers arrive.
	Timeout    time.Duration
	Headers    map[string]string
	Logger     *logger.Logger
	Metrics    *metrics.Metrics
}

// Client talks to the detection service.
type Client struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
	headers map[string]string
	log     *logger.Logger
	metrics *metrics.Metrics
}

// ProcessResult is the body of POST /video/{id}/process.
type ProcessResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", cfg.BaseURL)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		hc = &http.Client{Jar: jar}
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}

	return &Client{
		base:    base,
		http:    hc,
		timeout: cfg.Timeout,
		headers: headers,
		log:     log,
		metrics: cfg.Metrics,
	}, nil
}

// BaseURL returns the service root the client was configured with.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// ProcessedURL is the address a playback element streams the processed video from.
func (c *Client) ProcessedURL(id int) string {
	return c.endpoint(fmt.Sprintf("/video/%d/processed", id))
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// ListVideos fetches every video the server knows about.
func (c *Client) ListVideos(ctx context.Context) ([]types.Video, error) {
	var videos []types.Video
	if err := c.getJSON(ctx, OpListVideos, "/videos", &videos); err != nil {
		return nil, err
	}
	return videos, nil
}

// GetVideo fetches a single video record.
func (c *Client) GetVideo(ctx context.Context, id int) (*types.Video, error) {
	var v types.Video
	if err := c.getJSON(ctx, OpGetVideo, fmt.Sprintf("/video/%d", id), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Status fetches the processing progress of a job.
func (c *Client) Status(ctx context.Context, id int) (*types.JobStatus, error) {
	var s types.JobStatus
	if err := c.getJSON(ctx, OpStatus, fmt.Sprintf("/video/%d/status", id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Detections fetches the detection list of a processed job.
func (c *Client) Detections(ctx context.Context, id int) ([]types.Detection, error) {
	var dets []types.Detection
	if err := c.getJSON(ctx, OpDetections, fmt.Sprintf("/detections/%d", id), &dets); err != nil {
		return nil, err
	}
	return dets, nil
}

// DeleteVideo removes a video and its detections server-side.
func (c *Client) DeleteVideo(ctx context.Context, id int) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := c.do(ctx, OpDelete, http.MethodDelete, fmt.Sprintf("/video/%d", id), nil, "")
	if err != nil {
		return err
	}
	drain(resp.Body)
	return nil
}

// Reprocess asks the server to run detection on an existing video again.
func (c *Client) Reprocess(ctx context.Context, id int) (*ProcessResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := c.do(ctx, OpReprocess, http.MethodPost, fmt.Sprintf("/video/%d/process", id), nil, "")
	if err != nil {
		return nil, err
	}
	defer drain(resp.Body)

	var res ProcessResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", OpReprocess, err)
	}
	return &res, nil
}

// OpenProcessed starts streaming the processed video. The caller must close the
// returned body. size is -1 when the server does not announce a length.
func (c *Client) OpenProcessed(ctx context.Context, id int) (body io.ReadCloser, size int64, contentType string, err error) {
	ctx, cancel := context.WithCancel(ctx)
	var headers *time.Timer
	if c.timeout > 0 {
		headers = time.AfterFunc(c.timeout, cancel)
	}
	resp, err := c.do(ctx, OpFetchProcessed, http.MethodGet, fmt.Sprintf("/video/%d/processed", id), nil, "")
	if headers != nil && !headers.Stop() && err == nil {
		// Headers raced the deadline; the body is already cancelled
		resp.Body.Close()
		err = &TransportError{Op: OpFetchProcessed, Err: context.DeadlineExceeded}
	}
	if err != nil {
		cancel()
		return nil, 0, "", err
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, resp.ContentLength, resp.Header.Get("Content-Type"), nil
}

// cancelOnClose releases the download context together with the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// UploadFile uploads the video at path.
func (c *Client) UploadFile(ctx context.Context, path string) (*types.UploadJob, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", OpUpload, err)
	}
	defer f.Close()
	return c.Upload(ctx, filepath.Base(path), f)
}

// Upload streams r to the server as the multipart field "file".
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (*types.UploadJob, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	resp, err := c.do(ctx, OpUpload, http.MethodPost, "/video/upload", pr, mw.FormDataContentType())
	// Unblock the writer goroutine if the request ended before consuming the body
	pr.Close()
	if err != nil {
		return nil, err
	}
	defer drain(resp.Body)

	var job types.UploadJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", OpUpload, err)
	}
	if job.Filename == "" {
		job.Filename = filename
	}
	return &job, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out interface{}) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	resp, err := c.do(ctx, op, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer drain(resp.Body)

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// withTimeout bounds one call, body read included.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// do sends one request. Non-2xx responses are logged with their status and body
// and returned as *ServerError; the response body is then already closed.
func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}

	reqID := uuid.New().String()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	c.log.Debug(logModule, "%s %s (%s) id=%s", method, req.URL.Path, op, reqID[:8])
	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.metrics.ObserveRequest(op, "transport", elapsed)
		c.log.Error(logModule, "%s: no response (id=%s): %v", op, reqID[:8], err)
		return nil, &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.ObserveRequest(op, "server", elapsed)
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()

		se := &ServerError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
		var detail types.ErrorResult
		if json.Unmarshal(raw, &detail) == nil {
			se.Detail = detail.Detail
		}
		c.log.Error(logModule, "%s: status %d (id=%s): %s", op, resp.StatusCode, reqID[:8], strings.TrimSpace(string(raw)))
		return nil, se
	}

	c.metrics.ObserveRequest(op, "ok", elapsed)
	return resp, nil
}

// drain consumes what is left of a body so the connection can be reused.
func drain(rc io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(rc, maxErrorBody))
	rc.Close()
}
