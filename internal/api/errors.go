package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Operation names used in errors, logs and metrics.
const (
	OpListVideos     = "list videos"
	OpGetVideo       = "get video"
	OpUpload         = "upload video"
	OpStatus         = "check video status"
	OpDetections     = "fetch detections"
	OpDelete         = "delete video"
	OpReprocess      = "reprocess video"
	OpFetchProcessed = "fetch processed video"
)

// TransportError is a network or connection failure; no response was received.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: request failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerError is a non-2xx response.
type ServerError struct {
	Op         string
	StatusCode int
	Body       string // raw body, truncated
	Detail     string // "detail" field of a JSON error body, if any
}

func (e *ServerError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.StatusCode, msg)
}

// StalledJobError reports a job that read 0% on two consecutive polls.
type StalledJobError struct {
	JobID int
}

func (e *StalledJobError) Error() string {
	return fmt.Sprintf("job %d appears stuck at 0%% progress", e.JobID)
}

// JobFailedError reports a job the server marked as failed (progress -1).
type JobFailedError struct {
	JobID int
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %d failed on the server", e.JobID)
}

// IsNotFound reports whether err is a 404 from the detection service.
func IsNotFound(err error) bool {
	var se *ServerError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}
