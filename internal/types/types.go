package types

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Progress sentinels reported by the detection service.
const (
	ProgressFailed   = -1.0
	ProgressComplete = 100.0
)

// Video is one entry of the server-side video list.
type Video struct {
	ID        int       `json:"id" msgpack:"id"`
	Filename  string    `json:"filename" msgpack:"filename"`
	CreatedAt Timestamp `json:"created_at" msgpack:"created_at"`
}

// UploadJob is created from a successful upload response and never changes afterwards.
type UploadJob struct {
	ID        int       `json:"id"`
	Filename  string    `json:"filename"`
	CreatedAt Timestamp `json:"created_at"`
}

// JobStatus is the result of a single status poll.
// Progress is a percentage in [0,100], or ProgressFailed.
type JobStatus struct {
	Progress        float64 `json:"progress"`
	DetectionsCount int     `json:"detections_count"`
	Status          string  `json:"status,omitempty"` // display only
}

// Failed reports whether the server flagged the job as failed.
func (s JobStatus) Failed() bool { return s.Progress == ProgressFailed }

// Complete reports whether processing reached 100%.
func (s JobStatus) Complete() bool { return s.Progress >= ProgressComplete }

// Detection is one entity found in one frame.
type Detection struct {
	ID          int       `json:"id" msgpack:"id"`
	FrameNumber int       `json:"frame_number" msgpack:"frame_number"`
	Confidence  float64   `json:"confidence" msgpack:"confidence"` // 0.0 - 1.0
	Timestamp   Timestamp `json:"timestamp" msgpack:"timestamp"`
	X           float64   `json:"x" msgpack:"x"`
	Y           float64   `json:"y" msgpack:"y"`
	Width       float64   `json:"width,omitempty" msgpack:"width"`
	Height      float64   `json:"height,omitempty" msgpack:"height"`
}

// ErrorResult captures the error body FastAPI-style servers return on failure
type ErrorResult struct {
	Detail string `json:"detail"`
}

// isoLayouts covers RFC 3339 and the zone-less ISO 8601 that Python's isoformat() emits.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp is a time.Time that tolerates missing zones and JSON null.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	raw := string(bytes.Trim(b, `"`))
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range isoLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", raw)
}

// MarshalJSON writes null for an unknown time.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return t.Time.MarshalJSON()
}

// EncodeMsgpack implements msgpack.CustomEncoder.
func (t Timestamp) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeTime(t.Time)
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (t *Timestamp) DecodeMsgpack(dec *msgpack.Decoder) error {
	v, err := dec.DecodeTime()
	if err != nil {
		return err
	}
	t.Time = v
	return nil
}
