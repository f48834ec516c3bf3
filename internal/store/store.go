package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/spotter/internal/types"
	"github.com/jackc/pgx/v5"
)

// Run is one archived detection result set.
type Run struct {
	VideoID        int
	Filename       string
	DetectionCount int
	ArchivedAt     time.Time
}

// Store archives completed detection runs in PostgreSQL.
// A single pgx.Conn is not safe for concurrent use, so every call is serialized.
type Store struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS archived_videos (
			video_id INT PRIMARY KEY,
			filename TEXT NOT NULL,
			detection_count INT NOT NULL DEFAULT 0,
			archived_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS archived_detections (
			id BIGSERIAL PRIMARY KEY,
			video_id INT REFERENCES archived_videos(video_id) ON DELETE CASCADE,
			detection_id INT NOT NULL,
			frame_number INT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			x DOUBLE PRECISION NOT NULL,
			y DOUBLE PRECISION NOT NULL,
			width DOUBLE PRECISION NOT NULL DEFAULT 0,
			height DOUBLE PRECISION NOT NULL DEFAULT 0,
			detected_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS archived_detections_video_id_idx ON archived_detections (video_id, frame_number);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// SaveRun stores the detections of a completed video. Saving the same video
// again replaces the previous run.
func (s *Store) SaveRun(ctx context.Context, videoID int, filename string, dets []types.Detection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Clean up old data so a re-run does not duplicate rows
	if _, err := tx.Exec(ctx, "DELETE FROM archived_detections WHERE video_id = $1", videoID); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO archived_videos (video_id, filename, detection_count, archived_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (video_id) DO UPDATE SET filename = EXCLUDED.filename, detection_count = EXCLUDED.detection_count, archived_at = NOW()
	`, videoID, filename, len(dets))
	if err != nil {
		return err
	}

	if len(dets) > 0 {
		rows := make([][]interface{}, 0, len(dets))
		for _, d := range dets {
			var detectedAt interface{}
			if !d.Timestamp.IsZero() {
				detectedAt = d.Timestamp.Time
			}
			rows = append(rows, []interface{}{videoID, d.ID, d.FrameNumber, d.Confidence, d.X, d.Y, d.Width, d.Height, detectedAt})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"archived_detections"},
			[]string{"video_id", "detection_id", "frame_number", "confidence", "x", "y", "width", "height", "detected_at"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("failed to copy detections: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ListRuns returns all archived runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, "SELECT video_id, filename, detection_count, archived_at FROM archived_videos ORDER BY archived_at DESC, video_id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.VideoID, &r.Filename, &r.DetectionCount, &r.ArchivedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunDetections returns the archived detections of a video in frame order.
func (s *Store) RunDetections(ctx context.Context, videoID int) ([]types.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT detection_id, frame_number, confidence, x, y, width, height, detected_at
		FROM archived_detections WHERE video_id = $1 ORDER BY frame_number, detection_id
	`, videoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dets []types.Detection
	for rows.Next() {
		var d types.Detection
		var detectedAt *time.Time
		if err := rows.Scan(&d.ID, &d.FrameNumber, &d.Confidence, &d.X, &d.Y, &d.Width, &d.Height, &detectedAt); err != nil {
			return nil, err
		}
		if detectedAt != nil {
			d.Timestamp.Time = *detectedAt
		}
		dets = append(dets, d)
	}
	return dets, rows.Err()
}

// DeleteRun removes an archived run and its detections.
func (s *Store) DeleteRun(ctx context.Context, videoID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, "DELETE FROM archived_videos WHERE video_id = $1", videoID)
	return err
}

// Reset drops all archive tables.
// The next New call recreates them.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS archived_detections CASCADE;
		DROP TABLE IF EXISTS archived_videos CASCADE;
	`)
	return err
}
