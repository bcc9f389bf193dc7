// Package store persists segment state in SQLite. The store is the
// single source of truth for orchestrator recovery; every state
// transition is written through it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/scribelab/scribed/internal/config"
	"github.com/scribelab/scribed/internal/segment"
	_ "modernc.org/sqlite"
)

// ErrConflict is returned by UpdateStatus when the segment's stored
// status no longer matches the expected one (a concurrent writer won).
var ErrConflict = errors.New("segment status conflict")

// ErrNotFound is returned when no segment exists for the given identity.
var ErrNotFound = errors.New("segment not found")

// Store wraps a SQLite-backed segment table.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the segment store at cfg.Path.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS segments (
    session_id TEXT NOT NULL,
    segment_index INTEGER NOT NULL,
    start_offset_ms INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    audio_path TEXT NOT NULL,
    transcript TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    failure_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    fallback_attempted INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (session_id, segment_index)
);
CREATE INDEX IF NOT EXISTS idx_segments_status ON segments(status, session_id, segment_index);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put inserts a segment or replaces the stored row for its identity.
func (s *Store) Put(ctx context.Context, seg segment.Segment) error {
	now := s.clock().UTC()
	if seg.CreatedAt.IsZero() {
		seg.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO segments(session_id, segment_index, start_offset_ms, duration_ms, audio_path,
		   transcript, status, failure_count, last_error, fallback_attempted, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, segment_index) DO UPDATE SET
		   start_offset_ms=excluded.start_offset_ms,
		   duration_ms=excluded.duration_ms,
		   audio_path=excluded.audio_path,
		   transcript=excluded.transcript,
		   status=excluded.status,
		   failure_count=excluded.failure_count,
		   last_error=excluded.last_error,
		   fallback_attempted=excluded.fallback_attempted,
		   updated_at=excluded.updated_at`,
		seg.SessionID, seg.Index,
		seg.StartOffset.Milliseconds(), seg.Duration.Milliseconds(), seg.AudioPath,
		seg.Transcript, string(seg.Status), seg.FailureCount, seg.LastError,
		boolToInt(seg.FallbackAttempted),
		seg.CreatedAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	return err
}

// UpdateStatus applies a compare-and-set write: the row is updated only
// if its stored status still equals expected. ErrConflict signals a
// lost race with another writer.
func (s *Store) UpdateStatus(ctx context.Context, seg segment.Segment, expected segment.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE segments SET
		   transcript=?, status=?, failure_count=?, last_error=?, fallback_attempted=?, updated_at=?
		 WHERE session_id=? AND segment_index=? AND status=?`,
		seg.Transcript, string(seg.Status), seg.FailureCount, seg.LastError,
		boolToInt(seg.FallbackAttempted), s.clock().UTC().Format(time.RFC3339Nano),
		seg.SessionID, seg.Index, string(expected))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// Get retrieves one segment by identity.
func (s *Store) Get(ctx context.Context, id segment.ID) (segment.Segment, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+` FROM segments WHERE session_id=? AND segment_index=?`,
		id.SessionID, id.Index)
	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return segment.Segment{}, ErrNotFound
	}
	return seg, err
}

// ListSession returns all segments of a session ordered by index.
func (s *Store) ListSession(ctx context.Context, sessionID string) ([]segment.Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM segments WHERE session_id=? ORDER BY segment_index ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// ListByStatus returns all segments in the given status ordered by
// (session_id, segment_index), the dispatch order.
func (s *Store) ListByStatus(ctx context.Context, status segment.Status) ([]segment.Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM segments WHERE status=? ORDER BY session_id ASC, segment_index ASC`,
		string(status))
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// CountByStatus returns segment counts per status.
func (s *Store) CountByStatus(ctx context.Context) (segment.QueueStatus, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM segments GROUP BY status`)
	if err != nil {
		return segment.QueueStatus{}, err
	}
	defer rows.Close()

	var qs segment.QueueStatus
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return segment.QueueStatus{}, err
		}
		switch segment.Status(status) {
		case segment.StatusPending:
			qs.Pending = count
		case segment.StatusUploading:
			qs.Uploading = count
		case segment.StatusTranscribed:
			qs.Transcribed = count
		case segment.StatusFailed:
			qs.Failed = count
		case segment.StatusQueuedOffline:
			qs.QueuedOffline = count
		}
	}
	return qs, rows.Err()
}

// ResetInFlight moves segments stranded in uploading back to pending.
// Called on orchestrator start to recover from a crashed run.
func (s *Store) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE segments SET status=?, updated_at=? WHERE status=?`,
		string(segment.StatusPending), s.clock().UTC().Format(time.RFC3339Nano),
		string(segment.StatusUploading))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("reset stranded uploads", slog.Int64("count", n))
	}
	return n, nil
}

const selectColumns = `SELECT session_id, segment_index, start_offset_ms, duration_ms, audio_path,
  transcript, status, failure_count, last_error, fallback_attempted, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSegment(row rowScanner) (segment.Segment, error) {
	var seg segment.Segment
	var startMS, durationMS int64
	var status string
	var fallback int
	var created, updated string
	err := row.Scan(&seg.SessionID, &seg.Index, &startMS, &durationMS, &seg.AudioPath,
		&seg.Transcript, &status, &seg.FailureCount, &seg.LastError, &fallback, &created, &updated)
	if err != nil {
		return segment.Segment{}, err
	}
	seg.StartOffset = time.Duration(startMS) * time.Millisecond
	seg.Duration = time.Duration(durationMS) * time.Millisecond
	seg.Status = segment.Status(status)
	if !seg.Status.Known() {
		return segment.Segment{}, fmt.Errorf("segment %s has unknown status %q", seg.ID(), status)
	}
	seg.FallbackAttempted = fallback != 0
	if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
		seg.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		seg.UpdatedAt = ts
	}
	return seg, nil
}

func collect(rows *sql.Rows) ([]segment.Segment, error) {
	defer rows.Close()
	var segs []segment.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
