package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists segment and thumbnail rows to Postgres, relying on
// ON CONFLICT DO NOTHING for the idempotence the Store interface requires.
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

const defaultPostgresStoreTimeout = 5 * time.Second

// NewPostgresStore opens a Postgres-backed recorder store using the
// provided DSN.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("recorder: postgres dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("recorder: parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("recorder: open postgres pool: %w", err)
	}
	return &PostgresStore{pool: pool, timeout: defaultPostgresStoreTimeout}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *PostgresStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// InsertSegment inserts row, doing nothing if (recording_id, rendition,
// idx) already has a row on file.
func (s *PostgresStore) InsertSegment(ctx context.Context, row SegmentRow) error {
	if s.pool == nil {
		return fmt.Errorf("recorder: postgres pool not configured")
	}
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
INSERT INTO recording_rendition_segments (
	recording_id, rendition, idx, id, start_time, end_time, size_bytes
) VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (recording_id, rendition, idx) DO NOTHING
`, row.RecordingID, row.Rendition, row.Idx, row.ID, row.StartTime, row.EndTime, row.SizeBytes)
	if err != nil {
		return fmt.Errorf("recorder: insert segment row: %w", err)
	}
	return nil
}

// InsertThumbnail inserts row, doing nothing if (recording_id, idx) already
// has a row on file.
func (s *PostgresStore) InsertThumbnail(ctx context.Context, row ThumbnailRow) error {
	if s.pool == nil {
		return fmt.Errorf("recorder: postgres pool not configured")
	}
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
INSERT INTO recording_thumbnails (
	recording_id, idx, id, start_time, size_bytes
) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (recording_id, idx) DO NOTHING
`, row.RecordingID, row.Idx, row.ID, row.StartTime, row.SizeBytes)
	if err != nil {
		return fmt.Errorf("recorder: insert thumbnail row: %w", err)
	}
	return nil
}

// FinalizeRecording transitionally marks a recording Finalized. It tolerates
// a concurrent finalize racing for the same recording: the UPDATE is a
// no-op (zero rows affected) once the row is already Finalized, which is
// not treated as an error.
func (s *PostgresStore) FinalizeRecording(ctx context.Context, recordingID string) error {
	if s.pool == nil {
		return fmt.Errorf("recorder: postgres pool not configured")
	}
	ctx, cancel := s.operationContext(ctx)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
UPDATE recordings
SET state = 'finalized', finalized_at = NOW()
WHERE id = $1 AND state <> 'finalized'
`, recordingID)
	if err != nil {
		return fmt.Errorf("recorder: finalize recording: %w", err)
	}
	return nil
}
