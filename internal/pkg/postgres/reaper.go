package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/scribe/internal/pkg/status"
	"github.com/jackc/pgx/v5"
)

// ExpiredLeases returns running jobs whose worker lease lapsed
func (db *DB) ExpiredLeases(ctx context.Context) ([]string, error) {
	now := db.now()
	goapp.Log.Debug().Time("before", now).Msg("selecting expired leases")
	rows, err := db.pool.Query(ctx, `SELECT id FROM transcription_jobs
		WHERE status = ANY($1) AND lease_expires < $2 ORDER BY lease_expires`,
		[]string{status.Downloading.String(), status.Transcribing.String()}, now)
	if err != nil {
		return nil, fmt.Errorf("can't select expired leases: %w", err)
	}
	return collectIDs(rows)
}

// StalePending returns pending jobs older than olderThan with no live lease
func (db *DB) StalePending(ctx context.Context, olderThan time.Duration) ([]string, error) {
	now := db.now()
	rows, err := db.pool.Query(ctx, `SELECT id FROM transcription_jobs
		WHERE status = $1 AND created < $2 AND (lease_expires IS NULL OR lease_expires < $3) ORDER BY created`,
		status.Pending.String(), now.Add(-olderThan), now)
	if err != nil {
		return nil, fmt.Errorf("can't select stale pending: %w", err)
	}
	return collectIDs(rows)
}

// ExpiredAudio returns finished jobs with retained audio older than olderThan
func (db *DB) ExpiredAudio(ctx context.Context, olderThan time.Duration) ([]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT id FROM transcription_jobs
		WHERE audio_path IS NOT NULL AND completed < $1`, db.now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("can't select expired audio: %w", err)
	}
	return collectIDs(rows)
}

// ClearAudioPath drops retained audio reference
func (db *DB) ClearAudioPath(ctx context.Context, id string) error {
	_, err := db.pool.Exec(ctx, `UPDATE transcription_jobs SET audio_path = NULL, updated = $2 WHERE id = $1`,
		id, db.now())
	if err != nil {
		return fmt.Errorf("can't clear audio path: %w", err)
	}
	return nil
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	res, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("can't retrieve IDs: %w", err)
	}
	return res, nil
}
