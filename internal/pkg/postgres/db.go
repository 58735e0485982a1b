package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/airenas/scribe/internal/pkg/persistence"
	"github.com/airenas/scribe/internal/pkg/status"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound - no job or job belongs to other user
	ErrNotFound = errors.New("not found")
	// ErrNotActive - job is already terminal or in a state not allowing the change
	ErrNotActive = errors.New("job not active")
	// ErrNotCancellable - job state forbids cancel
	ErrNotCancellable = errors.New("job not cancellable")
)

type (
	// ConsumeFunc charges the job inside the completion transaction
	ConsumeFunc func(ctx context.Context, tx pgx.Tx, job *persistence.Job, minutes int32) error
	// RefundFunc refunds job minutes inside the failure/cancel transaction
	RefundFunc func(ctx context.Context, tx pgx.Tx, jobID string) (int32, error)
)

// Completion is the final job data
type Completion struct {
	Transcript []persistence.Segment
	Language   string
	Minutes    int32
}

// DB provides operations with postgresql
type DB struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewDB creates DB instance
func NewDB(pool *pgxpool.Pool) (*DB, error) {
	res := &DB{pool: pool, now: time.Now}
	return res, nil
}

// Pool returns underlying pool
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

const jobFields = `id, user_id, video_id, analysis_id, status, progress, current_stage, total_chunks,
	completed_chunks, duration_sec, estimated_minutes, subscription_limit, period_start, period_end, audio_path,
	transcript, language, error, error_code, lease_expires, attempt, created, started, completed, updated`

func scanJob(row pgx.Row) (*persistence.Job, error) {
	var res persistence.Job
	err := row.Scan(&res.ID, &res.UserID, &res.VideoID, &res.AnalysisID, &res.Status, &res.Progress,
		&res.CurrentStage, &res.TotalChunks, &res.CompletedChunks, &res.DurationSec, &res.EstimatedMinutes,
		&res.SubscriptionLimit, &res.PeriodStart, &res.PeriodEnd, &res.AudioPath, &res.Transcript, &res.Language,
		&res.Error, &res.ErrorCode, &res.LeaseExpires, &res.Attempt, &res.Created, &res.Started, &res.Completed,
		&res.Updated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &res, nil
}

// InsertJob inserts new pending job
func (db *DB) InsertJob(ctx context.Context, job *persistence.Job) error {
	_, err := db.pool.Exec(ctx, `INSERT INTO transcription_jobs(id, user_id, video_id, analysis_id, status,
		progress, duration_sec, estimated_minutes, subscription_limit, period_start, period_end, created, updated)
	VALUES($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10, $11, $11)`, job.ID, job.UserID, job.VideoID, job.AnalysisID,
		status.Pending.String(), job.DurationSec, job.EstimatedMinutes, job.SubscriptionLimit, job.PeriodStart,
		job.PeriodEnd, job.Created)
	if err != nil {
		return fmt.Errorf("can't insert job: %w", err)
	}
	return nil
}

// LoadJob loads job from DB
func (db *DB) LoadJob(ctx context.Context, id string) (*persistence.Job, error) {
	res, err := scanJob(db.pool.QueryRow(ctx, `SELECT `+jobFields+` FROM transcription_jobs WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("can't load job %s: %w", id, err)
	}
	return res, nil
}

// ClaimJob takes the lease on a pending job. Returns false if the job is terminal,
// already running or leased by another worker
func (db *DB) ClaimJob(ctx context.Context, id string, lease time.Duration) (bool, error) {
	now := db.now()
	res, err := db.pool.Exec(ctx, `UPDATE transcription_jobs SET
		lease_expires = $2,
		attempt = attempt + 1,
		started = COALESCE(started, $3),
		updated = $3
	WHERE id = $1 AND status = $4 AND (lease_expires IS NULL OR lease_expires < $3)`,
		id, now.Add(lease), now, status.Pending.String())
	if err != nil {
		return false, fmt.Errorf("can't claim job: %w", err)
	}
	return res.RowsAffected() == 1, nil
}

// UpdateStage moves the job into the next working state and extends the lease
func (db *DB) UpdateStage(ctx context.Context, id string, to status.Status, stage string, progress int32,
	lease time.Duration) error {
	now := db.now()
	res, err := db.pool.Exec(ctx, `UPDATE transcription_jobs SET
		status = $2,
		current_stage = $3,
		progress = GREATEST(progress, $4),
		lease_expires = $5,
		updated = $6
	WHERE id = $1 AND status = ANY($7)`,
		id, to.String(), stage, progress, now.Add(lease), now, predecessors(to))
	if err != nil {
		return fmt.Errorf("can't update stage: %w", err)
	}
	if res.RowsAffected() != 1 {
		return ErrNotActive
	}
	return nil
}

// ProgressData is an in-stage progress update
type ProgressData struct {
	Progress        int32
	TotalChunks     int32
	CompletedChunks int32
}

// UpdateProgress writes progress and chunk counters, never decreasing progress
func (db *DB) UpdateProgress(ctx context.Context, id string, data ProgressData, lease time.Duration) error {
	now := db.now()
	res, err := db.pool.Exec(ctx, `UPDATE transcription_jobs SET
		progress = GREATEST(progress, $2),
		total_chunks = CASE WHEN $3 > 0 THEN $3 ELSE total_chunks END,
		completed_chunks = CASE WHEN $3 > 0 THEN GREATEST(COALESCE(completed_chunks, 0), $4) ELSE completed_chunks END,
		lease_expires = $5,
		updated = $6
	WHERE id = $1 AND status = ANY($7)`,
		id, data.Progress, data.TotalChunks, data.CompletedChunks, now.Add(lease), now, status.Active())
	if err != nil {
		return fmt.Errorf("can't update progress: %w", err)
	}
	if res.RowsAffected() != 1 {
		return ErrNotActive
	}
	return nil
}

// ExtendLease moves the lease forward while the job is active
func (db *DB) ExtendLease(ctx context.Context, id string, lease time.Duration) error {
	res, err := db.pool.Exec(ctx, `UPDATE transcription_jobs SET lease_expires = $2
	WHERE id = $1 AND status = ANY($3)`, id, db.now().Add(lease), status.Active())
	if err != nil {
		return fmt.Errorf("can't extend lease: %w", err)
	}
	if res.RowsAffected() != 1 {
		return ErrNotActive
	}
	return nil
}

// SetAudioPath stores the retained audio location
func (db *DB) SetAudioPath(ctx context.Context, id, path string) error {
	_, err := db.pool.Exec(ctx, `UPDATE transcription_jobs SET audio_path = $2, updated = $3 WHERE id = $1`,
		id, path, db.now())
	if err != nil {
		return fmt.Errorf("can't set audio path: %w", err)
	}
	return nil
}

// CompleteJob charges the job and stores the transcript in one transaction.
// Any consume error rolls the transaction back leaving the job in transcribing state
func (db *DB) CompleteJob(ctx context.Context, id string, data *Completion, consume ConsumeFunc) error {
	return db.inTx(ctx, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if status.From(job.Status) != status.Transcribing {
			return fmt.Errorf("job is %s: %w", job.Status, ErrNotActive)
		}
		if err := consume(ctx, tx, job, data.Minutes); err != nil {
			return err
		}
		now := db.now()
		_, err = tx.Exec(ctx, `UPDATE transcription_jobs SET
			status = $2,
			progress = 100,
			current_stage = NULL,
			transcript = $3,
			language = $4,
			lease_expires = NULL,
			completed = $5,
			updated = $5
		WHERE id = $1`, id, status.Completed.String(), data.Transcript, nullStr(data.Language), now)
		if err != nil {
			return fmt.Errorf("can't complete job: %w", err)
		}
		return nil
	})
}

// FailJob refunds consumed minutes and marks the job failed in one transaction
func (db *DB) FailJob(ctx context.Context, id string, msg string, code status.ErrCode, refund RefundFunc) error {
	return db.inTx(ctx, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if status.From(job.Status).Terminal() {
			return fmt.Errorf("job is %s: %w", job.Status, ErrNotActive)
		}
		if _, err := refund(ctx, tx, id); err != nil {
			return fmt.Errorf("can't refund: %w", err)
		}
		return finish(ctx, tx, id, status.Failed, msg, code, db.now())
	})
}

// CancelJob refunds and marks the job cancelled in one transaction. Returns refunded minutes
func (db *DB) CancelJob(ctx context.Context, id, userID string, refund RefundFunc) (int32, error) {
	var res int32
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		job, err := lockJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.UserID != userID {
			return ErrNotFound
		}
		if !status.From(job.Status).Cancellable() {
			return fmt.Errorf("job is %s: %w", job.Status, ErrNotCancellable)
		}
		if res, err = refund(ctx, tx, id); err != nil {
			return fmt.Errorf("can't refund: %w", err)
		}
		return finish(ctx, tx, id, status.Cancelled, "cancelled by user", status.ECCancelled, db.now())
	})
	return res, err
}

// Live returns no error if db is reachable and initialized
func (db *DB) Live(ctx context.Context) error {
	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT FROM pg_tables WHERE tablename = 'transcription_jobs')`).
		Scan(&exists); err != nil {
		return fmt.Errorf("can't check table: %w", err)
	}
	if !exists {
		return fmt.Errorf("no migration done")
	}
	return nil
}

func (db *DB) inTx(ctx context.Context, f func(tx pgx.Tx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("can't begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit
	if err := f(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("can't commit: %w", err)
	}
	return nil
}

func lockJob(ctx context.Context, tx pgx.Tx, id string) (*persistence.Job, error) {
	res, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobFields+` FROM transcription_jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("can't lock job: %w", err)
	}
	return res, nil
}

func finish(ctx context.Context, tx pgx.Tx, id string, st status.Status, msg string, code status.ErrCode,
	now time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE transcription_jobs SET
		status = $2,
		error = $3,
		error_code = $4,
		current_stage = NULL,
		lease_expires = NULL,
		completed = $5,
		updated = $5
	WHERE id = $1`, id, st.String(), msg, code.String(), now)
	if err != nil {
		return fmt.Errorf("can't mark job %s: %w", st.String(), err)
	}
	return nil
}

// predecessors returns states from which a job may enter st, st itself included
func predecessors(st status.Status) []string {
	res := []string{st.String()}
	for _, s := range []status.Status{status.Pending, status.Downloading, status.Transcribing} {
		if s != st && status.CanMove(s, st) {
			res = append(res, s.String())
		}
	}
	return res
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
