package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/airenas/scribe/internal/pkg/ledger"
	"github.com/airenas/scribe/internal/pkg/persistence"
	"github.com/airenas/scribe/internal/pkg/postgres"
	"github.com/airenas/scribe/internal/pkg/status"
	"github.com/airenas/scribe/internal/pkg/test"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPeriod = ledger.Period{Start: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	End: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)}

type env struct {
	db *postgres.DB
	l  *ledger.Ledger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	pool := test.PgPool(t)
	db, err := postgres.NewDB(pool)
	require.NoError(t, err)
	l, err := ledger.New(pool, ledger.Plans{"pro": {Transcription: true, Minutes: 10}})
	require.NoError(t, err)
	require.NoError(t, l.CreateProfile(test.Ctx(t), "u1", "pro", "u1@mail.lt", time.Time{}))
	return &env{db: db, l: l}
}

func (e *env) insert(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.db.InsertJob(test.Ctx(t), &persistence.Job{ID: id, UserID: "u1", VideoID: "v1",
		DurationSec: 120, EstimatedMinutes: 2, SubscriptionLimit: 10,
		PeriodStart: sql.NullTime{Time: testPeriod.Start, Valid: true},
		PeriodEnd:   sql.NullTime{Time: testPeriod.End, Valid: true}, Created: time.Now()}))
}

func (e *env) consume(ctx context.Context, tx pgx.Tx, job *persistence.Job, minutes int32) error {
	r, err := e.l.ConsumeIn(ctx, tx, job.UserID, job.ID, minutes, job.SubscriptionLimit,
		ledger.Period{Start: job.PeriodStart.Time, End: job.PeriodEnd.Time})
	if err != nil {
		return err
	}
	if !r.Allowed {
		return ledger.ErrInsufficientCredits
	}
	return nil
}

func (e *env) refund(ctx context.Context, tx pgx.Tx, jobID string) (int32, error) {
	r, err := e.l.RefundIn(ctx, tx, jobID)
	if err != nil {
		return 0, err
	}
	return r.Minutes, nil
}

func (e *env) toTranscribing(t *testing.T, id string) {
	t.Helper()
	ok, err := e.db.ClaimJob(test.Ctx(t), id, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.db.UpdateStage(test.Ctx(t), id, status.Downloading, "downloading", 10, time.Minute))
	require.NoError(t, e.db.UpdateStage(test.Ctx(t), id, status.Transcribing, "transcribing", 30, time.Minute))
}

func TestDB_Flow(t *testing.T) {
	e := newEnv(t)
	ctx := test.Ctx(t)
	e.insert(t, "j1")

	j, err := e.db.LoadJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, status.Pending.String(), j.Status)
	assert.Nil(t, j.Transcript)

	ok, err := e.db.ClaimJob(ctx, "j1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.db.ClaimJob(ctx, "j1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, e.db.UpdateStage(ctx, "j1", status.Downloading, "downloading", 10, time.Minute))
	require.NoError(t, e.db.UpdateStage(ctx, "j1", status.Transcribing, "transcribing", 30, time.Minute))
	require.NoError(t, e.db.UpdateProgress(ctx, "j1", postgres.ProgressData{Progress: 60, TotalChunks: 4,
		CompletedChunks: 2}, time.Minute))
	require.NoError(t, e.db.UpdateProgress(ctx, "j1", postgres.ProgressData{Progress: 50}, time.Minute))

	j, err = e.db.LoadJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, int32(60), j.Progress)
	assert.Equal(t, int32(4), j.TotalChunks.Int32)
	assert.Equal(t, int32(2), j.CompletedChunks.Int32)

	tr := []persistence.Segment{{Text: "labas", Start: 0, Duration: 2.5}}
	require.NoError(t, e.db.CompleteJob(ctx, "j1", &postgres.Completion{Transcript: tr, Language: "lt", Minutes: 2},
		e.consume))

	j, err = e.db.LoadJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, status.Completed.String(), j.Status)
	assert.Equal(t, int32(100), j.Progress)
	assert.Equal(t, tr, j.Transcript)
	assert.Equal(t, "lt", j.Language.String)
	assert.False(t, j.LeaseExpires.Valid)

	u, err := e.l.Usage(ctx, "u1", testPeriod)
	require.NoError(t, err)
	assert.Equal(t, int32(2), u.Subscription.Used)

	err = e.db.UpdateProgress(ctx, "j1", postgres.ProgressData{Progress: 99}, time.Minute)
	assert.ErrorIs(t, err, postgres.ErrNotActive)
}

func TestDB_CompleteDenied(t *testing.T) {
	e := newEnv(t)
	ctx := test.Ctx(t)
	e.insert(t, "j1")
	e.toTranscribing(t, "j1")

	err := e.db.CompleteJob(ctx, "j1", &postgres.Completion{Transcript: []persistence.Segment{{Text: "a"}},
		Minutes: 20}, e.consume)
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)

	j, err := e.db.LoadJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, status.Transcribing.String(), j.Status)
	assert.Nil(t, j.Transcript)
}

func TestDB_FailRefunds(t *testing.T) {
	e := newEnv(t)
	ctx := test.Ctx(t)
	e.insert(t, "j1")
	e.toTranscribing(t, "j1")
	r, err := e.l.ConsumeAtomic(ctx, "u1", "j1", 3, 10, testPeriod)
	require.NoError(t, err)
	require.True(t, r.Allowed)

	require.NoError(t, e.db.FailJob(ctx, "j1", "olia", status.ECTranscribeFailed, e.refund))

	j, err := e.db.LoadJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, status.Failed.String(), j.Status)
	assert.Equal(t, "TRANSCRIBE_FAILED", j.ErrorCode.String)
	assert.Equal(t, "olia", j.Error.String)
	u, err := e.l.Usage(ctx, "u1", testPeriod)
	require.NoError(t, err)
	assert.Equal(t, int32(0), u.Subscription.Used)

	err = e.db.FailJob(ctx, "j1", "olia", status.ECInternal, e.refund)
	assert.ErrorIs(t, err, postgres.ErrNotActive)
}

func TestDB_FailRollbackOnRefundError(t *testing.T) {
	e := newEnv(t)
	ctx := test.Ctx(t)
	e.insert(t, "j1")
	err := e.db.FailJob(ctx, "j1", "olia", status.ECInternal, func(context.Context, pgx.Tx, string) (int32, error) {
		return 0, errors.New("olia")
	})
	assert.NotNil(t, err)
	j, err := e.db.LoadJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, status.Pending.String(), j.Status)
}

func TestDB_Cancel(t *testing.T) {
	e := newEnv(t)
	ctx := test.Ctx(t)
	e.insert(t, "j1")

	_, err := e.db.CancelJob(ctx, "j1", "u2", e.refund)
	assert.ErrorIs(t, err, postgres.ErrNotFound)
	_, err = e.db.CancelJob(ctx, "j2", "u1", e.refund)
	assert.ErrorIs(t, err, postgres.ErrNotFound)

	m, err := e.db.CancelJob(ctx, "j1", "u1", e.refund)
	require.NoError(t, err)
	assert.Equal(t, int32(0), m)
	j, err := e.db.LoadJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, status.Cancelled.String(), j.Status)
	assert.Equal(t, "CANCELLED", j.ErrorCode.String)

	_, err = e.db.CancelJob(ctx, "j1", "u1", e.refund)
	assert.ErrorIs(t, err, postgres.ErrNotCancellable)

	err = e.db.UpdateStage(ctx, "j1", status.Downloading, "downloading", 10, time.Minute)
	assert.ErrorIs(t, err, postgres.ErrNotActive)
	ok, err := e.db.ClaimJob(ctx, "j1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDB_Reaper(t *testing.T) {
	e := newEnv(t)
	ctx := test.Ctx(t)
	e.insert(t, "j1")
	e.insert(t, "j2")
	ok, err := e.db.ClaimJob(ctx, "j1", -time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.db.UpdateStage(ctx, "j1", status.Downloading, "downloading", 10, -time.Minute))

	ids, err := e.db.ExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, ids)

	ids, err = e.db.StalePending(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"j2"}, ids)
}

func TestDB_ExtendLease(t *testing.T) {
	e := newEnv(t)
	ctx := test.Ctx(t)
	e.insert(t, "j1")
	ok, err := e.db.ClaimJob(ctx, "j1", -time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, e.db.UpdateStage(ctx, "j1", status.Downloading, "downloading", 10, -time.Minute))
	ids, err := e.db.ExpiredLeases(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"j1"}, ids)

	require.NoError(t, e.db.ExtendLease(ctx, "j1", time.Minute))
	ids, err = e.db.ExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	j, err := e.db.LoadJob(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, j.LeaseExpires.Time.After(time.Now()))
	assert.Equal(t, status.Downloading.String(), j.Status)

	_, err = e.db.CancelJob(ctx, "j1", "u1", e.refund)
	require.NoError(t, err)
	assert.ErrorIs(t, e.db.ExtendLease(ctx, "j1", time.Minute), postgres.ErrNotActive)
	assert.ErrorIs(t, e.db.ExtendLease(ctx, "missing", time.Minute), postgres.ErrNotActive)
}

func TestDB_EmailLock(t *testing.T) {
	e := newEnv(t)
	ctx := test.Ctx(t)
	e.insert(t, "j1")

	em, err := e.db.LoadEmail(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "u1@mail.lt", em)

	require.NoError(t, e.db.LockEmailTable(ctx, "j1", "Finished"))
	assert.NotNil(t, e.db.LockEmailTable(ctx, "j1", "Finished"))
	v := 0
	require.NoError(t, e.db.UnLockEmailTable(ctx, "j1", "Finished", &v))
	require.NoError(t, e.db.LockEmailTable(ctx, "j1", "Finished"))
	v = 2
	require.NoError(t, e.db.UnLockEmailTable(ctx, "j1", "Finished", &v))
	assert.NotNil(t, e.db.LockEmailTable(ctx, "j1", "Finished"))
}
