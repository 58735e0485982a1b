package mocks

import (
	"context"
	"io"
	"time"

	"github.com/airenas/async-api/pkg/messages"
	"github.com/airenas/scribe/internal/pkg/extractor"
	"github.com/airenas/scribe/internal/pkg/ledger"
	"github.com/airenas/scribe/internal/pkg/persistence"
	"github.com/airenas/scribe/internal/pkg/postgres"
	"github.com/airenas/scribe/internal/pkg/status"
	"github.com/airenas/scribe/internal/pkg/stt"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/mock"
)

// Filer is minio mock
type Filer struct{ mock.Mock }

// SaveFile func mock
func (m *Filer) SaveFile(ctx context.Context, name string, r io.Reader, size int64) error {
	args := m.Called(ctx, name, r, size)
	return args.Error(0)
}

// LoadFile func mock
func (m *Filer) LoadFile(ctx context.Context, fileName string) (io.ReadSeekCloser, error) {
	args := m.Called(ctx, fileName)
	return to[io.ReadSeekCloser](args.Get(0)), args.Error(1)
}

// DB is postgres DB mock. Consume and refund callbacks are invoked with nil tx
type DB struct{ mock.Mock }

func (m *DB) InsertJob(ctx context.Context, job *persistence.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *DB) LoadJob(ctx context.Context, id string) (*persistence.Job, error) {
	args := m.Called(ctx, id)
	return to[*persistence.Job](args.Get(0)), args.Error(1)
}

func (m *DB) ClaimJob(ctx context.Context, id string, lease time.Duration) (bool, error) {
	args := m.Called(ctx, id, lease)
	return args.Bool(0), args.Error(1)
}

func (m *DB) UpdateStage(ctx context.Context, id string, to status.Status, stage string, progress int32,
	lease time.Duration) error {
	args := m.Called(ctx, id, to, stage, progress, lease)
	return args.Error(0)
}

func (m *DB) UpdateProgress(ctx context.Context, id string, data postgres.ProgressData, lease time.Duration) error {
	args := m.Called(ctx, id, data, lease)
	return args.Error(0)
}

func (m *DB) SetAudioPath(ctx context.Context, id, path string) error {
	args := m.Called(ctx, id, path)
	return args.Error(0)
}

func (m *DB) ExtendLease(ctx context.Context, id string, lease time.Duration) error {
	args := m.Called(ctx, id, lease)
	return args.Error(0)
}

func (m *DB) CompleteJob(ctx context.Context, id string, data *postgres.Completion, consume postgres.ConsumeFunc) error {
	args := m.Called(ctx, id, data, consume)
	if err := args.Error(0); err != nil {
		return err
	}
	job := to[*persistence.Job](args.Get(1))
	if job == nil {
		job = &persistence.Job{ID: id}
	}
	return consume(ctx, nil, job, data.Minutes)
}

func (m *DB) FailJob(ctx context.Context, id string, msg string, code status.ErrCode, refund postgres.RefundFunc) error {
	args := m.Called(ctx, id, msg, code, refund)
	if err := args.Error(0); err != nil {
		return err
	}
	_, err := refund(ctx, nil, id)
	return err
}

func (m *DB) CancelJob(ctx context.Context, id, userID string, refund postgres.RefundFunc) (int32, error) {
	args := m.Called(ctx, id, userID, refund)
	if err := args.Error(0); err != nil {
		return 0, err
	}
	return refund(ctx, nil, id)
}

func (m *DB) Live(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *DB) LoadEmail(ctx context.Context, jobID string) (string, error) {
	args := m.Called(ctx, jobID)
	return args.String(0), args.Error(1)
}

func (m *DB) LockEmailTable(ctx context.Context, id, key string) error {
	args := m.Called(ctx, id, key)
	return args.Error(0)
}

func (m *DB) UnLockEmailTable(ctx context.Context, id, key string, value *int) error {
	args := m.Called(ctx, id, key, value)
	return args.Error(0)
}

func (m *DB) ExpiredLeases(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return to[[]string](args.Get(0)), args.Error(1)
}

func (m *DB) StalePending(ctx context.Context, olderThan time.Duration) ([]string, error) {
	args := m.Called(ctx, olderThan)
	return to[[]string](args.Get(0)), args.Error(1)
}

func (m *DB) ExpiredAudio(ctx context.Context, olderThan time.Duration) ([]string, error) {
	args := m.Called(ctx, olderThan)
	return to[[]string](args.Get(0)), args.Error(1)
}

func (m *DB) ClearAudioPath(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// Ledger is credit ledger mock
type Ledger struct{ mock.Mock }

func (m *Ledger) ConsumeIn(ctx context.Context, tx pgx.Tx, userID, jobID string, minutes, subscriptionLimit int32,
	period ledger.Period) (*ledger.ConsumeResult, error) {
	args := m.Called(ctx, tx, userID, jobID, minutes, subscriptionLimit, period)
	return to[*ledger.ConsumeResult](args.Get(0)), args.Error(1)
}

func (m *Ledger) RefundIn(ctx context.Context, tx pgx.Tx, jobID string) (*ledger.RefundResult, error) {
	args := m.Called(ctx, tx, jobID)
	return to[*ledger.RefundResult](args.Get(0)), args.Error(1)
}

func (m *Ledger) Profile(ctx context.Context, userID string) (string, time.Time, error) {
	args := m.Called(ctx, userID)
	return args.String(0), to[time.Time](args.Get(1)), args.Error(2)
}

func (m *Ledger) Plan(tier string) ledger.Plan {
	args := m.Called(tier)
	return to[ledger.Plan](args.Get(0))
}

func (m *Ledger) CheckAvailable(ctx context.Context, userID string, minutesNeeded int32,
	period ledger.Period) (*ledger.CheckResult, error) {
	args := m.Called(ctx, userID, minutesNeeded, period)
	return to[*ledger.CheckResult](args.Get(0)), args.Error(1)
}

func (m *Ledger) Usage(ctx context.Context, userID string, period ledger.Period) (*ledger.Usage, error) {
	args := m.Called(ctx, userID, period)
	return to[*ledger.Usage](args.Get(0)), args.Error(1)
}

func (m *Ledger) CreditTopup(ctx context.Context, userID, paymentIntentID string, minutes int32,
	amountPaid int64) (*ledger.TopupResult, error) {
	args := m.Called(ctx, userID, paymentIntentID, minutes, amountPaid)
	return to[*ledger.TopupResult](args.Get(0)), args.Error(1)
}

// Sender is postgres queue mock
type Sender struct{ mock.Mock }

func (m *Sender) SendMessage(ctx context.Context, msg messages.Message, queue string) error {
	args := m.Called(ctx, msg, queue)
	return args.Error(0)
}

// Extractor is audio extraction client mock
type Extractor struct{ mock.Mock }

func (m *Extractor) ResolveAudioURL(ctx context.Context, videoID string) (*extractor.Resolved, error) {
	args := m.Called(ctx, videoID)
	return to[*extractor.Resolved](args.Get(0)), args.Error(1)
}

func (m *Extractor) ExtractAudio(ctx context.Context, videoID string) (*extractor.Audio, error) {
	args := m.Called(ctx, videoID)
	return to[*extractor.Audio](args.Get(0)), args.Error(1)
}

// ExtractorProvider mock
type ExtractorProvider struct{ mock.Mock }

func (m *ExtractorProvider) Get(srv string, allowNew bool) (extractor.Extractor, string, error) {
	args := m.Called(srv, allowNew)
	return to[extractor.Extractor](args.Get(0)), args.String(1), args.Error(2)
}

// Transcriber is speech to text mock
type Transcriber struct{ mock.Mock }

func (m *Transcriber) Transcribe(ctx context.Context, audio *stt.Audio, opts stt.Options) (*stt.Result, error) {
	args := m.Called(ctx, audio, opts)
	return to[*stt.Result](args.Get(0)), args.Error(1)
}

// Cache is redis mock
type Cache struct{ mock.Mock }

func (m *Cache) GetStatus(ctx context.Context, id string) ([]byte, bool, error) {
	args := m.Called(ctx, id)
	return to[[]byte](args.Get(0)), args.Bool(1), args.Error(2)
}

func (m *Cache) SetStatus(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	args := m.Called(ctx, id, data, ttl)
	return args.Error(0)
}

func (m *Cache) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	args := m.Called(ctx, key, limit, window)
	return args.Bool(0), args.Error(1)
}

func to[T interface{}](val interface{}) T {
	if val == nil {
		var res T
		return res
	}
	return val.(T)
}
