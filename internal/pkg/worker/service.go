package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	amessages "github.com/airenas/async-api/pkg/messages"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/scribe/internal/pkg/extractor"
	"github.com/airenas/scribe/internal/pkg/fallback"
	"github.com/airenas/scribe/internal/pkg/ledger"
	"github.com/airenas/scribe/internal/pkg/messages"
	"github.com/airenas/scribe/internal/pkg/metrics"
	"github.com/airenas/scribe/internal/pkg/persistence"
	"github.com/airenas/scribe/internal/pkg/postgres"
	"github.com/airenas/scribe/internal/pkg/status"
	"github.com/airenas/scribe/internal/pkg/stt"
	"github.com/airenas/scribe/internal/pkg/utils"
	"github.com/airenas/scribe/internal/pkg/utils/handler"
	"github.com/jackc/pgx/v5"
	"github.com/vgarvardt/gue/v5"
)

// MsgSender provides send msg functionality
type MsgSender interface {
	SendMessage(context.Context, amessages.Message, string) error
}

// DB provides job persistence
type DB interface {
	LoadJob(ctx context.Context, id string) (*persistence.Job, error)
	ClaimJob(ctx context.Context, id string, lease time.Duration) (bool, error)
	UpdateStage(ctx context.Context, id string, to status.Status, stage string, progress int32, lease time.Duration) error
	UpdateProgress(ctx context.Context, id string, data postgres.ProgressData, lease time.Duration) error
	ExtendLease(ctx context.Context, id string, lease time.Duration) error
	SetAudioPath(ctx context.Context, id, path string) error
	CompleteJob(ctx context.Context, id string, data *postgres.Completion, consume postgres.ConsumeFunc) error
	FailJob(ctx context.Context, id string, msg string, code status.ErrCode, refund postgres.RefundFunc) error
}

// Ledger charges and refunds minutes inside job transactions
type Ledger interface {
	ConsumeIn(ctx context.Context, tx pgx.Tx, userID, jobID string, minutes, subscriptionLimit int32,
		period ledger.Period) (*ledger.ConsumeResult, error)
	RefundIn(ctx context.Context, tx pgx.Tx, jobID string) (*ledger.RefundResult, error)
}

// ExtractorProvider returns extractor instance
type ExtractorProvider interface {
	Get(srv string, allowNew bool) (extractor.Extractor, string, error)
}

// Filer saves retained audio
type Filer interface {
	SaveFile(ctx context.Context, name string, r io.Reader, fileSize int64) error
}

// ServiceData keeps data required for service work
type ServiceData struct {
	GueClient   *gue.Client
	WorkerCount int
	MsgSender   MsgSender
	DB          DB
	Ledger      Ledger
	Extractors  ExtractorProvider
	Transcriber stt.Transcriber
	// Filer is optional, audio is not retained if nil
	Filer Filer

	Lease           time.Duration
	ExtractAttempts int
	ExtractBackoff  time.Duration
	Testing         bool
}

const (
	stageDownloading  = "downloading"
	stageTranscribing = "transcribing"
	stageAccounting   = "accounting"

	prDownloadStart = 10
	prDownloadEnd   = 30
	prTranscribeEnd = 90
	prAccounting    = 95

	finalizeTimeout = 30 * time.Second
)

// errStopped marks an invocation aborted because the job left the active states
var errStopped = errors.New("job is not active anymore")

// StartWorkerService starts the event queue listener service to listen for events
// returns channel for tracking if all jobs are finished
func StartWorkerService(ctx context.Context, data *ServiceData) (chan struct{}, error) {
	if err := validate(data); err != nil {
		return nil, err
	}
	goapp.Log.Info().Int("workers", data.WorkerCount).Dur("lease", data.Lease).Msg("Starting listen for messages")
	if data.Testing {
		goapp.Log.Warn().Msg("SERVICE IN TEST MODE")
	}

	wm := gue.WorkMap{
		messages.Transcribe: handler.Create(data, handleTranscribe, handler.DefaultOpts[messages.JobMessage]().
			WithTimeout(time.Minute*120).WithBackoff(handler.DefaultBackoffOrTest(data.Testing))),
		messages.Fail: handler.Create(data, handleFailure, handler.DefaultOpts[messages.FailMessage]().
			WithFailure(handler.MaxRetries[messages.FailMessage](10)).
			WithBackoff(handler.DefaultBackoffOrTest(data.Testing))),
	}

	pool, err := gue.NewWorkerPool(
		data.GueClient, wm, data.WorkerCount,
		gue.WithPoolQueue(messages.Work),
		gue.WithPoolLogger(utils.NewGueLoggerAdapter()),
		gue.WithPoolPollInterval(500*time.Millisecond),
		gue.WithPoolPollStrategy(gue.RunAtPollStrategy),
		gue.WithPoolID("scribe-worker"),
	)
	if err != nil {
		return nil, fmt.Errorf("could not build gue workers pool: %w", err)
	}
	res := make(chan struct{}, 1)
	go func() {
		goapp.Log.Info().Msg("Starting workers")
		if err := pool.Run(ctx); err != nil {
			goapp.Log.Error().Err(err).Msg("pool error")
		}
		goapp.Log.Info().Msg("Pool workers finished")
		res <- struct{}{}
	}()
	return res, nil
}

func handleTranscribe(ctx context.Context, m *messages.JobMessage, data *ServiceData) error {
	goapp.Log.Info().Str("ID", m.ID).Msg("handling transcribe")
	job, err := data.DB.LoadJob(ctx, m.ID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return utils.NewErrNonRetryable(fmt.Errorf("no job %s: %w", m.ID, err))
		}
		return fmt.Errorf("can't load job: %w", err)
	}
	if status.From(job.Status).Terminal() {
		goapp.Log.Info().Str("ID", m.ID).Str("status", job.Status).Msg("job finished, skip")
		return nil
	}
	ok, err := data.DB.ClaimJob(ctx, job.ID, data.Lease)
	if err != nil {
		return fmt.Errorf("can't claim job: %w", err)
	}
	if !ok {
		goapp.Log.Info().Str("ID", m.ID).Msg("job is taken, skip")
		return nil
	}
	if err := sendInform(ctx, data, job.ID, amessages.InformTypeStarted); err != nil {
		goapp.Log.Warn().Err(err).Str("ID", m.ID).Msg("can't send inform")
	}

	pCtx, cancel := context.WithCancelCause(ctx)
	leaseDone := keepLease(pCtx, data, job.ID, cancel)
	res, code, err := process(pCtx, cancel, job, data)
	stopped := errors.Is(context.Cause(pCtx), errStopped)
	cancel(nil)
	<-leaseDone
	if stopped || errors.Is(err, errStopped) {
		goapp.Log.Info().Str("ID", m.ID).Msg("job stopped")
		return nil
	}
	if err != nil {
		goapp.Log.Error().Err(err).Str("ID", m.ID).Str("code", code.String()).Msg("job failed")
		return failJob(ctx, data, job.ID, err, code)
	}
	goapp.Log.Info().Str("ID", m.ID).Int("segments", len(res.Segments)).Msg("transcribed")

	minutes := chargeMinutes(job.DurationSec, res.Duration)
	if err := updateStage(ctx, data, job.ID, status.Transcribing, stageAccounting, prAccounting); err != nil {
		if errors.Is(err, errStopped) {
			return nil
		}
		goapp.Log.Warn().Err(err).Str("ID", job.ID).Msg("can't update progress")
	}
	err = data.DB.CompleteJob(ctx, job.ID, &postgres.Completion{Transcript: res.Segments, Language: res.Language,
		Minutes: minutes}, consumeFunc(data.Ledger))
	if err != nil {
		if errors.Is(err, postgres.ErrNotActive) {
			goapp.Log.Info().Str("ID", m.ID).Msg("job not active on completion, transcript dropped")
			return nil
		}
		code := status.ECInternal
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			code = status.ECInsufficientCredits
		}
		return failJob(ctx, data, job.ID, err, code)
	}
	metrics.MinutesConsumed(minutes)
	metrics.JobFinished(status.Completed.String(), "")
	goapp.Log.Info().Str("ID", job.ID).Int32("minutes", minutes).Msg("completed")
	sendFinished(ctx, data, job.ID, amessages.InformTypeFinished)
	return nil
}

// keepLease extends the job lease every third of its duration until ctx is done.
// The invocation is canceled with errStopped once the job is not active
func keepLease(ctx context.Context, data *ServiceData, id string, cancel context.CancelCauseFunc) <-chan struct{} {
	res := make(chan struct{})
	go func() {
		defer close(res)
		ticker := time.NewTicker(max(data.Lease/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := data.DB.ExtendLease(ctx, id, data.Lease)
			if errors.Is(err, postgres.ErrNotActive) {
				goapp.Log.Info().Str("ID", id).Msg("job not active, stopping")
				cancel(errStopped)
				return
			}
			if err != nil && ctx.Err() == nil {
				goapp.Log.Warn().Err(err).Str("ID", id).Msg("can't extend lease")
			}
		}
	}()
	return res
}

func process(ctx context.Context, cancel context.CancelCauseFunc, job *persistence.Job,
	data *ServiceData) (*stt.Result, status.ErrCode, error) {
	if err := updateStage(ctx, data, job.ID, status.Downloading, stageDownloading, prDownloadStart); err != nil {
		return nil, status.ECInternal, err
	}
	audio, err := extract(ctx, job, data)
	if err != nil {
		return nil, status.ECExtractFailed, err
	}
	if err := updateStage(ctx, data, job.ID, status.Downloading, stageDownloading, prDownloadEnd); err != nil {
		return nil, status.ECInternal, err
	}
	retain(ctx, job.ID, audio, data)

	if err := updateStage(ctx, data, job.ID, status.Transcribing, stageTranscribing, prDownloadEnd); err != nil {
		return nil, status.ECInternal, err
	}
	// progress callback is called from transcriber goroutines
	res, err := data.Transcriber.Transcribe(ctx, &stt.Audio{Bytes: audio.Bytes, ContentType: audio.ContentType},
		stt.Options{OnProgress: func(p stt.Progress) {
			err := data.DB.UpdateProgress(ctx, job.ID, postgres.ProgressData{
				Progress:        subProgress(prDownloadEnd, prTranscribeEnd, p.Fraction),
				TotalChunks:     int32(p.TotalChunks),
				CompletedChunks: int32(p.CompletedChunks),
			}, data.Lease)
			if errors.Is(err, postgres.ErrNotActive) {
				cancel(errStopped)
			} else if err != nil {
				goapp.Log.Warn().Err(err).Str("ID", job.ID).Msg("can't update progress")
			}
		}})
	if err != nil {
		if errors.Is(context.Cause(ctx), errStopped) {
			return nil, status.ECCancelled, errStopped
		}
		return nil, status.ECTranscribeFailed, fmt.Errorf("can't transcribe: %w", err)
	}
	return res, 0, nil
}

func extract(ctx context.Context, job *persistence.Job, data *ServiceData) (*extractor.Audio, error) {
	defer goapp.Estimate("extract")()
	ext, srv, err := data.Extractors.Get("", true)
	if err != nil {
		return nil, fmt.Errorf("can't get extractor: %w", err)
	}
	goapp.Log.Info().Str("ID", job.ID).Str("srv", srv).Str("video", job.VideoID).Msg("extracting")
	res, err := fallback.Do(ctx, []fallback.Candidate[extractor.Extractor]{{Name: srv, Value: ext}},
		fallback.Options{Attempts: data.ExtractAttempts, IsRetryable: extractor.IsRetryable,
			Backoff: fallback.ExponentialBackoff(data.ExtractBackoff, data.ExtractBackoff*8)},
		func(ctx context.Context, e extractor.Extractor) (*extractor.Audio, error) {
			return e.ExtractAudio(ctx, job.VideoID)
		})
	if err != nil {
		return nil, fmt.Errorf("can't extract audio: %w", err)
	}
	goapp.Log.Info().Str("ID", job.ID).Int64("size", res.Size).Str("type", res.ContentType).Msg("extracted")
	return res, nil
}

func retain(ctx context.Context, id string, audio *extractor.Audio, data *ServiceData) {
	if data.Filer == nil {
		return
	}
	name := utils.MakeAudioName(id, audio.ContentType)
	if err := data.Filer.SaveFile(ctx, name, bytes.NewReader(audio.Bytes), int64(len(audio.Bytes))); err != nil {
		goapp.Log.Warn().Err(err).Str("ID", id).Msg("can't save audio")
		return
	}
	if err := data.DB.SetAudioPath(ctx, id, name); err != nil {
		goapp.Log.Warn().Err(err).Str("ID", id).Msg("can't save audio path")
	}
}

func updateStage(ctx context.Context, data *ServiceData, id string, to status.Status, stage string, progress int32) error {
	err := data.DB.UpdateStage(ctx, id, to, stage, progress, data.Lease)
	if errors.Is(err, postgres.ErrNotActive) {
		return errStopped
	}
	if err != nil {
		return fmt.Errorf("can't update stage: %w", err)
	}
	return nil
}

func consumeFunc(l Ledger) postgres.ConsumeFunc {
	return func(ctx context.Context, tx pgx.Tx, job *persistence.Job, minutes int32) error {
		res, err := l.ConsumeIn(ctx, tx, job.UserID, job.ID, minutes, job.SubscriptionLimit,
			ledger.Period{Start: job.PeriodStart.Time, End: job.PeriodEnd.Time})
		if err != nil {
			return fmt.Errorf("can't consume: %w", err)
		}
		if !res.Allowed {
			return fmt.Errorf("%s, need %d, have %d: %w", res.Reason, minutes,
				res.SubscriptionRemaining+res.TopupRemaining, ledger.ErrInsufficientCredits)
		}
		return nil
	}
}

func refundFunc(l Ledger) postgres.RefundFunc {
	return func(ctx context.Context, tx pgx.Tx, jobID string) (int32, error) {
		res, err := l.RefundIn(ctx, tx, jobID)
		if err != nil {
			return 0, err
		}
		return res.Minutes, nil
	}
}

// failJob finalizes a failed job, the fail queue takes over if finalization errors
func failJob(ctx context.Context, data *ServiceData, id string, cause error, code status.ErrCode) error {
	ctx, cf := finalizeCtx(ctx)
	defer cf()
	msg := errorMessage(cause, code)
	err := data.DB.FailJob(ctx, id, msg, code, refundFunc(data.Ledger))
	if err != nil {
		if errors.Is(err, postgres.ErrNotActive) {
			goapp.Log.Info().Str("ID", id).Msg("job already finished")
			return nil
		}
		goapp.Log.Error().Err(err).Str("ID", id).Msg("can't fail job, enqueue")
		if errS := data.MsgSender.SendMessage(ctx, &messages.FailMessage{QueueMessage: amessages.QueueMessage{ID: id},
			Error: msg, ErrorCode: code.String()}, messages.Fail); errS != nil {
			return fmt.Errorf("can't send fail msg: %w", errors.Join(err, errS))
		}
		return nil
	}
	metrics.JobFinished(status.Failed.String(), code.String())
	sendFinished(ctx, data, id, amessages.InformTypeFailed)
	return nil
}

func handleFailure(ctx context.Context, m *messages.FailMessage, data *ServiceData) error {
	goapp.Log.Info().Str("ID", m.ID).Str("code", m.ErrorCode).Msg("handling failure")
	err := data.DB.FailJob(ctx, m.ID, m.Error, errCodeFrom(m.ErrorCode), refundFunc(data.Ledger))
	if err != nil {
		if errors.Is(err, postgres.ErrNotActive) || errors.Is(err, postgres.ErrNotFound) {
			goapp.Log.Info().Str("ID", m.ID).Msg("job already finished")
			return nil
		}
		return fmt.Errorf("can't fail job: %w", err)
	}
	metrics.JobFinished(status.Failed.String(), m.ErrorCode)
	sendFinished(ctx, data, m.ID, amessages.InformTypeFailed)
	return nil
}

func sendFinished(ctx context.Context, data *ServiceData, id string, informType string) {
	ctx, cf := finalizeCtx(ctx)
	defer cf()
	if err := data.MsgSender.SendMessage(ctx, &messages.JobMessage{QueueMessage: amessages.QueueMessage{ID: id}},
		messages.StatusChange); err != nil {
		goapp.Log.Warn().Err(err).Str("ID", id).Msg("can't send status change")
	}
	if err := sendInform(ctx, data, id, informType); err != nil {
		goapp.Log.Warn().Err(err).Str("ID", id).Msg("can't send inform")
	}
}

// finalizeCtx keeps values of ctx but survives its cancellation
func finalizeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

func sendInform(ctx context.Context, data *ServiceData, id string, informType string) error {
	return data.MsgSender.SendMessage(ctx, &amessages.InformMessage{QueueMessage: amessages.QueueMessage{ID: id},
		Type: informType, At: time.Now()}, messages.Inform)
}

// chargeMinutes rounds the longer of submitted and transcribed duration up to minutes
func chargeMinutes(submittedSec int32, transcribedSec float64) int32 {
	sec := math.Max(float64(submittedSec), transcribedSec)
	if sec <= 0 {
		return 1
	}
	return int32(math.Ceil(sec / 60))
}

// subProgress maps fraction [0, 1] into [from, to]
func subProgress(from, to int32, fraction float64) int32 {
	f := math.Min(math.Max(fraction, 0), 1)
	return from + int32(math.Floor(float64(to-from)*f))
}

func errorMessage(err error, code status.ErrCode) string {
	switch code {
	case status.ECExtractFailed:
		return extractor.Message(err)
	case status.ECTranscribeFailed:
		return "transcription failed"
	case status.ECInsufficientCredits:
		return "insufficient credits"
	}
	return "internal error"
}

func errCodeFrom(s string) status.ErrCode {
	for _, c := range []status.ErrCode{status.ECExtractFailed, status.ECTranscribeFailed,
		status.ECInsufficientCredits, status.ECAbandoned, status.ECCancelled} {
		if c.String() == s {
			return c
		}
	}
	return status.ECInternal
}

func validate(data *ServiceData) error {
	if data.GueClient == nil {
		return fmt.Errorf("no gue client")
	}
	if data.WorkerCount < 1 {
		return fmt.Errorf("no worker count provided")
	}
	if data.MsgSender == nil {
		return fmt.Errorf("no msg sender")
	}
	if data.DB == nil {
		return fmt.Errorf("no DB")
	}
	if data.Ledger == nil {
		return fmt.Errorf("no Ledger")
	}
	if data.Extractors == nil {
		return fmt.Errorf("no Extractors")
	}
	if data.Transcriber == nil {
		return fmt.Errorf("no Transcriber")
	}
	if data.Lease <= 0 {
		return fmt.Errorf("no lease duration")
	}
	return nil
}
