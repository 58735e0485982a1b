package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	aclean "github.com/airenas/async-api/pkg/clean"
	amessages "github.com/airenas/async-api/pkg/messages"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/scribe/internal/pkg/ledger"
	"github.com/airenas/scribe/internal/pkg/messages"
	"github.com/airenas/scribe/internal/pkg/metrics"
	"github.com/airenas/scribe/internal/pkg/postgres"
	"github.com/airenas/scribe/internal/pkg/status"
	"github.com/jackc/pgx/v5"
)

// MsgSender provides send msg functionality
type MsgSender interface {
	SendMessage(context.Context, amessages.Message, string) error
}

// DB finds and finalizes stuck jobs
type DB interface {
	ExpiredLeases(ctx context.Context) ([]string, error)
	StalePending(ctx context.Context, olderThan time.Duration) ([]string, error)
	ExpiredAudio(ctx context.Context, olderThan time.Duration) ([]string, error)
	ClearAudioPath(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, msg string, code status.ErrCode, refund postgres.RefundFunc) error
}

// Ledger refunds abandoned jobs
type Ledger interface {
	RefundIn(ctx context.Context, tx pgx.Tx, jobID string) (*ledger.RefundResult, error)
}

// FileCleaner deletes job's files
type FileCleaner interface {
	Clean(ctx context.Context, ID string) error
}

// IDs adapts a query func to aclean.IDsProvider
type IDs func(ctx context.Context) ([]string, error)

// GetExpired returns IDs to process
func (f IDs) GetExpired(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// CleanFunc adapts a func to aclean.Cleaner
type CleanFunc func(ctx context.Context, ID string) error

// Clean processes one ID
func (f CleanFunc) Clean(ctx context.Context, ID string) error {
	return f(ctx, ID)
}

const abandonedMsg = "processing abandoned"

// Abandon fails the job with ABANDONED refunding its usage in the same transaction
func Abandon(db DB, l Ledger, sender MsgSender) CleanFunc {
	return func(ctx context.Context, id string) error {
		err := db.FailJob(ctx, id, abandonedMsg, status.ECAbandoned, func(ctx context.Context, tx pgx.Tx, jobID string) (int32, error) {
			res, err := l.RefundIn(ctx, tx, jobID)
			if err != nil {
				return 0, err
			}
			return res.Minutes, nil
		})
		if err != nil {
			if errors.Is(err, postgres.ErrNotActive) || errors.Is(err, postgres.ErrNotFound) {
				goapp.Log.Info().Str("ID", id).Msg("job already finished")
				return nil
			}
			return fmt.Errorf("can't abandon %s: %w", id, err)
		}
		goapp.Log.Warn().Str("ID", id).Msg("abandoned")
		metrics.JobFinished(status.Failed.String(), status.ECAbandoned.String())
		if err := sender.SendMessage(ctx, &messages.JobMessage{QueueMessage: amessages.QueueMessage{ID: id}},
			messages.StatusChange); err != nil {
			goapp.Log.Warn().Err(err).Str("ID", id).Msg("can't send status change")
		}
		if err := sender.SendMessage(ctx, &amessages.InformMessage{QueueMessage: amessages.QueueMessage{ID: id},
			Type: amessages.InformTypeFailed, At: time.Now()}, messages.Inform); err != nil {
			goapp.Log.Warn().Err(err).Str("ID", id).Msg("can't send inform")
		}
		return nil
	}
}

// Requeue sends the pending job to the worker queue again
func Requeue(sender MsgSender) CleanFunc {
	return func(ctx context.Context, id string) error {
		goapp.Log.Info().Str("ID", id).Msg("requeue")
		return sender.SendMessage(ctx, &messages.JobMessage{QueueMessage: amessages.QueueMessage{ID: id}},
			messages.Transcribe)
	}
}

// DropAudio deletes retained audio and its reference
func DropAudio(db DB, fc FileCleaner) CleanFunc {
	return func(ctx context.Context, id string) error {
		if err := fc.Clean(ctx, id); err != nil {
			return fmt.Errorf("can't delete audio of %s: %w", id, err)
		}
		return db.ClearAudioPath(ctx, id)
	}
}

// Config keeps sweep intervals
type Config struct {
	RunEvery      time.Duration
	PendingAfter  time.Duration
	AudioRetained time.Duration
}

// Timers returns aclean timers for the sweeps. Audio sweep is added if fc is not nil
func Timers(cfg Config, db DB, l Ledger, sender MsgSender, fc FileCleaner) []*aclean.TimerData {
	res := []*aclean.TimerData{
		{RunEvery: cfg.RunEvery, IDsProvider: IDs(db.ExpiredLeases), Cleaner: Abandon(db, l, sender)},
		{RunEvery: cfg.RunEvery, IDsProvider: IDs(func(ctx context.Context) ([]string, error) {
			return db.StalePending(ctx, cfg.PendingAfter)
		}), Cleaner: Requeue(sender)},
	}
	if fc != nil {
		res = append(res, &aclean.TimerData{RunEvery: cfg.RunEvery, IDsProvider: IDs(func(ctx context.Context) ([]string, error) {
			return db.ExpiredAudio(ctx, cfg.AudioRetained)
		}), Cleaner: DropAudio(db, fc)})
	}
	return res
}

// StartTimers starts all timers, the returned channel is closed when all of them stop
func StartTimers(ctx context.Context, timers []*aclean.TimerData) (<-chan struct{}, error) {
	var dones []<-chan struct{}
	for _, t := range timers {
		d, err := aclean.StartCleanTimer(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("can't start timer: %w", err)
		}
		dones = append(dones, d)
	}
	res := make(chan struct{})
	go func() {
		defer close(res)
		for _, d := range dones {
			<-d
		}
	}()
	return res, nil
}
