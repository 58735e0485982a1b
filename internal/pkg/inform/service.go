package inform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/airenas/async-api/pkg/inform"
	amessages "github.com/airenas/async-api/pkg/messages"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/airenas/scribe/internal/pkg/messages"
	"github.com/airenas/scribe/internal/pkg/postgres"
	"github.com/airenas/scribe/internal/pkg/utils"
	"github.com/airenas/scribe/internal/pkg/utils/handler"
	"github.com/jordan-wright/email"
	"github.com/vgarvardt/gue/v5"
)

// Sender send emails
type Sender interface {
	Send(email *email.Email) error
}

// EmailMaker prepares the email
type EmailMaker interface {
	Make(data *inform.Data) (*email.Email, error)
}

// DB provides job owner's email and tracks sending,
// the lock table guarantees an email is not sent twice
type DB interface {
	LoadEmail(ctx context.Context, jobID string) (string, error)
	LockEmailTable(ctx context.Context, id, key string) error
	UnLockEmailTable(ctx context.Context, id, key string, value *int) error
}

// ServiceData keeps data required for service work
type ServiceData struct {
	GueClient   *gue.Client
	WorkerCount int
	EmailSender Sender
	EmailMaker  EmailMaker
	DB          DB
	Location    *time.Location
	Testing     bool
}

const (
	lockFree = 0
	lockSent = 2
)

// StartWorkerService starts the event queue listener service to listen for inform events
// returns channel for tracking when all jobs are finished
func StartWorkerService(ctx context.Context, data *ServiceData) (chan struct{}, error) {
	if err := validate(data); err != nil {
		return nil, err
	}
	goapp.Log.Info().Str("queue", messages.Inform).Msg("Starting listen for messages")

	wm := gue.WorkMap{
		messages.Inform: handler.Create(data, handleInform, handler.DefaultOpts[amessages.InformMessage]().
			WithTimeout(time.Minute).WithFailure(handler.MaxRetries[amessages.InformMessage](5)).
			WithBackoff(handler.DefaultBackoffOrTest(data.Testing))),
	}

	pool, err := gue.NewWorkerPool(
		data.GueClient, wm, data.WorkerCount,
		gue.WithPoolQueue(messages.Inform),
		gue.WithPoolLogger(utils.NewGueLoggerAdapter()),
		gue.WithPoolPollInterval(500*time.Millisecond),
		gue.WithPoolPollStrategy(gue.RunAtPollStrategy),
		gue.WithPoolID("scribe-inform"),
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

func handleInform(ctx context.Context, m *amessages.InformMessage, data *ServiceData) error {
	goapp.Log.Info().Str("ID", m.ID).Str("type", m.Type).Msg("handling")

	to, err := data.DB.LoadEmail(ctx, m.ID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			return utils.NewErrNonRetryable(err)
		}
		return fmt.Errorf("can't retrieve email: %w", err)
	}
	if to == "" {
		goapp.Log.Info().Str("ID", m.ID).Msg("No email, skip")
		return nil
	}

	mailData := inform.Data{}
	mailData.ID = m.ID
	mailData.Email = to
	mailData.MsgType = m.Type
	mailData.MsgTime = toLocalTime(data, m.At)
	mail, err := data.EmailMaker.Make(&mailData)
	if err != nil {
		return fmt.Errorf("can't prepare email: %w", err)
	}

	if err := data.DB.LockEmailTable(ctx, m.ID, m.Type); err != nil {
		return fmt.Errorf("can't lock mail table: %w", err)
	}
	unlockValue := lockFree
	defer func() {
		if err := data.DB.UnLockEmailTable(ctx, m.ID, m.Type, &unlockValue); err != nil {
			goapp.Log.Error().Err(err).Str("ID", m.ID).Msg("can't unlock")
		}
	}()

	if err := data.EmailSender.Send(mail); err != nil {
		return fmt.Errorf("can't send email: %w", err)
	}
	unlockValue = lockSent
	return nil
}

func validate(data *ServiceData) error {
	if data.GueClient == nil {
		return fmt.Errorf("no gue client")
	}
	if data.WorkerCount < 1 {
		return fmt.Errorf("no worker count provided")
	}
	if data.EmailMaker == nil {
		return fmt.Errorf("no EmailMaker")
	}
	if data.EmailSender == nil {
		return fmt.Errorf("no EmailSender")
	}
	if data.DB == nil {
		return fmt.Errorf("no DB")
	}
	return nil
}

func toLocalTime(data *ServiceData, t time.Time) time.Time {
	if data.Location != nil {
		return t.In(data.Location)
	}
	return t
}
