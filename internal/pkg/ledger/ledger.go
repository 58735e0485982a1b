package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Reason explains check or consume outcome
type Reason string

const (
	// ReasonOK - allowed
	ReasonOK Reason = "OK"
	// ReasonNotEntitled - tier plan has no transcription
	ReasonNotEntitled Reason = "NOT_ENTITLED"
	// ReasonNoAccount - no profile
	ReasonNoAccount Reason = "NO_ACCOUNT"
	// ReasonInsufficientCredits - subscription and topup minutes are not enough
	ReasonInsufficientCredits Reason = "INSUFFICIENT_CREDITS"
)

const (
	sourceSubscription = "subscription"
	sourceTopup        = "topup"
)

var (
	// ErrInsufficientCredits is returned when consumption is denied
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrNoAccount - no profile for user
	ErrNoAccount = errors.New("no account")
)

type (
	// Period is billing window [Start, End)
	Period struct {
		Start time.Time
		End   time.Time
	}

	// CheckResult is a read-only balance check result
	CheckResult struct {
		Allowed               bool
		SubscriptionRemaining int32
		TopupRemaining        int32
		TotalRemaining        int32
		Reason                Reason
	}

	// ConsumeResult is a consumption result
	ConsumeResult struct {
		Allowed               bool
		FromSubscription      int32
		FromTopup             int32
		SubscriptionRemaining int32
		TopupRemaining        int32
		Reason                Reason
	}

	// RefundResult is a refund result
	RefundResult struct {
		Minutes       int32
		TopupRestored int32
	}

	// TopupResult is topup crediting result
	TopupResult struct {
		Duplicate    bool
		TopupBalance int32
	}

	// SubscriptionUsage is the period usage
	SubscriptionUsage struct {
		Used      int32
		Limit     int32
		Remaining int32
	}

	// Usage is user's balance overview
	Usage struct {
		Tier           string
		Subscription   SubscriptionUsage
		TopupMinutes   int32
		TotalRemaining int32
		Period         Period
	}
)

// querier is implemented by pool and tx
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ledger keeps users' minute balances
type Ledger struct {
	pool  *pgxpool.Pool
	plans Plans
}

// New creates ledger
func New(pool *pgxpool.Pool, plans Plans) (*Ledger, error) {
	if pool == nil {
		return nil, fmt.Errorf("no pool")
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("no plans")
	}
	return &Ledger{pool: pool, plans: plans}, nil
}

// Plan returns the tier plan
func (l *Ledger) Plan(tier string) Plan {
	return l.plans.Get(tier)
}

// Profile loads user's tier and billing anchor
func (l *Ledger) Profile(ctx context.Context, userID string) (string, time.Time, error) {
	var tier string
	var anchor *time.Time
	err := l.pool.QueryRow(ctx, `SELECT tier, period_anchor FROM profiles WHERE id = $1`, userID).Scan(&tier, &anchor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", time.Time{}, ErrNoAccount
		}
		return "", time.Time{}, fmt.Errorf("can't load profile: %w", err)
	}
	if anchor == nil {
		return tier, time.Time{}, nil
	}
	return tier, *anchor, nil
}

// CheckAvailable checks if user has minutesNeeded, does not change anything
func (l *Ledger) CheckAvailable(ctx context.Context, userID string, minutesNeeded int32, period Period) (*CheckResult, error) {
	tier, topup, err := loadProfile(ctx, l.pool, userID, false)
	if err != nil {
		if errors.Is(err, ErrNoAccount) {
			return &CheckResult{Reason: ReasonNoAccount}, nil
		}
		return nil, err
	}
	plan := l.plans.Get(tier)
	if !plan.Transcription {
		return &CheckResult{Reason: ReasonNotEntitled}, nil
	}
	used, err := periodUsage(ctx, l.pool, userID, period)
	if err != nil {
		return nil, err
	}
	subRem := remaining(plan.Minutes, used)
	res := &CheckResult{SubscriptionRemaining: subRem, TopupRemaining: topup, TotalRemaining: subRem + topup}
	res.Allowed = res.TotalRemaining >= minutesNeeded
	res.Reason = ReasonOK
	if !res.Allowed {
		res.Reason = ReasonInsufficientCredits
	}
	return res, nil
}

// ConsumeAtomic charges minutes for the job in own transaction
func (l *Ledger) ConsumeAtomic(ctx context.Context, userID, jobID string, minutes, subscriptionLimit int32,
	period Period) (*ConsumeResult, error) {
	var res *ConsumeResult
	err := l.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		res, err = l.ConsumeIn(ctx, tx, userID, jobID, minutes, subscriptionLimit, period)
		return err
	})
	return res, err
}

// ConsumeIn charges minutes inside the caller's transaction.
// Subscription minutes are used first, the rest is taken from topup. All or nothing.
// A second call for the same job returns the existing split
func (l *Ledger) ConsumeIn(ctx context.Context, tx pgx.Tx, userID, jobID string, minutes, subscriptionLimit int32,
	period Period) (*ConsumeResult, error) {
	_, topup, err := loadProfile(ctx, tx, userID, true)
	if err != nil {
		if errors.Is(err, ErrNoAccount) {
			return &ConsumeResult{Reason: ReasonNoAccount}, nil
		}
		return nil, err
	}
	used, err := periodUsage(ctx, tx, userID, period)
	if err != nil {
		return nil, err
	}
	existing, err := jobUsage(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		goapp.Log.Info().Str("jobID", jobID).Msg("already charged")
		return &ConsumeResult{Allowed: true, FromSubscription: existing[sourceSubscription],
			FromTopup: existing[sourceTopup], SubscriptionRemaining: remaining(subscriptionLimit, used),
			TopupRemaining: topup, Reason: ReasonOK}, nil
	}

	subRem := remaining(subscriptionLimit, used)
	fromSub, fromTopup, ok := split(minutes, subRem, topup)
	if !ok {
		return &ConsumeResult{SubscriptionRemaining: subRem, TopupRemaining: topup,
			Reason: ReasonInsufficientCredits}, nil
	}
	if fromSub > 0 {
		if _, err := tx.Exec(ctx, `INSERT INTO usage_records(job_id, user_id, minutes, source, period_start, period_end)
			VALUES($1, $2, $3, $4, $5, $6)`, jobID, userID, fromSub, sourceSubscription, period.Start, period.End); err != nil {
			return nil, fmt.Errorf("can't insert usage: %w", err)
		}
	}
	if fromTopup > 0 {
		if _, err := tx.Exec(ctx, `INSERT INTO usage_records(job_id, user_id, minutes, source)
			VALUES($1, $2, $3, $4)`, jobID, userID, fromTopup, sourceTopup); err != nil {
			return nil, fmt.Errorf("can't insert usage: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE profiles SET topup_minutes = topup_minutes - $2 WHERE id = $1`,
			userID, fromTopup); err != nil {
			return nil, fmt.Errorf("can't update topup: %w", err)
		}
	}
	goapp.Log.Info().Str("jobID", jobID).Int32("subscription", fromSub).Int32("topup", fromTopup).Msg("consumed")
	return &ConsumeResult{Allowed: true, FromSubscription: fromSub, FromTopup: fromTopup,
		SubscriptionRemaining: subRem - fromSub, TopupRemaining: topup - fromTopup, Reason: ReasonOK}, nil
}

// Refund removes job's usage in own transaction
func (l *Ledger) Refund(ctx context.Context, jobID string) (*RefundResult, error) {
	var res *RefundResult
	err := l.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		res, err = l.RefundIn(ctx, tx, jobID)
		return err
	})
	return res, err
}

// RefundIn removes all usage rows of the job inside the caller's transaction.
// Topup minutes are credited back. No rows - no-op
func (l *Ledger) RefundIn(ctx context.Context, tx pgx.Tx, jobID string) (*RefundResult, error) {
	var userID string
	err := tx.QueryRow(ctx, `SELECT user_id FROM usage_records WHERE job_id = $1 LIMIT 1`, jobID).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &RefundResult{}, nil
		}
		return nil, fmt.Errorf("can't load usage: %w", err)
	}
	if _, _, err := loadProfile(ctx, tx, userID, true); err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `DELETE FROM usage_records WHERE job_id = $1 RETURNING source, minutes`, jobID)
	if err != nil {
		return nil, fmt.Errorf("can't delete usage: %w", err)
	}
	deleted, err := collectUsage(rows)
	if err != nil {
		return nil, err
	}
	res := &RefundResult{Minutes: deleted[sourceSubscription] + deleted[sourceTopup], TopupRestored: deleted[sourceTopup]}
	if res.TopupRestored > 0 {
		if _, err := tx.Exec(ctx, `UPDATE profiles SET topup_minutes = topup_minutes + $2 WHERE id = $1`,
			userID, res.TopupRestored); err != nil {
			return nil, fmt.Errorf("can't restore topup: %w", err)
		}
	}
	goapp.Log.Info().Str("jobID", jobID).Int32("minutes", res.Minutes).Int32("topup", res.TopupRestored).Msg("refunded")
	return res, nil
}

// CreditTopup adds purchased minutes once per payment intent
func (l *Ledger) CreditTopup(ctx context.Context, userID, paymentIntentID string, minutes int32,
	amountPaid int64) (*TopupResult, error) {
	if minutes <= 0 {
		return nil, fmt.Errorf("wrong minutes %d", minutes)
	}
	if paymentIntentID == "" {
		return nil, fmt.Errorf("no payment intent")
	}
	res := &TopupResult{}
	err := l.inTx(ctx, func(tx pgx.Tx) error {
		_, topup, err := loadProfile(ctx, tx, userID, true)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `INSERT INTO topup_purchases(payment_intent_id, user_id, minutes, amount_paid)
			VALUES($1, $2, $3, $4) ON CONFLICT (payment_intent_id) DO NOTHING`, paymentIntentID, userID, minutes, amountPaid)
		if err != nil {
			return fmt.Errorf("can't insert purchase: %w", err)
		}
		if tag.RowsAffected() == 0 {
			res.Duplicate, res.TopupBalance = true, topup
			return nil
		}
		return tx.QueryRow(ctx, `UPDATE profiles SET topup_minutes = topup_minutes + $2 WHERE id = $1
			RETURNING topup_minutes`, userID, minutes).Scan(&res.TopupBalance)
	})
	if err != nil {
		return nil, err
	}
	goapp.Log.Info().Str("userID", userID).Str("payment", paymentIntentID).Bool("duplicate", res.Duplicate).
		Int32("balance", res.TopupBalance).Msg("topup")
	return res, nil
}

// Usage returns user's balance for the period
func (l *Ledger) Usage(ctx context.Context, userID string, period Period) (*Usage, error) {
	tier, topup, err := loadProfile(ctx, l.pool, userID, false)
	if err != nil {
		return nil, err
	}
	used, err := periodUsage(ctx, l.pool, userID, period)
	if err != nil {
		return nil, err
	}
	plan := l.plans.Get(tier)
	rem := remaining(plan.Minutes, used)
	return &Usage{Tier: tier, Subscription: SubscriptionUsage{Used: used, Limit: plan.Minutes, Remaining: rem},
		TopupMinutes: topup, TotalRemaining: rem + topup, Period: period}, nil
}

// CreateProfile inserts profile if missing
func (l *Ledger) CreateProfile(ctx context.Context, userID, tier, email string, anchor time.Time) error {
	var em *string
	if email != "" {
		em = &email
	}
	var an *time.Time
	if !anchor.IsZero() {
		an = &anchor
	}
	_, err := l.pool.Exec(ctx, `INSERT INTO profiles(id, tier, email, period_anchor) VALUES($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`, userID, tier, em, an)
	if err != nil {
		return fmt.Errorf("can't insert profile: %w", err)
	}
	return nil
}

func (l *Ledger) inTx(ctx context.Context, f func(tx pgx.Tx) error) error {
	tx, err := l.pool.Begin(ctx)
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

func loadProfile(ctx context.Context, q querier, userID string, lock bool) (string, int32, error) {
	sql := `SELECT tier, topup_minutes FROM profiles WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var tier string
	var topup int32
	if err := q.QueryRow(ctx, sql, userID).Scan(&tier, &topup); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, ErrNoAccount
		}
		return "", 0, fmt.Errorf("can't load profile: %w", err)
	}
	return tier, topup, nil
}

func periodUsage(ctx context.Context, q querier, userID string, period Period) (int32, error) {
	var res int32
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(minutes), 0)::INTEGER FROM usage_records
		WHERE user_id = $1 AND source = $2 AND period_start >= $3 AND period_start < $4`,
		userID, sourceSubscription, period.Start, period.End).Scan(&res)
	if err != nil {
		return 0, fmt.Errorf("can't sum usage: %w", err)
	}
	return res, nil
}

func jobUsage(ctx context.Context, q querier, jobID string) (map[string]int32, error) {
	rows, err := q.Query(ctx, `SELECT source, minutes FROM usage_records WHERE job_id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("can't load job usage: %w", err)
	}
	return collectUsage(rows)
}

func collectUsage(rows pgx.Rows) (map[string]int32, error) {
	defer rows.Close()
	res := map[string]int32{}
	for rows.Next() {
		var s string
		var m int32
		if err := rows.Scan(&s, &m); err != nil {
			return nil, fmt.Errorf("can't scan usage: %w", err)
		}
		res[s] += m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("can't read usage: %w", err)
	}
	return res, nil
}

// split takes minutes from subscription first, then from topup
func split(minutes, subscription, topup int32) (int32, int32, bool) {
	if minutes <= 0 {
		return 0, 0, true
	}
	if subscription < 0 {
		subscription = 0
	}
	if minutes > subscription+topup {
		return 0, 0, false
	}
	fromSub := min(minutes, subscription)
	return fromSub, minutes - fromSub, true
}

func remaining(limit, used int32) int32 {
	return max(0, limit-used)
}
