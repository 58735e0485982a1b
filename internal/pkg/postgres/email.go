package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// LoadEmail returns job owner email, empty if not set
func (db *DB) LoadEmail(ctx context.Context, jobID string) (string, error) {
	var res *string
	err := db.pool.QueryRow(ctx, `SELECT p.email FROM transcription_jobs j JOIN profiles p ON p.id = j.user_id
		WHERE j.id = $1`, jobID).Scan(&res)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("can't load email: %w", err)
	}
	if res == nil {
		return "", nil
	}
	return *res, nil
}

// LockEmailTable marks email as being sent. Fails if it is already locked or sent
func (db *DB) LockEmailTable(ctx context.Context, id, key string) error {
	_, err := db.pool.Exec(ctx, `INSERT INTO email_lock(id, key, value) VALUES($1, $2, 0)
		ON CONFLICT (id, key) DO NOTHING`, id, key)
	if err != nil {
		return fmt.Errorf("can't insert email lock: %w", err)
	}
	res, err := db.pool.Exec(ctx, `UPDATE email_lock SET value = 1 WHERE id = $1 AND key = $2 AND value = 0`, id, key)
	if err != nil {
		return fmt.Errorf("can't lock email: %w", err)
	}
	if res.RowsAffected() != 1 {
		return fmt.Errorf("email %s/%s already locked", id, key)
	}
	return nil
}

// UnLockEmailTable sets final lock value: 0 - allow resend, 2 - sent
func (db *DB) UnLockEmailTable(ctx context.Context, id, key string, value *int) error {
	v := 0
	if value != nil {
		v = *value
	}
	_, err := db.pool.Exec(ctx, `UPDATE email_lock SET value = $3 WHERE id = $1 AND key = $2`, id, key, v)
	if err != nil {
		return fmt.Errorf("can't unlock email: %w", err)
	}
	return nil
}
