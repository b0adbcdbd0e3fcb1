package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertAccount creates an account or updates its monthly allowance. Usage
// and the period reset time of an existing account are left untouched, so an
// allowance change is simply observed by the next reservation.
func (s *Store) UpsertAccount(ctx context.Context, a Account) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, monthly_allowance, usage_count, reset_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			monthly_allowance = excluded.monthly_allowance,
			updated_at = excluded.updated_at`,
		a.ID, a.MonthlyAllowance, a.UsageCount, formatTime(a.ResetAt), now, now,
	)
	return err
}

func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	var (
		a                            Account
		resetAt, createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, monthly_allowance, usage_count, reset_at, created_at, updated_at
		FROM accounts WHERE id = ?`, id,
	).Scan(&a.ID, &a.MonthlyAllowance, &a.UsageCount, &resetAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	if a.ResetAt, err = parseTime("reset_at", resetAt); err != nil {
		return Account{}, err
	}
	if a.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Account{}, err
	}
	if a.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Account{}, err
	}
	return a, nil
}

// ReserveQuota atomically checks and increments an account's usage in one
// UPDATE statement. When the stored period has ended (reset_at <= now) the
// same statement restarts the period at nextReset with this reservation as
// its first use.
//
// A reservation that does not match any row is followed by a read that only
// classifies the denial; it never writes.
func (s *Store) ReserveQuota(ctx context.Context, id string, now, nextReset time.Time) (QuotaReservation, error) {
	nowStr := formatTime(now)

	var (
		a       Account
		resetAt string
	)
	err := s.db.QueryRowContext(ctx, `
		UPDATE accounts SET
			usage_count = CASE WHEN reset_at <= ? THEN 1 ELSE usage_count + 1 END,
			reset_at    = CASE WHEN reset_at <= ? THEN ? ELSE reset_at END,
			updated_at  = ?
		WHERE id = ?
		  AND monthly_allowance > 0
		  AND (reset_at <= ? OR usage_count < monthly_allowance)
		RETURNING id, monthly_allowance, usage_count, reset_at`,
		nowStr, nowStr, formatTime(nextReset), nowStr, id, nowStr,
	).Scan(&a.ID, &a.MonthlyAllowance, &a.UsageCount, &resetAt)

	switch {
	case err == nil:
		if a.ResetAt, err = parseTime("reset_at", resetAt); err != nil {
			return QuotaReservation{}, err
		}
		return QuotaReservation{Account: a, Found: true, Reserved: true}, nil
	case errors.Is(err, sql.ErrNoRows):
		existing, err := s.GetAccount(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return QuotaReservation{}, nil
		}
		if err != nil {
			return QuotaReservation{}, fmt.Errorf("reading account after denied reservation: %w", err)
		}
		return QuotaReservation{Account: existing, Found: true}, nil
	default:
		return QuotaReservation{}, fmt.Errorf("reserving quota: %w", err)
	}
}
