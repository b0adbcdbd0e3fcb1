// Package quota implements per-account admission against a monthly usage
// allowance. A reservation checks and increments usage in one atomic step and
// is never refunded.
package quota

import (
	"context"
	"errors"
	"time"
)

// ErrAccountNotFound is returned by State for an unknown account.
var ErrAccountNotFound = errors.New("account not found")

// DenyReason explains why a reservation was refused.
type DenyReason string

const (
	LimitExceeded   DenyReason = "limit_exceeded"
	AccountNotFound DenyReason = "account_not_found"
)

// State is an account's usage in its current period.
type State struct {
	AccountID string    `json:"account_id"`
	Usage     int       `json:"usage"`
	Allowance int       `json:"allowance"`
	ResetAt   time.Time `json:"reset_at"`
}

// Remaining is the number of reservations left in the period.
func (s State) Remaining() int {
	if r := s.Allowance - s.Usage; r > 0 {
		return r
	}
	return 0
}

// Decision is the result of a reservation. Reason is set only when Allowed
// is false. State reflects the account after the reservation (zero for an
// unknown account).
type Decision struct {
	Allowed bool
	Reason  DenyReason
	State   State
}

// Ledger admits requests against an account's allowance. Errors are reserved
// for infrastructure failures; a refusal is a Decision with Allowed false.
type Ledger interface {
	Reserve(ctx context.Context, accountID string) (Decision, error)
	State(ctx context.Context, accountID string) (State, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// NextReset returns the first instant of the UTC calendar month after t.
func NextReset(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// effective returns the state as the next reservation would see it: an
// expired period reads as empty and resetting at the next month boundary.
func effective(s State, now time.Time) State {
	if !s.ResetAt.After(now) {
		s.Usage = 0
		s.ResetAt = NextReset(now)
	}
	return s
}
