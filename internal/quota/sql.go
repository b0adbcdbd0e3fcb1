package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/replyd/internal/storage"
)

// AccountStore defines the storage operations SQLLedger needs.
// Implemented by storage.Store.
type AccountStore interface {
	ReserveQuota(ctx context.Context, id string, now, nextReset time.Time) (storage.QuotaReservation, error)
	GetAccount(ctx context.Context, id string) (storage.Account, error)
}

// SQLLedger reserves quota with a single conditional UPDATE on the accounts
// table, so concurrent requests from one account can never over-admit.
type SQLLedger struct {
	store AccountStore
	clock Clock
}

func NewSQLLedger(store AccountStore) *SQLLedger {
	return &SQLLedger{store: store, clock: realClock{}}
}

// NewSQLLedgerWithClock creates a SQLLedger with a custom clock (for testing).
func NewSQLLedgerWithClock(store AccountStore, clock Clock) *SQLLedger {
	return &SQLLedger{store: store, clock: clock}
}

func (l *SQLLedger) Reserve(ctx context.Context, accountID string) (Decision, error) {
	now := l.clock.Now().UTC()
	r, err := l.store.ReserveQuota(ctx, accountID, now, NextReset(now))
	if err != nil {
		return Decision{}, fmt.Errorf("reserving quota for %s: %w", accountID, err)
	}
	if !r.Found {
		return Decision{Reason: AccountNotFound}, nil
	}

	st := stateFromAccount(r.Account)
	if !r.Reserved {
		return Decision{Reason: LimitExceeded, State: effective(st, now)}, nil
	}
	return Decision{Allowed: true, State: st}, nil
}

func (l *SQLLedger) State(ctx context.Context, accountID string) (State, error) {
	a, err := l.store.GetAccount(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) {
		return State{}, ErrAccountNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("reading account %s: %w", accountID, err)
	}
	return effective(stateFromAccount(a), l.clock.Now().UTC()), nil
}

func stateFromAccount(a storage.Account) State {
	return State{
		AccountID: a.ID,
		Usage:     a.UsageCount,
		Allowance: a.MonthlyAllowance,
		ResetAt:   a.ResetAt,
	}
}
