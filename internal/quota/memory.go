package quota

import (
	"context"
	"sync"
)

// MemoryLedger keeps accounts in a mutex-guarded map. It backs tests and the
// server's in-memory mode; usage is lost on restart.
type MemoryLedger struct {
	clock Clock

	mu       sync.Mutex
	accounts map[string]*State
}

func NewMemoryLedger() *MemoryLedger {
	return NewMemoryLedgerWithClock(realClock{})
}

// NewMemoryLedgerWithClock creates a MemoryLedger with a custom clock (for testing).
func NewMemoryLedgerWithClock(clock Clock) *MemoryLedger {
	return &MemoryLedger{clock: clock, accounts: make(map[string]*State)}
}

// SetAccount creates an account with a fresh period or updates the allowance
// of an existing one, keeping its usage.
func (l *MemoryLedger) SetAccount(accountID string, allowance int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.accounts[accountID]; ok {
		st.Allowance = allowance
		return
	}
	l.accounts[accountID] = &State{
		AccountID: accountID,
		Allowance: allowance,
		ResetAt:   NextReset(l.clock.Now()),
	}
}

func (l *MemoryLedger) Reserve(_ context.Context, accountID string) (Decision, error) {
	now := l.clock.Now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.accounts[accountID]
	if !ok {
		return Decision{Reason: AccountNotFound}, nil
	}
	if !st.ResetAt.After(now) {
		st.Usage = 0
		st.ResetAt = NextReset(now)
	}
	if st.Usage >= st.Allowance {
		return Decision{Reason: LimitExceeded, State: *st}, nil
	}
	st.Usage++
	return Decision{Allowed: true, State: *st}, nil
}

func (l *MemoryLedger) State(_ context.Context, accountID string) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.accounts[accountID]
	if !ok {
		return State{}, ErrAccountNotFound
	}
	return effective(*st, l.clock.Now().UTC()), nil
}
