package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/replyd/internal/storage"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newSQLLedger(t *testing.T, clock Clock) (*SQLLedger, *storage.Store) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewSQLLedgerWithClock(store, clock), store
}

// ledgers returns both implementations configured with one account "acct"
// holding the given allowance, sharing one clock.
func ledgers(t *testing.T, clock *mockClock, allowance int) map[string]Ledger {
	t.Helper()
	sqlLedger, store := newSQLLedger(t, clock)
	err := store.UpsertAccount(context.Background(), storage.Account{
		ID:               "acct",
		MonthlyAllowance: allowance,
		ResetAt:          NextReset(clock.Now()),
	})
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	mem := NewMemoryLedgerWithClock(clock)
	mem.SetAccount("acct", allowance)

	return map[string]Ledger{"sql": sqlLedger, "memory": mem}
}

func TestNextReset(t *testing.T) {
	cases := []struct {
		in, want time.Time
	}{
		{time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC), time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		if got := NextReset(c.in); !got.Equal(c.want) {
			t.Errorf("NextReset(%v) = %v, want %v", c.in, got, c.want)
		}
	}

	// A non-UTC instant resolves against the UTC calendar.
	tokyo := time.FixedZone("JST", 9*3600)
	in := time.Date(2026, 2, 1, 3, 0, 0, 0, tokyo) // Jan 31 18:00 UTC
	if got := NextReset(in); !got.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("NextReset(%v) = %v", in, got)
	}
}

func TestReserve_AllowsUntilAllowance(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)}
	for name, l := range ledgers(t, clock, 2) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 1; i <= 2; i++ {
				d, err := l.Reserve(ctx, "acct")
				if err != nil {
					t.Fatalf("Reserve: %v", err)
				}
				if !d.Allowed {
					t.Fatalf("reservation %d denied: %+v", i, d)
				}
				if d.State.Usage != i || d.State.Remaining() != 2-i {
					t.Errorf("state after %d = %+v", i, d.State)
				}
			}

			d, err := l.Reserve(ctx, "acct")
			if err != nil {
				t.Fatalf("Reserve: %v", err)
			}
			if d.Allowed || d.Reason != LimitExceeded {
				t.Fatalf("decision = %+v, want LimitExceeded", d)
			}
			if d.State.Usage != 2 {
				t.Errorf("usage after denial = %d, want 2", d.State.Usage)
			}

			st, err := l.State(ctx, "acct")
			if err != nil {
				t.Fatalf("State: %v", err)
			}
			if st.Usage != 2 || st.Allowance != 2 || st.Remaining() != 0 {
				t.Errorf("State = %+v", st)
			}
		})
	}
}

func TestReserve_UnknownAccount(t *testing.T) {
	clock := &mockClock{now: time.Now().UTC()}
	for name, l := range ledgers(t, clock, 1) {
		t.Run(name, func(t *testing.T) {
			d, err := l.Reserve(context.Background(), "nobody")
			if err != nil {
				t.Fatalf("Reserve: %v", err)
			}
			if d.Allowed || d.Reason != AccountNotFound {
				t.Errorf("decision = %+v, want AccountNotFound", d)
			}
			if _, err := l.State(context.Background(), "nobody"); !errors.Is(err, ErrAccountNotFound) {
				t.Errorf("State err = %v, want ErrAccountNotFound", err)
			}
		})
	}
}

func TestReserve_PeriodRollover(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 5, 30, 23, 0, 0, 0, time.UTC)}
	for name, l := range ledgers(t, clock, 1) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock.Set(time.Date(2026, 5, 30, 23, 0, 0, 0, time.UTC))

			if d, _ := l.Reserve(ctx, "acct"); !d.Allowed {
				t.Fatalf("first reservation denied: %+v", d)
			}
			if d, _ := l.Reserve(ctx, "acct"); d.Allowed {
				t.Fatalf("second reservation in the same month allowed: %+v", d)
			}

			// The period ends at June 1st; State already reports the fresh view.
			clock.Set(time.Date(2026, 6, 1, 0, 0, 5, 0, time.UTC))
			st, err := l.State(ctx, "acct")
			if err != nil {
				t.Fatal(err)
			}
			if st.Usage != 0 || !st.ResetAt.Equal(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)) {
				t.Errorf("effective state = %+v", st)
			}

			d, err := l.Reserve(ctx, "acct")
			if err != nil {
				t.Fatal(err)
			}
			if !d.Allowed {
				t.Fatalf("reservation after rollover denied: %+v", d)
			}
			if d.State.Usage != 1 || !d.State.ResetAt.Equal(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)) {
				t.Errorf("state after rollover = %+v", d.State)
			}
			if d, _ := l.Reserve(ctx, "acct"); d.Allowed {
				t.Errorf("rollover applied twice: %+v", d)
			}
		})
	}
}

func TestReserve_AllowanceChangeObserved(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)}
	l, store := newSQLLedger(t, clock)
	ctx := context.Background()
	acct := storage.Account{ID: "acct", MonthlyAllowance: 1, ResetAt: NextReset(clock.Now())}
	if err := store.UpsertAccount(ctx, acct); err != nil {
		t.Fatal(err)
	}

	if d, _ := l.Reserve(ctx, "acct"); !d.Allowed {
		t.Fatal("first reservation denied")
	}
	if d, _ := l.Reserve(ctx, "acct"); d.Allowed {
		t.Fatal("reservation over allowance allowed")
	}

	acct.MonthlyAllowance = 3
	if err := store.UpsertAccount(ctx, acct); err != nil {
		t.Fatal(err)
	}
	d, err := l.Reserve(ctx, "acct")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Allowed || d.State.Usage != 2 {
		t.Errorf("decision after upgrade = %+v", d)
	}
}

// TestReserve_Concurrent verifies that N concurrent reservations against N-1
// remaining allowance admit exactly N-1.
func TestReserve_Concurrent(t *testing.T) {
	const n = 16
	clock := &mockClock{now: time.Now().UTC()}
	for name, l := range ledgers(t, clock, n-1) {
		t.Run(name, func(t *testing.T) {
			var allowed, denied atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					d, err := l.Reserve(context.Background(), "acct")
					if err != nil {
						t.Errorf("Reserve: %v", err)
						return
					}
					if d.Allowed {
						allowed.Add(1)
					} else {
						denied.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			if got := allowed.Load(); got != n-1 {
				t.Errorf("allowed = %d, want %d", got, n-1)
			}
			if got := denied.Load(); got < 1 {
				t.Errorf("denied = %d, want at least 1", got)
			}
		})
	}
}

func TestMemoryLedger_SetAccountKeepsUsage(t *testing.T) {
	l := NewMemoryLedger()
	l.SetAccount("a", 1)
	if d, _ := l.Reserve(context.Background(), "a"); !d.Allowed {
		t.Fatal("reservation denied")
	}
	l.SetAccount("a", 5)
	st, err := l.State(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if st.Usage != 1 || st.Allowance != 5 {
		t.Errorf("state = %+v", st)
	}
}

func TestReserve_StoreFailure(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	store.Close()

	l := NewSQLLedger(store)
	if _, err := l.Reserve(context.Background(), "acct"); err == nil {
		t.Fatal("expected error from closed store")
	}
}
