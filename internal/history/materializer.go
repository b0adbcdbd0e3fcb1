package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/replyd/internal/storage"
)

// JobPersistGeneration is the job type carrying a record whose write failed.
const JobPersistGeneration = "persist_generation"

// ErrNotFound is returned when a record does not exist for the account.
var ErrNotFound = errors.New("generation not found")

// Store defines the storage operations the Materializer needs.
// Implemented by storage.Store.
type Store interface {
	SaveGeneration(ctx context.Context, g storage.Generation) (bool, error)
	GetGeneration(ctx context.Context, id string) (storage.Generation, error)
	ListGenerations(ctx context.Context, accountID string, limit int) ([]storage.Generation, error)
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// PersistError reports that a record could not be written. Queued tells
// whether it was handed to the reconciliation queue.
type PersistError struct {
	ID     string
	Queued bool
	Err    error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persisting generation %s: %v", e.ID, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Materializer writes generation records keyed by request ID.
type Materializer struct {
	store  Store
	logger *slog.Logger
}

func NewMaterializer(store Store, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{store: store, logger: logger}
}

// Persist writes rec once. A repeated call with the same ID leaves the
// stored record untouched and returns it. On a storage failure the record is
// queued for reconciliation and a *PersistError is returned.
func (m *Materializer) Persist(ctx context.Context, rec Record) (Record, error) {
	g, err := toGeneration(rec)
	if err != nil {
		return Record{}, &PersistError{ID: rec.ID, Err: err}
	}

	created, err := m.store.SaveGeneration(ctx, g)
	if err != nil {
		queued := m.enqueue(ctx, rec)
		return Record{}, &PersistError{ID: rec.ID, Queued: queued, Err: err}
	}
	if created {
		m.logger.Info("generation persisted", "request_id", rec.ID, "account_id", rec.AccountID,
			"status", g.Status, "variants", len(rec.Variants), "cost", g.Cost)
		return fromGeneration(g)
	}

	m.logger.Info("generation already persisted", "request_id", rec.ID, "created", false)
	existing, err := m.store.GetGeneration(ctx, rec.ID)
	if err != nil {
		return Record{}, &PersistError{ID: rec.ID, Err: fmt.Errorf("reading existing record: %w", err)}
	}
	return fromGeneration(existing)
}

// enqueue stores the record in the job queue. It runs on a fresh deadline so
// a failed write under an expiring context can still be queued.
func (m *Materializer) enqueue(ctx context.Context, rec Record) bool {
	payload, err := json.Marshal(rec)
	if err != nil {
		m.logger.Error("encoding record for reconciliation", "request_id", rec.ID, "error", err)
		return false
	}

	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err = m.store.EnqueueJob(qctx, storage.Job{
		ID:          "persist-" + rec.ID,
		Type:        JobPersistGeneration,
		PayloadJSON: string(payload),
		MaxAttempts: 5,
	})
	if err != nil {
		m.logger.Error("generation lost: reconciliation enqueue failed", "request_id", rec.ID, "error", err)
		return false
	}
	m.logger.Warn("generation queued for reconciliation", "request_id", rec.ID)
	return true
}

// Get returns the record id if it belongs to accountID.
func (m *Materializer) Get(ctx context.Context, accountID, id string) (Record, error) {
	g, err := m.store.GetGeneration(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if g.AccountID != accountID {
		return Record{}, ErrNotFound
	}
	return fromGeneration(g)
}

// List returns the account's most recent records, newest first.
func (m *Materializer) List(ctx context.Context, accountID string, limit int) ([]Record, error) {
	gens, err := m.store.ListGenerations(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(gens))
	for _, g := range gens {
		r, err := fromGeneration(g)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
