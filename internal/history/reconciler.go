package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/replyd/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	SaveGeneration(ctx context.Context, g storage.Generation) (bool, error)
}

// Reconciler retries generation writes that failed at the end of a request.
type Reconciler struct {
	store  JobStore
	poll   time.Duration
	logger *slog.Logger
}

// NewReconciler creates a Reconciler. If pollInterval is <= 0, it defaults
// to 2s.
func NewReconciler(store JobStore, pollInterval time.Duration, logger *slog.Logger) *Reconciler {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, poll: pollInterval, logger: logger}
}

// Run polls for jobs until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := r.RunOnce(ctx)
		if err != nil {
			r.logger.Error("reconciler iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.poll):
		}
	}
}

// RunOnce claims and processes a single persist_generation job.
// Returns true if a job was processed (regardless of success/failure).
func (r *Reconciler) RunOnce(ctx context.Context) (bool, error) {
	job, err := r.store.ClaimNextJob(ctx, []string{JobPersistGeneration})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := r.process(ctx, job); err != nil {
		r.logger.Warn("reconciliation failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := r.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			r.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := r.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (r *Reconciler) process(ctx context.Context, job *storage.Job) error {
	var rec Record
	if err := json.Unmarshal([]byte(job.PayloadJSON), &rec); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	g, err := toGeneration(rec)
	if err != nil {
		return err
	}
	created, err := r.store.SaveGeneration(ctx, g)
	if err != nil {
		return fmt.Errorf("saving generation %s: %w", rec.ID, err)
	}
	r.logger.Info("generation reconciled", "request_id", rec.ID, "created", created)
	return nil
}
