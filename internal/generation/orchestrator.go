package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/replyd/internal/history"
	"github.com/kalambet/replyd/internal/prompt"
	"github.com/kalambet/replyd/internal/provider"
	"github.com/kalambet/replyd/internal/quota"
	"github.com/kalambet/replyd/internal/stream"
)

// Phase is the lifecycle position of a run.
type Phase int

const (
	PhaseAdmitting Phase = iota
	PhaseDispatching
	PhaseStreaming
	PhaseFinalizing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAdmitting:
		return "admitting"
	case PhaseDispatching:
		return "dispatching"
	case PhaseStreaming:
		return "streaming"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Materializer persists finished runs. Implemented by *history.Materializer.
type Materializer interface {
	Persist(ctx context.Context, rec history.Record) (history.Record, error)
}

// Config tunes an Orchestrator. Zero values select the defaults.
type Config struct {
	Limits         Limits
	FrameBuffer    int
	VariantTimeout time.Duration
	// HeartbeatInterval below zero disables heartbeats.
	HeartbeatInterval time.Duration
	CostPer1KChars    float64
	// PersistTimeout bounds the write of a record after the client is gone.
	PersistTimeout time.Duration
	Logger         *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Limits == (Limits{}) {
		c.Limits = DefaultLimits()
	}
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = 8
	}
	if c.VariantTimeout <= 0 {
		c.VariantTimeout = 90 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.CostPer1KChars == 0 {
		c.CostPer1KChars = DefaultCostPer1KChars
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Summary describes a finished run.
type Summary struct {
	RequestID string
	Phase     Phase
	Admitted  bool
	Quota     quota.State
	Variants  []history.Variant
	Cost      float64
	Persisted bool
	// PersistErr is set when the record could not be written.
	PersistErr error
}

// Orchestrator owns the lifecycle of generation requests.
type Orchestrator struct {
	ledger   quota.Ledger
	provider provider.Provider
	history  Materializer
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func New(ledger quota.Ledger, prov provider.Provider, mat Materializer, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		ledger:   ledger,
		provider: prov,
		history:  mat,
		cfg:      cfg,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Limits returns the request limits the orchestrator validates against.
func (o *Orchestrator) Limits() Limits { return o.cfg.Limits }

// Run executes req and writes its frames to sink. An invalid request returns
// an error wrapping ErrInvalidRequest without sending anything. A refused
// admission sends one request-level error frame and done, and returns an
// *AdmissionError. If the client goes away before the run is finalized the
// result wraps ErrTransportInterrupted and done is never sent.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Sink) (*Summary, error) {
	if err := req.Normalize(o.cfg.Limits); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	r := &run{
		o:      o,
		req:    req,
		logger: o.logger.With("request_id", req.ID, "account_id", req.AccountID),
		sum:    &Summary{RequestID: req.ID},
		meter:  NewMeter(o.cfg.CostPer1KChars),
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.w = newWriter(runCtx, cancel, sink, o.cfg.FrameBuffer, o.cfg.HeartbeatInterval, req.Variants)

	err := r.execute(ctx, runCtx)
	r.enter(PhaseClosed)
	return r.sum, err
}

type run struct {
	o        *Orchestrator
	req      Request
	logger   *slog.Logger
	sum      *Summary
	meter    *Meter
	w        *writer
	variants []*variant
}

func (r *run) enter(p Phase) {
	r.sum.Phase = p
	r.logger.Debug("generation phase", "phase", p.String())
}

func (r *run) execute(ctx, runCtx context.Context) error {
	r.enter(PhaseAdmitting)
	dec, err := r.o.ledger.Reserve(runCtx, r.req.AccountID)
	if err != nil {
		r.logger.Error("quota reservation failed", "error", err)
		r.w.emit(stream.RequestError(stream.CodeInternal, "quota service unavailable"))
		r.w.emit(stream.Done())
		if werr := r.w.finish(); werr != nil {
			r.logger.Warn("client gone before admission failure was delivered", "error", werr)
		}
		return fmt.Errorf("reserving quota: %w", err)
	}
	r.sum.Quota = dec.State
	if !dec.Allowed {
		r.logger.Info("generation denied", "reason", string(dec.Reason))
		r.w.emit(stream.RequestError(denialCode(dec.Reason), denialMessage(dec)))
		r.w.emit(stream.Done())
		if werr := r.w.finish(); werr != nil {
			r.logger.Warn("client gone before denial was delivered", "error", werr)
		}
		return &AdmissionError{Reason: dec.Reason, State: dec.State}
	}
	r.sum.Admitted = true

	r.enter(PhaseDispatching)
	p := prompt.Build(r.req.Message, r.req.Tags)
	handles, err := r.o.provider.Open(runCtx, p, r.req.Variants)
	if err != nil || len(handles) != r.req.Variants {
		if err == nil {
			err = fmt.Errorf("provider returned %d handles for %d variants", len(handles), r.req.Variants)
		}
		r.logger.Error("opening provider streams", "error", err)
		for _, h := range handles {
			h.Close()
		}
		handles = make([]provider.Handle, r.req.Variants)
		for i := range handles {
			handles[i] = provider.FailedHandle(i, err)
		}
	}

	r.enter(PhaseStreaming)
	r.variants = make([]*variant, len(handles))
	var g errgroup.Group
	for i, h := range handles {
		v := &variant{index: i, status: statusPending}
		r.variants[i] = v
		g.Go(func() error {
			r.pump(runCtx, v, h)
			return nil
		})
	}
	g.Wait()

	r.sum.Cost = r.meter.Cost()
	if runCtx.Err() != nil || !r.w.flush() {
		return r.abandon(ctx, runCtx)
	}
	r.sum.Variants = r.results()

	r.enter(PhaseFinalizing)
	r.persist(ctx, history.StatusOf(r.sum.Variants))
	r.w.emit(stream.Done())
	if werr := r.w.finish(); werr != nil {
		return fmt.Errorf("%w: %w", ErrTransportInterrupted, werr)
	}
	if runCtx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrTransportInterrupted, context.Cause(runCtx))
	}
	r.logger.Info("generation finished", "variants", len(r.variants), "cost", r.sum.Cost, "chars", r.meter.Chars())
	return nil
}

// abandon handles a run cancelled before finalization. Frames stop, done is
// not sent, and the variants whose terminal frame reached the client are
// kept if there are any. Such a record is always partial.
func (r *run) abandon(ctx, runCtx context.Context) error {
	r.w.finish()
	r.sum.Variants = r.results()
	cause := context.Cause(runCtx)
	if !errors.Is(cause, ErrTransportInterrupted) {
		cause = fmt.Errorf("%w: %w", ErrTransportInterrupted, cause)
	}

	terminal := 0
	for _, v := range r.sum.Variants {
		if v.Status != history.VariantIncomplete {
			terminal++
		}
	}
	r.logger.Warn("generation abandoned", "terminal_variants", terminal, "error", cause)
	if terminal > 0 {
		r.enter(PhaseFinalizing)
		r.persist(ctx, history.StatusPartial)
	}
	return cause
}

// persist hands the record to the materializer exactly once, detached from
// the client's connection.
func (r *run) persist(ctx context.Context, status string) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.PersistTimeout)
	defer cancel()

	rec := history.Record{
		ID:        r.req.ID,
		AccountID: r.req.AccountID,
		Message:   r.req.Message,
		Tags:      r.req.Tags,
		Variants:  r.sum.Variants,
		Provider:  r.o.provider.Name(),
		Cost:      r.sum.Cost,
		Status:    status,
		CreatedAt: r.o.now().UTC(),
	}
	if _, err := r.o.history.Persist(pctx, rec); err != nil {
		r.sum.PersistErr = err
		r.logger.Error("persisting generation", "error", err)
		return
	}
	r.sum.Persisted = true
}

func (r *run) results() []history.Variant {
	out := make([]history.Variant, len(r.variants))
	for i, v := range r.variants {
		out[i] = v.result(r.w.terminalSent(i))
	}
	return out
}

func denialCode(reason quota.DenyReason) string {
	if reason == quota.AccountNotFound {
		return stream.CodeAccountNotFound
	}
	return stream.CodeLimitExceeded
}

func denialMessage(dec quota.Decision) string {
	if dec.Reason == quota.AccountNotFound {
		return "account not found"
	}
	msg := fmt.Sprintf("monthly allowance of %d generations used", dec.State.Allowance)
	if !dec.State.ResetAt.IsZero() {
		msg += "; resets " + dec.State.ResetAt.UTC().Format(time.RFC3339)
	}
	return msg
}

func failureMessage(err error, timeout time.Duration, timedOut bool) (code, msg string) {
	var oe *provider.OpenError
	switch {
	case timedOut:
		return stream.CodeGeneration, fmt.Sprintf("generation timed out after %s", timeout)
	case errors.As(err, &oe):
		return stream.CodeOpenFailed, "could not start generation: " + firstLine(oe.Err.Error())
	default:
		return stream.CodeGeneration, "generation failed: " + firstLine(err.Error())
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
