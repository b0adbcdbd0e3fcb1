package generation

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kalambet/replyd/internal/history"
	"github.com/kalambet/replyd/internal/provider"
	"github.com/kalambet/replyd/internal/stream"
)

type variantStatus int

const (
	statusPending variantStatus = iota
	statusStreaming
	statusComplete
	statusFailed
)

// variant is owned by its pump goroutine until the run's errgroup returns.
type variant struct {
	index    int
	status   variantStatus
	text     strings.Builder
	metadata *stream.Metadata
	errMsg   string
}

// result reports the variant as the client saw it: a terminal status only
// counts once its frame was delivered.
func (v *variant) result(delivered bool) history.Variant {
	out := history.Variant{Index: v.index, Text: v.text.String()}
	status := v.status
	if !delivered {
		status = statusStreaming
	}
	switch status {
	case statusComplete:
		out.Status = history.VariantComplete
		out.Metadata = v.metadata
	case statusFailed:
		out.Status = history.VariantFailed
		out.Error = v.errMsg
	default:
		out.Status = history.VariantIncomplete
	}
	return out
}

// pump drains one handle into frames: start on the first value, content per
// delta, then exactly one complete or error. It stops without a terminal
// frame if the run is cancelled.
func (r *run) pump(ctx context.Context, v *variant, h provider.Handle) {
	defer h.Close()

	timeout := r.o.cfg.VariantTimeout
	var timedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		timedOut.Store(true)
		h.Close()
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { h.Close() })
	defer stop()

	logger := r.logger.With("variant", v.index)
	for {
		chunk, err := h.Next()
		if ctx.Err() != nil {
			return
		}

		if v.status == statusPending {
			if !r.w.emit(stream.Start(v.index)) {
				return
			}
			v.status = statusStreaming
		}

		if err != nil {
			code, msg := failureMessage(err, timeout, timedOut.Load())
			logger.Warn("variant failed", "code", code, "error", err)
			v.status = statusFailed
			v.errMsg = msg
			r.w.emit(stream.Failed(v.index, code, msg))
			return
		}

		if chunk.Final != nil {
			md := stream.Metadata{
				Tone:         chunk.Final.Tone,
				Length:       chunk.Final.Length,
				Confidence:   chunk.Final.Confidence,
				FinishReason: chunk.Final.FinishReason,
			}
			v.status = statusComplete
			v.metadata = &md
			r.w.emit(stream.Complete(v.index, md))
			return
		}

		if chunk.Text == "" {
			continue
		}
		v.text.WriteString(chunk.Text)
		r.meter.Add(chunk.Text)
		if !r.w.emit(stream.Content(v.index, chunk.Text)) {
			return
		}
	}
}
