package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/replyd/internal/stream"
)

// Sink delivers frames to one client connection. Send is only ever called
// from a single goroutine.
type Sink interface {
	Send(ctx context.Context, f stream.Frame) error
}

// Heartbeater is implemented by sinks that can keep an idle connection alive.
type Heartbeater interface {
	Heartbeat() error
}

// outgoing is one queue entry: a frame, or a flush marker whose ack is
// closed once every frame queued before it has been sent.
type outgoing struct {
	frame stream.Frame
	ack   chan struct{}
}

// writer owns the sink. Producers hand frames to it through a bounded
// channel and block while it is full.
type writer struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	sink   Sink
	frames chan outgoing
	beat   time.Duration

	// sent[i] is set once variant i's terminal frame has been handed to the
	// sink. Written only by run; read after flush or finish.
	sent []bool

	done chan struct{}
	err  error
}

func newWriter(ctx context.Context, cancel context.CancelCauseFunc, sink Sink, buffer int, beat time.Duration, variants int) *writer {
	if buffer < 1 {
		buffer = 1
	}
	w := &writer{
		ctx:    ctx,
		cancel: cancel,
		sink:   sink,
		frames: make(chan outgoing, buffer),
		beat:   beat,
		sent:   make([]bool, variants),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *writer) run() {
	defer close(w.done)

	var tick <-chan time.Time
	hb, canBeat := w.sink.(Heartbeater)
	if canBeat && w.beat > 0 {
		t := time.NewTicker(w.beat)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case out, ok := <-w.frames:
			if !ok {
				return
			}
			if w.ctx.Err() != nil {
				return
			}
			if out.ack != nil {
				close(out.ack)
				continue
			}
			f := out.frame
			if err := w.sink.Send(w.ctx, f); err != nil {
				w.fail(fmt.Errorf("sending %s: %w", f, err))
				return
			}
			if idx, ok := f.VariantIndex(); ok && f.Type.Terminal() && idx < len(w.sent) {
				w.sent[idx] = true
			}
		case <-tick:
			if err := hb.Heartbeat(); err != nil {
				w.fail(fmt.Errorf("heartbeat: %w", err))
				return
			}
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *writer) fail(err error) {
	w.err = err
	w.cancel(fmt.Errorf("%w: %w", ErrTransportInterrupted, err))
}

// emit queues f, blocking while the buffer is full. It returns false once
// the run has been cancelled.
func (w *writer) emit(f stream.Frame) bool {
	select {
	case w.frames <- outgoing{frame: f}:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// flush waits until every frame queued so far has been sent. It returns
// false if the run was cancelled first.
func (w *writer) flush() bool {
	ack := make(chan struct{})
	select {
	case w.frames <- outgoing{ack: ack}:
	case <-w.ctx.Done():
		return false
	}
	select {
	case <-ack:
		return w.ctx.Err() == nil
	case <-w.done:
		return false
	}
}

// terminalSent reports whether variant i's complete or error frame reached
// the sink. Only valid after flush returned true or finish returned.
func (w *writer) terminalSent(i int) bool {
	return i >= 0 && i < len(w.sent) && w.sent[i]
}

// finish closes the queue and waits for the writer to drain it. It must only
// be called once every producer has returned.
func (w *writer) finish() error {
	close(w.frames)
	<-w.done
	return w.err
}
