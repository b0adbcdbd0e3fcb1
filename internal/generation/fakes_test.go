package generation

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/replyd/internal/history"
	"github.com/kalambet/replyd/internal/prompt"
	"github.com/kalambet/replyd/internal/provider"
	"github.com/kalambet/replyd/internal/quota"
	"github.com/kalambet/replyd/internal/storage"
	"github.com/kalambet/replyd/internal/stream"
)

var errClosed = errors.New("handle closed")

// script describes what one fake variant produces.
type script struct {
	deltas  []string
	err     error         // terminal error instead of metadata
	openErr error         // variant fails to open
	delay   time.Duration // before every value
	block   bool          // after the deltas, wait until closed
}

type fakeHandle struct {
	s      script
	pos    int
	done   bool
	pulled *atomic.Int32

	closed    chan struct{}
	closeOnce sync.Once
}

func (h *fakeHandle) Next() (provider.Chunk, error) {
	if h.done {
		return provider.Chunk{}, provider.ErrExhausted
	}
	if h.s.delay > 0 {
		select {
		case <-time.After(h.s.delay):
		case <-h.closed:
			h.done = true
			return provider.Chunk{}, errClosed
		}
	}
	select {
	case <-h.closed:
		h.done = true
		return provider.Chunk{}, errClosed
	default:
	}

	if h.pos < len(h.s.deltas) {
		d := h.s.deltas[h.pos]
		h.pos++
		if h.pulled != nil {
			h.pulled.Add(1)
		}
		return provider.Chunk{Text: d}, nil
	}
	if h.s.block {
		<-h.closed
		h.done = true
		return provider.Chunk{}, errClosed
	}
	h.done = true
	if h.s.err != nil {
		return provider.Chunk{}, h.s.err
	}
	md := provider.Analyze(strings.Join(h.s.deltas, ""), "stop")
	return provider.Chunk{Final: &md}, nil
}

func (h *fakeHandle) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	return nil
}

type fakeProvider struct {
	scripts []script
	pulled  atomic.Int32
	opens   atomic.Int32
}

func (p *fakeProvider) Name() string { return "fake/model" }

func (p *fakeProvider) Open(_ context.Context, _ prompt.Prompt, n int) ([]provider.Handle, error) {
	p.opens.Add(1)
	handles := make([]provider.Handle, n)
	for i := range n {
		s := script{deltas: []string{"ok"}}
		if i < len(p.scripts) {
			s = p.scripts[i]
		}
		if s.openErr != nil {
			handles[i] = provider.FailedHandle(i, s.openErr)
			continue
		}
		handles[i] = &fakeHandle{s: s, closed: make(chan struct{}), pulled: &p.pulled}
	}
	return handles, nil
}

// hookSink records frames and calls onSend after each one.
type hookSink struct {
	mu     sync.Mutex
	frames []stream.Frame
	onSend func(f stream.Frame, sent []stream.Frame) error
}

func (s *hookSink) Send(_ context.Context, f stream.Frame) error {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	sent := append([]stream.Frame(nil), s.frames...)
	hook := s.onSend
	s.mu.Unlock()
	if hook != nil {
		return hook(f, sent)
	}
	return nil
}

func (s *hookSink) Frames() []stream.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Frame(nil), s.frames...)
}

// wireSink encodes frames onto a buffer the way the HTTP transport does.
type wireSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
	enc *stream.Encoder
}

func newWireSink() *wireSink {
	s := &wireSink{}
	s.enc = stream.NewEncoder(&s.buf)
	return s
}

func (s *wireSink) Send(_ context.Context, f stream.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(f)
}

func (s *wireSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf.Bytes())
}

type failingMaterializer struct {
	calls atomic.Int32
}

func (m *failingMaterializer) Persist(_ context.Context, rec history.Record) (history.Record, error) {
	m.calls.Add(1)
	return history.Record{}, &history.PersistError{ID: rec.ID, Err: errors.New("disk I/O error")}
}

type brokenLedger struct{}

func (brokenLedger) Reserve(context.Context, string) (quota.Decision, error) {
	return quota.Decision{}, errors.New("database is locked")
}

func (brokenLedger) State(context.Context, string) (quota.State, error) {
	return quota.State{}, errors.New("database is locked")
}

type fixture struct {
	store  *storage.Store
	ledger *quota.MemoryLedger
	prov   *fakeProvider
	hist   *history.Materializer
	orch   *Orchestrator
}

func newFixture(t *testing.T, allowance int, scripts []script, cfg Config) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ledger := quota.NewMemoryLedger()
	ledger.SetAccount("acct", allowance)
	prov := &fakeProvider{scripts: scripts}
	hist := history.NewMaterializer(store, nil)
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = -1
	}
	return &fixture{
		store:  store,
		ledger: ledger,
		prov:   prov,
		hist:   hist,
		orch:   New(ledger, prov, hist, cfg),
	}
}

func request(id string, variants int) Request {
	return Request{
		ID:        id,
		AccountID: "acct",
		Message:   "Could you send over the revised estimate?",
		Tags:      prompt.Tags{Urgency: prompt.UrgencyNormal, MessageType: prompt.MessageRequest},
		Variants:  variants,
	}
}

// checkProtocol asserts the per-index ordering rules, done placement and the
// terminal frame count.
func checkProtocol(t *testing.T, frames []stream.Frame, wantTerminal int) {
	t.Helper()
	type seen struct {
		started, terminal bool
	}
	state := map[int]*seen{}
	terminal, dones := 0, 0
	for i, f := range frames {
		if dones > 0 {
			t.Fatalf("frame %d (%s) after done", i, f)
		}
		idx, ok := f.VariantIndex()
		switch {
		case f.Type == stream.KindDone:
			dones++
			continue
		case !ok:
			continue // request-level error
		}
		s := state[idx]
		if s == nil {
			s = &seen{}
			state[idx] = s
		}
		if s.terminal {
			t.Fatalf("frame %d (%s) after terminal frame", i, f)
		}
		switch f.Type {
		case stream.KindStart:
			if s.started {
				t.Fatalf("duplicate start for variant %d", idx)
			}
			s.started = true
		default:
			if !s.started {
				t.Fatalf("frame %d (%s) before start", i, f)
			}
			if f.Type.Terminal() {
				s.terminal = true
				terminal++
			}
		}
	}
	if terminal != wantTerminal {
		t.Errorf("terminal frames = %d, want %d", terminal, wantTerminal)
	}
	if dones != 1 || frames[len(frames)-1].Type != stream.KindDone {
		t.Errorf("done frames = %d, last = %v; want exactly one done at the end", dones, frames[len(frames)-1])
	}
}

func countKind(frames []stream.Frame, k stream.Kind) int {
	n := 0
	for _, f := range frames {
		if f.Type == k {
			n++
		}
	}
	return n
}
