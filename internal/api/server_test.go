package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/replyd/internal/generation"
	"github.com/kalambet/replyd/internal/history"
	"github.com/kalambet/replyd/internal/prompt"
	"github.com/kalambet/replyd/internal/provider"
	"github.com/kalambet/replyd/internal/quota"
	"github.com/kalambet/replyd/internal/storage"
	"github.com/kalambet/replyd/internal/stream"
)

// stubHandle replays fixed chunks, then fails or completes.
type stubHandle struct {
	chunks []string
	fail   error
	pos    int
}

func (h *stubHandle) Next() (provider.Chunk, error) {
	switch {
	case h.pos < len(h.chunks):
		c := h.chunks[h.pos]
		h.pos++
		return provider.Chunk{Text: c}, nil
	case h.pos == len(h.chunks):
		h.pos++
		if h.fail != nil {
			return provider.Chunk{}, h.fail
		}
		md := provider.Analyze(strings.Join(h.chunks, ""), "stop")
		return provider.Chunk{Final: &md}, nil
	default:
		return provider.Chunk{}, provider.ErrExhausted
	}
}

func (h *stubHandle) Close() error { return nil }

type stubProvider struct {
	failIndex int
}

func (p *stubProvider) Name() string { return "stub/model" }

func (p *stubProvider) Open(_ context.Context, _ prompt.Prompt, n int) ([]provider.Handle, error) {
	handles := make([]provider.Handle, n)
	for i := range n {
		h := &stubHandle{chunks: []string{"Thanks ", "for reaching ", fmt.Sprintf("out, option %d.", i)}}
		if i == p.failIndex {
			h.fail = errors.New("upstream reset")
		}
		handles[i] = h
	}
	return handles, nil
}

type testEnv struct {
	store   *storage.Store
	ledger  *quota.MemoryLedger
	hist    *history.Materializer
	orch    *generation.Orchestrator
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	auth, err := ParseTokens("tok-1=acct-1, tok-2=acct-2")
	if err != nil {
		t.Fatalf("ParseTokens: %v", err)
	}

	ledger := quota.NewMemoryLedger()
	ledger.SetAccount("acct-1", 5)
	hist := history.NewMaterializer(store, nil)
	orch := generation.New(ledger, &stubProvider{failIndex: -1}, hist, generation.Config{HeartbeatInterval: -1})

	return &testEnv{
		store:  store,
		ledger: ledger,
		hist:   hist,
		orch:   orch,
		handler: NewHandler(Deps{
			Generator: orch,
			Ledger:    ledger,
			History:   hist,
			Auth:      auth,
			Health:    store.Ping,
		}),
	}
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeFrames(t *testing.T, body []byte) (*stream.Demux, []stream.Frame) {
	t.Helper()
	dec := stream.NewDecoder()
	frames := dec.Feed(body)
	if dec.Dropped() != 0 || dec.Buffered() != 0 {
		t.Fatalf("decoder dropped %d blocks, %d bytes left over", dec.Dropped(), dec.Buffered())
	}
	dm := stream.NewDemux()
	for _, f := range frames {
		if !dm.Apply(f) {
			t.Fatalf("frame %s rejected by demux", f)
		}
	}
	return dm, frames
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error.Type
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/health", "", "")

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestHealth_StorageDown(t *testing.T) {
	env := newTestEnv(t)
	env.store.Close()

	rr := env.do(t, http.MethodGet, "/health", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
	if got := errorType(t, rr); got != "api_error" {
		t.Errorf("error type = %q, want api_error", got)
	}
}

func TestAuth_Rejected(t *testing.T) {
	env := newTestEnv(t)
	for _, token := range []string{"", "tok-3", "tok-1 "} {
		rr := env.do(t, http.MethodGet, "/v1/quota", token, "")
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
			continue
		}
		if got := errorType(t, rr); got != "authentication_error" {
			t.Errorf("token %q: error type = %q", token, got)
		}
	}
}

func TestAuth_NoAuthenticator(t *testing.T) {
	h := NewHandler(Deps{})
	req := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestParseTokens(t *testing.T) {
	a, err := ParseTokens(" a=acct-1,b=acct-2 ,c=acct-1,")
	if err != nil {
		t.Fatalf("ParseTokens: %v", err)
	}
	if got, ok := a.Authenticate("b"); !ok || got != "acct-2" {
		t.Errorf("Authenticate(b) = %q, %v", got, ok)
	}
	if _, ok := a.Authenticate(""); ok {
		t.Error("empty token authenticated")
	}
	if got := a.Accounts(); len(got) != 2 {
		t.Errorf("Accounts = %v, want 2 distinct", got)
	}

	for _, bad := range []string{"", " , ", "novalue", "=acct", "tok=", "a=x,a=y"} {
		if _, err := ParseTokens(bad); err == nil {
			t.Errorf("ParseTokens(%q) succeeded, want error", bad)
		}
	}

	_, err = ParseTokens("sekrit-token")
	if err == nil || strings.Contains(err.Error(), "sekrit") {
		t.Errorf("error leaks the token: %v", err)
	}
}

func TestQuota(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/v1/generations", "tok-1", `{"message":"Can we move the call?"}`)

	rr := env.do(t, http.MethodGet, "/v1/quota", "tok-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var body struct {
		AccountID string `json:"account_id"`
		Usage     int    `json:"usage"`
		Allowance int    `json:"allowance"`
		Remaining int    `json:"remaining"`
		ResetAt   string `json:"reset_at"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.AccountID != "acct-1" || body.Usage != 1 || body.Allowance != 5 || body.Remaining != 4 {
		t.Errorf("quota = %+v", body)
	}
	if body.ResetAt == "" {
		t.Error("reset_at missing")
	}

	rr = env.do(t, http.MethodGet, "/v1/quota", "tok-2", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown account: status = %d, want 404", rr.Code)
	}
}
