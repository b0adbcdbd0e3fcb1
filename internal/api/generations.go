package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/kalambet/replyd/internal/generation"
	"github.com/kalambet/replyd/internal/stream"
)

// encoderSink writes frames as protocol blocks. The generation writer is its
// only caller, so the encoder is never used concurrently.
type encoderSink struct {
	enc *stream.Encoder
}

func (s encoderSink) Send(_ context.Context, f stream.Frame) error {
	return s.enc.Encode(f)
}

func (s encoderSink) Heartbeat() error {
	return s.enc.Heartbeat()
}

// decodeRequest parses a generation body for accountID. Client-supplied IDs
// are ignored: every request gets a fresh one.
func decodeRequest(r io.Reader, accountID string, limits generation.Limits) (generation.Request, error) {
	var req generation.Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return generation.Request{}, fmt.Errorf("%w: invalid request body: %v", generation.ErrInvalidRequest, err)
	}
	req.ID = uuid.New().String()
	req.AccountID = accountID
	if err := req.Normalize(limits); err != nil {
		return generation.Request{}, err
	}
	return req, nil
}

func handleGenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		req, err := decodeRequest(r.Body, AccountID(r.Context()), deps.Generator.Limits())
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Request-ID", req.ID)
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		sum, err := deps.Generator.Run(r.Context(), req, encoderSink{enc: stream.NewEncoder(w)})
		logOutcome(deps.Logger, "sse", req, sum, err)
	}
}

// wsWriter adapts a websocket.Conn to io.Writer, one text message per Write.
type wsWriter struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (w *wsWriter) Write(p []byte) (int, error) {
	if err := w.conn.Write(w.ctx, websocket.MessageText, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// handleGenerateWS reads one request message, streams the frames back one
// block per message and closes normally after done.
func handleGenerateWS(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := AccountID(r.Context())
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			deps.Logger.Warn("websocket accept failed", "account_id", accountID, "error", err)
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(maxRequestBodySize)

		ctx := r.Context()
		typ, data, err := conn.Read(ctx)
		if err != nil {
			deps.Logger.Debug("websocket closed before request", "account_id", accountID, "error", err)
			return
		}
		if typ != websocket.MessageText {
			conn.Close(websocket.StatusUnsupportedData, "expected a JSON text message")
			return
		}
		req, err := decodeRequest(bytes.NewReader(data), accountID, deps.Generator.Limits())
		if err != nil {
			conn.Close(websocket.StatusPolicyViolation, closeReason(err.Error()))
			return
		}

		// The client sends nothing more. CloseRead keeps control frames
		// flowing and cancels ctx once the peer goes away.
		ctx = conn.CloseRead(ctx)
		sink := encoderSink{enc: stream.NewEncoder(&wsWriter{ctx: ctx, conn: conn})}
		sum, err := deps.Generator.Run(ctx, req, sink)
		logOutcome(deps.Logger, "websocket", req, sum, err)
		if errors.Is(err, generation.ErrTransportInterrupted) {
			return
		}
		conn.Close(websocket.StatusNormalClosure, "done")
	}
}

// closeReason fits s into a close frame, which allows 123 bytes.
func closeReason(s string) string {
	const limit = 123
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func logOutcome(logger *slog.Logger, transport string, req generation.Request, sum *generation.Summary, err error) {
	attrs := []any{"transport", transport, "request_id", req.ID, "account_id", req.AccountID}
	if sum != nil {
		attrs = append(attrs, "variants", len(sum.Variants), "cost", sum.Cost, "persisted", sum.Persisted)
	}
	switch {
	case err == nil:
		logger.Info("generation served", attrs...)
	case errors.Is(err, generation.ErrAdmissionDenied):
		logger.Info("generation refused", append(attrs, "reason", err.Error())...)
	case errors.Is(err, generation.ErrTransportInterrupted):
		logger.Info("client went away", append(attrs, "error", err)...)
	default:
		logger.Error("generation failed", append(attrs, "error", err)...)
	}
}
