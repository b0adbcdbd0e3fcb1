// Package api exposes the generation orchestrator over HTTP (Server-Sent
// Events and WebSocket) and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/replyd/internal/generation"
	"github.com/kalambet/replyd/internal/history"
	"github.com/kalambet/replyd/internal/quota"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Generator runs generation requests. Implemented by *generation.Orchestrator.
type Generator interface {
	Run(ctx context.Context, req generation.Request, sink generation.Sink) (*generation.Summary, error)
	Limits() generation.Limits
}

// HistoryReader reads persisted records. Implemented by *history.Materializer.
type HistoryReader interface {
	Get(ctx context.Context, accountID, id string) (history.Record, error)
	List(ctx context.Context, accountID string, limit int) ([]history.Record, error)
}

type Deps struct {
	Generator Generator
	Ledger    quota.Ledger
	History   HistoryReader
	Auth      Authenticator
	// Health, when set, is checked by /health. *storage.Store.Ping fits.
	Health func(ctx context.Context) error
	Logger *slog.Logger
}

// NewHandler returns the HTTP API. Everything except /health requires a
// bearer token known to deps.Auth.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Auth))
		r.Post("/v1/generations", handleGenerate(deps))
		r.Get("/v1/generations/ws", handleGenerateWS(deps))
		r.Get("/v1/quota", handleQuota(deps))
		r.Get("/v1/history", handleHistoryList(deps))
		r.Get("/v1/history/{id}", handleHistoryGet(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Health(ctx); err != nil {
				deps.Logger.Error("health check failed", "error", err)
				httpError(w, http.StatusServiceUnavailable, "api_error", "storage unavailable")
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
