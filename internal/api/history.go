package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/replyd/internal/history"
	"github.com/kalambet/replyd/internal/quota"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type quotaResponse struct {
	quota.State
	Remaining int `json:"remaining"`
}

func handleQuota(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := AccountID(r.Context())
		st, err := deps.Ledger.State(r.Context(), accountID)
		if errors.Is(err, quota.ErrAccountNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "account %q has no quota", accountID)
			return
		}
		if err != nil {
			deps.Logger.Error("reading quota", "account_id", accountID, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read quota")
			return
		}
		writeJSON(w, http.StatusOK, quotaResponse{State: st, Remaining: st.Remaining()})
	}
}

type historyList struct {
	Object string           `json:"object"`
	Data   []history.Record `json:"data"`
}

func handleHistoryList(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = min(n, maxHistoryLimit)
		}

		accountID := AccountID(r.Context())
		recs, err := deps.History.List(r.Context(), accountID, limit)
		if err != nil {
			deps.Logger.Error("listing history", "account_id", accountID, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list history")
			return
		}
		if recs == nil {
			recs = []history.Record{}
		}
		writeJSON(w, http.StatusOK, historyList{Object: "list", Data: recs})
	}
}

func handleHistoryGet(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rec, err := deps.History.Get(r.Context(), AccountID(r.Context()), id)
		if errors.Is(err, history.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "generation %q not found", id)
			return
		}
		if err != nil {
			deps.Logger.Error("reading history", "request_id", id, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read generation")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}
