package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-bridgehost/internal/history"
)

// Limits for history queries.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// handleHistory returns recent status snapshots of every bridge.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.listHistory(w, r, "")
}

// handleBridgeHistory returns recent status snapshots of one bridge.
func (s *Server) handleBridgeHistory(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	if _, ok := s.host.Info(username); !ok {
		writeNotFound(w, "bridge not found")
		return
	}
	s.listHistory(w, r, username)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request, username string) {
	if s.history == nil {
		writeUnavailable(w, "status history is not enabled")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.history.List(r.Context(), username, limit)
	if err != nil {
		if errors.Is(err, history.ErrInvalidLimit) {
			writeBadRequest(w, err.Error())
			return
		}
		s.logger.Error("failed to list status history", "username", username, "error", err)
		writeInternalError(w, "failed to list status history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}
