package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-bridgehost/internal/host"
)

// handleListBridges returns every child bridge.
func (s *Server) handleListBridges(w http.ResponseWriter, _ *http.Request) {
	bridges := s.host.Infos()
	writeJSON(w, http.StatusOK, map[string]any{
		"bridges": bridges,
		"count":   len(bridges),
	})
}

// handleGetBridge returns one child bridge.
func (s *Server) handleGetBridge(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	info, ok := s.host.Info(username)
	if !ok {
		writeNotFound(w, "bridge not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStartBridge(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "start", s.host.StartBridge)
}

func (s *Server) handleStopBridge(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "stop", s.host.StopBridge)
}

func (s *Server) handleRestartBridge(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "restart", s.host.RestartBridge)
}

// control applies op to the bridge in the URL and answers with its
// snapshot. The operation is asynchronous: the snapshot shows the state
// right after the request was accepted.
func (s *Server) control(w http.ResponseWriter, r *http.Request, action string, op func(string) error) {
	username := chi.URLParam(r, "username")

	if err := op(username); err != nil {
		if errors.Is(err, host.ErrBridgeNotFound) {
			writeNotFound(w, "bridge not found")
			return
		}
		s.logger.Error("bridge control failed", "action", action, "username", username, "error", err)
		writeInternalError(w, "bridge control failed")
		return
	}

	s.logger.Info("bridge control requested",
		"action", action,
		"username", username,
		"subject", subjectFrom(r.Context()),
		"request_id", r.Context().Value(ctxKeyRequestID),
	)

	info, _ := s.host.Info(username) //nolint:errcheck // Existence checked by op
	writeJSON(w, http.StatusAccepted, info)
}

// handleListPorts returns the current port leases.
func (s *Server) handleListPorts(w http.ResponseWriter, _ *http.Request) {
	leases := s.host.Leases()
	writeJSON(w, http.StatusOK, map[string]any{
		"leases": leases,
		"count":  len(leases),
	})
}

// handleListRejected returns bridge blocks that could not be loaded.
func (s *Server) handleListRejected(w http.ResponseWriter, _ *http.Request) {
	rejected := s.host.Rejected()
	writeJSON(w, http.StatusOK, map[string]any{
		"rejected": rejected,
		"count":    len(rejected),
	})
}
