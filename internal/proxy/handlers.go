package proxy

import (
	"log/slog"
	"net/http"
	"strings"
)

type cancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Status())
}

// handleCancel always answers 200; success reports whether anything was cancelled.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("req_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing request id")
		return
	}
	if s.queue.Cancel(id) {
		slog.Info("queue.cancel.requested", "req_id", id)
		writeJSON(w, http.StatusOK, cancelResponse{Success: true, Message: "Request " + id + " cancelled"})
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{
		Success: false,
		Message: "Request " + id + " not found or already finished",
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.List())
}
