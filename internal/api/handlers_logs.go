package api

import (
	"net/http"

	"cronpilot/internal/logsink"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.app.Logs.ListAll()
	if err != nil {
		s.writeServiceError(w, "list logs", err)
		return
	}
	var total int64
	for _, lf := range logs {
		total += lf.SizeBytes
	}
	if logs == nil {
		logs = []logsink.LogFile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"directory":   s.app.Logs.Dir(),
		"logs":        logs,
		"total_bytes": total,
	})
}

func (s *Server) handleDeleteLog(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.app.Logs.Delete(chi.URLParam(r, "name"))
	if err != nil {
		s.writeServiceError(w, "delete log", err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found", "log not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSweepLogs(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.app.Logs.SweepExpired()
	if err != nil {
		s.writeServiceError(w, "sweep logs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}
