package api

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

const followPollInterval = 500 * time.Millisecond

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.app.Store.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeServiceError(w, "load run", err)
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

// handleRunLog serves the run transcript. With follow=1 it keeps the
// response open and streams new lines until the run is finished.
func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.app.Store.GetRun(r.Context(), runID)
	if err != nil {
		s.writeServiceError(w, "load run", err)
		return
	}
	if run.LogPath == nil || *run.LogPath == "" {
		writeError(w, http.StatusNotFound, "not_found", "run has no log")
		return
	}

	tail := parseIntDefault(r.URL.Query().Get("tail"), 0)
	follow := isTrue(r.URL.Query().Get("follow"))

	content, err := s.app.Logs.ReadContent(*run.LogPath, tail)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "log not found")
			return
		}
		s.writeServiceError(w, "read log", err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !follow {
		_, _ = io.WriteString(w, content)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported", "streaming not supported")
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	if content != "" {
		_, _ = io.WriteString(w, content)
		if !strings.HasSuffix(content, "\n") {
			_, _ = io.WriteString(w, "\n")
		}
	}
	flusher.Flush()

	file, err := os.Open(*run.LogPath)
	if err != nil {
		return
	}
	defer file.Close()
	offset, _ := file.Seek(0, io.SeekEnd)

	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			// Status is read before the file so the last lines of a run that
			// just finished are still sent.
			if !run.Status.Terminal() {
				if refreshed, err := s.app.Store.GetRun(r.Context(), runID); err == nil {
					run = refreshed
				}
			}
			pos, err := file.Seek(0, io.SeekEnd)
			if err != nil {
				return
			}
			if pos > offset {
				buf := make([]byte, pos-offset)
				if _, err := file.ReadAt(buf, offset); err == nil {
					_, _ = w.Write(buf)
					flusher.Flush()
				}
				offset = pos
			}
			if run.Status.Terminal() {
				return
			}
		}
	}
}

func isTrue(v string) bool {
	return v == "1" || strings.EqualFold(v, "true")
}

func baseName(path string) string {
	return filepath.Base(path)
}
