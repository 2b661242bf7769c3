package api

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strconv"

	"cronpilot/internal/core"
	"cronpilot/internal/environment"
	"cronpilot/internal/logsink"
	"cronpilot/internal/store"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched
// when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload: "+err.Error())
	return false
}

// writeServiceError maps domain errors to HTTP statuses. Unknown errors are
// logged and reported as internal errors.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	var (
		regErr *core.RegistrationError
		envErr *environment.EnvironmentError
	)
	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, core.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "not_found", "run not found")
	case errors.Is(err, core.ErrSubscriptionNotFound):
		writeError(w, http.StatusNotFound, "not_found", "subscription not found")
	case errors.Is(err, core.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "already_running", err.Error())
	case errors.Is(err, core.ErrDuplicateTaskName):
		writeError(w, http.StatusConflict, "duplicate_name", err.Error())
	case errors.Is(err, store.ErrDuplicateSubscription):
		writeError(w, http.StatusConflict, "duplicate_subscription", err.Error())
	case errors.Is(err, core.ErrInvalidSchedule):
		writeError(w, http.StatusBadRequest, "invalid_schedule", err.Error())
	case errors.Is(err, core.ErrNotScheduled):
		writeError(w, http.StatusConflict, "not_scheduled", err.Error())
	case errors.Is(err, core.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	case errors.As(err, &envErr):
		writeError(w, http.StatusBadRequest, "invalid_environment", err.Error())
	case errors.As(err, &regErr):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, logsink.ErrOutsideDir):
		writeError(w, http.StatusBadRequest, "invalid_path", err.Error())
	case errors.Is(err, environment.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, logsink.ErrInUse):
		writeError(w, http.StatusConflict, "in_use", err.Error())
	default:
		s.logger.Error(op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}
