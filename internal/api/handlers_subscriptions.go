package api

import (
	"net/http"
	"net/mail"
	"strings"

	"cronpilot/internal/core"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	subs, err := s.app.Store.ListSubscriptions(r.Context(), task.ID)
	if err != nil {
		s.writeServiceError(w, "list subscriptions", err)
		return
	}
	resp := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		resp = append(resp, subscriptionToResponse(sub))
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": resp})
}

// handleCreateSubscription adds a mail recipient. Both notify flags default
// to true.
func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "email is not a valid address")
		return
	}
	sub := &core.Subscription{
		ID:              core.NewID(),
		TaskID:          chi.URLParam(r, "taskID"),
		Email:           strings.ToLower(addr.Address),
		NotifyOnSuccess: boolOr(req.NotifyOnSuccess, true),
		NotifyOnFailure: boolOr(req.NotifyOnFailure, true),
	}
	if !sub.NotifyOnSuccess && !sub.NotifyOnFailure {
		writeError(w, http.StatusBadRequest, "invalid_input", "subscription must notify on success or failure")
		return
	}
	if err := s.app.Store.InsertSubscription(r.Context(), sub); err != nil {
		s.writeServiceError(w, "create subscription", err)
		return
	}
	writeJSON(w, http.StatusCreated, subscriptionToResponse(sub))
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Store.DeleteSubscription(r.Context(), chi.URLParam(r, "subscriptionID")); err != nil {
		s.writeServiceError(w, "delete subscription", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
