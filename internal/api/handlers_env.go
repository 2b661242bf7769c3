package api

import (
	"net/http"
	"strings"

	"cronpilot/internal/environment"
)

type validateEnvironmentRequest struct {
	EnvironmentPath  string `json:"environment_path"`
	RequirementsPath string `json:"requirements_path"`
}

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := s.app.Environments.DiscoverEnvironments(s.app.Registry.TasksDir())
	if err != nil {
		s.writeServiceError(w, "discover environments", err)
		return
	}
	if envs == nil {
		envs = []environment.Environment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": envs})
}

func (s *Server) handleListRequirements(w http.ResponseWriter, r *http.Request) {
	files, err := s.app.Environments.DiscoverRequirementsFiles(s.app.Registry.TasksDir())
	if err != nil {
		s.writeServiceError(w, "discover requirements files", err)
		return
	}
	if files == nil {
		files = []environment.RequirementsFile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requirements_files": files})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.app.Environments.DiscoverTaskProjects(s.app.Registry.TasksDir())
	if err != nil {
		s.writeServiceError(w, "discover task projects", err)
		return
	}
	if projects == nil {
		projects = []environment.TaskProject{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// handleValidateEnvironment always answers 200; the verdict is in the body.
func (s *Server) handleValidateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req validateEnvironmentRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.EnvironmentPath) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "environment_path is required")
		return
	}
	v := s.app.Environments.Validate(r.Context(), strings.TrimSpace(req.EnvironmentPath), strings.TrimSpace(req.RequirementsPath))
	writeJSON(w, http.StatusOK, v)
}
