package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"cronpilot/internal/app"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	app        *app.App
	mcp        http.Handler
	logger     *slog.Logger
	authToken  string
}

// NewServer constructs the HTTP API server. mcpHandler is mounted at /mcp
// when it is not nil.
func NewServer(addr, authToken string, a *app.App, mcpHandler http.Handler) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(RequestLogger(a.Logger.With("component", "http")))
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		app:       a,
		mcp:       mcpHandler,
		logger:    a.Logger.With("component", "api"),
		authToken: authToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Log follow requests stream until the run ends.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	if s.mcp != nil {
		var h http.Handler = s.mcp
		if s.authToken != "" {
			h = AuthMiddleware(s.authToken)(h)
		}
		s.router.Handle("/mcp", h)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/cron/preview", s.handleCronPreview)
		r.Get("/scheduler/jobs", s.handleSchedulerJobs)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Get("/discover", s.handleDiscoverTasks)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Put("/schedule", s.handleUpdateSchedule)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/run", s.handleRunTask)
				r.Post("/pause", s.handlePauseTask)
				r.Post("/resume", s.handleResumeTask)
				r.Get("/runs", s.handleListRuns)
				r.Get("/subscriptions", s.handleListSubscriptions)
				r.Post("/subscriptions", s.handleCreateSubscription)
			})
		})

		r.Delete("/subscriptions/{subscriptionID}", s.handleDeleteSubscription)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/{runID}", s.handleGetRun)
			r.Get("/{runID}/log", s.handleRunLog)
		})

		r.Get("/environments", s.handleListEnvironments)
		r.Post("/environments/validate", s.handleValidateEnvironment)
		r.Get("/requirements", s.handleListRequirements)
		r.Get("/projects", s.handleListProjects)

		r.Route("/logs", func(r chi.Router) {
			r.Get("/", s.handleListLogs)
			r.Post("/sweep", s.handleSweepLogs)
			r.Delete("/{name}", s.handleDeleteLog)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unhealthy", "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
