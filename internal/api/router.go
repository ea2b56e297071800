package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"opscron/internal/core"
	"opscron/internal/dbpool"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	tasks      *core.TaskService
	conns      *dbpool.ConnectionService
	mcpHandler http.Handler
	logger     *slog.Logger
	authToken  string
}

// Options configures optional parts of the server.
type Options struct {
	AuthToken string
	// MCPHandler is mounted at /mcp when set.
	MCPHandler http.Handler
}

// NewServer constructs the HTTP API server.
func NewServer(addr string, tasks *core.TaskService, conns *dbpool.ConnectionService, logger *slog.Logger, opts Options) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(logger))
	router.Use(middleware.Recoverer)

	s := &Server{
		router:     router,
		tasks:      tasks,
		conns:      conns,
		mcpHandler: opts.MCPHandler,
		logger:     logger,
		authToken:  opts.AuthToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

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
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.mcpHandler != nil {
		var mcpHandler = s.mcpHandler
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/cron/preview", s.handleCronPreview)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/enable", s.handleSetEnabled(true))
				r.Post("/disable", s.handleSetEnabled(false))
				r.Post("/run", s.handleRunTask)
				r.Get("/runs", s.handleListTaskRuns)
			})
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Get("/{runID}", s.handleGetRun)
		})

		r.Route("/connections", func(r chi.Router) {
			r.Get("/", s.handleListConnections)
			r.Post("/", s.handleCreateConnection)
			r.Post("/test", s.handleTestParams)
			r.Get("/pools", s.handleListPools)

			r.Route("/{connID}", func(r chi.Router) {
				r.Get("/", s.handleGetConnection)
				r.Patch("/", s.handleUpdateConnection)
				r.Delete("/", s.handleDeleteConnection)
				r.Post("/test", s.handleTestStored)
				r.Post("/refresh", s.handleRefreshConnection)
				r.Post("/pool", s.handleOpenPool)
			})
		})
	})
}
