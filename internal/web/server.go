// Package web exposes the engine over HTTP: photo submission, people
// management, event jobs with SSE progress, and health.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/photopick/photopick/internal/event"
	"github.com/photopick/photopick/internal/filter"
	"github.com/photopick/photopick/internal/storage"
)

// Server is the HTTP front of the engine.
type Server struct {
	filter     *filter.Service
	events     *event.Pipeline
	store      storage.Store
	uploadDir  string
	maxArchive int64
	logger     *slog.Logger

	router     *chi.Mux
	httpServer *http.Server
}

// NewServer wires the router and middleware stack.
func NewServer(f *filter.Service, events *event.Pipeline, store storage.Store, uploadDir string, maxArchive int64, host string, port int, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	s := &Server{
		filter:     f,
		events:     events,
		store:      store,
		uploadDir:  uploadDir,
		maxArchive: maxArchive,
		logger:     logger,
		router:     r,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(5 * time.Minute))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // long timeout for SSE and archive uploads
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/users/{userID}/photos", s.handleSubmitPhoto)
		r.Get("/users/{userID}/people", s.handleListPeople)
		r.Post("/users/{userID}/cancel", s.handleCancelUser)

		r.Post("/people", s.handleCreatePerson)
		r.Post("/people/{personID}/examples", s.handleEnroll)
		r.Delete("/people/{personID}", s.handleDeletePerson)

		r.Post("/events", s.handleStartEvent)
		r.Get("/events/{code}", s.handleEventStatus)
		r.Get("/events/{code}/stream", s.handleEventStream)
		r.Get("/events/{code}/participants/{participantID}/matches", s.handleEventMatches)
		r.Post("/events/{code}/cancel", s.handleCancelEvent)
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting web server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
