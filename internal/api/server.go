package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"taskworker/internal/models"
)

// TaskStore is the part of the task store served over HTTP
type TaskStore interface {
	Ping(ctx context.Context) error
	GetByID(ctx context.Context, id int64) (*models.Task, error)
	Enqueue(ctx context.Context, task models.NewTask) (int64, error)
}

// Notifier wakes the workers of a task type after an enqueue
type Notifier interface {
	Notify(ctx context.Context, taskType int) error
}

type Server struct {
	store  TaskStore
	router *chi.Mux
	logger zerolog.Logger
}

// New creates the status server. Metrics are served from gatherer; notifier may be nil.
func New(store TaskStore, notifier Notifier, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	s := &Server{
		store:  store,
		router: chi.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
	}

	// Set up middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.Health)
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.router.Route("/api", func(r chi.Router) {
		r.Mount("/tasks", NewTaskRouter(store, notifier, chi.NewRouter(), s.logger))
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Health reports whether the task store answers
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Health check failed")
		serveJsonStatus(s.logger, w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	serveJson(s.logger, w, map[string]string{"status": "ok"})
}

// ListenAndServe serves on addr until ctx is canceled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("Status server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func readJson(logger zerolog.Logger, w http.ResponseWriter, r *http.Request, payload any) error {
	defer func() {
		if err := r.Body.Close(); err != nil {
			logger.Error().Err(err).Msg("Could not close request body")
		}
	}()

	err := json.NewDecoder(r.Body).Decode(payload)
	if err != nil {
		http.Error(w, "could not parse request body to payload", http.StatusBadRequest)
	}
	return err
}

func serveJson(logger zerolog.Logger, w http.ResponseWriter, payload any) {
	serveJsonStatus(logger, w, http.StatusOK, payload)
}

func serveJsonStatus(logger zerolog.Logger, w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Failed to encode payload", http.StatusInternalServerError)
		logger.Error().Err(err).Msg("JSON encoding issue")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		logger.Error().Err(err).Msg("Could not write response")
	}
}
