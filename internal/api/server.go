package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/shohag/postrelay/internal/config"
	"github.com/shohag/postrelay/internal/delivery"
	"github.com/shohag/postrelay/internal/health"
	"github.com/shohag/postrelay/internal/storage"
)

type Server struct {
	cfg     config.ServerConfig
	store   storage.Storage
	engine  *delivery.Engine
	monitor *health.Monitor
	window  time.Duration
	router  *chi.Mux
	log     zerolog.Logger
	http    *http.Server
}

// NewServer builds the operator API. window is the default health window
// used when a request does not name one.
func NewServer(cfg config.ServerConfig, store storage.Storage, engine *delivery.Engine, monitor *health.Monitor, window time.Duration, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		engine:  engine,
		monitor: monitor,
		window:  window,
		log:     log,
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.log))

	tplHandler := NewTemplateHandler(s.store)
	evtHandler := NewEventHandler(s.engine.Dispatcher)
	attHandler := NewAttemptHandler(s.store)
	retryHandler := NewRetryHandler(s.engine.Scheduler, s.engine.Queue)
	statsHandler := NewStatsHandler(s.monitor, s.engine.Queue, s.window)

	r.Get("/health", statsHandler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Templates
		r.Post("/templates", tplHandler.Create)
		r.Get("/templates", tplHandler.List)
		r.Get("/templates/{id}", tplHandler.Get)
		r.Patch("/templates/{id}/toggle", tplHandler.Toggle)
		r.Get("/templates/{id}/events/{event_id}/attempts", attHandler.ListTarget)

		// Events
		r.Post("/events", evtHandler.Dispatch)

		// Delivery log
		r.Get("/attempts", attHandler.List)

		// Retries
		r.Get("/retries", retryHandler.List)
		r.Post("/retries/bulk", retryHandler.Bulk)

		// Health
		r.Get("/health", statsHandler.Report)
		r.Get("/stats", statsHandler.Summary)
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info().Str("addr", addr).Msg("starting HTTP server")
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(timeout time.Duration) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
