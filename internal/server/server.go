// Package server provides the HTTP API for shirabe.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/app"
	"github.com/hyperjump/shirabe/internal/config"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/vector"
)

// Service is the search service behind the API. *app.App implements it.
type Service interface {
	Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error)
	Index(ctx context.Context, root string, force bool) (*models.IndexReport, error)
	IndexPaths(ctx context.Context, paths []string) (*models.IndexReport, error)
	DeleteDocument(ctx context.Context, path string) error
	Optimize(ctx context.Context) (*vector.OptimizeReport, error)
	Status(ctx context.Context) (*app.Status, error)
}

// WatchService manages watched directories. *watcher.Watcher implements it.
type WatchService interface {
	Directories() []string
	AddDirectory(path string, syncExisting bool) error
	RemoveDirectory(path string) error
}

// Server is the HTTP server for the shirabe API.
type Server struct {
	svc        Service
	cfg        *config.Config
	configPath string
	watch      WatchService
	logger     *zap.Logger
	server     *http.Server

	// cfgMu guards cfg.Watch while it is rewritten and saved.
	cfgMu sync.Mutex
}

// NewServer creates a server. watch may be nil, which disables the watch
// endpoints. When configPath is set, watch directory changes are saved to it.
func NewServer(svc Service, cfg *config.Config, configPath string, watch WatchService, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		svc:        svc,
		cfg:        cfg,
		configPath: configPath,
		watch:      watch,
		logger:     logger,
	}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.Timeout(60*time.Second)).Post("/search", s.handleSearch)
		r.Post("/index", s.handleIndex)
		r.Post("/optimize", s.handleOptimize)
		r.Delete("/documents", s.handleDeleteDocument)
		r.Get("/status", s.handleStatus)
		r.Route("/watch/directories", func(r chi.Router) {
			r.Use(s.requireWatch)
			r.Get("/", s.handleWatchList)
			r.Post("/", s.handleWatchAdd)
			r.Delete("/", s.handleWatchRemove)
		})
	})
	return r
}

// requestLogger logs each request through zap.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("took", time.Since(start)))
	})
}

// Start serves on the configured address and blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
