package server

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/config"
	"github.com/hyperjump/shirabe/internal/indexer"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/search"
	"github.com/hyperjump/shirabe/internal/storage"
)

type searchRequest struct {
	Query string `json:"query"`
	// Limit is a pointer so an explicit zero is rejected instead of defaulted.
	Limit *int   `json:"limit,omitempty"`
	Model string `json:"model,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	q := &models.SearchQuery{Query: req.Query, Limit: s.cfg.Search.DefaultLimit, Model: req.Model}
	if req.Limit != nil {
		q.Limit = *req.Limit
	}
	s.logger.Debug("search request", zap.String("query", q.Query), zap.Int("limit", q.Limit))
	resp, err := s.svc.Search(r.Context(), q)
	if err != nil {
		s.respondErr(w, "search", err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

type indexRequest struct {
	Path  string `json:"path"`
	Force bool   `json:"force,omitempty"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "path not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Debug("index request", zap.String("path", abs), zap.Bool("force", req.Force))
	var rep *models.IndexReport
	if info.IsDir() {
		rep, err = s.svc.Index(r.Context(), abs, req.Force)
	} else {
		rep, err = s.svc.IndexPaths(r.Context(), []string{abs})
	}
	if err != nil {
		s.respondErr(w, "index", err)
		return
	}
	s.respondJSON(w, http.StatusOK, rep)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path query parameter is required")
		return
	}
	s.logger.Debug("delete document request", zap.String("path", path))
	if err := s.svc.DeleteDocument(r.Context(), path); err != nil {
		s.respondErr(w, "delete", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"path": path, "status": "deleted"})
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	rep, err := s.svc.Optimize(r.Context())
	if err != nil {
		s.respondErr(w, "optimize", err)
		return
	}
	s.respondJSON(w, http.StatusOK, rep)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context())
	if err != nil {
		s.respondErr(w, "status", err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) requireWatch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.watch == nil {
			s.respondError(w, http.StatusNotImplemented, "watch not enabled")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWatchList(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{"directories": s.watch.Directories()})
}

type watchRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

// watchPath reads the directory from the path query parameter or the JSON body
// and makes it absolute.
func watchPath(r *http.Request) (string, watchRequest, error) {
	var req watchRequest
	if q := r.URL.Query().Get("path"); q != "" {
		req.Path = q
	} else if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", req, errors.New("invalid request body")
		}
	}
	if req.Path == "" {
		return "", req, errors.New("path is required")
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		return "", req, errors.New("invalid path")
	}
	return filepath.Clean(abs), req, nil
}

// overlapping returns the watched root that contains dir or lies inside it.
func overlapping(roots []string, dir string) (string, bool) {
	for _, root := range roots {
		if root == dir || strings.HasPrefix(dir, root+string(filepath.Separator)) ||
			strings.HasPrefix(root, dir+string(filepath.Separator)) {
			return root, true
		}
	}
	return "", false
}

func (s *Server) handleWatchAdd(w http.ResponseWriter, r *http.Request) {
	dir, req, err := watchPath(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.respondError(w, http.StatusNotFound, "directory not found")
		return
	case err != nil:
		s.respondErr(w, "watch add", err)
		return
	case !info.IsDir():
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	if root, ok := overlapping(s.watch.Directories(), dir); ok {
		s.respondError(w, http.StatusConflict, "overlaps watched directory "+root)
		return
	}
	if err := s.watch.AddDirectory(dir, req.Sync == nil || *req.Sync); err != nil {
		s.respondErr(w, "watch add", err)
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": dir, "status": "added"})
}

func (s *Server) handleWatchRemove(w http.ResponseWriter, r *http.Request) {
	dir, _, err := watchPath(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !slices.Contains(s.watch.Directories(), dir) {
		s.respondError(w, http.StatusNotFound, "directory not watched")
		return
	}
	if err := s.watch.RemoveDirectory(dir); err != nil {
		s.respondErr(w, "watch remove", err)
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": dir, "status": "removed"})
}

// persistWatchDirectories writes the current roots back to the config file.
func (s *Server) persistWatchDirectories() {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg.Watch.Directories = s.watch.Directories()
	if s.configPath == "" {
		return
	}
	if err := config.Save(s.configPath, s.cfg); err != nil {
		s.logger.Warn("persist watch directories", zap.String("config", s.configPath), zap.Error(err))
	}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, search.ErrInvalidLimit), errors.Is(err, search.ErrUnknownModel):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, indexer.ErrCancelled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
	}
	s.respondError(w, code, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
