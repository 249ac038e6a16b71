// Package httpapi exposes the admin HTTP endpoint: health snapshots,
// manual invalidation, routing rule reloads and Prometheus metrics.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgplane/pgplane/config"
	"github.com/pgplane/pgplane/engine"
	"github.com/pgplane/pgplane/logger"
)

// Server is the admin HTTP server.
type Server struct {
	engine *engine.Engine
	cfg    config.HTTPAPIConfig
	http   *http.Server
}

// New creates the admin server. The API key must already be validated as
// non-empty by config.Validate.
func New(eng *engine.Engine, cfg config.HTTPAPIConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":9090"
	}
	s := &Server{
		engine: eng,
		cfg:    cfg,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/invalidate", s.handleInvalidate).Methods(http.MethodPost)
	r.HandleFunc("/routing/reload", s.handleReloadRules).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.Use(s.authMiddleware)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins serving and blocks until the listener fails or ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("admin API listen on %s: %w", s.cfg.Addr, err)
	}
	logger.Info("admin API listening", "addr", s.cfg.Addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()

	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			logger.Warn("admin API auth failure", "remote", r.RemoteAddr, "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.HealthSnapshot())
}

type invalidateRequest struct {
	Table  string `json:"table"`
	Tenant string `json:"tenant,omitempty"`
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Table == "" {
		writeError(w, http.StatusBadRequest, "table is required")
		return
	}

	if err := s.engine.Invalidate(r.Context(), req.Table, req.Tenant); err != nil {
		logger.Error("manual invalidation failed", "table", req.Table, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("manual invalidation", "table", req.Table, "tenant", req.Tenant)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "table": req.Table})
}

type reloadRequest struct {
	Rules []config.RoutingRule `json:"rules"`
}

func (s *Server) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	var req reloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Rules) == 0 {
		writeError(w, http.StatusBadRequest, "rules is required")
		return
	}

	// Invalid rule sets are rejected as a whole; the running table is
	// untouched.
	if err := s.engine.ReloadRules(req.Rules); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	logger.Info("routing rules reloaded", "count", len(req.Rules))
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "rules": len(req.Rules)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("admin API response encoding failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
