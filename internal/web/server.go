// Package web exposes the orchestrator's HTTP control surface: starting
// and tracking update and backup/restore jobs, streaming their progress
// over SSE, reporting version and job history, and serving Prometheus
// metrics.
package web

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canopyos/updater/internal/backup"
	"github.com/canopyos/updater/internal/clock"
	"github.com/canopyos/updater/internal/config"
	"github.com/canopyos/updater/internal/logging"
	"github.com/canopyos/updater/internal/metrics"
	"github.com/canopyos/updater/internal/pipeline"
	"github.com/canopyos/updater/internal/session"
	"github.com/canopyos/updater/internal/singleflight"
	"github.com/canopyos/updater/internal/store"
	"github.com/canopyos/updater/internal/version"
)

// Notifier fires a best-effort notification on terminal pipeline events.
type Notifier interface {
	Notify(ctx context.Context, eventType, message string)
}

// Dependencies defines what the web server needs from the rest of the
// application.
type Dependencies struct {
	Cfg *config.Config

	Update      *pipeline.Update
	Backup      *backup.Pipeline
	Resolver    *version.Resolver
	Sessions    *session.Store
	UpdateGate  *singleflight.Gate
	RestoreGate *singleflight.Gate // shared by backup and restore: only one may run at a time
	Jobs        *store.Store
	Metrics     *metrics.Metrics
	Notify      Notifier
	Clock       clock.Clock
	Log         *logging.Logger
}

// Server is the orchestrator's HTTP API.
type Server struct {
	deps Dependencies
	mux  *http.ServeMux
	srv  *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /update/start", s.apiUpdateStart)
	s.mux.HandleFunc("GET /update/status", s.apiUpdateStatus)
	s.mux.HandleFunc("GET /update/stream", s.apiUpdateStream)
	s.mux.HandleFunc("POST /update/cancel", s.apiUpdateCancel)
	s.mux.HandleFunc("GET /version", s.apiVersion)

	s.mux.HandleFunc("POST /backup/start", s.apiBackupStart)
	s.mux.HandleFunc("GET /backup/status", s.apiBackupStatus)
	s.mux.HandleFunc("GET /backup/stream", s.apiBackupStream)
	s.mux.HandleFunc("GET /backup/list", s.apiBackupList)
	s.mux.HandleFunc("POST /backup/restore", s.apiBackupRestore)
	s.mux.HandleFunc("POST /backup/cancel", s.apiBackupCancel)

	s.mux.HandleFunc("GET /history", s.apiHistory)

	if s.deps.Cfg.MetricsEnabled {
		s.mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
			promhttp.Handler().ServeHTTP(w, r)
		})
	}
}

// ListenAndServe starts the HTTP server on addr (e.g. ":8080").
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE connections are long-lived; no blanket write timeout.
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("web api listening", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// newID returns a session id of the form "<prefix>-<unix-nanos>-<6 hex
// chars>", unique enough for single-process in-memory session tracking
// without pulling in a full UUID library.
func newID(prefix string, clk clock.Clock) string {
	var buf [3]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%s-%d-%x", prefix, clk.Now().UnixNano(), buf)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
