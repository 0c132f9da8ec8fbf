// Package diag serves the local diagnostics endpoint: liveness, the
// node status snapshot and the Prometheus collectors.
package diag

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/eddielth/nodecore/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var log = logger.Tag("diag")

// Source provides what the endpoints report.
type Source interface {
	Status() map[string]interface{}
}

// SourceFunc adapts a function to Source.
type SourceFunc func() map[string]interface{}

// Status implements Source.
func (f SourceFunc) Status() map[string]interface{} { return f() }

// NewRouter builds the diagnostics routes. gatherer may be nil, in which
// case /metrics is not mounted.
func NewRouter(src Source, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		st := src.Status()
		code := http.StatusOK
		if st["state"] == "safe_mode" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, st)
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("encode response: %v", err)
	}
}

// Server runs the router on a TCP address.
type Server struct {
	mu     sync.Mutex
	addr   string
	router http.Handler
	server *http.Server
}

// NewServer creates an unstarted server.
func NewServer(addr string, src Source, gatherer prometheus.Gatherer) *Server {
	return &Server{addr: addr, router: NewRouter(src, gatherer)}
}

// Start listens in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("diag: server already running")
	}
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := s.server
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("diagnostics server: %v", err)
		}
	}()
	log.Info("diagnostics listening on %s", s.addr)
	return nil
}

// Stop shuts the server down, waiting up to the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
