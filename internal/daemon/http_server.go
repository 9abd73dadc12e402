package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/prmonitor/internal/logfields"
	"git.home.luguber.info/inful/prmonitor/internal/metrics"
	"git.home.luguber.info/inful/prmonitor/internal/orchestrator"
)

// HTTPServer is the daemon's admin surface: health, engine status, and
// Prometheus metrics.
type HTTPServer struct {
	server *http.Server
	logger *slog.Logger
}

// NewHTTPServer wires the handlers. registry may be nil to omit /metrics.
func NewHTTPServer(addr string, engine *orchestrator.Engine, health *HealthChecker, registry *prom.Registry, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		response := health.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		if response.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		writeJSON(w, response, logger)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, engine.Status(), logger)
	})
	mux.HandleFunc("/summary", func(w http.ResponseWriter, r *http.Request) {
		hours := 24
		if raw := r.URL.Query().Get("hours"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				http.Error(w, "hours must be a positive integer", http.StatusBadRequest)
				return
			}
			hours = n
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, engine.Collector().SummaryFor(hours), logger)
	})
	if registry != nil {
		mux.Handle("/metrics", metrics.HTTPHandler(registry))
	}

	return &HTTPServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the mux for tests.
func (s *HTTPServer) Handler() http.Handler { return s.server.Handler }

// Start serves until Shutdown; ErrServerClosed is not reported.
func (s *HTTPServer) Start() error {
	s.logger.Info("admin http server listening", logfields.URL(s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("response encode failed", logfields.Error(err))
	}
}
