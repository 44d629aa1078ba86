// Package admin exposes the process's HTTP control surface: liveness,
// Prometheus scraping, and a per-sink status endpoint. Grounded in the
// teacher's internal/app/handlers.go and internal/app/initialization.go
// (gorilla/mux router setup, JSON status handlers).
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// SinkStatus is the minimal view of a running sink's dispatcher the status
// endpoint reports. internal/app supplies one per configured sink; it
// deliberately doesn't depend on internal/core/dispatcher's generic type so
// sinks with different payload types can all be listed here.
type SinkStatus struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	ActiveClient    string `json:"active_client"`
	PrimaryQueue    int    `json:"primary_queue_depth"`
	SecondaryQueue  int    `json:"secondary_queue_depth"`
	ThrottleFactor  float64 `json:"throttle_factor"`
}

// StatusFunc returns the current status of every configured sink.
type StatusFunc func() []SinkStatus

// Server is the admin HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *logrus.Logger
}

// New builds a Server listening on addr. statusFn is called on every
// /status request; it must be safe to call concurrently and should not
// block.
func New(addr string, statusFn StatusFunc, logger *logrus.Logger) *Server {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		var statuses []SinkStatus
		if statusFn != nil {
			statuses = statusFn()
		}
		_ = json.NewEncoder(w).Encode(statuses)
	}).Methods(http.MethodGet)

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: r},
		logger:     logger,
	}
}

// Start runs the server in the background. Listen errors after Shutdown are
// swallowed; errors before Shutdown are logged.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("admin: http server stopped unexpectedly")
		}
	}()
}

// Stop closes the listener and all open connections immediately, without
// waiting for in-flight requests to finish.
func (s *Server) Stop() error {
	return s.httpServer.Close()
}
