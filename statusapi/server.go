// Package statusapi exposes a small HTTP surface over a mysqlx.Client:
// liveness/readiness probes, a JSON status endpoint, and a Prometheus
// /metrics handler, adapted from the teacher's internal/api server (a
// multi-tenant REST+dashboard API) down to the single-backend shape
// this client library needs.
package statusapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dbbouncer/asyncmy/metrics"
	"github.com/dbbouncer/asyncmy/mysqlx"
)

// Server is the status/metrics HTTP server for one Client.
type Server struct {
	client     *mysqlx.Client
	monitor    *mysqlx.Monitor
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates a Server. monitor and m may be nil.
func NewServer(client *mysqlx.Client, monitor *mysqlx.Monitor, m *metrics.Collector) *Server {
	return &Server{client: client, monitor: monitor, metrics: m, startTime: time.Now()}
}

// Start starts the HTTP server on addr (e.g. "0.0.0.0:8090").
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")
	r.HandleFunc("/stats", s.statsHandler).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("statusapi: server error", "err", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.monitor != nil {
		snap := s.monitor.Snapshot()
		status := http.StatusOK
		if !s.monitor.IsHealthy() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, snap)
		return
	}
	result := s.client.HealthCheck(r.Context())
	status := http.StatusOK
	if result.Unhealthy > 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ok, _ := s.client.Ping(r.Context())
	if ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (s *Server) statsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.client.GetStats())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
