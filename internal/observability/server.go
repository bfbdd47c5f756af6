// Package observability provides Prometheus metrics for the Table API client,
// the export/apply pipelines and the mock server, plus the HTTP server that
// exposes them next to health and readiness probes.
//
// # Endpoints
//
//   - GET /healthz: 200 while the process is running.
//   - GET /readyz: 200 once SetReady(true) has been called, 503 before.
//   - GET /metrics: Prometheus text exposition format.
//
// # Metrics
//
//	┌──────────────────────────────────────┬─────────┬──────────────────────────────────────┐
//	│ Metric Name                          │ Type    │ Description                          │
//	├──────────────────────────────────────┼─────────┼──────────────────────────────────────┤
//	│ sntable_api_requests_total           │ Counter │ Table API requests sent              │
//	│ sntable_api_errors_total             │ Counter │ Failed requests by reason            │
//	│ sntable_api_latency_seconds          │ Hist    │ Table API round-trip latency         │
//	│ sntable_api_pages_total              │ Counter │ List pages fetched                   │
//	│ sntable_export_records_total         │ Counter │ Records produced to Kafka            │
//	│ sntable_export_errors_total          │ Counter │ Export pipeline errors               │
//	│ sntable_apply_records_total          │ Counter │ Kafka messages applied to tables     │
//	│ sntable_apply_errors_total           │ Counter │ Apply pipeline errors                │
//	│ sntable_mock_requests_total          │ Counter │ Requests served by the mock server   │
//	│ sntable_offset_lag_seconds           │ Gauge   │ Export watermark age per table       │
//	└──────────────────────────────────────┴─────────┴──────────────────────────────────────┘
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ----- Prometheus Metrics -----

// Metrics holds all Prometheus metrics, registered with the default registry.
var Metrics = struct {
	APIRequestsTotal *prometheus.CounterVec
	APIErrorsTotal   *prometheus.CounterVec
	APILatency       *prometheus.HistogramVec
	APIPagesTotal    *prometheus.CounterVec

	ExportRecordsTotal *prometheus.CounterVec
	ExportErrorsTotal  *prometheus.CounterVec

	ApplyRecordsTotal *prometheus.CounterVec
	ApplyErrorsTotal  *prometheus.CounterVec

	MockRequestsTotal *prometheus.CounterVec

	OffsetLagSeconds *prometheus.GaugeVec
}{
	APIRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sntable_api_requests_total",
		Help: "Total number of Table API requests sent.",
	}, []string{"method", "table"}),

	APIErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sntable_api_errors_total",
		Help: "Total number of failed Table API requests by reason (status code, network, malformed).",
	}, []string{"method", "reason"}),

	APILatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sntable_api_latency_seconds",
		Help:    "Table API response latency in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "table"}),

	APIPagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sntable_api_pages_total",
		Help: "Total number of list pages fetched.",
	}, []string{"table"}),

	ExportRecordsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sntable_export_records_total",
		Help: "Total number of records produced to Kafka.",
	}, []string{"table", "topic"}),

	ExportErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sntable_export_errors_total",
		Help: "Total number of export pipeline errors.",
	}, []string{"table", "error_type"}),

	ApplyRecordsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sntable_apply_records_total",
		Help: "Total number of Kafka messages applied to tables.",
	}, []string{"table", "operation"}),

	ApplyErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sntable_apply_errors_total",
		Help: "Total number of apply pipeline errors.",
	}, []string{"table", "error_type"}),

	MockRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sntable_mock_requests_total",
		Help: "Total number of requests served by the mock Table API.",
	}, []string{"method", "status_code"}),

	OffsetLagSeconds: promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sntable_offset_lag_seconds",
		Help: "Seconds between now and the export watermark of each table.",
	}, []string{"table"}),
}

// ----- Health/Readiness Server -----

// Server provides HTTP endpoints for health checks, readiness probes,
// and Prometheus metrics.
type Server struct {
	addr   string
	ready  atomic.Bool
	logger *slog.Logger
	srv    *http.Server
}

// NewServer creates a new observability HTTP server.
func NewServer(addr string, logger *slog.Logger) *Server {
	s := &Server{
		addr:   addr,
		logger: logger.With("component", "observability"),
	}

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the mux serving /healthz, /readyz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start begins listening for HTTP requests. Blocks until the context is
// cancelled, then gracefully shuts down the server.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("observability server: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("observability server starting", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down observability server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("observability server: %w", err)
	}
	return nil
}

// SetReady marks the server as ready (or not ready) for readiness probes.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	s.logger.Info("readiness state changed", "ready", ready)
}

// handleHealth responds with 200 OK while the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, `{"status":"healthy"}`)
}

// handleReady responds with 200 if ready, 503 if not yet ready.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, `{"status":"ready"}`)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = fmt.Fprint(w, `{"status":"not_ready"}`)
}
