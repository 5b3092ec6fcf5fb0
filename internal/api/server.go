// Package api exposes the HTTP surface: run ingest and listing, analysis
// generation and retrieval, per-vehicle constraints, plus health, version,
// and Prometheus metrics.
package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dynoai/dynoai/internal/analysis"
	"github.com/dynoai/dynoai/internal/httputil"
	"github.com/dynoai/dynoai/internal/metrics"
	"github.com/dynoai/dynoai/internal/store"
	"github.com/dynoai/dynoai/internal/telemetry"
	"github.com/dynoai/dynoai/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	engine      *analysis.Engine
	runs        *store.RunStore
	constraints *store.ConstraintsStore
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
}

// NewServer wires the API over the engine and stores. metrics and gatherer
// may be nil; the /metrics route is only mounted when a gatherer is given.
func NewServer(engine *analysis.Engine, db *store.DB, m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	return &Server{
		engine:      engine,
		runs:        store.NewRunStore(db),
		constraints: store.NewConstraintsStore(db),
		metrics:     m,
		gatherer:    gatherer,
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/run", s.handleRun)
	mux.HandleFunc("/api/run/csv", s.handleRunCSV)
	mux.HandleFunc("/api/analysis", s.handleGetAnalysis)
	mux.HandleFunc("/api/analysis/generate", s.handleGenerate)
	mux.HandleFunc("/api/constraints", s.handleConstraints)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// writeError maps the error taxonomy onto status codes: caller mistakes
// (validation, configuration) are 400s, everything else is a 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var valErr *telemetry.ValidationError
	var cfgErr *telemetry.ConfigurationError
	if errors.As(err, &valErr) || errors.As(err, &cfgErr) {
		httputil.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}
