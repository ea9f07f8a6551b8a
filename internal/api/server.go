// Package api exposes the controller over HTTP for status pages, scripts and
// Prometheus.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"memoptimizer/internal/eventbus"
	"memoptimizer/internal/fleet"
	"memoptimizer/internal/history"
	"memoptimizer/internal/logging"
	"memoptimizer/internal/memstats"
	"memoptimizer/internal/optimizer"
)

const (
	defaultReportLimit  = 20
	defaultQueryTimeout = 2 * time.Second
)

// Controller is the part of optimizer.Controller the API drives
type Controller interface {
	LatestSnapshot() (memstats.UsageSnapshot, bool)
	LatestReport() (optimizer.Report, bool)
	RunOptimization(ctx context.Context, scope optimizer.Scope) optimizer.Report
	Launch(scope optimizer.Scope, trigger optimizer.Trigger) (string, error)
	EnableMonitor(ctx context.Context)
	DisableMonitor()
	SetAutoOptimizeTimer(enabled bool, interval time.Duration) error
	AutoOptimizeTimer() (bool, time.Duration)
	State() optimizer.ControllerState
}

// ReportHistory supplies past reports, newest first
type ReportHistory interface {
	Recent(n int) []optimizer.Report
	Stats() history.Stats
	Compact(ctx context.Context) error
}

// PeerSource supplies the fleet peer table and live usage queries
type PeerSource interface {
	Peers() []fleet.Peer
	QueryUsage(timeout time.Duration) (map[string]memstats.UsageSnapshot, error)
}

// EventStats reports event bus delivery counters
type EventStats interface {
	Metrics() eventbus.Metrics
}

// Options configure a Server. History, Peers, Events and Metrics are
// optional.
type Options struct {
	NodeID     string
	Addr       string
	Controller Controller
	History    ReportHistory
	Peers      PeerSource
	Events     EventStats
	Metrics    http.Handler
}

// Server is the HTTP status and control surface
type Server struct {
	opts    Options
	started time.Time
	handler http.Handler
}

// New builds the server and its routes
func New(opts Options) *Server {
	s := &Server{opts: opts, started: time.Now()}

	mux := http.NewServeMux()
	mux.Handle("GET /health", logging.CorrelationIDMiddleware(http.HandlerFunc(s.handleHealth)))
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	mux.Handle("GET /api/memory", logging.HTTPMiddleware(http.HandlerFunc(s.handleMemory)))
	mux.Handle("GET /api/report", logging.HTTPMiddleware(http.HandlerFunc(s.handleReport)))
	mux.Handle("GET /api/reports", logging.HTTPMiddleware(http.HandlerFunc(s.handleReports)))
	mux.Handle("POST /api/reports/compact", logging.HTTPMiddleware(http.HandlerFunc(s.handleCompact)))
	mux.Handle("POST /api/optimize", logging.HTTPMiddleware(http.HandlerFunc(s.handleOptimize)))
	mux.Handle("POST /api/monitor", logging.HTTPMiddleware(http.HandlerFunc(s.handleMonitor)))
	mux.Handle("PUT /api/auto-optimize", logging.HTTPMiddleware(http.HandlerFunc(s.handleAutoOptimize)))
	mux.Handle("GET /api/fleet", logging.HTTPMiddleware(http.HandlerFunc(s.handleFleet)))

	s.handler = mux
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.Info(ctx, logging.ComponentHTTP, logging.ActionStart, "HTTP API server starting", logging.Fields{
		"addr":    s.opts.Addr,
		"node_id": s.opts.NodeID,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("HTTP server failed: %w", err)
			return
		}
		serverErr <- nil
	}()

	select {
	case <-ctx.Done():
		logging.Info(ctx, logging.ComponentHTTP, logging.ActionStop, "HTTP API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.opts.Controller.State()
	_, hasSample := s.opts.Controller.LatestSnapshot()
	body := map[string]interface{}{
		"healthy":         true,
		"node":            s.opts.NodeID,
		"monitor_enabled": state.MonitorEnabled,
		"runs_in_flight":  state.RunsInFlight,
		"has_sample":      hasSample,
		"uptime":          time.Since(s.started).Round(time.Second).String(),
		"correlation_id":  logging.GetCorrelationID(r.Context()),
	}
	if s.opts.Events != nil {
		body["events"] = s.opts.Events.Metrics()
	}
	if s.opts.History != nil {
		body["history"] = s.opts.History.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

type memoryResponse struct {
	memstats.UsageSnapshot
	Totals memstats.HumanTotals `json:"totals"`
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	snapshot, ok := s.opts.Controller.LatestSnapshot()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no memory sample yet")
		return
	}
	writeJSON(w, http.StatusOK, memoryResponse{UsageSnapshot: snapshot, Totals: snapshot.HumanTotals()})
}

type reportResponse struct {
	optimizer.Report
	Message string `json:"message"`
	Outcome string `json:"outcome"`
}

func newReportResponse(r optimizer.Report) reportResponse {
	return reportResponse{Report: r, Message: r.Message(), Outcome: r.Outcome()}
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, ok := s.opts.Controller.LatestReport()
	if !ok {
		writeError(w, http.StatusNotFound, "no optimization has run yet")
		return
	}
	writeJSON(w, http.StatusOK, newReportResponse(report))
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	limit := defaultReportLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	out := []reportResponse{}
	if s.opts.History != nil {
		for _, report := range s.opts.History.Recent(limit) {
			out = append(out, newReportResponse(report))
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reports": out,
		"count":   len(out),
	})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeError(w, http.StatusNotFound, "report history is disabled")
		return
	}
	if err := s.opts.History.Compact(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.opts.History.Stats())
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	scope, err := optimizer.ParseScope(r.URL.Query().Get("scope"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		report := s.opts.Controller.RunOptimization(r.Context(), scope)
		writeJSON(w, http.StatusOK, newReportResponse(report))
		return
	}

	runID, err := s.opts.Controller.Launch(scope, optimizer.TriggerManual)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id": runID,
		"scope":  scope.String(),
	})
}

type monitorRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleMonitor(w http.ResponseWriter, r *http.Request) {
	var req monitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}

	if *req.Enabled {
		s.opts.Controller.EnableMonitor(r.Context())
	} else {
		s.opts.Controller.DisableMonitor()
	}
	writeJSON(w, http.StatusOK, s.opts.Controller.State())
}

type autoOptimizeRequest struct {
	Enabled  *bool  `json:"enabled"`
	Interval string `json:"interval,omitempty"`
}

func (s *Server) handleAutoOptimize(w http.ResponseWriter, r *http.Request) {
	var req autoOptimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false, "interval": "1h"}`)
		return
	}

	var interval time.Duration
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid interval: %v", err))
			return
		}
		if d <= 0 {
			writeError(w, http.StatusBadRequest, "interval must be positive")
			return
		}
		interval = d
	}

	if err := s.opts.Controller.SetAutoOptimizeTimer(*req.Enabled, interval); err != nil {
		var cfgErr *optimizer.ConfigurationError
		if errors.As(err, &cfgErr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	enabled, current := s.opts.Controller.AutoOptimizeTimer()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled":  enabled,
		"interval": current.String(),
	})
}

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	peers := []fleet.Peer{}
	if s.opts.Peers != nil {
		peers = s.opts.Peers.Peers()
	}
	body := map[string]interface{}{
		"enabled": s.opts.Peers != nil,
		"node":    s.opts.NodeID,
		"peers":   peers,
	}

	// live=true asks every member for its current snapshot instead of the
	// gossiped tags
	if live, _ := strconv.ParseBool(r.URL.Query().Get("live")); live && s.opts.Peers != nil {
		usage, err := s.opts.Peers.QueryUsage(defaultQueryTimeout)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		body["usage"] = usage
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn(context.Background(), logging.ComponentHTTP, logging.ActionResponse, "Failed to encode response", logging.Fields{
			"error": err.Error(),
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
