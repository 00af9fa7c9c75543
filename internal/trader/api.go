package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"council-trade-bot/internal/metrics"
	"council-trade-bot/internal/twelvedata"
	"go.uber.org/zap"
)

// APIServer provides an HTTP interface for the trading engine.
type APIServer struct {
	server  *http.Server
	engine  *Engine
	queries *Queries
	logger  *zap.Logger
}

type healthChecker interface {
	HealthCheck(ctx context.Context, symbol string) error
}

type usageReporter interface {
	Usage() twelvedata.QuotaUsage
}

// NewAPIServer creates a new APIServer.
func NewAPIServer(engine *Engine, queries *Queries, m *metrics.Metrics, logger *zap.Logger) *APIServer {
	s := &APIServer{
		engine:  engine,
		queries: queries,
		logger:  logger.Named("api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("GET /metrics", m.Handler())

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", engine.cfg.Server.StatusPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routes for tests.
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := struct {
		UUID      string                 `json:"uuid"`
		Name      string                 `json:"name"`
		Symbol    string                 `json:"symbol"`
		StartTime string                 `json:"start_time"`
		Uptime    string                 `json:"uptime"`
		Summary   Summary                `json:"summary"`
		Pending   []PendingTrade         `json:"pending"`
		Quota     *twelvedata.QuotaUsage `json:"quota,omitempty"`
	}{
		UUID:      s.engine.UUID,
		Name:      s.engine.Name,
		Symbol:    s.engine.cfg.Instrument.Symbol,
		StartTime: s.engine.StartTime.Format(time.RFC3339),
		Uptime:    time.Since(s.engine.StartTime).Truncate(time.Second).String(),
	}

	var err error
	if status.Summary, err = s.queries.DailySummary(r.Context()); err != nil {
		s.logger.Error("Failed to build summary", zap.Error(err))
		http.Error(w, "Failed to build status", http.StatusInternalServerError)
		return
	}
	if status.Pending, err = s.queries.PendingTrades(r.Context()); err != nil {
		s.logger.Error("Failed to list pending trades", zap.Error(err))
		http.Error(w, "Failed to build status", http.StatusInternalServerError)
		return
	}
	if u, ok := s.engine.src.(usageReporter); ok {
		usage := u.Usage()
		status.Quota = &usage
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.logger.Error("Failed to write status response", zap.Error(err))
	}
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if hc, ok := s.engine.src.(healthChecker); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if err := hc.HealthCheck(ctx, s.engine.cfg.Instrument.Symbol); err != nil {
			s.logger.Warn("Provider health check failed", zap.Error(err))
			http.Error(w, "provider unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}
