package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"council-trade-bot/internal/database"
	"council-trade-bot/internal/models"
	"council-trade-bot/internal/trader"
	"council-trade-bot/internal/verification"
	"go.uber.org/zap"
)

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log     *zap.Logger
	queries *trader.Queries
	now     func() time.Time
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, queries *trader.Queries) *APIHandler {
	return &APIHandler{log: log.Named("ui"), queries: queries, now: time.Now}
}

// Register mounts every endpoint on mux.
func (h *APIHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", h.StatusHandler)
	mux.HandleFunc("GET /api/level", h.LevelHandler)
	mux.HandleFunc("GET /api/trades", h.TradesHandler)
	mux.HandleFunc("GET /api/trades/pending", h.PendingHandler)
	mux.HandleFunc("POST /api/trades/{id}/resolve", h.ResolveHandler)
	mux.HandleFunc("GET /api/decision", h.DecisionHandler)
	mux.HandleFunc("GET /api/modules", h.ModulesHandler)
	mux.HandleFunc("GET /api/statistics", h.StatisticsHandler)
	mux.HandleFunc("GET /api/price", h.PriceHandler)
	mux.HandleFunc("GET /api/summary", h.StatusHandler)
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to write response", zap.Error(err))
	}
}

func (h *APIHandler) fail(w http.ResponseWriter, what string, err error) {
	h.log.Error("Failed to get "+what, zap.Error(err))
	http.Error(w, "Failed to get "+what, http.StatusInternalServerError)
}

// StatusHandler returns the daily summary.
func (h *APIHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	sum, err := h.queries.DailySummary(r.Context())
	if err != nil {
		h.fail(w, "summary", err)
		return
	}
	h.writeJSON(w, sum)
}

// LevelHandler returns the current ladder state and its recent history.
func (h *APIHandler) LevelHandler(w http.ResponseWriter, r *http.Request) {
	lvl, err := h.queries.Level(r.Context())
	if err != nil {
		h.fail(w, "level", err)
		return
	}
	history, err := h.queries.LevelHistory(r.Context(), limitParam(r, 50))
	if err != nil {
		h.fail(w, "level history", err)
		return
	}
	h.writeJSON(w, map[string]any{"current": lvl, "history": history})
}

// TradesHandler returns the most recent trades, newest first.
func (h *APIHandler) TradesHandler(w http.ResponseWriter, r *http.Request) {
	trades, err := h.queries.RecentTrades(r.Context(), limitParam(r, 100))
	if err != nil {
		h.fail(w, "trades", err)
		return
	}
	h.writeJSON(w, trades)
}

// PendingHandler returns open trades with their age.
func (h *APIHandler) PendingHandler(w http.ResponseWriter, r *http.Request) {
	trades, err := h.queries.PendingTrades(r.Context())
	if err != nil {
		h.fail(w, "pending trades", err)
		return
	}
	h.writeJSON(w, trades)
}

// DecisionHandler returns the latest council decision, or null before the first cycle.
func (h *APIHandler) DecisionHandler(w http.ResponseWriter, r *http.Request) {
	d, err := h.queries.LatestDecision(r.Context())
	if err != nil {
		h.fail(w, "decision", err)
		return
	}
	h.writeJSON(w, d)
}

// ModulesHandler returns the grading ledger, best module first.
func (h *APIHandler) ModulesHandler(w http.ResponseWriter, r *http.Request) {
	mods, err := h.queries.Modules(r.Context())
	if err != nil {
		h.fail(w, "modules", err)
		return
	}
	h.writeJSON(w, mods)
}

// PriceHandler returns the live quote of the traded instrument.
func (h *APIHandler) PriceHandler(w http.ResponseWriter, r *http.Request) {
	p, err := h.queries.Price(r.Context())
	if err != nil {
		h.log.Warn("Failed to fetch price", zap.Error(err))
		http.Error(w, "Could not fetch price", http.StatusBadGateway)
		return
	}
	h.writeJSON(w, p)
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h database.Stats `json:"since_24h"`
	AllTime  database.Stats `json:"all_time"`
}

// StatisticsHandler returns trade statistics. Win rate counts WIN and LOSS only.
func (h *APIHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	day, err := h.queries.Stats(r.Context(), h.now().Add(-24*time.Hour))
	if err != nil {
		h.fail(w, "statistics", err)
		return
	}
	all, err := h.queries.Stats(r.Context(), time.Time{})
	if err != nil {
		h.fail(w, "statistics", err)
		return
	}
	h.writeJSON(w, StatisticsResponse{Since24h: day, AllTime: all})
}

// ResolveHandler force-resolves a PENDING trade. The body is
// {"state": "WIN", "note": "..."}.
func (h *APIHandler) ResolveHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid trade id", http.StatusBadRequest)
		return
	}
	var req struct {
		State string `json:"state"`
		Note  string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	state := models.TradeState(strings.ToUpper(req.State))
	if !state.Terminal() {
		http.Error(w, "state must be WIN, LOSS, TIMEOUT or ERROR", http.StatusBadRequest)
		return
	}

	err = h.queries.ForceResolve(r.Context(), uint(id), state, req.Note)
	switch {
	case errors.Is(err, database.ErrNotFound):
		http.Error(w, "trade not found", http.StatusNotFound)
	case errors.Is(err, verification.ErrBusy), errors.Is(err, verification.ErrAlreadyResolved):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		h.fail(w, "resolution", err)
	default:
		h.log.Info("Trade force-resolved from dashboard", zap.Uint64("trade_id", id), zap.String("state", string(state)))
		h.writeJSON(w, map[string]any{"id": id, "state": state})
	}
}

func limitParam(r *http.Request, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 1000 {
		return n
	}
	return def
}
