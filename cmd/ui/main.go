package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"council-trade-bot/internal/analysis"
	"council-trade-bot/internal/config"
	"council-trade-bot/internal/database"
	"council-trade-bot/internal/logger"
	"council-trade-bot/internal/trader"
	"council-trade-bot/internal/twelvedata"
	"council-trade-bot/internal/verification"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	loaded, err := config.LoadConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := &loaded

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Connect to the database
	db, err := database.NewDatabase(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	store := database.NewStore(db)

	// Manual overrides go through the verification engine and /api/price
	// quotes live, so the dashboard needs a provider client even though it never polls.
	client, err := twelvedata.NewClient(&cfg.Provider, log, nil)
	if err != nil {
		log.Fatal("Failed to create price client", zap.Error(err))
	}
	verifier := verification.NewEngine(store, client, cfg, log, nil)
	registry := analysis.NewRegistry(cfg.Council, cfg.Instrument, client)
	queries := trader.NewQueries(store, verifier, registry, client, cfg)

	mux := http.NewServeMux()
	NewAPIHandler(log, queries).Register(mux)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Info("Starting web server", zap.String("address", addr))

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil {
		log.Fatal("Web server failed", zap.Error(err))
	}
}
