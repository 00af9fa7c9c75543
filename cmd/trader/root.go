package main

import (
	"context"
	"fmt"

	"council-trade-bot/internal/analysis"
	"council-trade-bot/internal/config"
	"council-trade-bot/internal/council"
	"council-trade-bot/internal/database"
	"council-trade-bot/internal/logger"
	"council-trade-bot/internal/metrics"
	"council-trade-bot/internal/tracing"
	"council-trade-bot/internal/trader"
	"council-trade-bot/internal/twelvedata"
	"council-trade-bot/internal/verification"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configDir string

func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:           "trader",
		Short:         "Council paper-trading bot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configDir, "config", "./configs", "directory holding config.yml and .env")
	root.AddCommand(runCmd(), statusCmd(), priceCmd(), resolveCmd(), verifyCmd(), pauseCmd(true), pauseCmd(false))
	return root.ExecuteContext(ctx)
}

// app is the wired object graph shared by the subcommands.
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	metrics  *metrics.Metrics
	client   *twelvedata.Client
	store    *database.Store
	verifier *verification.Engine
	engine   *trader.Engine
	queries  *trader.Queries
}

func newApp() (*app, error) {
	loaded, err := config.LoadConfig(configDir)
	if err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}
	cfg := &loaded

	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		return nil, err
	}
	if err := tracing.Init(cfg.Tracing.Enabled); err != nil {
		return nil, err
	}

	db, err := database.NewDatabase(cfg)
	if err != nil {
		return nil, err
	}
	log.Debug("Database connection successful and schema migrated.", zap.String("driver", cfg.Database.Driver))

	m := metrics.New()
	client, err := twelvedata.NewClient(&cfg.Provider, log, m)
	if err != nil {
		return nil, err
	}

	store := database.NewStore(db)
	registry := analysis.NewRegistry(cfg.Council, cfg.Instrument, client)
	c := council.New(registry, cfg.Council, cfg.Risk.ATRPeriod, log, m)
	verifier := verification.NewEngine(store, client, cfg, log, m)
	engine, err := trader.NewEngine(log, cfg, store, client, c, verifier, m)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		client:   client,
		store:    store,
		verifier: verifier,
		engine:   engine,
		queries:  trader.NewQueries(store, verifier, registry, client, cfg),
	}, nil
}

func (a *app) close(ctx context.Context) {
	if err := tracing.Shutdown(ctx); err != nil {
		a.log.Warn("Tracer shutdown failed", zap.Error(err))
	}
	_ = a.log.Sync()
}
