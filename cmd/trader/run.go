package main

import (
	"context"
	"time"

	"council-trade-bot/internal/trader"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the signal and verification schedules with the status API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if err := a.client.HealthCheck(ctx, a.cfg.Instrument.Symbol); err != nil {
				a.log.Warn("Price provider is not reachable yet", zap.Error(err))
			} else {
				a.log.Info("Successfully connected to price provider.")
			}

			api := trader.NewAPIServer(a.engine, a.queries, a.metrics, a.log)
			api.Start()

			err = a.engine.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if serr := api.Stop(shutdownCtx); serr != nil {
				a.log.Warn("API server shutdown failed", zap.Error(serr))
			}
			a.log.Info("Bot has been shut down.")
			return err
		},
	}
}
