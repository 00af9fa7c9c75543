package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"council-trade-bot/internal/models"
	"council-trade-bot/internal/trader"
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the daily summary and pending trades as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close(ctx)

			return printStatus(ctx, cmd.OutOrStdout(), a.queries)
		},
	}
}

// printStatus writes the persisted state only. The provider quota is kept in
// memory by the running process and is served on its /status endpoint.
func printStatus(ctx context.Context, w io.Writer, q *trader.Queries) error {
	sum, err := q.DailySummary(ctx)
	if err != nil {
		return err
	}
	pending, err := q.PendingTrades(ctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(map[string]any{
		"summary": sum,
		"pending": pending,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(out))
	return nil
}

func priceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "price",
		Short: "Print the live quote of the traded instrument",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close(ctx)

			p, err := a.queries.Price(ctx)
			if err != nil {
				return fmt.Errorf("could not fetch price: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %.2f (bid %.2f / ask %.2f)\n", p.Symbol, p.Price, p.Bid, p.Ask)
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "resolve <trade-id> <WIN|LOSS|TIMEOUT|ERROR>",
		Short: "Force a PENDING trade into a terminal state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			state := models.TradeState(strings.ToUpper(args[1]))
			if !state.Terminal() {
				return fmt.Errorf("state must be one of WIN, LOSS, TIMEOUT, ERROR; got %q", args[1])
			}

			ctx := cmd.Context()
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if err := a.queries.ForceResolve(ctx, id, state, note); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trade %d resolved as %s\n", id, state)
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "reason recorded on the trade")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <trade-id>",
		Short: "Re-check one trade against the latest bars",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close(ctx)

			state, err := a.verifier.Verify(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trade %d is %s\n", id, state)
			return nil
		},
	}
}

func pauseCmd(paused bool) *cobra.Command {
	use, short := "pause", "Stop opening new trades; verification continues"
	if !paused {
		use, short = "resume", "Resume opening trades"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if err := a.queries.SetPaused(ctx, paused); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "paused=%t\n", paused)
			return nil
		},
	}
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid trade id %q", s)
	}
	return uint(id), nil
}
