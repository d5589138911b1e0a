package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"fxsettle/internal/app"
)

var (
	simulateBase    string
	simulateQuote   string
	simulateRate    string
	simulateAmount  string
	simulateShock   string
	simulateSources int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run an in-memory settlement scenario: reports, quote, FX payment and an optional price shock",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SimulateOptions{
			Base:    simulateBase,
			Quote:   simulateQuote,
			Sources: simulateSources,
		}
		for _, f := range []struct {
			flag string
			raw  string
			dst  *decimal.Decimal
		}{
			{"rate", simulateRate, &opts.Rate},
			{"amount", simulateAmount, &opts.Amount},
			{"shock-pct", simulateShock, &opts.ShockPct},
		} {
			if f.raw == "" {
				continue
			}
			v, err := decimal.NewFromString(f.raw)
			if err != nil {
				return fmt.Errorf("invalid --%s value: %w", f.flag, err)
			}
			*f.dst = v
		}

		a := getApp()
		report, err := a.Simulate(cmd.Context(), opts)
		if err != nil {
			return err
		}
		return a.WriteSimulation(cmd.OutOrStdout(), report)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateBase, "base", "USDC", "Token the sender pays in")
	simulateCmd.Flags().StringVar(&simulateQuote, "quote", "EURC", "Token the recipient receives")
	simulateCmd.Flags().StringVar(&simulateRate, "rate", "0.92", "Rate every simulated source reports")
	simulateCmd.Flags().StringVar(&simulateAmount, "amount", "1000", "Payment principal")
	simulateCmd.Flags().StringVar(&simulateShock, "shock-pct", "", "Move every source by this percentage after the first payment")
	simulateCmd.Flags().IntVar(&simulateSources, "sources", 3, "Number of simulated sources")
}
