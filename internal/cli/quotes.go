package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fxsettle/internal/app"
)

var (
	quotesPair  string
	quotesLimit int
)

var quotesCmd = &cobra.Command{
	Use:   "quotes",
	Short: "Display recent aggregated quotes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if quotesLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		return getApp().Quotes(cmd.Context(), app.QuotesOptions{
			Pair:  quotesPair,
			Limit: quotesLimit,
		})
	},
}

func init() {
	quotesCmd.Flags().StringVar(&quotesPair, "pair", "", "Only show one pair, e.g. USDC/EURC")
	quotesCmd.Flags().IntVar(&quotesLimit, "limit", 20, "Number of quotes to display")
}
