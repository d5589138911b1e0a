package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"fxsettle/internal/storage"
)

// Quotes prints recent persisted quote snapshots.
func (a *App) Quotes(ctx context.Context, opts QuotesOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show quotes")
	}
	if closeStore != nil {
		defer closeStore()
	}

	snaps, err := store.ListRecentSnapshots(ctx, normalisePair(opts.Pair), opts.Limit)
	if err != nil {
		return err
	}
	return writeSnapshotTable(a.Out, snaps)
}

func writeSnapshotTable(out io.Writer, snaps []storage.QuoteSnapshot) error {
	if len(snaps) == 0 {
		_, err := fmt.Fprintln(out, "no quotes found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPair\tSpot\tMedian\tTWAP\tDev(bps)\tConf\tValid\tOutliers\tReliable\tCircuit")

	for _, s := range snaps {
		circuit := s.CircuitState
		if s.Halted {
			circuit += " (halted)"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%t\t%s\n",
			s.ComputedAt.UTC().Format(time.RFC3339),
			s.Pair,
			formatDecimal(s.SpotRate, 6),
			formatDecimal(s.MedianRate, 6),
			formatDecimal(s.TWAPRate, 6),
			s.DeviationBps,
			s.Confidence,
			s.ValidOracleCount,
			outlierList(s.Outliers),
			s.IsReliable,
			circuit,
		)
	}

	return writer.Flush()
}

func outlierList(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ",")
}

// normalisePair accepts base/quote in any case and returns the stored BASE/QUOTE label.
func normalisePair(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
