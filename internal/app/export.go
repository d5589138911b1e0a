package app

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"fxsettle/internal/storage"
)

// Export writes persisted quote snapshots as CSV.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" {
		return errors.New("--csv must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snaps, err := store.ListSnapshotsBetween(ctx, normalisePair(opts.Pair), from, to)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		a.Logger.Info().Msg("no quotes found for export window")
		return nil
	}

	downsampled := downsampleSnapshots(snaps, opts.MaxPoints)
	a.Logger.Info().Int("total", len(snaps)).Int("exported", len(downsampled)).Msg("exporting quotes")

	return writeSnapshotsCSV(opts.CSVPath, downsampled)
}

func downsampleSnapshots(snaps []storage.QuoteSnapshot, max int) []storage.QuoteSnapshot {
	if max <= 0 || len(snaps) <= max {
		return snaps
	}
	if max == 1 {
		return snaps[len(snaps)-1:]
	}

	result := make([]storage.QuoteSnapshot, 0, max)
	step := float64(len(snaps)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snaps) {
			idx = len(snaps) - 1
		}
		result = append(result, snaps[idx])
	}
	return result
}

func writeSnapshotsCSV(path string, snaps []storage.QuoteSnapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return encodeSnapshotsCSV(file, snaps)
}

func encodeSnapshotsCSV(w io.Writer, snaps []storage.QuoteSnapshot) error {
	writer := csv.NewWriter(w)

	header := []string{
		"computed_at", "pair", "pair_id", "spot_rate", "median_rate", "twap_rate", "deviation_bps",
		"confidence", "valid_oracle_count", "outlier_count", "outliers", "is_reliable", "halted", "circuit_state",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range snaps {
		record := []string{
			s.ComputedAt.UTC().Format(time.RFC3339Nano),
			s.Pair,
			s.PairID,
			s.SpotRate.String(),
			s.MedianRate.String(),
			s.TWAPRate.String(),
			strconv.FormatInt(s.DeviationBps, 10),
			strconv.Itoa(s.Confidence),
			strconv.Itoa(s.ValidOracleCount),
			strconv.Itoa(s.OutlierCount),
			strings.Join(s.Outliers, ";"),
			strconv.FormatBool(s.IsReliable),
			strconv.FormatBool(s.Halted),
			s.CircuitState,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
