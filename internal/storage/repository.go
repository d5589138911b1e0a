package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"fxsettle/internal/compliance"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

// Numeric columns travel as text so decimals round-trip without float conversion.
const (
	insertQuoteSnapshotSQL = `INSERT INTO quote_snapshots (
        pair_id,
        pair,
        spot_rate,
        median_rate,
        twap_rate,
        deviation_bps,
        confidence,
        valid_oracle_count,
        outlier_count,
        outliers,
        is_reliable,
        halted,
        circuit_state,
        computed_at
    ) VALUES (
        $1,$2,$3::text::numeric,$4::text::numeric,$5::text::numeric,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (pair_id, computed_at) DO UPDATE
    SET
        halted        = EXCLUDED.halted,
        circuit_state = EXCLUDED.circuit_state;`

	selectQuoteSnapshotColumns = `SELECT
        id,
        pair_id,
        pair,
        spot_rate::text,
        median_rate::text,
        twap_rate::text,
        deviation_bps,
        confidence,
        valid_oracle_count,
        outlier_count,
        outliers,
        is_reliable,
        halted,
        circuit_state,
        computed_at,
        created_at
    FROM quote_snapshots`

	listSnapshotsBetweenSQL = selectQuoteSnapshotColumns + `
    WHERE computed_at >= $1
      AND computed_at < $2
      AND ($3 = '' OR pair = $3)
    ORDER BY computed_at;`

	listRecentSnapshotsSQL = selectQuoteSnapshotColumns + `
    WHERE ($2 = '' OR pair = $2)
    ORDER BY computed_at DESC
    LIMIT $1;`

	insertAuditEventSQL = `INSERT INTO audit_events (
        event_type,
        payment_id,
        escrow_id,
        pair_id,
        actor,
        severity,
        occurred_at,
        description
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	listRecentAuditEventsSQL = `SELECT
        id,
        event_type,
        payment_id,
        escrow_id,
        pair_id,
        actor,
        severity,
        occurred_at,
        description,
        created_at
    FROM audit_events
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAuditEventsBeforeSQL = `DELETE FROM audit_events WHERE created_at < $1;`

	selectProfileSQL = `SELECT
        tier,
        sanctioned,
        risk_score,
        pep,
        single_tx_limit::text,
        daily_limit::text,
        daily_used::text,
        usage_day,
        monthly_limit::text,
        monthly_used::text,
        usage_month,
        verification_expiry
    FROM compliance_profiles
    WHERE address = $1`

	upsertProfileSQL = `INSERT INTO compliance_profiles (
        address,
        tier,
        sanctioned,
        risk_score,
        pep,
        single_tx_limit,
        daily_limit,
        daily_used,
        usage_day,
        monthly_limit,
        monthly_used,
        usage_month,
        verification_expiry
    ) VALUES (
        $1,$2,$3,$4,$5,$6::text::numeric,$7::text::numeric,$8::text::numeric,$9,$10::text::numeric,$11::text::numeric,$12,$13
    )
    ON CONFLICT (address) DO UPDATE
    SET
        tier                = EXCLUDED.tier,
        sanctioned          = EXCLUDED.sanctioned,
        risk_score          = EXCLUDED.risk_score,
        pep                 = EXCLUDED.pep,
        single_tx_limit     = EXCLUDED.single_tx_limit,
        daily_limit         = EXCLUDED.daily_limit,
        daily_used          = EXCLUDED.daily_used,
        usage_day           = EXCLUDED.usage_day,
        monthly_limit       = EXCLUDED.monthly_limit,
        monthly_used        = EXCLUDED.monthly_used,
        usage_month         = EXCLUDED.usage_month,
        verification_expiry = EXCLUDED.verification_expiry,
        updated_at          = now();`

	insertEmptyProfileSQL = `INSERT INTO compliance_profiles (address) VALUES ($1) ON CONFLICT (address) DO NOTHING;`

	consumeVolumeSQL = `UPDATE compliance_profiles
    SET daily_used   = $2::text::numeric,
        usage_day    = $3,
        monthly_used = $4::text::numeric,
        usage_month  = $5,
        updated_at   = now()
    WHERE address = $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// QuoteSnapshotStore defines operations for quote snapshot persistence.
type QuoteSnapshotStore interface {
	InsertQuoteSnapshot(ctx context.Context, snap QuoteSnapshot) error
	ListSnapshotsBetween(ctx context.Context, pair string, from, to time.Time) ([]QuoteSnapshot, error)
	ListRecentSnapshots(ctx context.Context, pair string, limit int) ([]QuoteSnapshot, error)
}

// AuditEventStore defines operations for the audit trail.
type AuditEventStore interface {
	InsertAuditEvent(ctx context.Context, event AuditEvent) error
	ListRecentAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to quote snapshots, audit events and compliance profiles.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ QuoteSnapshotStore = (*Store)(nil)
	_ AuditEventStore    = (*Store)(nil)
	_ AdvisoryLocker     = (*Store)(nil)
	_ compliance.Store   = (*Store)(nil)
)

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// A failed unlock is released with the session when the connection is recycled.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertQuoteSnapshot persists a quote. A repeated (pair, computed_at) only refreshes the breaker fields.
func (s *Store) InsertQuoteSnapshot(ctx context.Context, snap QuoteSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	outliers := snap.Outliers
	if outliers == nil {
		outliers = []string{}
	}

	_, execErr := pool.Exec(ctx, insertQuoteSnapshotSQL,
		snap.PairID,
		snap.Pair,
		snap.SpotRate.String(),
		snap.MedianRate.String(),
		snap.TWAPRate.String(),
		snap.DeviationBps,
		snap.Confidence,
		snap.ValidOracleCount,
		snap.OutlierCount,
		outliers,
		snap.IsReliable,
		snap.Halted,
		snap.CircuitState,
		snap.ComputedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert quote snapshot: %w", execErr)
	}
	return nil
}

// ListSnapshotsBetween lists snapshots within a time window. An empty pair matches every pair.
func (s *Store) ListSnapshotsBetween(ctx context.Context, pair string, from, to time.Time) ([]QuoteSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from, to, pair)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	return collectSnapshots(rows, 0)
}

// ListRecentSnapshots lists the most recent snapshots, newest first.
func (s *Store) ListRecentSnapshots(ctx context.Context, pair string, limit int) ([]QuoteSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSnapshotsSQL, limit, pair)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent snapshots: %w", queryErr)
	}
	return collectSnapshots(rows, limit)
}

func collectSnapshots(rows pgx.Rows, capacity int) ([]QuoteSnapshot, error) {
	defer rows.Close()

	snaps := make([]QuoteSnapshot, 0, capacity)
	for rows.Next() {
		snap, err := scanQuoteSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

func scanQuoteSnapshot(row pgx.Row) (QuoteSnapshot, error) {
	var (
		snap                   QuoteSnapshot
		spot, median, twapRate string
	)
	if err := row.Scan(
		&snap.ID,
		&snap.PairID,
		&snap.Pair,
		&spot,
		&median,
		&twapRate,
		&snap.DeviationBps,
		&snap.Confidence,
		&snap.ValidOracleCount,
		&snap.OutlierCount,
		&snap.Outliers,
		&snap.IsReliable,
		&snap.Halted,
		&snap.CircuitState,
		&snap.ComputedAt,
		&snap.CreatedAt,
	); err != nil {
		return QuoteSnapshot{}, fmt.Errorf("scan quote snapshot: %w", err)
	}

	var err error
	if snap.SpotRate, err = parseDecimal("spot rate", spot); err != nil {
		return QuoteSnapshot{}, err
	}
	if snap.MedianRate, err = parseDecimal("median rate", median); err != nil {
		return QuoteSnapshot{}, err
	}
	if snap.TWAPRate, err = parseDecimal("twap rate", twapRate); err != nil {
		return QuoteSnapshot{}, err
	}
	return snap, nil
}

// InsertAuditEvent appends an audit record.
func (s *Store) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertAuditEventSQL,
		event.EventType,
		event.PaymentID,
		event.EscrowID,
		event.PairID,
		event.Actor,
		event.Severity,
		event.OccurredAt,
		event.Description,
	)
	if execErr != nil {
		return fmt.Errorf("insert audit event: %w", execErr)
	}
	return nil
}

// ListRecentAuditEvents lists the newest audit records first.
func (s *Store) ListRecentAuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAuditEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent audit events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]AuditEvent, 0, limit)
	for rows.Next() {
		var ev AuditEvent
		if err := rows.Scan(
			&ev.ID,
			&ev.EventType,
			&ev.PaymentID,
			&ev.EscrowID,
			&ev.PairID,
			&ev.Actor,
			&ev.Severity,
			&ev.OccurredAt,
			&ev.Description,
			&ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// DeleteAuditEventsBefore prunes audit records older than the cutoff.
func (s *Store) DeleteAuditEventsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAuditEventsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete audit events: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// GetProfile reads a compliance profile. Unknown addresses yield a zero profile.
func (s *Store) GetProfile(ctx context.Context, addr common.Address) (compliance.Fact, error) {
	pool, err := s.getPool()
	if err != nil {
		return compliance.Fact{}, err
	}
	fact, err := scanProfile(pool.QueryRow(ctx, selectProfileSQL+";", addressKey(addr)), addr)
	if errors.Is(err, pgx.ErrNoRows) {
		return compliance.Fact{Address: addr}, nil
	}
	return fact, err
}

// UpsertProfile writes a compliance profile, replacing every field.
func (s *Store) UpsertProfile(ctx context.Context, f compliance.Fact) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var expiry *time.Time
	if !f.VerificationExpiry.IsZero() {
		e := f.VerificationExpiry
		expiry = &e
	}

	_, execErr := pool.Exec(ctx, upsertProfileSQL,
		addressKey(f.Address),
		f.Tier.String(),
		f.Sanctioned,
		f.RiskScore,
		f.PEP,
		f.SingleTxLimit.String(),
		f.DailyLimit.String(),
		f.DailyUsed.String(),
		f.UsageDay,
		f.MonthlyLimit.String(),
		f.MonthlyUsed.String(),
		f.UsageMonth,
		expiry,
	)
	if execErr != nil {
		return fmt.Errorf("upsert compliance profile: %w", execErr)
	}
	return nil
}

// ConsumeVolume adds amount to the sender's rolling counters inside a row-locked transaction.
func (s *Store) ConsumeVolume(ctx context.Context, addr common.Address, amount decimal.Decimal, at time.Time) error {
	return s.adjustVolume(ctx, addr, "consume volume", func(f compliance.Fact) compliance.Fact {
		return f.Consume(amount, at)
	})
}

// ReleaseVolume takes back a consumption made at at.
func (s *Store) ReleaseVolume(ctx context.Context, addr common.Address, amount decimal.Decimal, at time.Time) error {
	return s.adjustVolume(ctx, addr, "release volume", func(f compliance.Fact) compliance.Fact {
		return f.Release(amount, at)
	})
}

func (s *Store) adjustVolume(ctx context.Context, addr common.Address, what string, fn func(compliance.Fact) compliance.Fact) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s: %w", what, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	key := addressKey(addr)
	if _, err := tx.Exec(ctx, insertEmptyProfileSQL, key); err != nil {
		return fmt.Errorf("ensure compliance profile: %w", err)
	}
	fact, err := scanProfile(tx.QueryRow(ctx, selectProfileSQL+" FOR UPDATE;", key), addr)
	if err != nil {
		return err
	}

	next := fn(fact)
	if _, err := tx.Exec(ctx, consumeVolumeSQL, key,
		next.DailyUsed.String(), next.UsageDay,
		next.MonthlyUsed.String(), next.UsageMonth,
	); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", what, err)
	}
	return nil
}

func scanProfile(row pgx.Row, addr common.Address) (compliance.Fact, error) {
	var (
		tier                     string
		single, daily, dailyUsed string
		monthly, monthlyUsed     string
		expiry                   *time.Time
		fact                     = compliance.Fact{Address: addr}
	)
	if err := row.Scan(
		&tier,
		&fact.Sanctioned,
		&fact.RiskScore,
		&fact.PEP,
		&single,
		&daily,
		&dailyUsed,
		&fact.UsageDay,
		&monthly,
		&monthlyUsed,
		&fact.UsageMonth,
		&expiry,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return compliance.Fact{}, err
		}
		return compliance.Fact{}, fmt.Errorf("scan compliance profile: %w", err)
	}

	var err error
	if fact.Tier, err = compliance.ParseTier(tier); err != nil {
		return compliance.Fact{}, err
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"single tx limit", single, &fact.SingleTxLimit},
		{"daily limit", daily, &fact.DailyLimit},
		{"daily used", dailyUsed, &fact.DailyUsed},
		{"monthly limit", monthly, &fact.MonthlyLimit},
		{"monthly used", monthlyUsed, &fact.MonthlyUsed},
	} {
		if *f.dst, err = parseDecimal(f.name, f.raw); err != nil {
			return compliance.Fact{}, err
		}
	}
	if expiry != nil {
		fact.VerificationExpiry = *expiry
	}
	return fact, nil
}

// addressKey is the lower-case hex form used as the profile primary key.
func addressKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func parseDecimal(name, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", name, err)
	}
	return d, nil
}
