package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MarketStateRow mirrors one row of event_log.market_state: the floating-tier
// aggregates of a market after the event at Sequence. Amounts are WAD decimal
// strings stored as NUMERIC(78,0), wide enough for any uint256.
type MarketStateRow struct {
	MarketID             string
	Sequence             int64
	FloatingAssets       string
	FloatingDebt         string
	FloatingShares       string
	FloatingBorrowShares string
	BackupBorrowed       string
	EarningsAccumulator  string
	UpdatedAt            time.Time
}

// MarketStateStore maintains the per-market aggregate projection, serving
// read queries and warm-restart seeding.
type MarketStateStore struct {
	db *sql.DB
}

func NewMarketStateStore(db *sql.DB) *MarketStateStore {
	return &MarketStateStore{db: db}
}

// Upsert writes a market's state, keeping only the newest sequence. Stale
// rows (replays, projection restarts) are ignored by the sequence guard.
func (s *MarketStateStore) Upsert(ctx context.Context, row MarketStateRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log.market_state
			(market_id, sequence, floating_assets, floating_debt, floating_shares,
			 floating_borrow_shares, backup_borrowed, earnings_accumulator, updated_at)
		VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)
		ON CONFLICT (market_id) DO UPDATE SET
			sequence = EXCLUDED.sequence,
			floating_assets = EXCLUDED.floating_assets,
			floating_debt = EXCLUDED.floating_debt,
			floating_shares = EXCLUDED.floating_shares,
			floating_borrow_shares = EXCLUDED.floating_borrow_shares,
			backup_borrowed = EXCLUDED.backup_borrowed,
			earnings_accumulator = EXCLUDED.earnings_accumulator,
			updated_at = EXCLUDED.updated_at
		WHERE event_log.market_state.sequence < EXCLUDED.sequence
	`,
		row.MarketID, row.Sequence, row.FloatingAssets, row.FloatingDebt,
		row.FloatingShares, row.FloatingBorrowShares, row.BackupBorrowed,
		row.EarningsAccumulator, row.UpdatedAt,
	)
	return err
}

// Load returns one market's latest projected state, nil when absent.
func (s *MarketStateStore) Load(ctx context.Context, marketID string) (*MarketStateRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT market_id, sequence, floating_assets::TEXT, floating_debt::TEXT,
		       floating_shares::TEXT, floating_borrow_shares::TEXT,
		       backup_borrowed::TEXT, earnings_accumulator::TEXT, updated_at
		FROM event_log.market_state
		WHERE market_id = $1
	`, marketID)

	var r MarketStateRow
	err := row.Scan(&r.MarketID, &r.Sequence, &r.FloatingAssets, &r.FloatingDebt,
		&r.FloatingShares, &r.FloatingBorrowShares, &r.BackupBorrowed,
		&r.EarningsAccumulator, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load market state %s: %w", marketID, err)
	}
	return &r, nil
}

// List returns the projected state of every market.
func (s *MarketStateStore) List(ctx context.Context) ([]MarketStateRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT market_id, sequence, floating_assets::TEXT, floating_debt::TEXT,
		       floating_shares::TEXT, floating_borrow_shares::TEXT,
		       backup_borrowed::TEXT, earnings_accumulator::TEXT, updated_at
		FROM event_log.market_state
		ORDER BY market_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []MarketStateRow
	for rows.Next() {
		var r MarketStateRow
		if err := rows.Scan(&r.MarketID, &r.Sequence, &r.FloatingAssets, &r.FloatingDebt,
			&r.FloatingShares, &r.FloatingBorrowShares, &r.BackupBorrowed,
			&r.EarningsAccumulator, &r.UpdatedAt); err != nil {
			return nil, err
		}
		states = append(states, r)
	}
	return states, rows.Err()
}
