package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"paperdash/ledger"
	"paperdash/pkg/id"
)

// SQLite implements Journal on a single sqlite3 database file.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite journal: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// LoadLedger reads the single snapshot row. found is false on a fresh
// database.
func (j *SQLite) LoadLedger(ctx context.Context) (ledger.Snapshot, bool, error) {
	var (
		starting  string
		realized  string
		updatedAt int64
	)

	row := j.db.QueryRowContext(ctx,
		`SELECT starting_balance, realized_pnl, updated_at FROM ledger WHERE id = 1`)
	if err := row.Scan(&starting, &realized, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return ledger.Snapshot{}, false, nil
		}
		return ledger.Snapshot{}, false, fmt.Errorf("load ledger row: %w", err)
	}

	snap := ledger.Snapshot{UpdatedAt: time.UnixMilli(updatedAt)}
	var err error
	if snap.StartingBalance, err = decimal.NewFromString(starting); err != nil {
		return ledger.Snapshot{}, false, fmt.Errorf("parse starting_balance %q: %w", starting, err)
	}
	if snap.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
		return ledger.Snapshot{}, false, fmt.Errorf("parse realized_pnl %q: %w", realized, err)
	}
	return snap, true, nil
}

// SaveLedger upserts the single snapshot row.
func (j *SQLite) SaveLedger(ctx context.Context, snap ledger.Snapshot) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO ledger (id, starting_balance, realized_pnl, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			starting_balance = excluded.starting_balance,
			realized_pnl = excluded.realized_pnl,
			updated_at = excluded.updated_at`,
		snap.StartingBalance.String(), snap.RealizedPnL.String(), snap.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert ledger row: %w", err)
	}
	return nil
}

// RecordClose appends one closed-trade row.
func (j *SQLite) RecordClose(ctx context.Context, rec ledger.TradeClose) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO trades (trade_id, symbol, side, margin, final_pnl, closed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id.New(), rec.Symbol, string(rec.Side),
		rec.Margin.String(), rec.FinalPnL.String(), rec.ClosedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert trade row: %w", err)
	}
	return nil
}

// ClosedTrades returns the most recent closed trades, newest first.
func (j *SQLite) ClosedTrades(ctx context.Context, limit int) ([]ledger.TradeClose, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT symbol, side, margin, final_pnl, closed_at
		FROM trades ORDER BY closed_at DESC, trade_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []ledger.TradeClose
	for rows.Next() {
		var (
			rec              ledger.TradeClose
			side             string
			margin, finalPnL string
			closedAt         int64
		)
		if err := rows.Scan(&rec.Symbol, &side, &margin, &finalPnL, &closedAt); err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		rec.Side = ledger.Side(side)
		if rec.Margin, err = decimal.NewFromString(margin); err != nil {
			return nil, fmt.Errorf("parse margin %q: %w", margin, err)
		}
		if rec.FinalPnL, err = decimal.NewFromString(finalPnL); err != nil {
			return nil, fmt.Errorf("parse final_pnl %q: %w", finalPnL, err)
		}
		rec.ClosedAt = time.UnixMilli(closedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
