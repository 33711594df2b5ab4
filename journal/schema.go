package journal

// Decimal columns are stored as TEXT: REAL would round the exact values the
// ledger works so hard to keep.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	starting_balance TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	trade_id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	margin TEXT NOT NULL,
	final_pnl TEXT NOT NULL,
	closed_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at);
`
