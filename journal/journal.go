// Package journal persists the ledger snapshot (one logical row) and the
// closed-trade audit log.
package journal

import "paperdash/ledger"

// Journal is the persistence gateway consumed by the ledger. It combines the
// snapshot store with the trade log so one SQLite handle backs both.
type Journal interface {
	ledger.Store
	ledger.TradeLog
	Close() error
}
