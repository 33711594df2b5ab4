package server

import (
	"github.com/shopspring/decimal"

	"paperdash/events"
	"paperdash/ledger"
)

// LedgerPositions adapts the ledger's open positions to dashboard rows. The
// sim ledger tracks margin and mark-to-market P/L, not fill prices, so the
// price fields stay zero; P/L percent is derived against margin.
type LedgerPositions struct {
	Ledger *ledger.Ledger
}

func (lp LedgerPositions) Positions() []events.Position {
	rows := lp.Ledger.Positions()
	out := make([]events.Position, 0, len(rows))
	for _, r := range rows {
		p := events.Position{
			Symbol: r.Symbol,
			Side:   string(r.Side),
			Margin: r.Margin.InexactFloat64(),
			PnL:    r.UnrealizedPnL.InexactFloat64(),
		}
		if !r.Margin.IsZero() {
			pct := r.UnrealizedPnL.Div(r.Margin).Mul(decimal.NewFromInt(100))
			p.PnLPercent = pct.InexactFloat64()
		}
		out = append(out, p)
	}
	return out
}
