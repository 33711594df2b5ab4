// Package ledger is the authoritative record of the simulated account:
// starting balance, realized P/L booked on position close, and margin plus
// mark-to-market P/L per open position. All derived figures (total balance,
// available balance) are computed from those, never stored.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paperdash/pkg/debounce"
)

// Side is the direction of a position. A symbol may hold one position per
// side (hedge mode), so (symbol, side) is the position key.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Key uniquely identifies one open position.
type Key struct {
	Symbol string
	Side   Side
}

// Position holds the stored per-position figures.
type Position struct {
	Margin        decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// PositionRow is one open position with its key, for snapshots.
type PositionRow struct {
	Symbol        string
	Side          Side
	Margin        decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Balance is the derived account view returned by Balance() and pushed
// through the sink on every state change.
type Balance struct {
	StartingBalance  decimal.Decimal
	RealizedPnL      decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	UsedMargin       decimal.Decimal
	TotalBalance     decimal.Decimal
	AvailableBalance decimal.Decimal
	OpenPositions    int
}

// Snapshot is the persisted subset of ledger state: one logical row.
// Open positions are intentionally not persisted; realized history is
// recoverable from the trade log.
type Snapshot struct {
	StartingBalance decimal.Decimal
	RealizedPnL     decimal.Decimal
	UpdatedAt       time.Time
}

// Store loads and saves the ledger snapshot. Implementations may complete
// saves asynchronously; a returned error means the save was not accepted.
type Store interface {
	LoadLedger(ctx context.Context) (Snapshot, bool, error)
	SaveLedger(ctx context.Context, snap Snapshot) error
}

// Sink receives balance snapshots as they are emitted. The hub adapts this
// onto a balance_update broadcast.
type Sink interface {
	PublishBalance(Balance)
}

// TradeLog receives one record per closed position. Open positions are not
// persisted, so the trade log is the only durable trace of realized history.
type TradeLog interface {
	RecordClose(ctx context.Context, rec TradeClose) error
}

// TradeClose is the audit row written when a position closes.
type TradeClose struct {
	Symbol   string
	Side     Side
	Margin   decimal.Decimal
	FinalPnL decimal.Decimal
	ClosedAt time.Time
}

// DefaultThrottle is the minimum interval between balance emissions caused
// by mark-to-market ticks. State transitions (open, close, reset) bypass it.
const DefaultThrottle = 2 * time.Second

// Ledger serializes every mutation behind one mutex; interleaved partial
// updates would break totalBalance = startingBalance + realizedPnL.
type Ledger struct {
	mu          sync.Mutex
	initialized bool
	starting    decimal.Decimal
	realized    decimal.Decimal
	positions   map[Key]*Position

	store    Store
	tradeLog TradeLog
	emitter  *debounce.Emitter[Balance]
	logger   *zap.Logger
}

// Option configures a Ledger.
type Option func(*options)

type options struct {
	throttle time.Duration
	tradeLog TradeLog
}

// WithThrottle overrides the mark-to-market emission window.
func WithThrottle(d time.Duration) Option {
	return func(o *options) { o.throttle = d }
}

// WithTradeLog records an audit row for every closed position.
func WithTradeLog(tl TradeLog) Option {
	return func(o *options) { o.tradeLog = tl }
}

// New creates an uninitialized ledger. Call Initialize before mutating it.
func New(store Store, sink Sink, logger *zap.Logger, opts ...Option) *Ledger {
	o := options{throttle: DefaultThrottle}
	for _, opt := range opts {
		opt(&o)
	}

	l := &Ledger{
		positions: make(map[Key]*Position),
		store:     store,
		tradeLog:  o.tradeLog,
		logger:    logger.Named("ledger"),
	}
	l.emitter = debounce.New(o.throttle, sink.PublishBalance)
	return l
}

// Initialize loads the persisted snapshot if one exists, otherwise starts
// from startingBalance. Calling it again is a no-op. It emits a balance
// snapshot on first completion. The load happens before the mutex is taken,
// so a slow store never stalls concurrent reads; the first caller to finish
// wins.
func (l *Ledger) Initialize(ctx context.Context, startingBalance decimal.Decimal) error {
	l.mu.Lock()
	done := l.initialized
	l.mu.Unlock()
	if done {
		return nil
	}

	snap, found, err := l.store.LoadLedger(ctx)
	if err != nil {
		return fmt.Errorf("load ledger snapshot: %w", err)
	}

	l.mu.Lock()
	if l.initialized {
		l.mu.Unlock()
		return nil
	}
	if found {
		l.starting = snap.StartingBalance
		l.realized = snap.RealizedPnL
	} else {
		l.starting = startingBalance
	}
	l.initialized = true
	bal := l.balanceLocked()
	l.mu.Unlock()

	l.logger.Info("ledger initialized",
		zap.String("startingBalance", bal.StartingBalance.String()),
		zap.String("realizedPnL", bal.RealizedPnL.String()),
		zap.Bool("restored", found))
	l.emitter.Force(bal)
	return nil
}

// AddPosition inserts or overwrites the position at (symbol, side) with the
// given margin and zero unrealized P/L, and emits immediately: opening a
// position is a state transition, not a metric tick.
func (l *Ledger) AddPosition(symbol string, side Side, margin decimal.Decimal) {
	l.mu.Lock()
	l.positions[Key{symbol, side}] = &Position{Margin: margin}
	bal := l.balanceLocked()
	l.mu.Unlock()

	l.emitter.Force(bal)
}

// UpdatePositionPnL sets the unrealized P/L for an existing position. A key
// that was never added is left untouched. Emission is throttled: bursts of
// mark-to-market ticks coalesce into one snapshot per window, last value
// wins.
func (l *Ledger) UpdatePositionPnL(symbol string, side Side, pnl decimal.Decimal) {
	l.mu.Lock()
	pos, ok := l.positions[Key{symbol, side}]
	if !ok {
		l.mu.Unlock()
		return
	}
	pos.UnrealizedPnL = pnl
	bal := l.balanceLocked()
	l.mu.Unlock()

	l.emitter.Publish(bal)
}

// ClosePosition books finalPnL into realized P/L, removes the position,
// persists the new totals, and emits immediately. Closing an already-closed
// key is a no-op, so a duplicate close event cannot double-book.
func (l *Ledger) ClosePosition(ctx context.Context, symbol string, side Side, finalPnL decimal.Decimal) {
	l.mu.Lock()
	key := Key{symbol, side}
	pos, ok := l.positions[key]
	if !ok {
		l.mu.Unlock()
		return
	}
	margin := pos.Margin
	delete(l.positions, key)
	l.realized = l.realized.Add(finalPnL)
	snap := l.snapshotLocked()
	bal := l.balanceLocked()
	l.mu.Unlock()

	l.persist(ctx, snap)
	if l.tradeLog != nil {
		rec := TradeClose{Symbol: symbol, Side: side, Margin: margin, FinalPnL: finalPnL, ClosedAt: snap.UpdatedAt}
		if err := l.tradeLog.RecordClose(ctx, rec); err != nil {
			l.logger.Error("record closed trade", zap.Error(err), zap.String("symbol", symbol))
		}
	}
	l.emitter.Force(bal)
}

// Reset clears realized P/L and all open positions. A non-nil
// newStartingBalance replaces the starting balance.
func (l *Ledger) Reset(ctx context.Context, newStartingBalance *decimal.Decimal) {
	l.mu.Lock()
	if newStartingBalance != nil {
		l.starting = *newStartingBalance
	}
	l.realized = decimal.Zero
	l.positions = make(map[Key]*Position)
	snap := l.snapshotLocked()
	bal := l.balanceLocked()
	l.mu.Unlock()

	l.persist(ctx, snap)
	l.emitter.Force(bal)
}

// Balance returns the derived account view. No side effects.
func (l *Ledger) Balance() Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked()
}

// Positions returns the open positions sorted by symbol then side.
func (l *Ledger) Positions() []PositionRow {
	l.mu.Lock()
	rows := make([]PositionRow, 0, len(l.positions))
	for k, p := range l.positions {
		rows = append(rows, PositionRow{
			Symbol:        k.Symbol,
			Side:          k.Side,
			Margin:        p.Margin,
			UnrealizedPnL: p.UnrealizedPnL,
		})
	}
	l.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Symbol != rows[j].Symbol {
			return rows[i].Symbol < rows[j].Symbol
		}
		return rows[i].Side < rows[j].Side
	})
	return rows
}

// Close drops any coalesced emission still waiting.
func (l *Ledger) Close() {
	l.emitter.Stop()
}

// persist hands the snapshot to the store. The in-memory state stays
// authoritative whether or not the save lands; a refused save is logged,
// never rolled back.
func (l *Ledger) persist(ctx context.Context, snap Snapshot) {
	if err := l.store.SaveLedger(ctx, snap); err != nil {
		l.logger.Error("persist ledger snapshot",
			zap.Error(err),
			zap.String("realizedPnL", snap.RealizedPnL.String()))
	}
}

func (l *Ledger) snapshotLocked() Snapshot {
	return Snapshot{
		StartingBalance: l.starting,
		RealizedPnL:     l.realized,
		UpdatedAt:       time.Now(),
	}
}

func (l *Ledger) balanceLocked() Balance {
	usedMargin := decimal.Zero
	unrealized := decimal.Zero
	for _, p := range l.positions {
		usedMargin = usedMargin.Add(p.Margin)
		unrealized = unrealized.Add(p.UnrealizedPnL)
	}

	total := l.starting.Add(l.realized)
	return Balance{
		StartingBalance:  l.starting,
		RealizedPnL:      l.realized,
		UnrealizedPnL:    unrealized,
		UsedMargin:       usedMargin,
		TotalBalance:     total,
		AvailableBalance: total.Sub(usedMargin),
		OpenPositions:    len(l.positions),
	}
}
