package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	mu      sync.Mutex
	snap    Snapshot
	found   bool
	saveErr error
	saves   []Snapshot
}

func (s *fakeStore) LoadLedger(ctx context.Context) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, s.found, nil
}

func (s *fakeStore) SaveLedger(ctx context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves = append(s.saves, snap)
	return nil
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

type fakeSink struct {
	mu    sync.Mutex
	emits []Balance
}

func (s *fakeSink) PublishBalance(b Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emits = append(s.emits, b)
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.emits)
}

func (s *fakeSink) last() Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emits[len(s.emits)-1]
}

func newLedger(t *testing.T, opts ...Option) (*Ledger, *fakeStore, *fakeSink) {
	t.Helper()
	store := &fakeStore{}
	sink := &fakeSink{}
	l := New(store, sink, zap.NewNop(), opts...)
	t.Cleanup(l.Close)
	return l, store, sink
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func initLedger(t *testing.T, l *Ledger, balance string) {
	t.Helper()
	require.NoError(t, l.Initialize(context.Background(), dec(balance)))
}

func TestOpenPositionScenario(t *testing.T) {
	t.Parallel()

	l, _, _ := newLedger(t)
	initLedger(t, l, "10000")
	l.AddPosition("BTCUSDT", Long, dec("500"))

	b := l.Balance()
	assert.True(t, b.TotalBalance.Equal(dec("10000")), "totalBalance: %s", b.TotalBalance)
	assert.True(t, b.UsedMargin.Equal(dec("500")), "usedMargin: %s", b.UsedMargin)
	assert.True(t, b.AvailableBalance.Equal(dec("9500")), "availableBalance: %s", b.AvailableBalance)
	assert.True(t, b.UnrealizedPnL.IsZero())
	assert.True(t, b.RealizedPnL.IsZero())
}

func TestCloseBooksRealizedPnL(t *testing.T) {
	t.Parallel()

	l, _, _ := newLedger(t)
	initLedger(t, l, "10000")
	l.AddPosition("BTCUSDT", Long, dec("500"))
	l.UpdatePositionPnL("BTCUSDT", Long, dec("120"))
	l.ClosePosition(context.Background(), "BTCUSDT", Long, dec("120"))

	b := l.Balance()
	assert.True(t, b.RealizedPnL.Equal(dec("120")))
	assert.True(t, b.TotalBalance.Equal(dec("10120")))
	assert.True(t, b.UsedMargin.IsZero())
	assert.Equal(t, 0, b.OpenPositions)
}

func TestBalanceInvariants(t *testing.T) {
	t.Parallel()

	l, _, _ := newLedger(t)
	initLedger(t, l, "25000")
	l.AddPosition("BTCUSDT", Long, dec("1000"))
	l.AddPosition("ETHUSDT", Short, dec("300.50"))
	l.UpdatePositionPnL("ETHUSDT", Short, dec("-42.42"))
	l.ClosePosition(context.Background(), "BTCUSDT", Long, dec("77"))

	b := l.Balance()
	assert.True(t, b.TotalBalance.Equal(b.StartingBalance.Add(b.RealizedPnL)))
	assert.True(t, b.AvailableBalance.Equal(b.TotalBalance.Sub(b.UsedMargin)))
}

func TestDoubleCloseIsNoop(t *testing.T) {
	t.Parallel()

	l, store, _ := newLedger(t)
	initLedger(t, l, "10000")
	l.AddPosition("BTCUSDT", Long, dec("500"))

	l.ClosePosition(context.Background(), "BTCUSDT", Long, dec("100"))
	saves := store.saveCount()

	l.ClosePosition(context.Background(), "BTCUSDT", Long, dec("100"))

	b := l.Balance()
	assert.True(t, b.RealizedPnL.Equal(dec("100")), "realizedPnL must not double-book: %s", b.RealizedPnL)
	assert.Equal(t, saves, store.saveCount(), "second close must not persist")
}

func TestUpdatePnLNeverCreatesPosition(t *testing.T) {
	t.Parallel()

	l, _, _ := newLedger(t)
	initLedger(t, l, "10000")

	l.UpdatePositionPnL("BTCUSDT", Long, dec("50"))

	b := l.Balance()
	assert.Equal(t, 0, b.OpenPositions)
	assert.True(t, b.UnrealizedPnL.IsZero())
}

func TestAddPositionOverwritesSameKey(t *testing.T) {
	t.Parallel()

	l, _, _ := newLedger(t)
	initLedger(t, l, "10000")
	l.AddPosition("BTCUSDT", Long, dec("500"))
	l.UpdatePositionPnL("BTCUSDT", Long, dec("75"))
	l.AddPosition("BTCUSDT", Long, dec("800"))

	b := l.Balance()
	assert.Equal(t, 1, b.OpenPositions)
	assert.True(t, b.UsedMargin.Equal(dec("800")))
	assert.True(t, b.UnrealizedPnL.IsZero(), "re-add resets pnl to zero")
}

func TestInitializeIsIdempotent(t *testing.T) {
	t.Parallel()

	l, _, sink := newLedger(t)
	initLedger(t, l, "10000")
	l.AddPosition("BTCUSDT", Long, dec("500"))

	require.NoError(t, l.Initialize(context.Background(), dec("99999")))

	b := l.Balance()
	assert.True(t, b.StartingBalance.Equal(dec("10000")))
	assert.Equal(t, 1, b.OpenPositions)
	assert.Equal(t, 2, sink.count(), "second initialize must not emit")
}

func TestInitializeRestoresPersistedSnapshot(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		snap:  Snapshot{StartingBalance: dec("5000"), RealizedPnL: dec("250")},
		found: true,
	}
	sink := &fakeSink{}
	l := New(store, sink, zap.NewNop())
	t.Cleanup(l.Close)

	require.NoError(t, l.Initialize(context.Background(), dec("10000")))

	b := l.Balance()
	assert.True(t, b.StartingBalance.Equal(dec("5000")), "persisted balance wins over default")
	assert.True(t, b.RealizedPnL.Equal(dec("250")))
	assert.True(t, b.TotalBalance.Equal(dec("5250")))
}

func TestResetClearsStateAndPersists(t *testing.T) {
	t.Parallel()

	l, store, _ := newLedger(t)
	initLedger(t, l, "10000")
	l.AddPosition("BTCUSDT", Long, dec("500"))
	l.ClosePosition(context.Background(), "BTCUSDT", Long, dec("120"))

	newStart := dec("20000")
	l.Reset(context.Background(), &newStart)

	b := l.Balance()
	assert.True(t, b.StartingBalance.Equal(dec("20000")))
	assert.True(t, b.RealizedPnL.IsZero())
	assert.Equal(t, 0, b.OpenPositions)
	assert.Equal(t, 2, store.saveCount())
}

func TestPersistFailureDoesNotRollBack(t *testing.T) {
	t.Parallel()

	l, store, _ := newLedger(t)
	store.saveErr = errors.New("disk full")
	initLedger(t, l, "10000")
	l.AddPosition("BTCUSDT", Long, dec("500"))

	l.ClosePosition(context.Background(), "BTCUSDT", Long, dec("120"))

	b := l.Balance()
	assert.True(t, b.RealizedPnL.Equal(dec("120")), "memory stays authoritative on save failure")
}

func TestPnLEmissionIsThrottled(t *testing.T) {
	t.Parallel()

	l, _, sink := newLedger(t, WithThrottle(80*time.Millisecond))
	initLedger(t, l, "10000")
	l.AddPosition("BTCUSDT", Long, dec("500"))
	base := sink.count()

	// Burst of mark-to-market ticks inside one window.
	for i := 1; i <= 5; i++ {
		l.UpdatePositionPnL("BTCUSDT", Long, decimal.NewFromInt(int64(i*10)))
	}

	assert.Equal(t, base, sink.count(), "ticks inside the window must not emit yet")

	time.Sleep(160 * time.Millisecond)
	assert.Equal(t, base+1, sink.count(), "burst coalesces to exactly one emission")
	assert.True(t, sink.last().UnrealizedPnL.Equal(dec("50")), "boundary emission carries the last value")
}

func TestCloseEmitsImmediatelyDespiteThrottle(t *testing.T) {
	t.Parallel()

	l, _, sink := newLedger(t, WithThrottle(500*time.Millisecond))
	initLedger(t, l, "10000")
	l.AddPosition("BTCUSDT", Long, dec("500"))
	l.UpdatePositionPnL("BTCUSDT", Long, dec("10"))
	base := sink.count()

	l.ClosePosition(context.Background(), "BTCUSDT", Long, dec("10"))
	assert.Equal(t, base+1, sink.count(), "close is a state transition, never coalesced")
	assert.True(t, sink.last().RealizedPnL.Equal(dec("10")))
}

func TestPositionsSorted(t *testing.T) {
	t.Parallel()

	l, _, _ := newLedger(t)
	initLedger(t, l, "10000")
	l.AddPosition("ETHUSDT", Long, dec("100"))
	l.AddPosition("BTCUSDT", Short, dec("200"))
	l.AddPosition("BTCUSDT", Long, dec("300"))

	rows := l.Positions()
	require.Len(t, rows, 3)
	assert.Equal(t, "BTCUSDT", rows[0].Symbol)
	assert.Equal(t, Long, rows[0].Side)
	assert.Equal(t, "BTCUSDT", rows[1].Symbol)
	assert.Equal(t, Short, rows[1].Side)
	assert.Equal(t, "ETHUSDT", rows[2].Symbol)
}

type blockingLoadStore struct {
	fakeStore
	release chan struct{}
}

func (s *blockingLoadStore) LoadLedger(ctx context.Context) (Snapshot, bool, error) {
	<-s.release
	return s.fakeStore.LoadLedger(ctx)
}

func TestInitializeDoesNotHoldLockDuringLoad(t *testing.T) {
	t.Parallel()

	store := &blockingLoadStore{release: make(chan struct{})}
	sink := &fakeSink{}
	l := New(store, sink, zap.NewNop())
	t.Cleanup(l.Close)

	initDone := make(chan error, 1)
	go func() { initDone <- l.Initialize(context.Background(), dec("10000")) }()

	// Reads must not queue behind the in-flight snapshot load.
	read := make(chan Balance, 1)
	go func() { read <- l.Balance() }()
	select {
	case b := <-read:
		assert.True(t, b.TotalBalance.IsZero(), "uninitialized ledger reads as empty")
	case <-time.After(time.Second):
		t.Fatal("Balance() blocked behind Initialize's store load")
	}

	close(store.release)
	require.NoError(t, <-initDone)
	assert.Equal(t, "10000", l.Balance().TotalBalance.String())
}
