package journal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"paperdash/ledger"
)

// writeTimeout bounds each queued write so a wedged disk cannot stall the
// worker forever.
const writeTimeout = 5 * time.Second

// Async wraps a Journal with an explicit write queue. Enqueueing is
// non-blocking: the ledger never waits on disk, but a refused enqueue is an
// error the caller sees (and logs) instead of a silent drop. The worker logs
// every failed write together with the payload it dropped.
type Async struct {
	inner  Journal
	queue  chan writeOp
	done   chan struct{}
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

type writeOp func(ctx context.Context) error

// defaultQueueSize is used when the caller does not size the queue.
const defaultQueueSize = 256

func NewAsync(inner Journal, queueSize int, logger *zap.Logger) *Async {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	a := &Async{
		inner:  inner,
		queue:  make(chan writeOp, queueSize),
		done:   make(chan struct{}),
		logger: logger.Named("journal"),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for op := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := op(ctx); err != nil {
			a.logger.Error("journal write failed", zap.Error(err))
		}
		cancel()
	}
}

// LoadLedger reads synchronously; only writes go through the queue.
func (a *Async) LoadLedger(ctx context.Context) (ledger.Snapshot, bool, error) {
	return a.inner.LoadLedger(ctx)
}

// SaveLedger enqueues the snapshot. An error means the snapshot was not
// accepted (queue full or journal closed) and will not be written.
func (a *Async) SaveLedger(_ context.Context, snap ledger.Snapshot) error {
	return a.enqueue(func(ctx context.Context) error {
		if err := a.inner.SaveLedger(ctx, snap); err != nil {
			return fmt.Errorf("save snapshot (realized=%s): %w", snap.RealizedPnL, err)
		}
		return nil
	})
}

// RecordClose enqueues the trade row.
func (a *Async) RecordClose(_ context.Context, rec ledger.TradeClose) error {
	return a.enqueue(func(ctx context.Context) error {
		if err := a.inner.RecordClose(ctx, rec); err != nil {
			return fmt.Errorf("record close %s/%s: %w", rec.Symbol, rec.Side, err)
		}
		return nil
	})
}

func (a *Async) enqueue(op writeOp) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("journal closed")
	}
	select {
	case a.queue <- op:
		return nil
	default:
		return fmt.Errorf("journal write queue full (%d pending)", cap(a.queue))
	}
}

// Close drains queued writes, then closes the underlying journal.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.inner.Close()
}
