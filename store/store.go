// Package store is the viewer-side source of truth: it caches balance and
// position data pulled over REST, merges pushed updates from the transport,
// and hands consumers a single consistent read surface. Pushes mutate the
// cache directly while pulls go through the network, so there is no global
// ordering between the two paths; staleness is bounded by the TTL and by
// forced re-fetches after known-racy events.
package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"paperdash/events"
)

// Source tags where a cache update came from, so consumers can distinguish
// push-path data from pull-path data.
type Source string

const (
	SourceWebsocket Source = "websocket"
	SourceAPI       Source = "api"
	SourcePolling   Source = "polling"
	SourceManual    Source = "manual"
)

// DefaultTTL is how long fetched data stays fresh.
const DefaultTTL = 5 * time.Second

// Re-fetch delays after events whose payload does not carry the full new
// state. Closures re-fetch immediately; opens wait for protective orders to
// land server-side; protective-order placements sit in between.
const (
	refetchAfterClose     = 0
	refetchAfterOpen      = time.Second
	refetchAfterProtOrder = 500 * time.Millisecond
)

// entry is one cached resource with its staleness metadata.
type entry[T any] struct {
	mu        sync.Mutex
	data      T
	timestamp time.Time
	loading   bool
	errMsg    string
}

// Meta describes the cache state of a resource without its data.
type Meta struct {
	Timestamp time.Time
	Loading   bool
	Error     string
}

func (e *entry[T]) fresh(ttl time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.timestamp.IsZero() && time.Since(e.timestamp) < ttl
}

func (e *entry[T]) get() (T, Meta) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data, Meta{Timestamp: e.timestamp, Loading: e.loading, Error: e.errMsg}
}

func (e *entry[T]) setLoading(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loading = on
}

func (e *entry[T]) setData(data T) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data = data
	e.timestamp = time.Now()
	e.loading = false
	e.errMsg = ""
}

func (e *entry[T]) setError(msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loading = false
	e.errMsg = msg
}

func (e *entry[T]) invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timestamp = time.Time{}
}

// Store caches one entry per resource kind.
type Store struct {
	api    API
	ttl    time.Duration
	logger *zap.Logger

	group     singleflight.Group
	balance   entry[events.Balance]
	positions entry[[]events.Position]

	timerMu sync.Mutex
	timers  map[string]*time.Timer
	closed  bool

	delayOpen  time.Duration
	delayProt  time.Duration
	delayClose time.Duration

	lmu               sync.Mutex
	nextID            int
	balanceListeners  map[int]func(events.Balance, Source)
	positionListeners map[int]func([]events.Position, Source)
	errorListeners    map[int]func(resource string, err error)
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides the freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithRefetchDelays overrides the post-event re-fetch schedule (tests).
func WithRefetchDelays(open, prot, closeDelay time.Duration) Option {
	return func(s *Store) {
		s.delayOpen, s.delayProt, s.delayClose = open, prot, closeDelay
	}
}

func New(api API, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		api:               api,
		ttl:               DefaultTTL,
		logger:            logger.Named("store"),
		timers:            make(map[string]*time.Timer),
		delayOpen:         refetchAfterOpen,
		delayProt:         refetchAfterProtOrder,
		delayClose:        refetchAfterClose,
		balanceListeners:  make(map[int]func(events.Balance, Source)),
		positionListeners: make(map[int]func([]events.Position, Source)),
		errorListeners:    make(map[int]func(string, error)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchBalance returns the cached balance when fresh (and not forced), joins
// an in-flight fetch when one exists, and otherwise issues the network call.
// Every caller awaiting the same fetch receives the identical result.
func (s *Store) FetchBalance(ctx context.Context, force bool) (events.Balance, error) {
	if !force && s.balance.fresh(s.ttl) {
		data, _ := s.balance.get()
		return data, nil
	}

	v, err, _ := s.group.Do("balance", func() (any, error) {
		s.balance.setLoading(true)
		data, err := s.api.Balance(ctx, force)
		if err != nil {
			s.balance.setError(err.Error())
			s.notifyError("balance", err)
			return nil, err
		}
		s.balance.setData(data)
		s.notifyBalance(data, SourceAPI)
		return data, nil
	})
	if err != nil {
		return events.Balance{}, err
	}
	return v.(events.Balance), nil
}

// FetchPositions is FetchBalance for the positions resource.
func (s *Store) FetchPositions(ctx context.Context, force bool) ([]events.Position, error) {
	if !force && s.positions.fresh(s.ttl) {
		data, _ := s.positions.get()
		return data, nil
	}

	v, err, _ := s.group.Do("positions", func() (any, error) {
		s.positions.setLoading(true)
		data, err := s.api.Positions(ctx, force)
		if err != nil {
			s.positions.setError(err.Error())
			s.notifyError("positions", err)
			return nil, err
		}
		s.positions.setData(data)
		s.notifyPositions(data, SourceAPI)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]events.Position), nil
}

// UpdateBalance overwrites the cached balance from a push message,
// bypassing the network, and tags the update with its provenance.
func (s *Store) UpdateBalance(b events.Balance, src Source) {
	s.balance.setData(b)
	s.notifyBalance(b, src)
}

// UpdatePositions overwrites the cached position list from a push message.
func (s *Store) UpdatePositions(p []events.Position, src Source) {
	s.positions.setData(p)
	s.notifyPositions(p, src)
}

// BalanceState returns the cached balance and its metadata without fetching.
func (s *Store) BalanceState() (events.Balance, Meta) {
	return s.balance.get()
}

// PositionsState returns the cached positions and metadata without fetching.
func (s *Store) PositionsState() ([]events.Position, Meta) {
	return s.positions.get()
}

// ClearCache resets all timestamps so the next read re-fetches.
func (s *Store) ClearCache() {
	s.balance.invalidate()
	s.positions.invalidate()
}

// Close cancels scheduled re-fetches.
func (s *Store) Close() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.closed = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

// HandleEvent merges one pushed server event. Full-state payloads land in
// the cache directly; events that imply server-side changes the payload
// does not fully describe invalidate the cache and schedule a forced
// re-fetch instead, delayed enough not to race the change that caused them.
func (s *Store) HandleEvent(env events.Envelope) {
	switch env.Type {
	case events.KindBalanceUpdate:
		var b events.Balance
		if err := env.Payload(&b); err != nil {
			s.logger.Warn("bad balance_update payload", zap.Error(err))
			return
		}
		s.UpdateBalance(b, SourceWebsocket)

	case events.KindPositionClosed:
		s.positions.invalidate()
		s.balance.invalidate()
		s.scheduleRefetch("positions", s.delayClose)
		s.scheduleRefetch("balance", s.delayClose)

	case events.KindPositionUpdate, events.KindOrderFilled:
		// Position opens: give the server time to place protective orders
		// before reading back.
		s.positions.invalidate()
		s.scheduleRefetch("positions", s.delayOpen)

	case events.KindSLPlaced, events.KindTPPlaced:
		s.positions.invalidate()
		s.scheduleRefetch("positions", s.delayProt)
	}
}

// scheduleRefetch arms (or re-arms) the forced re-fetch for a resource.
// The latest event wins: an existing pending timer is replaced.
func (s *Store) scheduleRefetch(resource string, delay time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[resource]; ok {
		t.Stop()
	}
	s.timers[resource] = time.AfterFunc(delay, func() {
		s.timerMu.Lock()
		delete(s.timers, resource)
		closed := s.closed
		s.timerMu.Unlock()
		if closed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var err error
		switch resource {
		case "balance":
			_, err = s.FetchBalance(ctx, true)
		case "positions":
			_, err = s.FetchPositions(ctx, true)
		}
		if err != nil {
			s.logger.Warn("scheduled re-fetch failed", zap.String("resource", resource), zap.Error(err))
		}
	})
}

// OnBalance registers a balance listener; the remove func unregisters it.
func (s *Store) OnBalance(fn func(events.Balance, Source)) (remove func()) {
	s.lmu.Lock()
	idx := s.nextID
	s.nextID++
	s.balanceListeners[idx] = fn
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.balanceListeners, idx)
		s.lmu.Unlock()
	}
}

// OnPositions registers a positions listener.
func (s *Store) OnPositions(fn func([]events.Position, Source)) (remove func()) {
	s.lmu.Lock()
	idx := s.nextID
	s.nextID++
	s.positionListeners[idx] = fn
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.positionListeners, idx)
		s.lmu.Unlock()
	}
}

// OnError registers a fetch-error listener.
func (s *Store) OnError(fn func(resource string, err error)) (remove func()) {
	s.lmu.Lock()
	idx := s.nextID
	s.nextID++
	s.errorListeners[idx] = fn
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.errorListeners, idx)
		s.lmu.Unlock()
	}
}

func (s *Store) notifyBalance(b events.Balance, src Source) {
	s.lmu.Lock()
	fns := make([]func(events.Balance, Source), 0, len(s.balanceListeners))
	for _, fn := range s.balanceListeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()
	for _, fn := range fns {
		fn(b, src)
	}
}

func (s *Store) notifyPositions(p []events.Position, src Source) {
	s.lmu.Lock()
	fns := make([]func([]events.Position, Source), 0, len(s.positionListeners))
	for _, fn := range s.positionListeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()
	for _, fn := range fns {
		fn(p, src)
	}
}

func (s *Store) notifyError(resource string, err error) {
	s.lmu.Lock()
	fns := make([]func(string, error), 0, len(s.errorListeners))
	for _, fn := range s.errorListeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()
	for _, fn := range fns {
		fn(resource, err)
	}
}
