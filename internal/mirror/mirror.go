package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/events"
	"execution-core/pkg/brokerage"
	"execution-core/pkg/db"
)

// Store is the durable backend for snapshots. pkg/db implements it; tests
// substitute an in-memory fake.
type Store interface {
	SaveSnapshot(ctx context.Context, orders []db.OrderRecord, positions []db.PositionRecord) error
	LoadOrders(ctx context.Context) ([]db.OrderRecord, error)
	LoadPositions(ctx context.Context) ([]db.PositionRecord, error)
}

// Mirror is the eventually-consistent local view of brokerage orders and
// positions. All mutation flows through Apply/Replace; reads never touch the
// network. The mirror is a lower bound on brokerage truth: it may lag, but it
// never fabricates state that did not arrive from the stream, a restore, or a
// reconciliation fetch.
type Mirror struct {
	mu        sync.RWMutex
	orders    map[string]brokerage.Order
	positions map[string]brokerage.Position

	// terminal retains ids of removed orders for a dedup window so late
	// duplicate frames cannot resurrect a dead order.
	terminal    map[string]time.Time
	dedupWindow time.Duration

	// reconciledAt records per-symbol REST reconciliation times so an empty
	// but freshly reconciled symbol does not trigger another fetch.
	reconciledAt map[string]time.Time

	lastOrderEvent    time.Time
	lastPositionEvent time.Time

	store Store
	bus   *events.Bus
	log   zerolog.Logger
}

// New builds a mirror over the given store and bus.
func New(store Store, bus *events.Bus, dedupWindow time.Duration, logger zerolog.Logger) *Mirror {
	if dedupWindow <= 0 {
		dedupWindow = 5 * time.Minute
	}
	return &Mirror{
		orders:       make(map[string]brokerage.Order),
		positions:    make(map[string]brokerage.Position),
		terminal:     make(map[string]time.Time),
		reconciledAt: make(map[string]time.Time),
		dedupWindow:  dedupWindow,
		store:        store,
		bus:          bus,
		log:          logger.With().Str("component", "mirror").Logger(),
	}
}

// Restore seeds the mirror from the durable snapshot. It must complete before
// any order-placement logic runs, and its output must be reconciled against
// the brokerage before being trusted.
func (m *Mirror) Restore(ctx context.Context) error {
	orders, err := m.store.LoadOrders(ctx)
	if err != nil {
		return fmt.Errorf("restore orders: %w", err)
	}
	positions, err := m.store.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range orders {
		m.orders[rec.OrderID] = orderFromRecord(rec)
	}
	for _, rec := range positions {
		m.positions[rec.Symbol] = positionFromRecord(rec)
	}
	m.log.Info().Int("orders", len(orders)).Int("positions", len(positions)).Msg("mirror restored from snapshot")
	return nil
}

// Persist writes the current snapshot to the store.
func (m *Mirror) Persist(ctx context.Context) error {
	m.mu.RLock()
	orders := make([]db.OrderRecord, 0, len(m.orders))
	for _, o := range m.orders {
		orders = append(orders, recordFromOrder(o))
	}
	positions := make([]db.PositionRecord, 0, len(m.positions))
	for _, p := range m.positions {
		positions = append(positions, recordFromPosition(p))
	}
	m.mu.RUnlock()

	if err := m.store.SaveSnapshot(ctx, orders, positions); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// StartPersistLoop snapshots periodically until ctx is done, then writes one
// final snapshot so a clean shutdown loses nothing.
func (m *Mirror) StartPersistLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Persist(ctx); err != nil {
					m.log.Error().Err(err).Msg("periodic persist failed")
				}
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := m.Persist(shutdownCtx); err != nil {
					m.log.Error().Err(err).Msg("final persist failed")
				}
				cancel()
				return
			}
		}
	}()
}

// ApplyOrder upserts a stream-delivered order, last-write-wins by arrival
// order. Terminal orders are removed but their ids are retained for the dedup
// window.
func (m *Mirror) ApplyOrder(o brokerage.Order) {
	m.mu.Lock()
	now := time.Now()
	m.lastOrderEvent = now
	m.pruneTerminalLocked(now)

	if _, dead := m.terminal[o.OrderID]; dead {
		m.mu.Unlock()
		m.log.Debug().Str("order_id", o.OrderID).Msg("dropping frame for terminal order")
		return
	}

	if o.Status.Terminal() {
		delete(m.orders, o.OrderID)
		m.terminal[o.OrderID] = now
	} else {
		m.orders[o.OrderID] = o
	}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.TopicOrderUpdate, o)
	}
}

// ApplyPosition upserts a stream-delivered position. A quantity at or below
// zero closes the position: it is purged immediately and a closed event fires
// so automation tears down.
func (m *Mirror) ApplyPosition(p brokerage.Position) {
	m.mu.Lock()
	m.lastPositionEvent = time.Now()
	if p.Quantity <= 0 {
		_, existed := m.positions[p.Symbol]
		delete(m.positions, p.Symbol)
		m.mu.Unlock()
		if existed && m.bus != nil {
			m.bus.Publish(events.TopicPositionClosed, p.Symbol)
		}
		return
	}
	m.positions[p.Symbol] = p
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(events.TopicPositionUpdate, p)
	}
}

// ReplaceOrdersForSymbol swaps in the reconciled order set for one symbol.
// Orders the brokerage no longer reports are dropped; terminal ids from the
// fetch join the dedup set. Ids already in the dedup set stay terminal: a
// REST reply can lag a local cancel, and a locally-terminal order must not
// be resurrected by reconciliation any more than by a late frame.
func (m *Mirror) ReplaceOrdersForSymbol(symbol string, fetched []brokerage.Order) {
	m.mu.Lock()
	now := time.Now()
	m.pruneTerminalLocked(now)
	for id, o := range m.orders {
		if o.Symbol == symbol {
			delete(m.orders, id)
		}
	}
	applied := make([]brokerage.Order, 0, len(fetched))
	for _, o := range fetched {
		if _, dead := m.terminal[o.OrderID]; dead {
			m.log.Debug().Str("order_id", o.OrderID).Msg("dropping reconciled state for terminal order")
			continue
		}
		if o.Status.Terminal() {
			m.terminal[o.OrderID] = now
		} else {
			m.orders[o.OrderID] = o
		}
		applied = append(applied, o)
	}
	m.reconciledAt[symbol] = now
	m.mu.Unlock()

	if m.bus != nil {
		for _, o := range applied {
			m.bus.Publish(events.TopicOrderUpdate, o)
		}
	}
}

// ReplaceAll rebuilds the mirror from full reconciliation fetches. Used at
// startup after Restore, when the snapshot may be arbitrarily stale. The
// terminal dedup set survives the rebuild and suppresses fetched orders we
// already saw die.
func (m *Mirror) ReplaceAll(orders []brokerage.Order, positions []brokerage.Position) {
	m.mu.Lock()
	now := time.Now()
	m.pruneTerminalLocked(now)
	m.orders = make(map[string]brokerage.Order, len(orders))
	m.positions = make(map[string]brokerage.Position, len(positions))
	symbols := make(map[string]struct{})
	for _, o := range orders {
		symbols[o.Symbol] = struct{}{}
		if _, dead := m.terminal[o.OrderID]; dead {
			continue
		}
		if o.Status.Terminal() {
			m.terminal[o.OrderID] = now
			continue
		}
		m.orders[o.OrderID] = o
	}
	for _, p := range positions {
		if p.Quantity > 0 {
			m.positions[p.Symbol] = p
		}
	}
	for s := range symbols {
		m.reconciledAt[s] = now
	}
	m.mu.Unlock()

	if m.bus != nil {
		for _, p := range positions {
			if p.Quantity > 0 {
				m.bus.Publish(events.TopicPositionUpdate, p)
			}
		}
	}
}

// SetOrderPrices updates the tracked stop/limit after a successful modify, so
// duplicate-prevention sees the new prices before the stream echoes them.
func (m *Mirror) SetOrderPrices(orderID string, stop, limit float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.StopPrice = stop
		o.LimitPrice = limit
		o.UpdatedAt = time.Now()
		m.orders[orderID] = o
	}
}

// Order returns a single order by id.
func (m *Mirror) Order(orderID string) (brokerage.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	return o, ok
}

// OrdersForSymbol returns orders for a symbol, optionally filtered by side.
// Pure read; never triggers network I/O.
func (m *Mirror) OrdersForSymbol(symbol string, side brokerage.Side) []brokerage.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []brokerage.Order
	for _, o := range m.orders {
		if o.Symbol != symbol {
			continue
		}
		if side != "" && o.Side != side {
			continue
		}
		res = append(res, o)
	}
	return res
}

// Position returns the tracked position for a symbol.
func (m *Mirror) Position(symbol string) (brokerage.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[symbol]
	return p, ok
}

// Positions returns a snapshot of all open positions.
func (m *Mirror) Positions() []brokerage.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]brokerage.Position, 0, len(m.positions))
	for _, p := range m.positions {
		res = append(res, p)
	}
	return res
}

// SeenTerminal reports whether the id belongs to a recently terminal order.
func (m *Mirror) SeenTerminal(orderID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.terminal[orderID]
	return ok
}

// LastOrderEventAt returns the receipt time of the last order stream event.
// A long silence is a staleness signal, not absence of data.
func (m *Mirror) LastOrderEventAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastOrderEvent
}

// LastPositionEventAt returns the receipt time of the last position event.
func (m *Mirror) LastPositionEventAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastPositionEvent
}

// ReconciledWithin reports whether the symbol was REST-reconciled within d.
func (m *Mirror) ReconciledWithin(symbol string, d time.Duration) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.reconciledAt[symbol]
	return ok && time.Since(t) < d
}

// Counts returns current mirror sizes, for health reporting.
func (m *Mirror) Counts() (orders, positions int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.orders), len(m.positions)
}

func (m *Mirror) pruneTerminalLocked(now time.Time) {
	for id, t := range m.terminal {
		if now.Sub(t) > m.dedupWindow {
			delete(m.terminal, id)
		}
	}
}
