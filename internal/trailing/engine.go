package trailing

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/events"
	"execution-core/internal/mirror"
	"execution-core/internal/orderstate"
	"execution-core/pkg/brokerage"
)

// Orders is the order-service surface the engine drives.
type Orders interface {
	PlaceOrderIdempotent(ctx context.Context, symbol string, side brokerage.Side, req brokerage.OrderRequest) (orderstate.PlaceResult, error)
	PlaceOrder(ctx context.Context, req brokerage.OrderRequest) (string, error)
	ModifyOrder(ctx context.Context, orderID string, stop, limit float64) error
	CancelOrder(ctx context.Context, orderID string) error
}

// State is the trailing-stop state machine for one managed long position.
// StageIndex is monotonically non-decreasing for the lifetime of the state;
// once AutoExitFired is set no further protective-order mutation occurs.
type State struct {
	Symbol         string
	TierName       string
	AveragePrice   float64
	Quantity       float64
	StageIndex     int // -1 = no protective order yet
	LinkedOrderID  string
	LastStopPrice  float64
	LastLimitPrice float64
	LastGain       float64
	AutoExitFired  bool
	Dead           bool // invariant violation; automation disabled for this symbol
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Engine runs one state machine per managed long position. It reacts to
// mirror updates via the bus and owns no connections itself. A periodic tick
// reconciles the machines against the mirror's positions and retries any
// held transitions.
//
// Locking: mu guards the maps and every State field. Fields are written only
// by the Run goroutine and only under mu, so that goroutine may read them
// lock-free between writes while snapshot readers take mu. Network calls
// never run under mu.
type Engine struct {
	mu       sync.Mutex
	states   map[string]*State
	excluded map[string]bool // symbols priced outside every tier

	schedule *Schedule
	mirror   *mirror.Mirror
	orders   Orders
	bus      *events.Bus
	tick     time.Duration
	log      zerolog.Logger
}

// NewEngine builds the automation engine.
func NewEngine(schedule *Schedule, m *mirror.Mirror, orders Orders, bus *events.Bus, tick time.Duration, logger zerolog.Logger) *Engine {
	if tick <= 0 {
		tick = 15 * time.Second
	}
	return &Engine{
		states:   make(map[string]*State),
		excluded: make(map[string]bool),
		schedule: schedule,
		mirror:   m,
		orders:   orders,
		bus:      bus,
		tick:     tick,
		log:      logger.With().Str("component", "trailing").Logger(),
	}
}

// Run consumes mirror events and ticks until ctx is done. All transitions
// execute on this single goroutine, so per-symbol processing is sequential.
func (e *Engine) Run(ctx context.Context) {
	posCh, unsubPos := e.bus.Subscribe(events.TopicPositionUpdate, 256)
	defer unsubPos()
	closedCh, unsubClosed := e.bus.Subscribe(events.TopicPositionClosed, 64)
	defer unsubClosed()
	ordCh, unsubOrd := e.bus.Subscribe(events.TopicOrderUpdate, 256)
	defer unsubOrd()

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	e.log.Info().Dur("tick", e.tick).Msg("trailing automation started")

	// Startup reconciliation populated the mirror before this subscription
	// existed; sweep those positions in now rather than waiting a full tick.
	e.tickAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case v := <-posCh:
			if p, ok := v.(brokerage.Position); ok {
				e.handlePosition(ctx, p)
			}
		case v := <-closedCh:
			if symbol, ok := v.(string); ok {
				e.handleClosed(symbol)
			}
		case v := <-ordCh:
			if o, ok := v.(brokerage.Order); ok {
				e.handleOrderUpdate(o)
			}
		case <-ticker.C:
			e.tickAll(ctx)
		}
	}
}

// States returns a snapshot of all state machines, for inspection endpoints.
func (e *Engine) States() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := make([]State, 0, len(e.states))
	for _, st := range e.states {
		res = append(res, *st)
	}
	return res
}

func (e *Engine) handlePosition(ctx context.Context, p brokerage.Position) {
	st := e.admit(p)
	if st == nil {
		return
	}
	e.evaluate(ctx, st)
}

// admit creates or refreshes the state machine for a long position. It
// returns nil when the position is outside automation scope or the machine
// is latched or dead.
func (e *Engine) admit(p brokerage.Position) *State {
	if !p.IsLong() {
		return nil
	}

	e.mu.Lock()
	st := e.states[p.Symbol]
	if st == nil {
		if e.excluded[p.Symbol] {
			e.mu.Unlock()
			return nil
		}
		tier, ok := e.schedule.TierFor(p.AveragePrice)
		if !ok {
			e.excluded[p.Symbol] = true
			e.mu.Unlock()
			e.skip(p.Symbol, "price outside configured tiers")
			return nil
		}
		st = &State{
			Symbol:     p.Symbol,
			TierName:   tier.Name,
			StageIndex: -1,
			CreatedAt:  time.Now(),
		}
		e.states[p.Symbol] = st
		e.log.Info().Str("symbol", p.Symbol).Str("tier", tier.Name).Float64("avg", p.AveragePrice).Msg("managing position")
	}

	if st.AutoExitFired || st.Dead {
		e.mu.Unlock()
		return nil
	}

	st.AveragePrice = p.AveragePrice
	st.Quantity = p.Quantity
	if p.LastPrice > 0 {
		st.LastGain = p.Gain()
	}
	st.UpdatedAt = time.Now()
	e.mu.Unlock()
	return st
}

func (e *Engine) handleClosed(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.states[symbol]; ok {
		// Position already closed: no cleanup order, just drop the machine.
		delete(e.states, symbol)
		e.log.Info().Str("symbol", symbol).Msg("position closed, automation terminated")
	}
	delete(e.excluded, symbol)
}

func (e *Engine) handleOrderUpdate(o brokerage.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.states {
		if st.LinkedOrderID != o.OrderID {
			continue
		}
		switch {
		case o.Status == brokerage.StatusFilled:
			// Managed order filled; the position is closing. The position
			// stream will confirm, but the machine is done now.
			delete(e.states, st.Symbol)
			e.log.Info().Str("symbol", st.Symbol).Str("order_id", o.OrderID).Msg("protective order filled")
		case o.Status.Terminal():
			// Linked order died without filling (external cancel, expiry).
			// Unlink; the next update or tick re-derives or recreates.
			st.LinkedOrderID = ""
			e.log.Warn().Str("symbol", st.Symbol).Str("order_id", o.OrderID).Str("status", o.Status.String()).Msg("linked order terminal, unlinked")
		default:
			// Stream echo of our own modify, or a venue state change.
			st.LastStopPrice = o.StopPrice
			st.LastLimitPrice = o.LimitPrice
		}
		return
	}
}

// tickAll reconciles the machines against the mirror in both directions.
// Machines whose position vanished without a closed event are torn down and
// live machines get a retry pass. Open positions the bus never delivered,
// such as those seeded by startup reconciliation, are admitted.
func (e *Engine) tickAll(ctx context.Context) {
	positions := e.mirror.Positions()
	open := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		open[p.Symbol] = struct{}{}
	}

	e.mu.Lock()
	due := make([]*State, 0, len(e.states))
	for symbol, st := range e.states {
		if _, ok := open[symbol]; !ok {
			delete(e.states, symbol)
			e.log.Warn().Str("symbol", symbol).Msg("position gone from mirror, automation terminated")
			continue
		}
		if st.AutoExitFired || st.Dead {
			continue
		}
		due = append(due, st)
	}
	e.mu.Unlock()

	for _, st := range due {
		e.evaluate(ctx, st)
	}

	for _, p := range positions {
		e.mu.Lock()
		_, managed := e.states[p.Symbol]
		e.mu.Unlock()
		if managed {
			continue
		}
		if st := e.admit(p); st != nil {
			e.evaluate(ctx, st)
		}
	}
}

// evaluate drives one state machine toward the stage its gain justifies.
// A transition either fully commits (network call issued, then state
// updated) or is abandoned before any mutation and retried later.
func (e *Engine) evaluate(ctx context.Context, st *State) {
	tier, ok := e.schedule.TierByName(st.TierName)
	if !ok {
		return
	}

	if st.StageIndex < 0 {
		e.ensureInitial(ctx, st, tier)
		if st.StageIndex < 0 {
			return
		}
	}

	if st.LastGain >= tier.AutoExitTrigger {
		e.autoExit(ctx, st)
		return
	}

	if st.LinkedOrderID == "" {
		// The linked order died without the position closing. Restore
		// protection first; any stage advance waits for the next pass.
		if adopted, ok := e.findProtective(st.Symbol); ok {
			e.adopt(st, tier, adopted)
		} else {
			e.recreate(ctx, st, tier)
		}
		return
	}

	desired := tier.StageFor(st.LastGain)
	if desired <= st.StageIndex {
		return
	}
	e.advance(ctx, st, tier, desired)
}

// ensureInitial establishes stage 0: adopt an already-working protective
// order when one exists (restart rehydration), otherwise create one through
// the idempotent placement path.
func (e *Engine) ensureInitial(ctx context.Context, st *State, tier Tier) {
	if o, ok := e.findProtective(st.Symbol); ok {
		e.adopt(st, tier, o)
		return
	}

	stop := st.AveragePrice + tier.InitialOffset
	limit := stop - e.schedule.Spread
	res, err := e.orders.PlaceOrderIdempotent(ctx, st.Symbol, brokerage.SideSell, brokerage.OrderRequest{
		Type:       brokerage.OrderTypeStopLimit,
		Quantity:   st.Quantity,
		StopPrice:  stop,
		LimitPrice: limit,
	})
	if err != nil {
		e.log.Warn().Err(err).Str("symbol", st.Symbol).Msg("initial protective order not placed, will retry")
		return
	}
	if res.Skipped {
		// An active closing order surfaced between checks; adopt it.
		if o, ok := e.findProtective(st.Symbol); ok {
			e.adopt(st, tier, o)
		} else {
			e.skip(st.Symbol, "initial placement skipped: "+res.Reason)
		}
		return
	}

	e.mu.Lock()
	st.LinkedOrderID = res.OrderID
	st.LastStopPrice = stop
	st.LastLimitPrice = limit
	e.setStageLocked(st, 0)
	e.mu.Unlock()
	e.log.Info().Str("symbol", st.Symbol).Float64("stop", stop).Float64("limit", limit).Msg("initial protective order placed")
}

// adopt links an observed protective order and re-derives the stage index
// from its stop price, so reconnects and restarts never reset progress.
func (e *Engine) adopt(st *State, tier Tier, o brokerage.Order) {
	e.mu.Lock()
	st.LinkedOrderID = o.OrderID
	st.LastStopPrice = o.StopPrice
	st.LastLimitPrice = o.LimitPrice

	derived := 0
	for k := len(tier.Stages); k >= 0; k-- {
		target := st.AveragePrice + tier.StopOffsetForStage(k)
		if math.Abs(o.StopPrice-target) <= e.schedule.Epsilon {
			derived = k
			break
		}
	}
	if derived < st.StageIndex {
		// A looser leftover order never walks the stage back; the next
		// advance tightens it to where the stage says it belongs.
		derived = st.StageIndex
	}
	e.setStageLocked(st, derived)
	e.mu.Unlock()
	e.log.Info().Str("symbol", st.Symbol).Str("order_id", o.OrderID).Int("stage", derived).Msg("adopted existing protective order")
}

// advance tightens the linked order to the desired stage.
func (e *Engine) advance(ctx context.Context, st *State, tier Tier, desired int) {
	o, ok := e.mirror.Order(st.LinkedOrderID)
	if !ok {
		// Order briefly invisible (reconnect/rehydrate race) or gone for
		// good. Re-derive from observed orders rather than recreating
		// blindly; recreate at current stage prices only if none exists.
		if adopted, aok := e.findProtective(st.Symbol); aok {
			e.adopt(st, tier, adopted)
			return
		}
		e.recreate(ctx, st, tier)
		return
	}

	if o.Status.Queued() {
		// Modifying a venue-unacknowledged order invites rejection, and
		// cancel-and-recreate invites duplicates. Hold and retry.
		e.skip(st.Symbol, "queued-order suppression")
		return
	}

	stop := st.AveragePrice + tier.StopOffsetForStage(desired)
	limit := stop - e.schedule.Spread
	if math.Abs(stop-st.LastStopPrice) <= e.schedule.Epsilon && math.Abs(limit-st.LastLimitPrice) <= e.schedule.Epsilon {
		// Numerically unchanged; commit the stage without a network call.
		e.mu.Lock()
		e.setStageLocked(st, desired)
		e.mu.Unlock()
		return
	}

	if err := e.orders.ModifyOrder(ctx, st.LinkedOrderID, stop, limit); err != nil {
		e.log.Warn().Err(err).Str("symbol", st.Symbol).Int("stage", desired).Msg("stage advance failed, will retry")
		return
	}
	e.mu.Lock()
	st.LastStopPrice = stop
	st.LastLimitPrice = limit
	e.setStageLocked(st, desired)
	e.mu.Unlock()
	e.log.Info().Str("symbol", st.Symbol).Int("stage", desired).Float64("stop", stop).Float64("limit", limit).Msg("stage advanced")
}

// recreate places a fresh protective order at the current stage's prices
// after the previous one disappeared terminally. StageIndex is preserved.
func (e *Engine) recreate(ctx context.Context, st *State, tier Tier) {
	if _, ok := e.mirror.Position(st.Symbol); !ok {
		// Position left the mirror; the tick sweep tears this machine
		// down. Never place protection for a position that no longer
		// exists.
		return
	}

	stage := st.StageIndex
	if stage < 0 {
		stage = 0
	}
	stop := st.AveragePrice + tier.StopOffsetForStage(stage)
	limit := stop - e.schedule.Spread
	res, err := e.orders.PlaceOrderIdempotent(ctx, st.Symbol, brokerage.SideSell, brokerage.OrderRequest{
		Type:       brokerage.OrderTypeStopLimit,
		Quantity:   st.Quantity,
		StopPrice:  stop,
		LimitPrice: limit,
	})
	if err != nil || res.Skipped {
		return
	}
	e.mu.Lock()
	st.LinkedOrderID = res.OrderID
	st.LastStopPrice = stop
	st.LastLimitPrice = limit
	e.mu.Unlock()
	e.log.Info().Str("symbol", st.Symbol).Int("stage", stage).Msg("protective order recreated")
}

// autoExit liquidates the position at market. The latch is set first so no
// further automation can run for this symbol even if ticks arrive mid-exit.
func (e *Engine) autoExit(ctx context.Context, st *State) {
	e.mu.Lock()
	if st.AutoExitFired {
		e.mu.Unlock()
		return
	}
	st.AutoExitFired = true
	st.UpdatedAt = time.Now()
	linked := st.LinkedOrderID
	symbol := st.Symbol
	quantity := st.Quantity
	gain := st.LastGain
	e.mu.Unlock()

	if linked != "" {
		if err := e.orders.CancelOrder(ctx, linked); err != nil {
			// Best effort; the market sell proceeds regardless.
			e.log.Warn().Err(err).Str("symbol", symbol).Msg("auto-exit cancel failed, proceeding")
		}
	}

	if _, err := e.orders.PlaceOrder(ctx, brokerage.OrderRequest{
		Symbol:   symbol,
		Side:     brokerage.SideSell,
		Type:     brokerage.OrderTypeMarket,
		Quantity: quantity,
	}); err != nil {
		e.log.Error().Err(err).Str("symbol", symbol).Msg("auto-exit market sell failed; manual intervention required")
		return
	}
	e.log.Info().Str("symbol", symbol).Float64("gain", gain).Float64("qty", quantity).Msg("auto-exit fired")
}

// setStageLocked commits a stage index; the caller holds mu. Regression is a
// programming invariant violation, fatal to this state machine only.
func (e *Engine) setStageLocked(st *State, idx int) {
	if idx < st.StageIndex {
		st.Dead = true
		e.log.Error().Str("symbol", st.Symbol).Int("from", st.StageIndex).Int("to", idx).Msg("stage regression attempted, automation disabled for symbol")
		return
	}
	st.StageIndex = idx
	st.UpdatedAt = time.Now()
}

// findProtective returns an active sell-side stop order for the symbol.
func (e *Engine) findProtective(symbol string) (brokerage.Order, bool) {
	for _, o := range e.mirror.OrdersForSymbol(symbol, brokerage.SideSell) {
		if o.Status.Active() && o.Type == brokerage.OrderTypeStopLimit {
			return o, true
		}
	}
	return brokerage.Order{}, false
}

func (e *Engine) skip(symbol, reason string) {
	e.log.Info().Str("symbol", symbol).Str("reason", reason).Msg("automation skipped")
	if e.bus != nil {
		e.bus.Publish(events.TopicAutomationSkip, events.Skip{Symbol: symbol, Reason: reason})
	}
}
