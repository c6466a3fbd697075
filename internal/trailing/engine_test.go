package trailing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/mirror"
	"execution-core/internal/orderstate"
	"execution-core/pkg/brokerage"
)

type modifyCall struct {
	orderID     string
	stop, limit float64
}

// fakeOrders mimics the order service: placements and modifies are reflected
// into the mirror the way the real service tracks pending orders.
type fakeOrders struct {
	mu          sync.Mutex
	m           *mirror.Mirror
	nextID      int
	placeIdem   []brokerage.OrderRequest
	placeDirect []brokerage.OrderRequest
	modifies    []modifyCall
	cancels     []string

	modifyErr error
	cancelErr error
	skipAll   bool

	// When modifyBlock is set, ModifyOrder signals modifyEntered and then
	// parks until modifyBlock is closed.
	modifyBlock   chan struct{}
	modifyEntered chan struct{}
}

func (f *fakeOrders) PlaceOrderIdempotent(ctx context.Context, symbol string, side brokerage.Side, req brokerage.OrderRequest) (orderstate.PlaceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req.Symbol = symbol
	req.Side = side
	f.placeIdem = append(f.placeIdem, req)
	if f.skipAll {
		return orderstate.PlaceResult{Skipped: true, Reason: "active order exists"}, nil
	}
	f.nextID++
	id := fmt.Sprintf("O%d", f.nextID)
	f.track(id, req)
	return orderstate.PlaceResult{OrderID: id}, nil
}

func (f *fakeOrders) PlaceOrder(ctx context.Context, req brokerage.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placeDirect = append(f.placeDirect, req)
	f.nextID++
	id := fmt.Sprintf("O%d", f.nextID)
	f.track(id, req)
	return id, nil
}

func (f *fakeOrders) ModifyOrder(ctx context.Context, orderID string, stop, limit float64) error {
	if f.modifyBlock != nil {
		f.modifyEntered <- struct{}{}
		<-f.modifyBlock
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modifyErr != nil {
		return f.modifyErr
	}
	f.modifies = append(f.modifies, modifyCall{orderID, stop, limit})
	f.m.SetOrderPrices(orderID, stop, limit)
	return nil
}

func (f *fakeOrders) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, orderID)
	return f.cancelErr
}

func (f *fakeOrders) track(id string, req brokerage.OrderRequest) {
	f.m.ApplyOrder(brokerage.Order{
		OrderID:   id,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    brokerage.StatusReceived,
		StatusRaw: "REC",
		Legs: []brokerage.Leg{{
			Symbol:            req.Symbol,
			BuyOrSell:         string(req.Side),
			QuantityOrdered:   req.Quantity,
			QuantityRemaining: req.Quantity,
		}},
		StopPrice:  req.StopPrice,
		LimitPrice: req.LimitPrice,
		UpdatedAt:  time.Now(),
	})
}

func newTestEngine(t *testing.T) (*Engine, *fakeOrders, *mirror.Mirror) {
	t.Helper()
	m := mirror.New(nil, nil, 0, zerolog.Nop())
	orders := &fakeOrders{m: m}
	e := NewEngine(DefaultSchedule(), m, orders, nil, time.Minute, zerolog.Nop())
	return e, orders, m
}

func longPosition(symbol string, avg, last float64) brokerage.Position {
	return brokerage.Position{
		PositionID:   "P1",
		Symbol:       symbol,
		Quantity:     100,
		AveragePrice: avg,
		LongShort:    "Long",
		LastPrice:    last,
		UpdatedAt:    time.Now(),
	}
}

// feedPosition delivers a position the way production does: the mirror is
// updated first, then the engine sees the event.
func feedPosition(ctx context.Context, e *Engine, m *mirror.Mirror, p brokerage.Position) {
	m.ApplyPosition(p)
	e.handlePosition(ctx, p)
}

func near(a, b float64) bool {
	d := a - b
	return d < 0.0001 && d > -0.0001
}

func TestInitialProtectiveOrderPlaced(t *testing.T) {
	e, orders, _ := newTestEngine(t)
	ctx := context.Background()

	e.handlePosition(ctx, longPosition("ABCD", 4.00, 4.00))

	if len(orders.placeIdem) != 1 {
		t.Fatalf("expected one placement, got %d", len(orders.placeIdem))
	}
	req := orders.placeIdem[0]
	if req.Side != brokerage.SideSell || req.Type != brokerage.OrderTypeStopLimit {
		t.Fatalf("wrong protective order shape: %+v", req)
	}
	if !near(req.StopPrice, 3.90) || !near(req.LimitPrice, 3.88) {
		t.Fatalf("initial prices = %v/%v, want 3.90/3.88", req.StopPrice, req.LimitPrice)
	}
	if req.Quantity != 100 {
		t.Fatalf("quantity = %v, want 100", req.Quantity)
	}

	states := e.States()
	if len(states) != 1 || states[0].StageIndex != 0 || states[0].LinkedOrderID == "" {
		t.Fatalf("state not established: %+v", states)
	}
}

func TestGainAdvancesStage(t *testing.T) {
	e, orders, m := newTestEngine(t)
	ctx := context.Background()

	e.handlePosition(ctx, longPosition("ABCD", 4.00, 4.00))
	linked := e.States()[0].LinkedOrderID

	// Ack the working order so it is mutable.
	o, _ := m.Order(linked)
	o.Status = brokerage.StatusAcknowledged
	o.StatusRaw = "ACK"
	m.ApplyOrder(o)

	e.handlePosition(ctx, longPosition("ABCD", 4.00, 4.05))

	if len(orders.modifies) != 1 {
		t.Fatalf("expected one modify, got %d", len(orders.modifies))
	}
	mod := orders.modifies[0]
	if mod.orderID != linked || !near(mod.stop, 3.95) || !near(mod.limit, 3.93) {
		t.Fatalf("stage 1 modify = %+v, want %s 3.95/3.93", mod, linked)
	}
	if st := e.States()[0]; st.StageIndex != 1 {
		t.Fatalf("stage = %d, want 1", st.StageIndex)
	}
}

func TestStageNeverRegresses(t *testing.T) {
	e, orders, m := newTestEngine(t)
	ctx := context.Background()

	e.handlePosition(ctx, longPosition("ABCD", 4.00, 4.00))
	linked := e.States()[0].LinkedOrderID
	o, _ := m.Order(linked)
	o.Status = brokerage.StatusAcknowledged
	m.ApplyOrder(o)

	e.handlePosition(ctx, longPosition("ABCD", 4.00, 4.16)) // stage 2
	if st := e.States()[0]; st.StageIndex != 2 {
		t.Fatalf("stage = %d, want 2", st.StageIndex)
	}
	modifiesBefore := len(orders.modifies)

	// Gain falls back below the stage 1 trigger; the stop must not loosen.
	e.handlePosition(ctx, longPosition("ABCD", 4.00, 4.01))
	if st := e.States()[0]; st.StageIndex != 2 {
		t.Fatalf("stage regressed to %d", st.StageIndex)
	}
	if len(orders.modifies) != modifiesBefore {
		t.Fatalf("pullback must not trigger a modify")
	}
}

func TestQueuedOrderSuppressionRetriesOnTick(t *testing.T) {
	e, orders, m := newTestEngine(t)
	ctx := context.Background()

	feedPosition(ctx, e, m, longPosition("ABCD", 4.00, 4.00))
	linked := e.States()[0].LinkedOrderID

	// Gateway-queued order: active for dedup but not safely mutable.
	o, _ := m.Order(linked)
	o.Status = brokerage.StatusQueued
	o.StatusRaw = "QUE"
	m.ApplyOrder(o)

	e.handlePosition(ctx, longPosition("ABCD", 4.00, 4.05))
	if len(orders.modifies) != 0 {
		t.Fatalf("queued order must not be modified")
	}
	if st := e.States()[0]; st.StageIndex != 0 {
		t.Fatalf("stage must not commit while suppressed, got %d", st.StageIndex)
	}

	// Venue acks; the next tick completes the held transition.
	o.Status = brokerage.StatusAcknowledged
	o.StatusRaw = "ACK"
	m.ApplyOrder(o)
	e.tickAll(ctx)

	if len(orders.modifies) != 1 {
		t.Fatalf("expected the held modify on tick, got %d", len(orders.modifies))
	}
	if st := e.States()[0]; st.StageIndex != 1 {
		t.Fatalf("stage = %d after tick, want 1", st.StageIndex)
	}
}

func TestAutoExitCancelsAndSellsAtMarket(t *testing.T) {
	e, orders, m := newTestEngine(t)
	ctx := context.Background()

	feedPosition(ctx, e, m, longPosition("ABCD", 4.00, 4.00))
	linked := e.States()[0].LinkedOrderID
	o, _ := m.Order(linked)
	o.Status = brokerage.StatusAcknowledged
	m.ApplyOrder(o)

	e.handlePosition(ctx, longPosition("ABCD", 4.00, 4.75))

	if len(orders.cancels) != 1 || orders.cancels[0] != linked {
		t.Fatalf("protective order not canceled: %v", orders.cancels)
	}
	if len(orders.placeDirect) != 1 {
		t.Fatalf("expected one market exit, got %d", len(orders.placeDirect))
	}
	exit := orders.placeDirect[0]
	if exit.Type != brokerage.OrderTypeMarket || exit.Side != brokerage.SideSell || exit.Quantity != 100 {
		t.Fatalf("exit order shape: %+v", exit)
	}
	if st := e.States()[0]; !st.AutoExitFired {
		t.Fatalf("auto-exit latch not set")
	}

	// Further gains must not produce more orders.
	e.handlePosition(ctx, longPosition("ABCD", 4.00, 4.90))
	e.tickAll(ctx)
	if len(orders.placeDirect) != 1 || len(orders.modifies) != 0 {
		t.Fatalf("latched state acted again: %d exits, %d modifies", len(orders.placeDirect), len(orders.modifies))
	}
}

func TestAutoExitProceedsWhenCancelFails(t *testing.T) {
	e, orders, m := newTestEngine(t)
	ctx := context.Background()

	e.handlePosition(ctx, longPosition("ABCD", 4.00, 4.00))
	o, _ := m.Order(e.States()[0].LinkedOrderID)
	o.Status = brokerage.StatusAcknowledged
	m.ApplyOrder(o)

	orders.cancelErr = errors.New("cancel rejected")
	e.handlePosition(ctx, longPosition("ABCD", 4.00, 4.80))

	if len(orders.placeDirect) != 1 {
		t.Fatalf("market exit must proceed despite cancel failure")
	}
}

func TestPositionClosedTearsDownState(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	e.handlePosition(ctx, longPosition("ABCD", 4.00, 4.00))
	e.handleClosed("ABCD")

	if len(e.States()) != 0 {
		t.Fatalf("state should be removed when the position closes")
	}
}

func TestOutOfTierPositionIsExcluded(t *testing.T) {
	e, orders, _ := newTestEngine(t)
	ctx := context.Background()

	e.handlePosition(ctx, longPosition("PNNY", 0.50, 0.50))
	e.handlePosition(ctx, longPosition("PNNY", 0.50, 0.55))

	if len(orders.placeIdem) != 0 {
		t.Fatalf("out-of-tier position must not get orders")
	}
	if len(e.States()) != 0 {
		t.Fatalf("out-of-tier position must not get a state machine")
	}
}

func TestShortPositionIgnored(t *testing.T) {
	e, orders, _ := newTestEngine(t)
	p := longPosition("ABCD", 4.00, 4.00)
	p.LongShort = "Short"

	e.handlePosition(context.Background(), p)

	if len(orders.placeIdem) != 0 || len(e.States()) != 0 {
		t.Fatalf("short positions are out of scope for automation")
	}
}

func TestAdoptExistingProtectiveOrder(t *testing.T) {
	e, orders, m := newTestEngine(t)
	ctx := context.Background()

	// A protective order at the stage 1 stop already works at the venue,
	// left over from before a restart.
	m.ApplyOrder(brokerage.Order{
		OrderID:   "OLD1",
		Symbol:    "ABCD",
		Side:      brokerage.SideSell,
		Type:      brokerage.OrderTypeStopLimit,
		Status:    brokerage.StatusAcknowledged,
		StatusRaw: "ACK",
		Legs: []brokerage.Leg{{
			Symbol: "ABCD", BuyOrSell: "SELL", QuantityOrdered: 100, QuantityRemaining: 100,
		}},
		StopPrice:  3.95,
		LimitPrice: 3.93,
		UpdatedAt:  time.Now(),
	})

	e.handlePosition(ctx, longPosition("ABCD", 4.00, 4.00))

	if len(orders.placeIdem) != 0 {
		t.Fatalf("existing order must be adopted, not duplicated")
	}
	st := e.States()[0]
	if st.LinkedOrderID != "OLD1" || st.StageIndex != 1 {
		t.Fatalf("adoption failed: %+v", st)
	}
}

func TestFilledLinkedOrderEndsAutomation(t *testing.T) {
	e, _, m := newTestEngine(t)
	ctx := context.Background()

	e.handlePosition(ctx, longPosition("ABCD", 4.00, 4.00))
	linked := e.States()[0].LinkedOrderID

	o, _ := m.Order(linked)
	o.Status = brokerage.StatusFilled
	o.StatusRaw = "FIL"
	e.handleOrderUpdate(o)

	if len(e.States()) != 0 {
		t.Fatalf("filled protective order should end the state machine")
	}
}

func TestTerminalLinkedOrderIsRelinkedOnTick(t *testing.T) {
	e, orders, m := newTestEngine(t)
	ctx := context.Background()

	feedPosition(ctx, e, m, longPosition("ABCD", 4.00, 4.00))
	linked := e.States()[0].LinkedOrderID

	// Someone cancels the protective order out from under the engine.
	o, _ := m.Order(linked)
	o.Status = brokerage.StatusCanceled
	o.StatusRaw = "CAN"
	m.ApplyOrder(o)
	e.handleOrderUpdate(o)

	if st := e.States()[0]; st.LinkedOrderID != "" {
		t.Fatalf("terminal order should unlink, got %q", st.LinkedOrderID)
	}

	// The tick recreates protection at the current stage.
	e.tickAll(ctx)
	st := e.States()[0]
	if st.LinkedOrderID == "" {
		t.Fatalf("protection not recreated on tick")
	}
	if len(orders.placeIdem) != 2 {
		t.Fatalf("expected a second placement, got %d", len(orders.placeIdem))
	}
	if st.StageIndex != 0 {
		t.Fatalf("recreate must preserve stage, got %d", st.StageIndex)
	}
}

func TestModifyFailureLeavesStageUncommitted(t *testing.T) {
	e, orders, m := newTestEngine(t)
	ctx := context.Background()

	feedPosition(ctx, e, m, longPosition("ABCD", 4.00, 4.00))
	o, _ := m.Order(e.States()[0].LinkedOrderID)
	o.Status = brokerage.StatusAcknowledged
	m.ApplyOrder(o)

	orders.modifyErr = errors.New("venue unavailable")
	e.handlePosition(ctx, longPosition("ABCD", 4.00, 4.05))

	if st := e.States()[0]; st.StageIndex != 0 {
		t.Fatalf("failed transition must not commit, got stage %d", st.StageIndex)
	}

	// Recovery: the modify succeeds on a later tick.
	orders.modifyErr = nil
	e.tickAll(ctx)
	if st := e.States()[0]; st.StageIndex != 1 {
		t.Fatalf("stage = %d after recovery, want 1", st.StageIndex)
	}
}

func TestReconciledPositionsManagedOnTick(t *testing.T) {
	e, orders, m := newTestEngine(t)
	ctx := context.Background()

	// Startup reconciliation and snapshot restore seed the mirror directly;
	// those positions never arrive as bus events.
	m.ReplaceAll(nil, []brokerage.Position{{
		PositionID:   "P1",
		Symbol:       "ABCD",
		Quantity:     100,
		AveragePrice: 4.00,
		LongShort:    "Long",
	}})

	e.tickAll(ctx)

	states := e.States()
	if len(states) != 1 || states[0].Symbol != "ABCD" {
		t.Fatalf("reconciled position not picked up: %+v", states)
	}
	if states[0].StageIndex != 0 {
		t.Fatalf("stage = %d, want 0", states[0].StageIndex)
	}
	if len(orders.placeIdem) != 1 {
		t.Fatalf("expected a protective placement, got %d", len(orders.placeIdem))
	}
	req := orders.placeIdem[0]
	if !near(req.StopPrice, 3.90) || !near(req.LimitPrice, 3.88) {
		t.Fatalf("initial prices = %v/%v, want 3.90/3.88", req.StopPrice, req.LimitPrice)
	}

	// The next tick is a no-op: already managed.
	e.tickAll(ctx)
	if len(orders.placeIdem) != 1 {
		t.Fatalf("managed position must not be re-admitted, got %d placements", len(orders.placeIdem))
	}
}

func TestVanishedPositionTearsDownStateOnTick(t *testing.T) {
	e, orders, m := newTestEngine(t)
	ctx := context.Background()

	feedPosition(ctx, e, m, longPosition("ABCD", 4.00, 4.00))
	placements := len(orders.placeIdem)

	// The position leaves the mirror but the closed event never reaches the
	// engine (bus delivery is best-effort).
	gone := longPosition("ABCD", 4.00, 4.00)
	gone.Quantity = 0
	m.ApplyPosition(gone)

	e.tickAll(ctx)

	if len(e.States()) != 0 {
		t.Fatalf("state for a vanished position must be torn down")
	}
	if len(orders.placeIdem) != placements || len(orders.placeDirect) != 0 {
		t.Fatalf("no orders may be placed for a vanished position")
	}
}

func TestStateSnapshotNotBlockedByInFlightModify(t *testing.T) {
	e, orders, m := newTestEngine(t)
	ctx := context.Background()

	feedPosition(ctx, e, m, longPosition("ABCD", 4.00, 4.00))
	o, _ := m.Order(e.States()[0].LinkedOrderID)
	o.Status = brokerage.StatusAcknowledged
	o.StatusRaw = "ACK"
	m.ApplyOrder(o)

	orders.modifyBlock = make(chan struct{})
	orders.modifyEntered = make(chan struct{}, 1)

	done := make(chan struct{})
	go func() {
		e.handlePosition(ctx, longPosition("ABCD", 4.00, 4.05))
		close(done)
	}()
	<-orders.modifyEntered

	snapshot := make(chan struct{})
	go func() {
		e.States()
		close(snapshot)
	}()
	select {
	case <-snapshot:
	case <-time.After(2 * time.Second):
		t.Fatalf("state snapshot blocked behind an in-flight order call")
	}

	close(orders.modifyBlock)
	<-done
	if st := e.States()[0]; st.StageIndex != 1 {
		t.Fatalf("stage = %d after modify completed, want 1", st.StageIndex)
	}
}
