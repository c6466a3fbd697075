package orderstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"execution-core/internal/mirror"
	"execution-core/pkg/brokerage"
)

// Brokerage is the REST surface the service needs; implemented by
// *brokerage.Client and by counting fakes in tests.
type Brokerage interface {
	PlaceOrder(ctx context.Context, req brokerage.OrderRequest) (string, error)
	ModifyOrder(ctx context.Context, orderID string, stopPrice, limitPrice float64) error
	CancelOrder(ctx context.Context, orderID string) error
	GetOrders(ctx context.Context, symbol string) ([]brokerage.Order, error)
	GetPositions(ctx context.Context) ([]brokerage.Position, error)
}

// ErrInconclusive re-exports the brokerage sentinel for callers that only
// import this package.
var ErrInconclusive = brokerage.ErrInconclusive

// PlaceResult reports the outcome of an idempotent placement attempt.
type PlaceResult struct {
	OrderID string
	Skipped bool
	Reason  string
}

// Service answers "is there already an active order for this symbol" with a
// staleness-aware REST fallback and serializes order placement per symbol.
// Acting on stale "no active order" data is the classic duplicate-order bug;
// hitting REST on every check is the classic latency bug. The staleness
// window is the tunable between the two.
type Service struct {
	mirror      *mirror.Mirror
	broker      Brokerage
	locks       *SymbolLock
	staleWindow time.Duration
	lockWait    time.Duration
	log         zerolog.Logger
}

// NewService builds the order state service.
func NewService(m *mirror.Mirror, broker Brokerage, staleWindow, lockWait time.Duration, logger zerolog.Logger) *Service {
	if staleWindow <= 0 {
		staleWindow = 30 * time.Second
	}
	if lockWait <= 0 {
		lockWait = 5 * time.Second
	}
	return &Service{
		mirror:      m,
		broker:      broker,
		locks:       NewSymbolLock(),
		staleWindow: staleWindow,
		lockWait:    lockWait,
		log:         logger.With().Str("component", "orderstate").Logger(),
	}
}

// HasActiveClosingOrder reports whether an active protective-or-closing
// (sell-side) order exists for the symbol. The mirror answers when it is
// fresh; otherwise the brokerage REST source of truth is consulted and the
// result upserted before answering. An inconclusive REST call returns an
// error wrapping ErrInconclusive, never a false negative.
func (s *Service) HasActiveClosingOrder(ctx context.Context, symbol string) (bool, error) {
	return s.hasActive(ctx, symbol, brokerage.SideSell)
}

func (s *Service) hasActive(ctx context.Context, symbol string, side brokerage.Side) (bool, error) {
	if s.anyActive(symbol, side) {
		return true, nil
	}

	// A fresh stream plus either known orders or a recent reconciliation
	// means the mirror's "no" can be trusted without a REST round trip.
	streamFresh := time.Since(s.mirror.LastOrderEventAt()) < s.staleWindow
	known := len(s.mirror.OrdersForSymbol(symbol, "")) > 0 || s.mirror.ReconciledWithin(symbol, s.staleWindow)
	if streamFresh && known {
		return false, nil
	}

	s.log.Debug().Str("symbol", symbol).Bool("stream_fresh", streamFresh).Msg("stale-data fallback: querying brokerage")
	fetched, err := s.broker.GetOrders(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("reconcile %s: %w", symbol, err)
	}
	s.mirror.ReplaceOrdersForSymbol(symbol, fetched)
	return s.anyActive(symbol, side), nil
}

func (s *Service) anyActive(symbol string, side brokerage.Side) bool {
	for _, o := range s.mirror.OrdersForSymbol(symbol, side) {
		if o.Status.Active() {
			return true
		}
	}
	return false
}

// PlaceOrderIdempotent places an order for the symbol unless an active order
// of the same side already exists. The symbol lock serializes concurrent
// triggers; the active check is repeated under the lock. The lock is
// released on every exit path.
func (s *Service) PlaceOrderIdempotent(ctx context.Context, symbol string, side brokerage.Side, req brokerage.OrderRequest) (PlaceResult, error) {
	release, locked := s.locks.Acquire(ctx, symbol, s.lockWait)
	if !locked {
		// Fail open: a stuck lock must never halt trading outright.
		s.log.Warn().Str("symbol", symbol).Msg("symbol lock unavailable, proceeding without it")
	}
	defer release()

	active, err := s.hasActive(ctx, symbol, side)
	if err != nil {
		// Cannot confirm absence; skipping beats risking a duplicate.
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("skip placement: state inconclusive")
		return PlaceResult{Skipped: true, Reason: "state inconclusive"}, err
	}
	if active {
		s.log.Info().Str("symbol", symbol).Str("side", string(side)).Msg("skip placement: active order exists")
		return PlaceResult{Skipped: true, Reason: "active order exists"}, nil
	}

	req.Symbol = symbol
	req.Side = side
	orderID, err := s.broker.PlaceOrder(ctx, req)
	if err != nil {
		if errors.Is(err, brokerage.ErrRejected) {
			// A rejection frequently means an order already exists; ask the
			// source of truth before treating it as failure.
			if exists, rerr := s.ReconcileOnRejection(ctx, symbol); rerr == nil && exists {
				s.log.Info().Str("symbol", symbol).Msg("rejection was a benign race: active order found on reconcile")
				return PlaceResult{Skipped: true, Reason: "rejected; active order found on reconcile"}, nil
			}
		}
		return PlaceResult{}, fmt.Errorf("place order %s %s: %w", symbol, side, err)
	}

	s.trackPending(orderID, symbol, side, req)
	return PlaceResult{OrderID: orderID}, nil
}

// PlaceOrder submits directly, bypassing the duplicate check. Reserved for
// the auto-exit path, where a still-visible protective order is expected and
// must not suppress the market exit.
func (s *Service) PlaceOrder(ctx context.Context, req brokerage.OrderRequest) (string, error) {
	orderID, err := s.broker.PlaceOrder(ctx, req)
	if err != nil {
		return "", fmt.Errorf("place order %s %s: %w", req.Symbol, req.Side, err)
	}
	s.trackPending(orderID, req.Symbol, req.Side, req)
	return orderID, nil
}

// ModifyOrder updates stop/limit on a working order and reflects the new
// prices into the mirror on success.
func (s *Service) ModifyOrder(ctx context.Context, orderID string, stop, limit float64) error {
	if err := s.broker.ModifyOrder(ctx, orderID, stop, limit); err != nil {
		return fmt.Errorf("modify order %s: %w", orderID, err)
	}
	s.mirror.SetOrderPrices(orderID, stop, limit)
	return nil
}

// CancelOrder cancels a working order; already-gone counts as success. On
// success the order is marked terminal in the mirror immediately so the next
// placement check does not see a ghost.
func (s *Service) CancelOrder(ctx context.Context, orderID string) error {
	if err := s.broker.CancelOrder(ctx, orderID); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if o, ok := s.mirror.Order(orderID); ok {
		o.Status = brokerage.StatusCanceled
		o.StatusRaw = "CAN"
		o.UpdatedAt = time.Now()
		s.mirror.ApplyOrder(o)
	}
	return nil
}

// ReconcileOnRejection force-fetches the symbol's orders from REST, upserts
// them, and reports whether an active order now exists, meaning the
// rejection was a harmless race rather than a real failure. One unified
// policy for every rejection path.
func (s *Service) ReconcileOnRejection(ctx context.Context, symbol string) (bool, error) {
	fetched, err := s.broker.GetOrders(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("reconcile on rejection %s: %w", symbol, err)
	}
	s.mirror.ReplaceOrdersForSymbol(symbol, fetched)
	for _, o := range s.mirror.OrdersForSymbol(symbol, "") {
		if o.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

// ReconcileStartup rebuilds the mirror from the brokerage source of truth.
// Runs after Restore, because durable snapshots can be arbitrarily stale.
func (s *Service) ReconcileStartup(ctx context.Context) error {
	orders, err := s.broker.GetOrders(ctx, "")
	if err != nil {
		return fmt.Errorf("startup order fetch: %w", err)
	}
	positions, err := s.broker.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("startup position fetch: %w", err)
	}
	s.mirror.ReplaceAll(orders, positions)
	s.log.Info().Int("orders", len(orders)).Int("positions", len(positions)).Msg("startup reconciliation complete")
	return nil
}

// trackPending records a just-created order in the mirror so concurrent
// checks see it before the stream echoes it back.
func (s *Service) trackPending(orderID, symbol string, side brokerage.Side, req brokerage.OrderRequest) {
	s.mirror.ApplyOrder(brokerage.Order{
		OrderID:   orderID,
		Symbol:    symbol,
		Side:      side,
		Type:      req.Type,
		Status:    brokerage.StatusReceived,
		StatusRaw: "REC",
		Legs: []brokerage.Leg{{
			Symbol:            symbol,
			BuyOrSell:         string(side),
			QuantityOrdered:   req.Quantity,
			QuantityRemaining: req.Quantity,
		}},
		StopPrice:  req.StopPrice,
		LimitPrice: req.LimitPrice,
		UpdatedAt:  time.Now(),
	})
}
