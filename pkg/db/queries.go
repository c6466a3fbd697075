package db

import (
	"context"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("record not found")

// SaveSnapshot atomically replaces the durable mirror snapshot. Writing the
// whole snapshot in one transaction keeps restart-time state internally
// consistent even if the process dies mid-persist.
func (d *Database) SaveSnapshot(ctx context.Context, orders []OrderRecord, positions []PositionRecord) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM orders`); err != nil {
		return fmt.Errorf("clear orders: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM positions`); err != nil {
		return fmt.Errorf("clear positions: %w", err)
	}

	orderStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO orders (order_id, symbol, side, status_norm, status_raw, order_type,
		                    stop_price, limit_price, qty_ordered, qty_remaining, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare order insert: %w", err)
	}
	defer orderStmt.Close()

	for _, o := range orders {
		if _, err := orderStmt.ExecContext(ctx, o.OrderID, o.Symbol, o.Side, o.StatusNorm, o.StatusRaw,
			o.OrderType, o.StopPrice, o.LimitPrice, o.QtyOrdered, o.QtyRemaining, o.UpdatedAt); err != nil {
			return fmt.Errorf("insert order %s: %w", o.OrderID, err)
		}
	}

	posStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO positions (symbol, quantity, avg_price, long_short, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare position insert: %w", err)
	}
	defer posStmt.Close()

	for _, p := range positions {
		if _, err := posStmt.ExecContext(ctx, p.Symbol, p.Quantity, p.AvgPrice, p.LongShort, p.UpdatedAt); err != nil {
			return fmt.Errorf("insert position %s: %w", p.Symbol, err)
		}
	}

	return tx.Commit()
}

// LoadOrders returns all persisted non-terminal orders.
func (d *Database) LoadOrders(ctx context.Context) ([]OrderRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT order_id, symbol, side, status_norm, status_raw, order_type,
		       stop_price, limit_price, qty_ordered, qty_remaining, updated_at
		FROM orders
	`)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []OrderRecord
	for rows.Next() {
		var o OrderRecord
		if err := rows.Scan(&o.OrderID, &o.Symbol, &o.Side, &o.StatusNorm, &o.StatusRaw, &o.OrderType,
			&o.StopPrice, &o.LimitPrice, &o.QtyOrdered, &o.QtyRemaining, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// LoadPositions returns all persisted open positions.
func (d *Database) LoadPositions(ctx context.Context) ([]PositionRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT symbol, quantity, avg_price, long_short, updated_at
		FROM positions
	`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []PositionRecord
	for rows.Next() {
		var p PositionRecord
		if err := rows.Scan(&p.Symbol, &p.Quantity, &p.AvgPrice, &p.LongShort, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ActiveOrders returns persisted orders for a symbol/side still classified
// active, via the (symbol, side, status_norm) index.
func (d *Database) ActiveOrders(ctx context.Context, symbol, side string) ([]OrderRecord, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT order_id, symbol, side, status_norm, status_raw, order_type,
		       stop_price, limit_price, qty_ordered, qty_remaining, updated_at
		FROM orders
		WHERE symbol = ? AND side = ? AND status_norm = ?
	`, symbol, side, StatusNormActive)
	if err != nil {
		return nil, fmt.Errorf("query active orders: %w", err)
	}
	defer rows.Close()

	var orders []OrderRecord
	for rows.Next() {
		var o OrderRecord
		if err := rows.Scan(&o.OrderID, &o.Symbol, &o.Side, &o.StatusNorm, &o.StatusRaw, &o.OrderType,
			&o.StopPrice, &o.LimitPrice, &o.QtyOrdered, &o.QtyRemaining, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
