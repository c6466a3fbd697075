package db

import "fmt"

// Snapshot layout for rehydration: one row per non-terminal order and per
// open position. The (symbol, side, status_norm) index serves the
// "any active closing order for this symbol" query.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS orders (
    order_id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    status_norm TEXT NOT NULL,
    status_raw TEXT NOT NULL,
    order_type TEXT NOT NULL DEFAULT '',
    stop_price REAL DEFAULT 0,
    limit_price REAL DEFAULT 0,
    qty_ordered REAL DEFAULT 0,
    qty_remaining REAL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_orders_symbol_side_status
    ON orders(symbol, side, status_norm);

CREATE TABLE IF NOT EXISTS positions (
    symbol TEXT PRIMARY KEY,
    quantity REAL NOT NULL,
    avg_price REAL NOT NULL,
    long_short TEXT NOT NULL DEFAULT 'Long',
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
