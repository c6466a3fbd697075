package db

import "time"

// Normalized status classes persisted for rehydration queries.
const (
	StatusNormActive   = "ACTIVE"
	StatusNormInactive = "INACTIVE"
)

// OrderRecord is the durable form of a non-terminal order.
type OrderRecord struct {
	OrderID      string
	Symbol       string
	Side         string
	StatusNorm   string
	StatusRaw    string
	OrderType    string
	StopPrice    float64
	LimitPrice   float64
	QtyOrdered   float64
	QtyRemaining float64
	UpdatedAt    time.Time
}

// PositionRecord is the durable form of an open position.
type PositionRecord struct {
	Symbol    string
	Quantity  float64
	AvgPrice  float64
	LongShort string
	UpdatedAt time.Time
}
