package brokerage

import (
	"encoding/json"
	"time"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the order types the brokerage accepts.
type OrderType string

const (
	OrderTypeMarket    OrderType = "Market"
	OrderTypeLimit     OrderType = "Limit"
	OrderTypeStopLimit OrderType = "StopLimit"
)

// Leg is one leg of a brokerage order.
type Leg struct {
	Symbol            string
	BuyOrSell         string
	QuantityOrdered   float64
	QuantityRemaining float64
}

// Order is the normalized view of a brokerage order as tracked locally.
type Order struct {
	OrderID    string
	Symbol     string
	Side       Side
	Type       OrderType
	Status     Status
	StatusRaw  string
	Legs       []Leg
	StopPrice  float64
	LimitPrice float64
	UpdatedAt  time.Time // receipt time, not an exchange timestamp
}

// Quantity returns the ordered quantity of the primary leg.
func (o Order) Quantity() float64 {
	if len(o.Legs) == 0 {
		return 0
	}
	return o.Legs[0].QuantityOrdered
}

// Remaining returns the unfilled quantity of the primary leg.
func (o Order) Remaining() float64 {
	if len(o.Legs) == 0 {
		return 0
	}
	return o.Legs[0].QuantityRemaining
}

// Position is a held quantity of a symbol.
type Position struct {
	PositionID   string
	Symbol       string
	Quantity     float64
	AveragePrice float64
	LongShort    string
	LastPrice    float64 // mark price carried on position frames; 0 when absent
	UpdatedAt    time.Time
}

// IsLong reports whether the position is long.
func (p Position) IsLong() bool {
	return p.LongShort != "Short" && p.Quantity > 0
}

// Gain returns the unrealized gain per share, or 0 when no mark is known.
func (p Position) Gain() float64 {
	if p.LastPrice == 0 {
		return 0
	}
	if p.LongShort == "Short" {
		return p.AveragePrice - p.LastPrice
	}
	return p.LastPrice - p.AveragePrice
}

// LegFrame is the wire shape of an order leg.
type LegFrame struct {
	Symbol            string  `json:"Symbol"`
	BuyOrSell         string  `json:"BuyOrSell"`
	QuantityOrdered   float64 `json:"QuantityOrdered"`
	QuantityRemaining float64 `json:"QuantityRemaining"`
}

// OrderFrame is the wire shape of an order stream frame.
type OrderFrame struct {
	OrderID    string     `json:"OrderID"`
	Status     string     `json:"Status"`
	OrderType  string     `json:"OrderType"`
	LimitPrice float64    `json:"LimitPrice"`
	StopPrice  float64    `json:"StopPrice"`
	Legs       []LegFrame `json:"Legs"`
}

// PositionFrame is the wire shape of a position stream frame.
type PositionFrame struct {
	PositionID   string  `json:"PositionID"`
	Symbol       string  `json:"Symbol"`
	Quantity     float64 `json:"Quantity"`
	AveragePrice float64 `json:"AveragePrice"`
	LongShort    string  `json:"LongShort"`
	LastPrice    float64 `json:"Last"`
}

// heartbeatProbe detects heartbeat/status frames that must be discarded
// without side effects. The brokerage marks them with a dedicated field.
type heartbeatProbe struct {
	Heartbeat    json.RawMessage `json:"Heartbeat"`
	StreamStatus string          `json:"StreamStatus"`
}

// IsHeartbeat reports whether the raw frame is a heartbeat or stream-status
// frame rather than a data frame.
func IsHeartbeat(raw []byte) bool {
	var probe heartbeatProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return len(probe.Heartbeat) > 0 || probe.StreamStatus != ""
}

// OrderFromFrame normalizes a wire frame into an Order. Partial fills are
// derived from leg quantities: a working order with some but not all quantity
// remaining is partially filled regardless of the raw code.
func OrderFromFrame(f OrderFrame, receivedAt time.Time) Order {
	o := Order{
		OrderID:    f.OrderID,
		Status:     ParseStatus(f.Status),
		StatusRaw:  f.Status,
		Type:       OrderType(f.OrderType),
		StopPrice:  f.StopPrice,
		LimitPrice: f.LimitPrice,
		UpdatedAt:  receivedAt,
	}
	for _, l := range f.Legs {
		o.Legs = append(o.Legs, Leg(l))
	}
	if len(o.Legs) > 0 {
		o.Symbol = o.Legs[0].Symbol
		if o.Legs[0].BuyOrSell == string(SideSell) {
			o.Side = SideSell
		} else {
			o.Side = SideBuy
		}
		rem, ord := o.Legs[0].QuantityRemaining, o.Legs[0].QuantityOrdered
		if o.Status.Active() && rem > 0 && rem < ord {
			o.Status = StatusPartiallyFilled
		}
	}
	return o
}

// PositionFromFrame normalizes a wire frame into a Position.
func PositionFromFrame(f PositionFrame, receivedAt time.Time) Position {
	return Position{
		PositionID:   f.PositionID,
		Symbol:       f.Symbol,
		Quantity:     f.Quantity,
		AveragePrice: f.AveragePrice,
		LongShort:    f.LongShort,
		LastPrice:    f.LastPrice,
		UpdatedAt:    receivedAt,
	}
}
