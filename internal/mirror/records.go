package mirror

import (
	"execution-core/pkg/brokerage"
	"execution-core/pkg/db"
)

func recordFromOrder(o brokerage.Order) db.OrderRecord {
	norm := db.StatusNormInactive
	if o.Status.Active() {
		norm = db.StatusNormActive
	}
	return db.OrderRecord{
		OrderID:      o.OrderID,
		Symbol:       o.Symbol,
		Side:         string(o.Side),
		StatusNorm:   norm,
		StatusRaw:    o.StatusRaw,
		OrderType:    string(o.Type),
		StopPrice:    o.StopPrice,
		LimitPrice:   o.LimitPrice,
		QtyOrdered:   o.Quantity(),
		QtyRemaining: o.Remaining(),
		UpdatedAt:    o.UpdatedAt,
	}
}

func orderFromRecord(rec db.OrderRecord) brokerage.Order {
	return brokerage.Order{
		OrderID:    rec.OrderID,
		Symbol:     rec.Symbol,
		Side:       brokerage.Side(rec.Side),
		Type:       brokerage.OrderType(rec.OrderType),
		Status:     brokerage.ParseStatus(rec.StatusRaw),
		StatusRaw:  rec.StatusRaw,
		StopPrice:  rec.StopPrice,
		LimitPrice: rec.LimitPrice,
		Legs: []brokerage.Leg{{
			Symbol:            rec.Symbol,
			BuyOrSell:         rec.Side,
			QuantityOrdered:   rec.QtyOrdered,
			QuantityRemaining: rec.QtyRemaining,
		}},
		UpdatedAt: rec.UpdatedAt,
	}
}

func recordFromPosition(p brokerage.Position) db.PositionRecord {
	return db.PositionRecord{
		Symbol:    p.Symbol,
		Quantity:  p.Quantity,
		AvgPrice:  p.AveragePrice,
		LongShort: p.LongShort,
		UpdatedAt: p.UpdatedAt,
	}
}

func positionFromRecord(rec db.PositionRecord) brokerage.Position {
	return brokerage.Position{
		Symbol:       rec.Symbol,
		Quantity:     rec.Quantity,
		AveragePrice: rec.AvgPrice,
		LongShort:    rec.LongShort,
		UpdatedAt:    rec.UpdatedAt,
	}
}
