package binance

import (
	"strconv"

	"perpguard/internal/gateway/exchange"

	"github.com/adshao/go-binance/v2/futures"
)

func convertOrders(orders []*futures.Order) []exchange.Order {
	out := make([]exchange.Order, 0, len(orders))
	for _, o := range orders {
		if o == nil {
			continue
		}
		out = append(out, convertOrder(o))
	}
	return out
}

func convertOrder(o *futures.Order) exchange.Order {
	t := exchange.OrderType(o.Type)
	return exchange.Order{
		Symbol:          o.Symbol,
		OrderID:         strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:   o.ClientOrderID,
		Kind:            exchange.KindOf(t),
		Type:            t,
		Side:            exchange.Side(o.Side),
		PositionSide:    exchange.PositionSide(o.PositionSide),
		Status:          string(o.Status),
		Price:           exchange.ParseFilterValue(o.Price),
		StopPrice:       exchange.ParseFilterValue(o.StopPrice),
		ActivationPrice: exchange.ParseFilterValue(o.ActivatePrice),
		CallbackRate:    exchange.ParseFilterValue(o.PriceRate),
		OrigQty:         exchange.ParseFilterValue(o.OrigQuantity),
		ExecutedQty:     exchange.ParseFilterValue(o.ExecutedQuantity),
		ReduceOnly:      o.ReduceOnly,
		CreatedAt:       exchange.FirstTimestamp(o.Time, o.UpdateTime),
	}
}

func convertCreateResponse(r *futures.CreateOrderResponse) exchange.Order {
	t := exchange.OrderType(r.Type)
	return exchange.Order{
		Symbol:          r.Symbol,
		OrderID:         strconv.FormatInt(r.OrderID, 10),
		ClientOrderID:   r.ClientOrderID,
		Kind:            exchange.KindOf(t),
		Type:            t,
		Side:            exchange.Side(r.Side),
		PositionSide:    exchange.PositionSide(r.PositionSide),
		Status:          string(r.Status),
		Price:           exchange.ParseFilterValue(r.Price),
		StopPrice:       exchange.ParseFilterValue(r.StopPrice),
		ActivationPrice: exchange.ParseFilterValue(r.ActivatePrice),
		CallbackRate:    exchange.ParseFilterValue(r.PriceRate),
		OrigQty:         exchange.ParseFilterValue(r.OrigQuantity),
		ExecutedQty:     exchange.ParseFilterValue(r.ExecutedQuantity),
		ReduceOnly:      r.ReduceOnly,
		CreatedAt:       exchange.FirstTimestamp(r.UpdateTime),
	}
}
