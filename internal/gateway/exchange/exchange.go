package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// Connector 是订单管理器依赖的交易所能力集合，经典账户与组合保证金账户各有一个实现。
type Connector interface {
	Name() string

	Filters(ctx context.Context, symbol string) (SymbolFilters, error)
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)

	Position(ctx context.Context, symbol string) (Position, error)
	NonZeroPositionSymbols(ctx context.Context) ([]string, error)

	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
	AllOpenOrders(ctx context.Context) ([]Order, error)
	CancelOrder(ctx context.Context, order Order) error
	CancelAllOpenOrders(ctx context.Context, symbol string) error

	Balance(ctx context.Context, kind BalanceKind) (decimal.Decimal, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol string, marginType MarginType) error

	PlaceLimitEntry(ctx context.Context, intent OrderIntent) (Order, error)
	PlaceStopLoss(ctx context.Context, intent OrderIntent) (Order, error)
	PlaceTakeProfit(ctx context.Context, intent OrderIntent) (Order, error)
	PlaceTrailingStop(ctx context.Context, intent OrderIntent) (Order, error)

	ComputeQuantityByRisk(ctx context.Context, req RiskSizing) (decimal.Decimal, error)
}

// Place 按 intent.Kind 分派到对应的下单方法。
func Place(ctx context.Context, c Connector, intent OrderIntent) (Order, error) {
	switch intent.Kind {
	case KindEntry:
		return c.PlaceLimitEntry(ctx, intent)
	case KindStopLoss:
		return c.PlaceStopLoss(ctx, intent)
	case KindTakeProfit:
		return c.PlaceTakeProfit(ctx, intent)
	case KindTrailingStop:
		return c.PlaceTrailingStop(ctx, intent)
	default:
		return Order{}, &APIError{Op: "place", Message: "unsupported order kind " + string(intent.Kind), Class: ClassValidation}
	}
}
