package dealflow

import (
	"fmt"

	"perpguard/internal/gateway/exchange"
	"perpguard/internal/ordermanager"

	"github.com/shopspring/decimal"
)

// PlannerConfig 描述如何把 Deal 转成托管下单请求（对应配置 deal 段）。
type PlannerConfig struct {
	OffsetPct   decimal.Decimal
	RiskPercent decimal.Decimal
	Leverage    int
	MarginType  exchange.MarginType
	BalanceKind exchange.BalanceKind

	// ActivationPart: 追踪止损激活距离占止损距离的比例。
	ActivationPart decimal.Decimal
	// CallbackPart: 追踪回调幅度占止损距离(%)的比例。
	CallbackPart    decimal.Decimal
	PlaceTakeProfit bool

	PositionSide exchange.PositionSide
	WorkingType  exchange.WorkingType
	TimeInForce  exchange.TimeInForce
}

type Planner struct {
	cfg PlannerConfig
}

func NewPlanner(cfg PlannerConfig) Planner { return Planner{cfg: cfg} }

// Request 计算追踪止损参数并组装下单请求：
//
//	activation = entry * (1 ± ActivationPart * stopDist% / 100)
//	callback   = round(CallbackPart * stopDist%, 1)
func (p Planner) Request(d Deal) ordermanager.ManagedTradeRequest {
	stopDist := d.StopDistancePct()
	move := decimal.NewFromInt(1).Add(p.cfg.ActivationPart.Mul(stopDist).Div(hundred))
	if d.Direction == Short {
		move = decimal.NewFromInt(1).Sub(p.cfg.ActivationPart.Mul(stopDist).Div(hundred))
	}
	req := ordermanager.ManagedTradeRequest{
		Symbol:          d.Pair,
		Side:            d.Side(),
		EntryPrice:      d.EntryPrice,
		OffsetPct:       p.cfg.OffsetPct,
		StopPrice:       d.StopPrice,
		ActivationPrice: d.EntryPrice.Mul(move),
		CallbackRate:    p.cfg.CallbackPart.Mul(stopDist).Round(1),
		Leverage:        p.cfg.Leverage,
		MarginType:      p.cfg.MarginType,
		RiskPercent:     p.cfg.RiskPercent,
		BalanceKind:     p.cfg.BalanceKind,
		PositionSide:    p.cfg.PositionSide,
		WorkingType:     p.cfg.WorkingType,
		TimeInForce:     p.cfg.TimeInForce,
		ReduceOnly:      true,
	}
	if p.cfg.PlaceTakeProfit && d.TakePrice.Sign() > 0 {
		req.TakeProfitPrice = d.TakePrice
	}
	if d.ID > 0 {
		req.IntentKey = fmt.Sprintf("deal:%d", d.ID)
	}
	return req
}
