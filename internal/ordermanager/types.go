package ordermanager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"perpguard/internal/gateway/exchange"

	"github.com/shopspring/decimal"
)

// ManagedTradeRequest 是一次托管交易（入场 + 止损 + 追踪止损）的输入。
// Quantity 与 RiskPercent 必须二选一。
type ManagedTradeRequest struct {
	// IntentKey 标识同一笔交易意图，重放时保持不变；为空时由请求字段推导。
	IntentKey string

	Symbol          string
	Side            exchange.Side
	EntryPrice      decimal.Decimal
	OffsetPct       decimal.Decimal
	StopPrice       decimal.Decimal
	ActivationPrice decimal.Decimal
	CallbackRate    decimal.Decimal
	TakeProfitPrice decimal.Decimal

	Leverage    int
	MarginType  exchange.MarginType
	Quantity    decimal.Decimal
	RiskPercent decimal.Decimal
	BalanceKind exchange.BalanceKind

	PositionSide exchange.PositionSide
	WorkingType  exchange.WorkingType
	TimeInForce  exchange.TimeInForce
	ReduceOnly   bool
}

func (r ManagedTradeRequest) validate() error {
	switch {
	case strings.TrimSpace(r.Symbol) == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	case !r.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidRequest, r.Side)
	case r.EntryPrice.Sign() <= 0 || r.StopPrice.Sign() <= 0:
		return fmt.Errorf("%w: entry and stop must be positive", ErrInvalidRequest)
	case r.Quantity.Sign() > 0 && r.RiskPercent.Sign() > 0:
		return fmt.Errorf("%w: quantity and risk percent are mutually exclusive", ErrInvalidRequest)
	case r.Quantity.Sign() <= 0 && r.RiskPercent.Sign() <= 0:
		return fmt.Errorf("%w: either quantity or risk percent is required", ErrInvalidRequest)
	case r.OffsetPct.Sign() < 0 || r.OffsetPct.GreaterThanOrEqual(decimal.NewFromInt(100)):
		return fmt.Errorf("%w: offset percent %s out of range", ErrInvalidRequest, r.OffsetPct)
	}
	if r.Side == exchange.SideBuy && r.StopPrice.GreaterThanOrEqual(r.EntryPrice) {
		return fmt.Errorf("%w: long stop %s must be below entry %s", ErrInvalidRequest, r.StopPrice, r.EntryPrice)
	}
	if r.Side == exchange.SideSell && r.StopPrice.LessThanOrEqual(r.EntryPrice) {
		return fmt.Errorf("%w: short stop %s must be above entry %s", ErrInvalidRequest, r.StopPrice, r.EntryPrice)
	}
	return nil
}

func (r ManagedTradeRequest) intentKey() string {
	if k := strings.TrimSpace(r.IntentKey); k != "" {
		return k
	}
	return strings.Join([]string{
		r.Symbol, string(r.Side), r.EntryPrice.String(), r.StopPrice.String(),
		r.Quantity.String(), r.RiskPercent.String(), r.OffsetPct.String(),
	}, "|")
}

// PlacementResult 是一次托管下单的结果，未到达的步骤对应字段为 nil。
type PlacementResult struct {
	Success      bool            `json:"success"`
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	Entry        *exchange.Order `json:"entry"`
	Stop         *exchange.Order `json:"stop"`
	Trailing     *exchange.Order `json:"trailing"`
	TakeProfit   *exchange.Order `json:"take_profit,omitempty"`
	RolledBack   bool            `json:"rolled_back,omitempty"`
	// PositionOpen 为 true 表示失败时仓位已开（或无法确认），订单未回滚。
	PositionOpen bool            `json:"position_open,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// Abandoned 报告下单失败且交易所上没有留下本次的仓位或挂单。
func (r PlacementResult) Abandoned() bool {
	if r.Success || r.PositionOpen {
		return false
	}
	return r.RolledBack || r.Entry == nil
}

// filled 返回已经完成的步骤数，包括响应丢失后按持仓认定成交的入场单。
func (r PlacementResult) filled() int {
	n := 0
	for _, o := range []*exchange.Order{r.Entry, r.Stop, r.Trailing, r.TakeProfit} {
		if o != nil {
			n++
		}
	}
	return n
}

// placed 返回本次已经拿到订单号的订单，按下单顺序。
func (r PlacementResult) placed() []exchange.Order {
	out := make([]exchange.Order, 0, 4)
	for _, o := range []*exchange.Order{r.Entry, r.Stop, r.Trailing, r.TakeProfit} {
		if o != nil && o.OrderID != "" {
			out = append(out, *o)
		}
	}
	return out
}

type ReconcileAction string

const (
	ActionStrayCancelled ReconcileAction = "stray-cancelled"
	ActionTTLExpired     ReconcileAction = "ttl-expired"
	ActionRearmed        ReconcileAction = "re-armed"
	ActionNoAction       ReconcileAction = "no-action"
	ActionRolledBack     ReconcileAction = "rolled-back"
	ActionUnprotected    ReconcileAction = "unprotected"
	ActionFailed         ReconcileAction = "failed"
)

// ReconcileEvent 记录一次对账（或回滚）对某个合约采取的动作。
type ReconcileEvent struct {
	Symbol string          `json:"symbol"`
	Action ReconcileAction `json:"action"`
	Detail string          `json:"detail,omitempty"`
	Error  string          `json:"error,omitempty"`
	At     time.Time       `json:"at"`
}

// EventSink 接收对账事件。实现必须自行处理失败，不能阻塞交易流程太久。
type EventSink interface {
	RecordEvent(ctx context.Context, ev ReconcileEvent) error
}

type EventSinkFunc func(ctx context.Context, ev ReconcileEvent) error

func (f EventSinkFunc) RecordEvent(ctx context.Context, ev ReconcileEvent) error { return f(ctx, ev) }

// ProtectionPlan 是托管交易成功后保存的原始保护参数，用于精确重挂。
type ProtectionPlan struct {
	Symbol          string          `json:"symbol"`
	Side            exchange.Side   `json:"side"`
	StopPrice       decimal.Decimal `json:"stop_price"`
	ActivationPrice decimal.Decimal `json:"activation_price"`
	CallbackRate    decimal.Decimal `json:"callback_rate"`
	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// PlanStore 持久化每个合约的保护计划。
type PlanStore interface {
	SavePlan(ctx context.Context, plan ProtectionPlan) error
	LoadPlan(ctx context.Context, symbol string) (ProtectionPlan, bool, error)
	DeletePlan(ctx context.Context, symbol string) error
}
