// Package exchange 定义永续合约交易所连接器的能力接口与共享逻辑（过滤器缓存、量化、风险定仓）。
// 连接器边界以外一律使用这里的显式类型，原始 JSON 只在反序列化处出现。
package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

type OrderType string

const (
	OrderTypeLimit              OrderType = "LIMIT"
	OrderTypeMarket             OrderType = "MARKET"
	OrderTypeStop               OrderType = "STOP"
	OrderTypeStopMarket         OrderType = "STOP_MARKET"
	OrderTypeTakeProfit         OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitMarket   OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeTrailingStopMarket OrderType = "TRAILING_STOP_MARKET"
)

// OrderKind 是订单在托管交易中的角色。
type OrderKind string

const (
	KindEntry        OrderKind = "entry"
	KindStopLoss     OrderKind = "stop"
	KindTakeProfit   OrderKind = "take_profit"
	KindTrailingStop OrderKind = "trailing"
	KindOther        OrderKind = "other"
)

type PositionSide string

const (
	PositionSideBoth  PositionSide = "BOTH"
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

type WorkingType string

const (
	WorkingTypeMarkPrice     WorkingType = "MARK_PRICE"
	WorkingTypeContractPrice WorkingType = "CONTRACT_PRICE"
)

type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
	TimeInForceGTX TimeInForce = "GTX"
)

type MarginType string

const (
	MarginTypeIsolated MarginType = "ISOLATED"
	MarginTypeCrossed  MarginType = "CROSSED"
)

// BalanceKind 选择用于风险定仓的余额口径。
type BalanceKind string

const (
	BalanceAvailable  BalanceKind = "available"
	BalanceWallet     BalanceKind = "wallet"
	BalanceCollateral BalanceKind = "collateral"
)

// SymbolFilters 描述单个合约的下单约束，TTL 内不可变。
type SymbolFilters struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
	FetchedAt   time.Time
}

// OrderIntent 是一笔待下的交易所订单。重试时原样重放，价格与数量不会重新计算。
type OrderIntent struct {
	Kind            OrderKind
	Symbol          string
	Side            Side
	PositionSide    PositionSide
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	StopPrice       decimal.Decimal
	ActivationPrice decimal.Decimal
	CallbackRate    decimal.Decimal
	ReduceOnly      bool
	WorkingType     WorkingType
	TimeInForce     TimeInForce
	ClientOrderID   string
}

// Order 是交易所返回的订单记录。OrderID 统一为字符串，条件单（Conditional）在
// 组合保证金账户下走独立的撤单接口。
type Order struct {
	Symbol          string          `json:"symbol"`
	OrderID         string          `json:"order_id"`
	ClientOrderID   string          `json:"client_order_id,omitempty"`
	Kind            OrderKind       `json:"kind"`
	Type            OrderType       `json:"type"`
	Side            Side            `json:"side"`
	PositionSide    PositionSide    `json:"position_side,omitempty"`
	Status          string          `json:"status,omitempty"`
	Price           decimal.Decimal `json:"price"`
	StopPrice       decimal.Decimal `json:"stop_price"`
	ActivationPrice decimal.Decimal `json:"activation_price"`
	CallbackRate    decimal.Decimal `json:"callback_rate"`
	OrigQty         decimal.Decimal `json:"orig_qty"`
	ExecutedQty     decimal.Decimal `json:"executed_qty"`
	ReduceOnly      bool            `json:"reduce_only"`
	Conditional     bool            `json:"conditional,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (o Order) IsEntry() bool      { return IsEntryType(o.Type) }
func (o Order) IsProtection() bool { return IsProtectionType(o.Type) }

// Age 返回订单存活时长；缺少时间戳时视为刚创建。
func (o Order) Age(now time.Time) time.Duration {
	if o.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(o.CreatedAt)
}

// Position 是单个合约的持仓快照，Amount 带符号（空头为负）。
type Position struct {
	Symbol       string          `json:"symbol"`
	Amount       decimal.Decimal `json:"amount"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	MarkPrice    decimal.Decimal `json:"mark_price"`
	PositionSide PositionSide    `json:"position_side,omitempty"`
}

func (p Position) IsFlat() bool { return p.Amount.IsZero() }

func (p Position) Size() decimal.Decimal { return p.Amount.Abs() }

// EntrySide 返回开出该仓位的方向：多头为 BUY，空头为 SELL。
func (p Position) EntrySide() Side {
	if p.Amount.Sign() < 0 {
		return SideSell
	}
	return SideBuy
}

// RiskSizing 是按账户风险比例定仓的输入。
type RiskSizing struct {
	Symbol      string
	Entry       decimal.Decimal
	Stop        decimal.Decimal
	RiskPercent decimal.Decimal
	Balance     BalanceKind
}

func IsEntryType(t OrderType) bool {
	return t == OrderTypeLimit
}

func IsTrailingType(t OrderType) bool {
	return t == OrderTypeTrailingStopMarket
}

func IsStopType(t OrderType) bool {
	return t == OrderTypeStop || t == OrderTypeStopMarket
}

func IsTakeProfitType(t OrderType) bool {
	return t == OrderTypeTakeProfit || t == OrderTypeTakeProfitMarket
}

func IsProtectionType(t OrderType) bool {
	return IsStopType(t) || IsTakeProfitType(t) || IsTrailingType(t)
}

// KindOf 从订单类型推断托管角色。
func KindOf(t OrderType) OrderKind {
	switch {
	case IsEntryType(t):
		return KindEntry
	case IsStopType(t):
		return KindStopLoss
	case IsTakeProfitType(t):
		return KindTakeProfit
	case IsTrailingType(t):
		return KindTrailingStop
	default:
		return KindOther
	}
}

// FirstTimestamp 按顺序返回第一个非零的毫秒时间戳（time → transactTime → updateTime → workingTime）。
func FirstTimestamp(millis ...int64) time.Time {
	for _, ms := range millis {
		if ms > 0 {
			return time.UnixMilli(ms)
		}
	}
	return time.Time{}
}
