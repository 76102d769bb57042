// Package dealflow 把信号侧产生的交易（Deal）接入托管下单：风控闸门、连亏熔断、
// 持久化、下单、通知，以及平仓结果回写。
package dealflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"perpguard/internal/gateway/exchange"
	"perpguard/internal/pkg/symbol"
	storemodel "perpguard/internal/store/model"

	"github.com/shopspring/decimal"
)

type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

var (
	ErrInvalidDeal    = errors.New("invalid deal")
	ErrGateRejected   = errors.New("deal rejected by limits")
	ErrCooldownActive = errors.New("cooldown active")
)

var hundred = decimal.NewFromInt(100)

// Deal 是一笔待执行的交易信号。
type Deal struct {
	ID         int64           `json:"id,omitempty"`
	Pair       string          `json:"pair"`
	Timeframe  string          `json:"timeframe"`
	Direction  Direction       `json:"direction"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	TakePrice  decimal.Decimal `json:"take_price"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	OpenedAt   time.Time       `json:"opened_at"`
}

// Normalize 统一交易对写法为交易所格式（BTCUSDT），方向转小写。
func (d Deal) Normalize() Deal {
	d.Pair = symbol.Binance.ToExchange(strings.TrimSpace(d.Pair))
	d.Direction = Direction(strings.ToLower(strings.TrimSpace(string(d.Direction))))
	return d
}

func (d Deal) Validate() error {
	switch {
	case d.Pair == "":
		return fmt.Errorf("%w: pair is required", ErrInvalidDeal)
	case !symbol.IsValid(d.Pair):
		return fmt.Errorf("%w: unrecognized pair %q", ErrInvalidDeal, d.Pair)
	case d.Direction != Long && d.Direction != Short:
		return fmt.Errorf("%w: direction %q", ErrInvalidDeal, d.Direction)
	case d.EntryPrice.Sign() <= 0 || d.StopPrice.Sign() <= 0:
		return fmt.Errorf("%w: entry and stop must be positive", ErrInvalidDeal)
	}
	if d.Direction == Long && d.StopPrice.GreaterThanOrEqual(d.EntryPrice) {
		return fmt.Errorf("%w: long stop must be below entry", ErrInvalidDeal)
	}
	if d.Direction == Short && d.StopPrice.LessThanOrEqual(d.EntryPrice) {
		return fmt.Errorf("%w: short stop must be above entry", ErrInvalidDeal)
	}
	if d.TakePrice.Sign() > 0 {
		if d.Direction == Long && d.TakePrice.LessThanOrEqual(d.EntryPrice) {
			return fmt.Errorf("%w: long take must be above entry", ErrInvalidDeal)
		}
		if d.Direction == Short && d.TakePrice.GreaterThanOrEqual(d.EntryPrice) {
			return fmt.Errorf("%w: short take must be below entry", ErrInvalidDeal)
		}
	}
	return nil
}

func (d Deal) Side() exchange.Side {
	if d.Direction == Short {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// StopDistancePct = |entry - stop| / entry * 100
func (d Deal) StopDistancePct() decimal.Decimal {
	return distancePct(d.EntryPrice, d.StopPrice)
}

func (d Deal) TakeDistancePct() decimal.Decimal {
	if d.TakePrice.Sign() <= 0 {
		return decimal.Zero
	}
	return distancePct(d.EntryPrice, d.TakePrice)
}

// ProfitLossRatio 是止盈距离与止损距离之比，保留两位小数。
func (d Deal) ProfitLossRatio() decimal.Decimal {
	stop := d.StopDistancePct()
	if stop.Sign() <= 0 {
		return decimal.Zero
	}
	return d.TakeDistancePct().Div(stop).Round(2)
}

func distancePct(entry, other decimal.Decimal) decimal.Decimal {
	if entry.Sign() <= 0 {
		return decimal.Zero
	}
	return entry.Sub(other).Abs().Div(entry).Mul(hundred)
}

func (d Deal) model() *storemodel.DealModel {
	return &storemodel.DealModel{
		Pair:            d.Pair,
		Timeframe:       d.Timeframe,
		Direction:       string(d.Direction),
		EntryPrice:      d.EntryPrice,
		TakePrice:       d.TakePrice,
		StopPrice:       d.StopPrice,
		TakeDistancePct: d.TakeDistancePct().Round(4),
		StopDistancePct: d.StopDistancePct().Round(4),
		Status:          storemodel.DealStatusActive,
		OpenedAt:        d.OpenedAt,
	}
}

func dealFromModel(m *storemodel.DealModel) Deal {
	return Deal{
		ID:         m.ID,
		Pair:       m.Pair,
		Timeframe:  m.Timeframe,
		Direction:  Direction(m.Direction),
		EntryPrice: m.EntryPrice,
		TakePrice:  m.TakePrice,
		StopPrice:  m.StopPrice,
		OpenedAt:   m.OpenedAt,
	}
}
