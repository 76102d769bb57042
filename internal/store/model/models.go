package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type DealStatus string

const (
	DealStatusActive    DealStatus = "active"
	DealStatusWin       DealStatus = "win"
	DealStatusLoss      DealStatus = "loss"
	DealStatusCancelled DealStatus = "cancelled"
)

func (s DealStatus) Finished() bool {
	return s == DealStatusWin || s == DealStatusLoss || s == DealStatusCancelled
}

type DealModel struct {
	ID              int64           `gorm:"column:id;primaryKey;autoIncrement"`
	Pair            string          `gorm:"column:pair;index"`
	Timeframe       string          `gorm:"column:timeframe"`
	Direction       string          `gorm:"column:direction"`
	EntryPrice      decimal.Decimal `gorm:"column:entry_price;type:TEXT"`
	TakePrice       decimal.Decimal `gorm:"column:take_price;type:TEXT"`
	StopPrice       decimal.Decimal `gorm:"column:stop_price;type:TEXT"`
	TakeDistancePct decimal.Decimal `gorm:"column:take_distance_pct;type:TEXT"`
	StopDistancePct decimal.Decimal `gorm:"column:stop_distance_pct;type:TEXT"`
	Status          DealStatus      `gorm:"column:status;index"`
	OpenedAt        time.Time       `gorm:"column:opened_at"`
	FinishedAt      *time.Time      `gorm:"column:finished_at"`
	CreatedAt       time.Time       `gorm:"column:created_at"`
	UpdatedAt       time.Time       `gorm:"column:updated_at"`
}

func (DealModel) TableName() string { return "deals" }

// PlacementModel 记录一次托管下单的结果，RawJSON 保存完整的下单结果。
// Abandoned 表示失败且交易所上没有留下仓位或挂单，此时对应交易被取消。
type PlacementModel struct {
	ID                int64          `gorm:"column:id;primaryKey;autoIncrement"`
	DealID            int64          `gorm:"column:deal_id;index"`
	Symbol            string         `gorm:"column:symbol"`
	Success           bool           `gorm:"column:success"`
	PositionOpen      bool           `gorm:"column:position_open"`
	Abandoned         bool           `gorm:"column:abandoned"`
	Message           string         `gorm:"column:message"`
	EntryOrderID      string         `gorm:"column:entry_order_id"`
	StopOrderID       string         `gorm:"column:stop_order_id"`
	TrailingOrderID   string         `gorm:"column:trailing_order_id"`
	TakeProfitOrderID string         `gorm:"column:take_profit_order_id"`
	RawJSON           datatypes.JSON `gorm:"column:raw_json;type:TEXT"`
	CreatedAt         time.Time      `gorm:"column:created_at"`
}

func (PlacementModel) TableName() string { return "placements" }

type ProtectionPlanModel struct {
	ID              int64           `gorm:"column:id;primaryKey;autoIncrement"`
	Symbol          string          `gorm:"column:symbol;uniqueIndex"`
	Side            string          `gorm:"column:side"`
	StopPrice       decimal.Decimal `gorm:"column:stop_price;type:TEXT"`
	ActivationPrice decimal.Decimal `gorm:"column:activation_price;type:TEXT"`
	CallbackRate    decimal.Decimal `gorm:"column:callback_rate;type:TEXT"`
	TakeProfitPrice decimal.Decimal `gorm:"column:take_profit_price;type:TEXT"`
	UpdatedAt       time.Time       `gorm:"column:updated_at"`
}

func (ProtectionPlanModel) TableName() string { return "protection_plans" }
