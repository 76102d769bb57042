package store

import (
	"context"
	"errors"
	"time"

	"perpguard/internal/ordermanager"
	"perpguard/internal/store/model"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrDealNotActive = errors.New("deal is not active")
)

// DealCounts 是开仓前风控校验使用的活跃交易计数。
type DealCounts struct {
	Total  int `json:"total"`
	Pair   int `json:"pair"`
	Longs  int `json:"longs"`
	Shorts int `json:"shorts"`
}

type DealQuery struct {
	Pair   string
	Status model.DealStatus
	Limit  int
}

// DealStore 持久化交易信号及其下单结果。
type DealStore interface {
	CreateDeal(ctx context.Context, deal *model.DealModel) error
	GetDeal(ctx context.Context, id int64) (*model.DealModel, error)
	// FinishDeal 把活跃交易标记为 win/loss/cancelled，非活跃交易返回 ErrDealNotActive。
	FinishDeal(ctx context.Context, id int64, status model.DealStatus, at time.Time) (*model.DealModel, error)
	ListDeals(ctx context.Context, q DealQuery) ([]model.DealModel, error)
	ActiveDealCounts(ctx context.Context, pair string) (DealCounts, error)
	// LastOutcomeTimes 返回最近 limit 条指定结果的结束时间，按时间升序。
	LastOutcomeTimes(ctx context.Context, status model.DealStatus, limit int) ([]time.Time, error)
	// RecordPlacement 保存下单结果；失败的下单同时把交易标记为 cancelled。
	RecordPlacement(ctx context.Context, placement *model.PlacementModel) error
	ListPlacements(ctx context.Context, dealID int64) ([]model.PlacementModel, error)
	Close() error
}

// Store 聚合交易存储与保护计划存储。
type Store interface {
	DealStore
	ordermanager.PlanStore
}

// EventStore 是对账事件流水。
type EventStore interface {
	ordermanager.EventSink
	Recent(ctx context.Context, symbol string, limit int) ([]ordermanager.ReconcileEvent, error)
	Close() error
}
