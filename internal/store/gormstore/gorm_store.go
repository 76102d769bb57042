package gormstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"perpguard/internal/gateway/exchange"
	"perpguard/internal/ordermanager"
	"perpguard/internal/store"
	storemodel "perpguard/internal/store/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type (
	dealModel      = storemodel.DealModel
	placementModel = storemodel.PlacementModel
	planModel      = storemodel.ProtectionPlanModel
)

// GormStore 基于 Gorm + SQLite 保存交易、下单结果与保护计划。
type GormStore struct {
	db    *gorm.DB
	nowFn func() time.Time
}

var (
	_ store.Store            = (*GormStore)(nil)
	_ ordermanager.PlanStore = (*GormStore)(nil)
)

// NewGormStore 打开（必要时创建）数据库文件并迁移表结构。
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 数据库路径不能为空")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&dealModel{}, &placementModel{}, &planModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a couple of connections for concurrent HTTP reads
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db, nowFn: time.Now}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLDB exposes the underlying *sql.DB for shared connections.
func (s *GormStore) SQLDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	return s.db.DB()
}

// --------------------- Deals -------------------------

func (s *GormStore) CreateDeal(ctx context.Context, deal *dealModel) error {
	if deal == nil {
		return errors.New("deal cannot be nil")
	}
	if deal.Status == "" {
		deal.Status = storemodel.DealStatusActive
	}
	if deal.OpenedAt.IsZero() {
		deal.OpenedAt = s.nowFn()
	}
	return s.db.WithContext(ctx).Create(deal).Error
}

func (s *GormStore) GetDeal(ctx context.Context, id int64) (*dealModel, error) {
	var deal dealModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&deal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("deal %d: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &deal, nil
}

func (s *GormStore) FinishDeal(ctx context.Context, id int64, status storemodel.DealStatus, at time.Time) (*dealModel, error) {
	if !status.Finished() {
		return nil, fmt.Errorf("deal %d: invalid final status %q", id, status)
	}
	if at.IsZero() {
		at = s.nowFn()
	}
	var out dealModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&out).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("deal %d: %w", id, store.ErrNotFound)
			}
			return err
		}
		if out.Status != storemodel.DealStatusActive {
			return fmt.Errorf("deal %d is %s: %w", id, out.Status, store.ErrDealNotActive)
		}
		out.Status = status
		out.FinishedAt = &at
		return tx.Model(&dealModel{}).Where("id = ?", id).Updates(map[string]interface{}{
			"status":      status,
			"finished_at": at,
			"updated_at":  s.nowFn(),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *GormStore) ListDeals(ctx context.Context, q store.DealQuery) ([]dealModel, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Model(&dealModel{})
	if q.Pair != "" {
		query = query.Where("pair = ?", q.Pair)
	}
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}
	var deals []dealModel
	if err := query.Order("opened_at DESC, id DESC").Limit(limit).Find(&deals).Error; err != nil {
		return nil, err
	}
	return deals, nil
}

func (s *GormStore) ActiveDealCounts(ctx context.Context, pair string) (store.DealCounts, error) {
	type row struct {
		Pair      string
		Direction string
		N         int
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&dealModel{}).
		Select("pair, direction, COUNT(*) AS n").
		Where("status = ?", storemodel.DealStatusActive).
		Group("pair, direction").
		Scan(&rows).Error
	if err != nil {
		return store.DealCounts{}, err
	}
	var counts store.DealCounts
	for _, r := range rows {
		counts.Total += r.N
		if r.Pair == pair {
			counts.Pair += r.N
		}
		switch r.Direction {
		case "long":
			counts.Longs += r.N
		case "short":
			counts.Shorts += r.N
		}
	}
	return counts, nil
}

func (s *GormStore) LastOutcomeTimes(ctx context.Context, status storemodel.DealStatus, limit int) ([]time.Time, error) {
	if limit <= 0 {
		return nil, nil
	}
	var deals []dealModel
	err := s.db.WithContext(ctx).
		Where("status = ? AND finished_at IS NOT NULL", status).
		Order("finished_at DESC, id DESC").
		Limit(limit).
		Find(&deals).Error
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, len(deals))
	for i := len(deals) - 1; i >= 0; i-- {
		out = append(out, *deals[i].FinishedAt)
	}
	return out, nil
}

// --------------------- Placements -------------------------

func (s *GormStore) RecordPlacement(ctx context.Context, placement *placementModel) error {
	if placement == nil {
		return errors.New("placement cannot be nil")
	}
	if placement.CreatedAt.IsZero() {
		placement.CreatedAt = s.nowFn()
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(placement).Error; err != nil {
			return err
		}
		if !placement.Abandoned || placement.DealID == 0 {
			return nil
		}
		now := s.nowFn()
		return tx.Model(&dealModel{}).
			Where("id = ? AND status = ?", placement.DealID, storemodel.DealStatusActive).
			Updates(map[string]interface{}{
				"status":      storemodel.DealStatusCancelled,
				"finished_at": now,
				"updated_at":  now,
			}).Error
	})
}

func (s *GormStore) ListPlacements(ctx context.Context, dealID int64) ([]placementModel, error) {
	var out []placementModel
	if err := s.db.WithContext(ctx).Where("deal_id = ?", dealID).Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// --------------------- Protection plans -------------------------

func (s *GormStore) SavePlan(ctx context.Context, plan ordermanager.ProtectionPlan) error {
	m := planModel{
		Symbol:          plan.Symbol,
		Side:            string(plan.Side),
		StopPrice:       plan.StopPrice,
		ActivationPrice: plan.ActivationPrice,
		CallbackRate:    plan.CallbackRate,
		TakeProfitPrice: plan.TakeProfitPrice,
		UpdatedAt:       plan.UpdatedAt,
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = s.nowFn()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"side", "stop_price", "activation_price", "callback_rate", "take_profit_price", "updated_at"}),
	}).Create(&m).Error
}

func (s *GormStore) LoadPlan(ctx context.Context, symbol string) (ordermanager.ProtectionPlan, bool, error) {
	var m planModel
	err := s.db.WithContext(ctx).Where("symbol = ?", symbol).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ordermanager.ProtectionPlan{}, false, nil
	}
	if err != nil {
		return ordermanager.ProtectionPlan{}, false, err
	}
	return ordermanager.ProtectionPlan{
		Symbol:          m.Symbol,
		Side:            exchange.Side(m.Side),
		StopPrice:       m.StopPrice,
		ActivationPrice: m.ActivationPrice,
		CallbackRate:    m.CallbackRate,
		TakeProfitPrice: m.TakeProfitPrice,
		UpdatedAt:       m.UpdatedAt,
	}, true, nil
}

func (s *GormStore) DeletePlan(ctx context.Context, symbol string) error {
	return s.db.WithContext(ctx).Where("symbol = ?", symbol).Delete(&planModel{}).Error
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
