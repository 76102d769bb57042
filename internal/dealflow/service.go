package dealflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"perpguard/internal/cooldown"
	"perpguard/internal/gateway/notifier"
	"perpguard/internal/logger"
	"perpguard/internal/ordermanager"
	"perpguard/internal/store"
	storemodel "perpguard/internal/store/model"
)

// TradeManager 是 Service 需要的订单管理能力，由 *ordermanager.Manager 实现。
type TradeManager interface {
	PlaceManagedTrade(ctx context.Context, req ordermanager.ManagedTradeRequest) (ordermanager.PlacementResult, error)
	CleanupAll(ctx context.Context, pairs []string) ([]ordermanager.ReconcileEvent, error)
}

var _ TradeManager = (*ordermanager.Manager)(nil)

// SubmitResult 是一次 Submit 的输出，Placement 在闸门/熔断拒绝时为空。
type SubmitResult struct {
	Deal      Deal                          `json:"deal"`
	Placement *ordermanager.PlacementResult `json:"placement,omitempty"`
}

type Service struct {
	deals    store.DealStore
	trader   TradeManager
	cooldown *cooldown.Breaker
	gate     Gate
	planner  Planner
	notify   notifier.TextNotifier
	pairs    []string
	nowFn    func() time.Time
}

type ServiceParams struct {
	Deals    store.DealStore
	Trader   TradeManager
	Cooldown *cooldown.Breaker
	Gate     Gate
	Planner  Planner
	Notifier notifier.TextNotifier
	// Pairs 是每次清理都要检查的交易对。
	Pairs []string
}

func NewService(p ServiceParams) *Service {
	n := p.Notifier
	if n == nil {
		n = notifier.Nop{}
	}
	return &Service{
		deals:    p.Deals,
		trader:   p.Trader,
		cooldown: p.Cooldown,
		gate:     p.Gate,
		planner:  p.Planner,
		notify:   n,
		pairs:    append([]string(nil), p.Pairs...),
		nowFn:    time.Now,
	}
}

// Submit: 闸门 -> 熔断 -> 落库 -> 托管下单 -> 记录结果 -> 通知。
// 下单失败且没有留下仓位或挂单时交易被标记为 cancelled；已开仓的交易保持 active，
// 之后照常 RecordOutcome。错误原样返回（可用 errors.Is 判断类别）。
func (s *Service) Submit(ctx context.Context, d Deal) (SubmitResult, error) {
	d = d.Normalize()
	if d.OpenedAt.IsZero() {
		d.OpenedAt = s.nowFn()
	}
	out := SubmitResult{Deal: d}
	if err := d.Validate(); err != nil {
		return out, err
	}
	counts, err := s.deals.ActiveDealCounts(ctx, d.Pair)
	if err != nil {
		return out, fmt.Errorf("count active deals: %w", err)
	}
	if err := s.gate.Check(counts, d); err != nil {
		logger.Infof("dealflow: %s %s rejected: %v", d.Pair, d.Direction, err)
		return out, err
	}
	if s.cooldown != nil && s.cooldown.IsActive() {
		st := s.cooldown.Snapshot()
		return out, fmt.Errorf("%w until %s", ErrCooldownActive, st.Finish.Format(time.DateTime))
	}

	m := d.model()
	if err := s.deals.CreateDeal(ctx, m); err != nil {
		return out, fmt.Errorf("create deal: %w", err)
	}
	d.ID = m.ID
	out.Deal = d

	req := s.planner.Request(d)
	res, placeErr := s.trader.PlaceManagedTrade(ctx, req)
	out.Placement = &res
	if err := s.deals.RecordPlacement(ctx, placementRecord(d.ID, res)); err != nil {
		logger.Errorf("dealflow: record placement for deal %d: %v", d.ID, err)
	}
	_ = s.notify.SendText(placementMessage(d, req, res, s.nowFn()).Markdown())
	if placeErr != nil {
		return out, placeErr
	}
	logger.Infof("dealflow: deal %d %s %s placed", d.ID, d.Pair, d.Direction)
	return out, nil
}

// RecordOutcome 结束一笔交易，并把胜负计入连亏熔断。
func (s *Service) RecordOutcome(ctx context.Context, id int64, status storemodel.DealStatus, at time.Time) (*storemodel.DealModel, error) {
	if status != storemodel.DealStatusWin && status != storemodel.DealStatusLoss {
		return nil, fmt.Errorf("%w: outcome must be win or loss, got %q", ErrInvalidDeal, status)
	}
	if at.IsZero() {
		at = s.nowFn()
	}
	deal, err := s.deals.FinishDeal(ctx, id, status, at)
	if err != nil {
		return nil, err
	}
	if s.cooldown != nil {
		s.cooldown.RecordResult(status == storemodel.DealStatusWin, at)
	}
	return deal, nil
}

// Sweep 对配置的交易对以及所有有持仓/挂单的合约执行一次对账清理。
func (s *Service) Sweep(ctx context.Context) ([]ordermanager.ReconcileEvent, error) {
	events, err := s.trader.CleanupAll(ctx, s.pairs)
	for _, ev := range events {
		switch ev.Action {
		case ordermanager.ActionRearmed, ordermanager.ActionFailed, ordermanager.ActionStrayCancelled:
			_ = s.notify.SendText(reconcileMessage(ev).Markdown())
		}
	}
	if err != nil {
		logger.Warnf("dealflow: sweep finished with errors: %v", err)
	}
	return events, err
}

func (s *Service) Cooldown() *cooldown.Breaker { return s.cooldown }

// SeedCooldown 用库中最近的被统计结果初始化熔断窗口。
func SeedCooldown(ctx context.Context, deals store.DealStore, cd *cooldown.Breaker) error {
	if cd == nil {
		return nil
	}
	st := cd.Snapshot()
	status := storemodel.DealStatusLoss
	if st.Tracking == "win" {
		status = storemodel.DealStatusWin
	}
	history, err := deals.LastOutcomeTimes(ctx, status, st.LossQuantity)
	if err != nil {
		return fmt.Errorf("load %s history: %w", status, err)
	}
	cd.Seed(history)
	return nil
}

func placementRecord(dealID int64, res ordermanager.PlacementResult) *storemodel.PlacementModel {
	raw, err := json.Marshal(res)
	if err != nil {
		raw = nil
	}
	return &storemodel.PlacementModel{
		DealID:            dealID,
		Symbol:            res.Symbol,
		Success:           res.Success,
		PositionOpen:      res.PositionOpen,
		Abandoned:         res.Abandoned(),
		Message:           res.Message,
		EntryOrderID:      orderID(res.Entry),
		StopOrderID:       orderID(res.Stop),
		TrailingOrderID:   orderID(res.Trailing),
		TakeProfitOrderID: orderID(res.TakeProfit),
		RawJSON:           raw,
	}
}

// IsRejection 报告错误是否属于业务拒绝（而不是交易所或存储故障）。
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidDeal) || errors.Is(err, ErrGateRejected) || errors.Is(err, ErrCooldownActive)
}
