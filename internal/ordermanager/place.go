package ordermanager

import (
	"context"
	"errors"
	"fmt"

	"perpguard/internal/gateway/exchange"
	"perpguard/internal/logger"
	"perpguard/internal/pkg/quant"
	"perpguard/internal/pkg/symbol"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

// PlaceManagedTrade 下一笔托管交易：限价入场、止损、追踪止损（可选止盈）。
//
// 每一步独立重试；已拿到订单号的步骤在重试或重放时不会重复下单。
// 失败时若仓位仍为零则回滚本次下的订单；若已经开仓则只报告，不自动撤单。
func (m *Manager) PlaceManagedTrade(ctx context.Context, req ManagedTradeRequest) (res PlacementResult, err error) {
	req.Symbol = symbol.Binance.ToExchange(req.Symbol)
	res.Symbol = req.Symbol
	defer func() {
		if err != nil {
			res.Success = false
			res.Message = err.Error()
		}
	}()

	if err = req.validate(); err != nil {
		return res, err
	}
	if !m.breaker.Allow() {
		return res, fmt.Errorf("%w: %s", ErrAccountHalted, m.breaker.Reason())
	}
	ctx, calls := trackCalls(ctx)
	defer m.settleBreaker(calls, &err)

	release, err := m.locks.acquire(ctx, req.Symbol, m.cfg.LockTimeout)
	if err != nil {
		return res, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.PlacementTimeout)
	defer cancel()

	key := req.intentKey()
	if prev, ok := m.loadProgress(key); ok {
		logger.Infof("ordermanager: resuming %s placement, %d steps already done", req.Symbol, prev.filled())
		res = prev
		res.Message = ""
		res.PositionOpen = false
	}

	var filters exchange.SymbolFilters
	if err = m.retry(ctx, req.Symbol, "filters", func(ctx context.Context, _ int) error {
		var ferr error
		filters, ferr = m.conn.Filters(ctx, req.Symbol)
		return ferr
	}); err != nil {
		return res, err
	}

	if res.Entry == nil {
		if err = m.prepareEntry(ctx, req, filters, &res); err != nil {
			return res, err
		}
	}

	var open []exchange.Order
	if err = m.retry(ctx, req.Symbol, "open orders", func(ctx context.Context, _ int) error {
		var oerr error
		open, oerr = m.conn.OpenOrders(ctx, req.Symbol)
		return oerr
	}); err != nil {
		return res, err
	}

	intents := m.buildIntents(key, req, filters, &res)
	for _, st := range intents {
		if *st.slot != nil {
			continue
		}
		order, stepErr := m.placeStep(ctx, st.intent, open)
		if stepErr != nil {
			err = stepErr
			break
		}
		*st.slot = &order
		m.storeProgress(key, res)
	}
	if err != nil {
		return m.handleFailure(ctx, key, req, res, err)
	}

	res.Success = true
	m.clearProgress(key)
	m.savePlan(ctx, req, intents)
	m.journal.Printf("placed symbol=%s side=%s qty=%s price=%s entry=%s stop=%s trailing=%s",
		req.Symbol, req.Side, res.Quantity, res.LimitPrice, orderID(res.Entry), orderID(res.Stop), orderID(res.Trailing))
	logger.Infof("ordermanager: managed trade placed %s %s qty=%s price=%s", req.Symbol, req.Side, res.Quantity, res.LimitPrice)
	return res, nil
}

// prepareEntry 计算数量与限价，并执行滑点、最小下单量校验以及杠杆设置。
func (m *Manager) prepareEntry(ctx context.Context, req ManagedTradeRequest, f exchange.SymbolFilters, res *PlacementResult) error {
	if res.Quantity.Sign() <= 0 {
		qty, err := m.sizeOrder(ctx, req, f)
		if err != nil {
			return err
		}
		res.Quantity = qty
	}
	if res.LimitPrice.Sign() <= 0 {
		res.LimitPrice = exchange.RoundPrice(f, LimitPrice(req.Side, req.EntryPrice, req.OffsetPct))
	}

	var mark decimal.Decimal
	if err := m.retry(ctx, req.Symbol, "mark price", func(ctx context.Context, _ int) error {
		var merr error
		mark, merr = m.conn.MarkPrice(ctx, req.Symbol)
		return merr
	}); err != nil {
		return err
	}
	if dev := quant.PercentDeviation(mark, req.EntryPrice); !m.cfg.DisableSlippageGuard && dev.GreaterThan(m.cfg.MaxSlippagePct) {
		return fmt.Errorf("%w: mark %s deviates %s%% from entry %s (max %s%%)",
			ErrSlippageExceeded, mark, dev.StringFixed(3), req.EntryPrice, m.cfg.MaxSlippagePct)
	}
	if err := exchange.ValidateSize(f, res.LimitPrice, res.Quantity); err != nil {
		return err
	}

	if req.MarginType != "" {
		if err := m.retry(ctx, req.Symbol, "margin type", func(ctx context.Context, _ int) error {
			return m.conn.SetMarginType(ctx, req.Symbol, req.MarginType)
		}); err != nil {
			if errors.Is(err, ErrAccountHalted) {
				return err
			}
			logger.Warnf("ordermanager: set margin type %s on %s failed, continuing: %v", req.MarginType, req.Symbol, err)
		}
	}
	if req.Leverage > 0 {
		if err := m.retry(ctx, req.Symbol, "leverage", func(ctx context.Context, _ int) error {
			return m.conn.SetLeverage(ctx, req.Symbol, req.Leverage)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) sizeOrder(ctx context.Context, req ManagedTradeRequest, f exchange.SymbolFilters) (decimal.Decimal, error) {
	if req.Quantity.Sign() > 0 {
		qty := exchange.RoundQty(f, req.Quantity)
		if qty.Sign() <= 0 {
			return decimal.Zero, fmt.Errorf("%w: quantity %s below min qty %s", ErrBelowMinimumSize, req.Quantity, f.MinQty)
		}
		return qty, nil
	}
	var qty decimal.Decimal
	err := m.retry(ctx, req.Symbol, "sizing", func(ctx context.Context, _ int) error {
		var serr error
		qty, serr = m.conn.ComputeQuantityByRisk(ctx, exchange.RiskSizing{
			Symbol:      req.Symbol,
			Entry:       req.EntryPrice,
			Stop:        req.StopPrice,
			RiskPercent: req.RiskPercent,
			Balance:     req.BalanceKind,
		})
		return serr
	})
	return qty, err
}

// LimitPrice 返回未取整的入场限价：多头 entry*(1-offset%)，空头 entry*(1+offset%)。
func LimitPrice(side exchange.Side, entry, offsetPct decimal.Decimal) decimal.Decimal {
	return quant.OffsetPct(entry, signedOffset(side, offsetPct.Neg()))
}

// signedOffset 把面向多头的偏移百分比转换为对应方向。
func signedOffset(side exchange.Side, longPct decimal.Decimal) decimal.Decimal {
	if side == exchange.SideSell {
		return longPct.Neg()
	}
	return longPct
}

type placementStep struct {
	slot   **exchange.Order
	intent exchange.OrderIntent
}

func (m *Manager) buildIntents(key string, req ManagedTradeRequest, f exchange.SymbolFilters, res *PlacementResult) []placementStep {
	exitSide := req.Side.Opposite()
	callback := req.CallbackRate
	if callback.Sign() <= 0 {
		callback = m.cfg.RearmCallbackRate
	}
	protection := func(kind exchange.OrderKind) exchange.OrderIntent {
		return exchange.OrderIntent{
			Kind:          kind,
			Symbol:        req.Symbol,
			Side:          exitSide,
			PositionSide:  req.PositionSide,
			Quantity:      res.Quantity,
			ReduceOnly:    req.ReduceOnly,
			WorkingType:   req.WorkingType,
			ClientOrderID: ClientOrderID(key, kind),
		}
	}
	entry := exchange.OrderIntent{
		Kind:          exchange.KindEntry,
		Symbol:        req.Symbol,
		Side:          req.Side,
		PositionSide:  req.PositionSide,
		Quantity:      res.Quantity,
		Price:         res.LimitPrice,
		TimeInForce:   req.TimeInForce,
		ClientOrderID: ClientOrderID(key, exchange.KindEntry),
	}
	stop := protection(exchange.KindStopLoss)
	stop.StopPrice = exchange.RoundPrice(f, req.StopPrice)
	trailing := protection(exchange.KindTrailingStop)
	trailing.CallbackRate = quant.ClampCallbackRate(callback)
	if req.ActivationPrice.Sign() > 0 {
		trailing.ActivationPrice = exchange.RoundPrice(f, req.ActivationPrice)
	}

	steps := []placementStep{
		{slot: &res.Entry, intent: entry},
		{slot: &res.Stop, intent: stop},
		{slot: &res.Trailing, intent: trailing},
	}
	if req.TakeProfitPrice.Sign() > 0 {
		tp := protection(exchange.KindTakeProfit)
		tp.StopPrice = exchange.RoundPrice(f, req.TakeProfitPrice)
		steps = append(steps, placementStep{slot: &res.TakeProfit, intent: tp})
	}
	return steps
}

// placeStep 幂等地下一张单：先按客户端订单号认领已存在的挂单，
// 重试前重新查询挂单，入场单还会检查是否已经成交。
func (m *Manager) placeStep(ctx context.Context, intent exchange.OrderIntent, known []exchange.Order) (exchange.Order, error) {
	var placed exchange.Order
	err := m.retry(ctx, intent.Symbol, string(intent.Kind), func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			found, ok, err := m.recoverStep(ctx, intent)
			if err != nil {
				return err
			}
			if ok {
				placed = found
				return nil
			}
		} else if found, ok := findClientOrder(known, intent.ClientOrderID); ok {
			logger.Infof("ordermanager: adopting open %s order %s for %s", intent.Kind, found.OrderID, intent.Symbol)
			placed = found
			return nil
		}
		order, err := exchange.Place(ctx, m.conn, intent)
		if exchange.HasCode(err, exchange.CodeDuplicateClientID) {
			if found, ok, rerr := m.recoverStep(ctx, intent); rerr == nil && ok {
				placed = found
				return nil
			}
		}
		if err != nil {
			return err
		}
		if order.Kind == "" || order.Kind == exchange.KindOther {
			order.Kind = intent.Kind
		}
		placed = order
		return nil
	})
	return placed, err
}

// recoverStep 查询交易所确认上一次尝试是否其实已经成功（响应丢失）。
func (m *Manager) recoverStep(ctx context.Context, intent exchange.OrderIntent) (exchange.Order, bool, error) {
	open, err := m.conn.OpenOrders(ctx, intent.Symbol)
	if err != nil {
		return exchange.Order{}, false, err
	}
	if found, ok := findClientOrder(open, intent.ClientOrderID); ok {
		logger.Infof("ordermanager: %s order %s for %s found after retry", intent.Kind, found.OrderID, intent.Symbol)
		return found, true, nil
	}
	if intent.Kind != exchange.KindEntry {
		return exchange.Order{}, false, nil
	}
	pos, err := m.conn.Position(ctx, intent.Symbol)
	if err != nil {
		return exchange.Order{}, false, err
	}
	if !pos.IsFlat() && pos.EntrySide() == intent.Side {
		logger.Warnf("ordermanager: entry for %s not open but position %s exists, treating as filled", intent.Symbol, pos.Amount)
		return exchange.Order{
			Symbol:        intent.Symbol,
			ClientOrderID: intent.ClientOrderID,
			Kind:          exchange.KindEntry,
			Type:          exchange.OrderTypeLimit,
			Side:          intent.Side,
			Status:        "FILLED",
			Price:         intent.Price,
			OrigQty:       intent.Quantity,
			ExecutedQty:   pos.Size(),
		}, true, nil
	}
	return exchange.Order{}, false, nil
}

func findClientOrder(orders []exchange.Order, clientID string) (exchange.Order, bool) {
	if clientID == "" {
		return exchange.Order{}, false
	}
	for _, o := range orders {
		if o.ClientOrderID == clientID {
			return o, true
		}
	}
	return exchange.Order{}, false
}

// handleFailure 在步骤失败后决定回滚或保留：仓位为零则撤销本次下的订单，
// 已开仓（或无法确认）则保留进度，等待重放或下一轮对账补齐保护单。
func (m *Manager) handleFailure(ctx context.Context, key string, req ManagedTradeRequest, res PlacementResult, stepErr error) (PlacementResult, error) {
	if res.filled() == 0 {
		m.clearProgress(key)
		return res, stepErr
	}
	placed := res.placed()
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.PlacementTimeout)
	defer cancel()

	var pos exchange.Position
	if err := m.retry(rbCtx, req.Symbol, "rollback position", func(ctx context.Context, _ int) error {
		var perr error
		pos, perr = m.conn.Position(ctx, req.Symbol)
		return perr
	}); err != nil {
		res.PositionOpen = true
		logger.Errorf("ordermanager: %s position unknown after failed placement, leaving %d orders: %v", req.Symbol, len(placed), err)
		return res, multierr.Append(stepErr, fmt.Errorf("position check: %w", err))
	}

	if !pos.IsFlat() {
		res.PositionOpen = true
		m.emit(rbCtx, ReconcileEvent{
			Symbol: req.Symbol,
			Action: ActionUnprotected,
			Detail: fmt.Sprintf("position %s open, protections incomplete", pos.Amount),
			Error:  stepErr.Error(),
		})
		logger.Errorf("ordermanager: %s position %s open without full protection: %v", req.Symbol, pos.Amount, stepErr)
		return res, stepErr
	}

	rbErr := m.rollback(rbCtx, req.Symbol, placed)
	m.clearProgress(key)
	ev := ReconcileEvent{Symbol: req.Symbol, Action: ActionRolledBack, Detail: fmt.Sprintf("cancelled %d orders", len(placed))}
	if rbErr != nil {
		ev.Error = rbErr.Error()
		m.emit(rbCtx, ev)
		return res, multierr.Append(stepErr, fmt.Errorf("rollback: %w", rbErr))
	}
	res.RolledBack = true
	m.emit(rbCtx, ev)
	return res, stepErr
}

// rollback 逐个撤单，任一失败则退化为撤销该合约全部挂单。
func (m *Manager) rollback(ctx context.Context, sym string, orders []exchange.Order) error {
	var errs error
	for _, o := range orders {
		if err := m.conn.CancelOrder(ctx, o); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("cancel %s: %w", o.OrderID, err))
		}
	}
	if errs == nil {
		return nil
	}
	logger.Warnf("ordermanager: rollback of %s fell back to cancel-all: %v", sym, errs)
	if err := m.conn.CancelAllOpenOrders(ctx, sym); err != nil {
		return multierr.Append(errs, err)
	}
	return nil
}

func (m *Manager) savePlan(ctx context.Context, req ManagedTradeRequest, steps []placementStep) {
	if m.plans == nil {
		return
	}
	plan := ProtectionPlan{Symbol: req.Symbol, Side: req.Side, UpdatedAt: m.nowFn()}
	for _, st := range steps {
		switch st.intent.Kind {
		case exchange.KindStopLoss:
			plan.StopPrice = st.intent.StopPrice
		case exchange.KindTrailingStop:
			plan.ActivationPrice = st.intent.ActivationPrice
			plan.CallbackRate = st.intent.CallbackRate
		case exchange.KindTakeProfit:
			plan.TakeProfitPrice = st.intent.StopPrice
		}
	}
	if err := m.plans.SavePlan(ctx, plan); err != nil {
		logger.Warnf("ordermanager: save protection plan for %s failed: %v", req.Symbol, err)
	}
}

// settleBreaker 结束一次放行：只有至少一次交易所调用成功才算账户可用；
// 否则归还半开状态下的试探名额，留给下一次调用。
func (m *Manager) settleBreaker(calls *callTracker, err *error) {
	if err != nil && errors.Is(*err, ErrAccountHalted) {
		return
	}
	if calls.succeeded() {
		m.breaker.RecordSuccess()
		return
	}
	m.breaker.ResetHalfOpen()
}

func orderID(o *exchange.Order) string {
	if o == nil {
		return "-"
	}
	if o.OrderID == "" {
		return o.ClientOrderID
	}
	return o.OrderID
}
