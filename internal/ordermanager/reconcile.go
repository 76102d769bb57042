package ordermanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"perpguard/internal/gateway/exchange"
	"perpguard/internal/logger"
	"perpguard/internal/pkg/quant"
	"perpguard/internal/pkg/symbol"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Snapshot 是某一时刻单个合约的挂单与持仓，按入场单/保护单分类。
type Snapshot struct {
	Symbol      string            `json:"symbol"`
	Position    exchange.Position `json:"position"`
	Entries     []exchange.Order  `json:"entries"`
	Protections []exchange.Order  `json:"protections"`
	Others      []exchange.Order  `json:"others,omitempty"`
	TakenAt     time.Time         `json:"taken_at"`
}

func Classify(sym string, pos exchange.Position, orders []exchange.Order, at time.Time) Snapshot {
	snap := Snapshot{Symbol: sym, Position: pos, TakenAt: at}
	for _, o := range orders {
		switch {
		case o.IsEntry():
			snap.Entries = append(snap.Entries, o)
		case o.IsProtection():
			snap.Protections = append(snap.Protections, o)
		default:
			snap.Others = append(snap.Others, o)
		}
	}
	return snap
}

// HasStop 只认止损类订单，止盈不算。
func (s Snapshot) HasStop() bool {
	for _, o := range s.Protections {
		if exchange.IsStopType(o.Type) {
			return true
		}
	}
	return false
}

func (s Snapshot) HasTrailing() bool {
	for _, o := range s.Protections {
		if exchange.IsTrailingType(o.Type) {
			return true
		}
	}
	return false
}

// OldestEntryAge 返回存活最久的入场单的年龄。
func (s Snapshot) OldestEntryAge(now time.Time) time.Duration {
	var oldest time.Duration
	for _, o := range s.Entries {
		if age := o.Age(now); age > oldest {
			oldest = age
		}
	}
	return oldest
}

// Snapshot 读取合约当前状态，不做任何修改。
func (m *Manager) Snapshot(ctx context.Context, sym string) (Snapshot, error) {
	sym = symbol.Binance.ToExchange(sym)
	var (
		orders []exchange.Order
		pos    exchange.Position
	)
	if err := m.retry(ctx, sym, "open orders", func(ctx context.Context, _ int) error {
		var err error
		orders, err = m.conn.OpenOrders(ctx, sym)
		return err
	}); err != nil {
		return Snapshot{Symbol: sym}, err
	}
	if err := m.retry(ctx, sym, "position", func(ctx context.Context, _ int) error {
		var err error
		pos, err = m.conn.Position(ctx, sym)
		return err
	}); err != nil {
		return Snapshot{Symbol: sym}, err
	}
	return Classify(sym, pos, orders, m.nowFn()), nil
}

// WatchAndCleanup 对单个合约做一次对账：
//   - 无仓位且只剩保护单：视为孤儿，撤销全部挂单；
//   - 无仓位且入场单超过 UnfilledEntryTTL：意图过期，撤销全部；
//   - 有仓位但缺少止损或追踪止损：按当前仓位数量重挂。
//
// 可按固定周期调用，也可随时手动触发。
func (m *Manager) WatchAndCleanup(ctx context.Context, sym string) (ev ReconcileEvent, err error) {
	sym = symbol.Binance.ToExchange(sym)
	ev = ReconcileEvent{Symbol: sym, Action: ActionNoAction}
	if !m.breaker.Allow() {
		return ev, fmt.Errorf("%w: %s", ErrAccountHalted, m.breaker.Reason())
	}
	ctx, calls := trackCalls(ctx)
	defer m.settleBreaker(calls, &err)

	release, err := m.locks.acquire(ctx, sym, m.cfg.LockTimeout)
	if err != nil {
		return ev, err
	}
	defer release()

	snap, err := m.Snapshot(ctx, sym)
	if err != nil {
		ev.Action = ActionFailed
		ev.Error = err.Error()
		m.emit(ctx, ev)
		return ev, err
	}
	if snap.Position.IsFlat() {
		if len(snap.Entries) == 0 {
			if n := m.dropProgressFor(sym); n > 0 {
				logger.Infof("ordermanager: %s flat, dropped %d pending placement(s)", sym, n)
			}
		}
		ev, err = m.cleanupFlat(ctx, snap)
	} else {
		ev, err = m.ensureProtected(ctx, snap)
	}
	if err != nil {
		ev.Error = err.Error()
	}
	m.emit(ctx, ev)
	return ev, err
}

func (m *Manager) cleanupFlat(ctx context.Context, snap Snapshot) (ReconcileEvent, error) {
	ev := ReconcileEvent{Symbol: snap.Symbol, Action: ActionNoAction, At: m.nowFn()}
	switch {
	case len(snap.Entries) == 0 && len(snap.Protections) > 0:
		ev.Action = ActionStrayCancelled
		ev.Detail = fmt.Sprintf("cancelled %d orphaned protections", len(snap.Protections))
	case len(snap.Entries) > 0 && snap.OldestEntryAge(ev.At) > m.cfg.UnfilledEntryTTL:
		ev.Action = ActionTTLExpired
		ev.Detail = fmt.Sprintf("entry unfilled for %s, cancelled %d orders",
			snap.OldestEntryAge(ev.At).Truncate(time.Second), len(snap.Entries)+len(snap.Protections))
	case len(snap.Entries) > 0:
		ev.Detail = "entry pending"
		return ev, nil
	default:
		ev.Detail = "flat"
		m.deletePlan(ctx, snap.Symbol)
		return ev, nil
	}
	if err := m.retry(ctx, snap.Symbol, "cancel all", func(ctx context.Context, _ int) error {
		return m.conn.CancelAllOpenOrders(ctx, snap.Symbol)
	}); err != nil {
		ev.Action = ActionFailed
		return ev, err
	}
	m.deletePlan(ctx, snap.Symbol)
	logger.Infof("ordermanager: %s %s: %s", snap.Symbol, ev.Action, ev.Detail)
	return ev, nil
}

// ensureProtected 为有仓位的合约补齐止损与追踪止损，每个缺失项独立处理。
func (m *Manager) ensureProtected(ctx context.Context, snap Snapshot) (ReconcileEvent, error) {
	ev := ReconcileEvent{Symbol: snap.Symbol, Action: ActionNoAction, At: m.nowFn(), Detail: "protected"}
	hasStop, hasTrailing := snap.HasStop(), snap.HasTrailing()
	if hasStop && hasTrailing {
		return ev, nil
	}

	var filters exchange.SymbolFilters
	if err := m.retry(ctx, snap.Symbol, "filters", func(ctx context.Context, _ int) error {
		var err error
		filters, err = m.conn.Filters(ctx, snap.Symbol)
		return err
	}); err != nil {
		ev.Action = ActionFailed
		return ev, err
	}
	qty := exchange.RoundQty(filters, snap.Position.Size())
	if qty.Sign() <= 0 {
		ev.Action = ActionFailed
		return ev, fmt.Errorf("%w: position %s below min qty %s", ErrBelowMinimumSize, snap.Position.Amount, filters.MinQty)
	}
	plan, source, err := m.rearmPlan(ctx, snap.Position)
	if err != nil {
		ev.Action = ActionFailed
		return ev, err
	}

	exitSide := snap.Position.EntrySide().Opposite()
	key := fmt.Sprintf("rearm|%s|%s|%s", snap.Symbol, snap.Position.Amount, snap.Position.EntryPrice)
	base := exchange.OrderIntent{
		Symbol:       snap.Symbol,
		Side:         exitSide,
		PositionSide: snap.Position.PositionSide,
		Quantity:     qty,
		ReduceOnly:   true,
		WorkingType:  exchange.WorkingTypeMarkPrice,
	}
	if base.PositionSide == "" {
		base.PositionSide = exchange.PositionSideBoth
	}

	var (
		errs  error
		armed []string
	)
	if !hasStop {
		intent := base
		intent.Kind = exchange.KindStopLoss
		intent.StopPrice = exchange.RoundPrice(filters, plan.StopPrice)
		intent.ClientOrderID = ClientOrderID(key, intent.Kind)
		if _, err := m.placeStep(ctx, intent, snap.Protections); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("re-arm stop: %w", err))
		} else {
			armed = append(armed, "stop@"+intent.StopPrice.String())
		}
	}
	if !hasTrailing {
		intent := base
		intent.Kind = exchange.KindTrailingStop
		intent.ActivationPrice = exchange.RoundPrice(filters, plan.ActivationPrice)
		intent.CallbackRate = quant.ClampCallbackRate(plan.CallbackRate)
		intent.ClientOrderID = ClientOrderID(key, intent.Kind)
		if _, err := m.placeStep(ctx, intent, snap.Protections); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("re-arm trailing: %w", err))
		} else {
			armed = append(armed, fmt.Sprintf("trailing@%s/%s%%", intent.ActivationPrice, intent.CallbackRate))
		}
	}

	if len(armed) > 0 {
		ev.Action = ActionRearmed
		ev.Detail = fmt.Sprintf("%s (%s plan, qty %s)", strings.Join(armed, ", "), source, qty)
		logger.Warnf("ordermanager: %s re-armed %s", snap.Symbol, ev.Detail)
	} else {
		ev.Action = ActionFailed
		ev.Detail = "re-arm failed"
	}
	return ev, errs
}

// rearmPlan 优先使用下单时保存的保护计划（方向需与当前仓位一致），否则按入场价做启发式偏移。
func (m *Manager) rearmPlan(ctx context.Context, pos exchange.Position) (ProtectionPlan, string, error) {
	side := pos.EntrySide()
	if m.plans != nil {
		plan, ok, err := m.plans.LoadPlan(ctx, pos.Symbol)
		if err != nil {
			logger.Warnf("ordermanager: load protection plan for %s failed: %v", pos.Symbol, err)
		} else if ok && plan.Side == side && plan.StopPrice.Sign() > 0 && plan.CallbackRate.Sign() > 0 {
			return plan, "stored", nil
		}
	}

	ref := pos.EntryPrice
	if ref.Sign() <= 0 {
		if err := m.retry(ctx, pos.Symbol, "mark price", func(ctx context.Context, _ int) error {
			var err error
			ref, err = m.conn.MarkPrice(ctx, pos.Symbol)
			return err
		}); err != nil {
			return ProtectionPlan{}, "", err
		}
	}
	return HeuristicPlan(pos.Symbol, side, ref, m.cfg), "heuristic", nil
}

// HeuristicPlan 按参考价生成保守的保护参数：止损在反方向偏移 RearmStopOffsetPct，
// 追踪激活价在顺方向偏移 RearmActivationOffsetPct。
func HeuristicPlan(sym string, side exchange.Side, ref decimal.Decimal, cfg Config) ProtectionPlan {
	cfg = cfg.withDefaults()
	return ProtectionPlan{
		Symbol:          sym,
		Side:            side,
		StopPrice:       quant.OffsetPct(ref, signedOffset(side, cfg.RearmStopOffsetPct.Neg())),
		ActivationPrice: quant.OffsetPct(ref, signedOffset(side, cfg.RearmActivationOffsetPct)),
		CallbackRate:    cfg.RearmCallbackRate,
	}
}

func (m *Manager) deletePlan(ctx context.Context, sym string) {
	if m.plans == nil {
		return
	}
	if err := m.plans.DeletePlan(ctx, sym); err != nil {
		logger.Warnf("ordermanager: delete protection plan for %s failed: %v", sym, err)
	}
}

// CleanupAll 对所有有仓位、有挂单或在 pairs 中配置的合约并发执行对账。
// 每个合约相互隔离，忙碌的合约直接跳过。
func (m *Manager) CleanupAll(ctx context.Context, pairs []string) ([]ReconcileEvent, error) {
	symbols, discoverErr := m.sweepSymbols(ctx, pairs)

	events := make([]ReconcileEvent, len(symbols))
	errs := make([]error, len(symbols))
	skipped := make([]bool, len(symbols))
	var g errgroup.Group
	g.SetLimit(m.cfg.CleanupParallelism)
	for i, sym := range symbols {
		g.Go(func() error {
			ev, err := m.WatchAndCleanup(ctx, sym)
			events[i] = ev
			switch {
			case errors.Is(err, ErrSymbolBusy):
				skipped[i] = true
			case err != nil:
				errs[i] = fmt.Errorf("%s: %w", sym, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]ReconcileEvent, 0, len(events))
	for i, ev := range events {
		if !skipped[i] {
			out = append(out, ev)
		}
	}
	return out, multierr.Combine(append(errs, discoverErr)...)
}

func (m *Manager) sweepSymbols(ctx context.Context, pairs []string) ([]string, error) {
	set := make(map[string]struct{})
	for _, p := range pairs {
		if s := symbol.Binance.ToExchange(p); s != "" {
			set[s] = struct{}{}
		}
	}
	var errs error
	if syms, err := m.conn.NonZeroPositionSymbols(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("list positions: %w", err))
	} else {
		for _, s := range syms {
			set[symbol.Binance.ToExchange(s)] = struct{}{}
		}
	}
	if orders, err := m.conn.AllOpenOrders(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("list open orders: %w", err))
	} else {
		for _, o := range orders {
			set[symbol.Binance.ToExchange(o.Symbol)] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, errs
}
