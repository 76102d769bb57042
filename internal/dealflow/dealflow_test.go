package dealflow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"perpguard/internal/cooldown"
	"perpguard/internal/gateway/exchange"
	"perpguard/internal/ordermanager"
	"perpguard/internal/store"
	"perpguard/internal/store/gormstore"
	storemodel "perpguard/internal/store/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type mockTrader struct{ mock.Mock }

func (m *mockTrader) PlaceManagedTrade(ctx context.Context, req ordermanager.ManagedTradeRequest) (ordermanager.PlacementResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(ordermanager.PlacementResult), args.Error(1)
}

func (m *mockTrader) CleanupAll(ctx context.Context, pairs []string) ([]ordermanager.ReconcileEvent, error) {
	args := m.Called(ctx, pairs)
	evs, _ := args.Get(0).([]ordermanager.ReconcileEvent)
	return evs, args.Error(1)
}

type inbox struct {
	mu    sync.Mutex
	texts []string
}

func (b *inbox) SendText(text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.texts = append(b.texts, text)
	return nil
}

func (b *inbox) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.texts)
}

func longDeal() Deal {
	return Deal{Pair: "btc/usdt", Timeframe: "5m", Direction: "LONG", EntryPrice: d("100"), TakePrice: d("104"), StopPrice: d("98")}
}

func plannerConfig() PlannerConfig {
	return PlannerConfig{
		OffsetPct:      d("0.1"),
		RiskPercent:    d("1"),
		Leverage:       10,
		MarginType:     exchange.MarginTypeIsolated,
		BalanceKind:    exchange.BalanceAvailable,
		ActivationPart: d("0.5"),
		CallbackPart:   d("0.3"),
		PositionSide:   exchange.PositionSideBoth,
		WorkingType:    exchange.WorkingTypeMarkPrice,
		TimeInForce:    exchange.TimeInForceGTC,
	}
}

type harness struct {
	svc    *Service
	store  *gormstore.GormStore
	trader *mockTrader
	cd     *cooldown.Breaker
	inbox  *inbox
	now    time.Time
}

func newHarness(t *testing.T, limits Limits) *harness {
	t.Helper()
	st, err := gormstore.NewGormStore(filepath.Join(t.TempDir(), "deals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	cd, err := cooldown.New(cooldown.Config{LossQuantity: 2, CheckPeriod: time.Hour, Length: 2 * time.Hour})
	require.NoError(t, err)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	cd.SetClock(func() time.Time { return now })
	h := &harness{store: st, trader: &mockTrader{}, cd: cd, inbox: &inbox{}, now: now}
	h.svc = NewService(ServiceParams{
		Deals:    st,
		Trader:   h.trader,
		Cooldown: cd,
		Gate:     NewGate(limits),
		Planner:  NewPlanner(plannerConfig()),
		Notifier: h.inbox,
		Pairs:    []string{"BTCUSDT"},
	})
	h.svc.nowFn = func() time.Time { return now }
	return h
}

func TestDeal_Distances(t *testing.T) {
	deal := longDeal().Normalize()
	assert.Equal(t, "BTCUSDT", deal.Pair)
	assert.Equal(t, Long, deal.Direction)
	assert.True(t, deal.StopDistancePct().Equal(d("2")))
	assert.True(t, deal.TakeDistancePct().Equal(d("4")))
	assert.True(t, deal.ProfitLossRatio().Equal(d("2")))
	assert.Equal(t, exchange.SideBuy, deal.Side())
	require.NoError(t, deal.Validate())
}

func TestDeal_Validate(t *testing.T) {
	cases := map[string]Deal{
		"no pair":          {Direction: Long, EntryPrice: d("1"), StopPrice: d("0.9")},
		"unknown quote":    {Pair: "FOOBAR", Direction: Long, EntryPrice: d("1"), StopPrice: d("0.9")},
		"bad direction":    {Pair: "BTCUSDT", Direction: "up", EntryPrice: d("1"), StopPrice: d("0.9")},
		"long stop above":  {Pair: "BTCUSDT", Direction: Long, EntryPrice: d("1"), StopPrice: d("1.1")},
		"short stop below": {Pair: "BTCUSDT", Direction: Short, EntryPrice: d("1"), StopPrice: d("0.9")},
		"short take above": {Pair: "BTCUSDT", Direction: Short, EntryPrice: d("1"), StopPrice: d("1.1"), TakePrice: d("1.2")},
	}
	for name, deal := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, deal.Validate(), ErrInvalidDeal)
		})
	}
}

func TestPlanner_Request(t *testing.T) {
	p := NewPlanner(plannerConfig())

	long := longDeal().Normalize()
	long.ID = 12
	req := p.Request(long)
	assert.Equal(t, exchange.SideBuy, req.Side)
	assert.True(t, req.ActivationPrice.Equal(d("101")), req.ActivationPrice.String())
	assert.True(t, req.CallbackRate.Equal(d("0.6")), req.CallbackRate.String())
	assert.Equal(t, "deal:12", req.IntentKey)
	assert.True(t, req.TakeProfitPrice.IsZero())
	assert.True(t, req.ReduceOnly)
	assert.Equal(t, 10, req.Leverage)

	short := Deal{Pair: "ETHUSDT", Direction: Short, EntryPrice: d("200"), StopPrice: d("203"), TakePrice: d("190")}
	cfg := plannerConfig()
	cfg.PlaceTakeProfit = true
	req = NewPlanner(cfg).Request(short)
	// stop distance 1.5%: activation 200*(1-0.5*1.5/100), callback round(0.45, 1)
	assert.Equal(t, exchange.SideSell, req.Side)
	assert.True(t, req.ActivationPrice.Equal(d("198.5")), req.ActivationPrice.String())
	assert.True(t, req.CallbackRate.Equal(d("0.5")), req.CallbackRate.String())
	assert.True(t, req.TakeProfitPrice.Equal(d("190")))
	assert.Empty(t, req.IntentKey)
}

func TestGate_Check(t *testing.T) {
	g := NewGate(Limits{MaxActiveDeals: 5, MaxDealsPerPair: 1, MaxDirectionImbalance: 2})
	long := Deal{Pair: "BTCUSDT", Direction: Long}
	short := Deal{Pair: "BTCUSDT", Direction: Short}

	assert.NoError(t, g.Check(store.DealCounts{}, long))
	assert.ErrorIs(t, g.Check(store.DealCounts{Total: 5}, long), ErrGateRejected)
	assert.ErrorIs(t, g.Check(store.DealCounts{Total: 1, Pair: 1}, long), ErrGateRejected)
	assert.ErrorIs(t, g.Check(store.DealCounts{Total: 2, Longs: 2}, long), ErrGateRejected)
	assert.NoError(t, g.Check(store.DealCounts{Total: 2, Longs: 2}, short))
	assert.NoError(t, NewGate(Limits{}).Check(store.DealCounts{Total: 100, Pair: 100, Longs: 100}, long))
}

func TestService_SubmitSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Limits{MaxActiveDeals: 3})
	h.trader.On("PlaceManagedTrade", mock.Anything, mock.MatchedBy(func(req ordermanager.ManagedTradeRequest) bool {
		return req.Symbol == "BTCUSDT" && req.IntentKey != ""
	})).Return(ordermanager.PlacementResult{
		Success:  true,
		Symbol:   "BTCUSDT",
		Quantity: d("0.5"),
		Entry:    &exchange.Order{OrderID: "1"},
		Stop:     &exchange.Order{OrderID: "2"},
		Trailing: &exchange.Order{OrderID: "3"},
	}, nil).Once()

	out, err := h.svc.Submit(ctx, longDeal())
	require.NoError(t, err)
	require.NotNil(t, out.Placement)
	assert.True(t, out.Placement.Success)
	require.NotZero(t, out.Deal.ID)

	deal, err := h.store.GetDeal(ctx, out.Deal.ID)
	require.NoError(t, err)
	assert.Equal(t, storemodel.DealStatusActive, deal.Status)
	assert.True(t, deal.StopDistancePct.Equal(d("2")))
	placements, err := h.store.ListPlacements(ctx, out.Deal.ID)
	require.NoError(t, err)
	require.Len(t, placements, 1)
	assert.Equal(t, "3", placements[0].TrailingOrderID)
	assert.Equal(t, 1, h.inbox.count())
	h.trader.AssertExpectations(t)
}

func TestService_FailedPlacementCancelsDeal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Limits{})
	h.trader.On("PlaceManagedTrade", mock.Anything, mock.Anything).
		Return(ordermanager.PlacementResult{Symbol: "BTCUSDT", Message: "busy"}, ordermanager.ErrSymbolBusy).Once()

	out, err := h.svc.Submit(ctx, longDeal())
	require.ErrorIs(t, err, ordermanager.ErrSymbolBusy)
	assert.False(t, IsRejection(err))
	deal, err := h.store.GetDeal(ctx, out.Deal.ID)
	require.NoError(t, err)
	assert.Equal(t, storemodel.DealStatusCancelled, deal.Status)
}

func TestService_UnprotectedPositionKeepsDealActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Limits{MaxDealsPerPair: 1})
	stepErr := errors.New("stop: Order would immediately trigger.")
	h.trader.On("PlaceManagedTrade", mock.Anything, mock.Anything).
		Return(ordermanager.PlacementResult{
			Symbol:       "BTCUSDT",
			Entry:        &exchange.Order{ClientOrderID: "pg-entry", Status: "FILLED"},
			Stop:         &exchange.Order{OrderID: "2"},
			PositionOpen: true,
			Message:      stepErr.Error(),
		}, stepErr).Once()

	out, err := h.svc.Submit(ctx, longDeal())
	require.ErrorIs(t, err, stepErr)
	deal, err := h.store.GetDeal(ctx, out.Deal.ID)
	require.NoError(t, err)
	assert.Equal(t, storemodel.DealStatusActive, deal.Status)

	counts, err := h.store.ActiveDealCounts(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, store.DealCounts{Total: 1, Pair: 1, Longs: 1}, counts)
	_, err = h.svc.Submit(ctx, longDeal())
	assert.ErrorIs(t, err, ErrGateRejected, "the live position still occupies the pair slot")

	_, err = h.svc.RecordOutcome(ctx, out.Deal.ID, storemodel.DealStatusLoss, h.now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Len(t, h.cd.Snapshot().Outcomes, 1)
	h.trader.AssertNumberOfCalls(t, "PlaceManagedTrade", 1)
}

func TestService_GateAndCooldownRejectBeforePlacing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Limits{MaxDealsPerPair: 1})
	h.trader.On("PlaceManagedTrade", mock.Anything, mock.Anything).
		Return(ordermanager.PlacementResult{Success: true, Symbol: "BTCUSDT"}, nil).Once()

	first, err := h.svc.Submit(ctx, longDeal())
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, longDeal())
	assert.ErrorIs(t, err, ErrGateRejected)
	assert.True(t, IsRejection(err))

	// two losses inside an hour trip the cooldown
	_, err = h.svc.RecordOutcome(ctx, first.Deal.ID, storemodel.DealStatusLoss, h.now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.False(t, h.cd.IsActive())
	require.True(t, h.cd.RecordOutcome(h.now.Add(-10*time.Minute)))

	_, err = h.svc.Submit(ctx, Deal{Pair: "ETHUSDT", Direction: Short, EntryPrice: d("200"), StopPrice: d("205")})
	assert.ErrorIs(t, err, ErrCooldownActive)
	h.trader.AssertNumberOfCalls(t, "PlaceManagedTrade", 1)
}

func TestService_RecordOutcome(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Limits{})
	_, err := h.svc.RecordOutcome(ctx, 1, storemodel.DealStatusCancelled, time.Time{})
	assert.ErrorIs(t, err, ErrInvalidDeal)
	_, err = h.svc.RecordOutcome(ctx, 404, storemodel.DealStatusWin, time.Time{})
	assert.ErrorIs(t, err, store.ErrNotFound)

	h.trader.On("PlaceManagedTrade", mock.Anything, mock.Anything).
		Return(ordermanager.PlacementResult{Success: true}, nil)
	out, err := h.svc.Submit(ctx, longDeal())
	require.NoError(t, err)
	deal, err := h.svc.RecordOutcome(ctx, out.Deal.ID, storemodel.DealStatusWin, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, storemodel.DealStatusWin, deal.Status)
	assert.Empty(t, h.cd.Snapshot().Outcomes, "wins are not tracked by a loss breaker")
}

func TestService_SweepNotifiesActionableEvents(t *testing.T) {
	h := newHarness(t, Limits{})
	events := []ordermanager.ReconcileEvent{
		{Symbol: "BTCUSDT", Action: ordermanager.ActionNoAction},
		{Symbol: "ETHUSDT", Action: ordermanager.ActionRearmed, Detail: "stop"},
		{Symbol: "SOLUSDT", Action: ordermanager.ActionFailed, Error: "boom"},
	}
	h.trader.On("CleanupAll", mock.Anything, []string{"BTCUSDT"}).Return(events, errors.New("SOLUSDT: boom")).Once()

	got, err := h.svc.Sweep(context.Background())
	require.Error(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, 2, h.inbox.count())
}

func TestSeedCooldown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Limits{})
	for i, at := range []time.Time{h.now.Add(-50 * time.Minute), h.now.Add(-20 * time.Minute)} {
		m := longDeal().Normalize().model()
		m.OpenedAt = at.Add(-time.Hour)
		require.NoError(t, h.store.CreateDeal(ctx, m), i)
		_, err := h.store.FinishDeal(ctx, m.ID, storemodel.DealStatusLoss, at)
		require.NoError(t, err)
	}
	require.NoError(t, SeedCooldown(ctx, h.store, h.cd))
	st := h.cd.Snapshot()
	assert.True(t, st.Active)
	assert.True(t, st.Finish.Equal(h.now.Add(-20*time.Minute).Add(2*time.Hour)))
}
