package gormstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"perpguard/internal/gateway/exchange"
	"perpguard/internal/ordermanager"
	"perpguard/internal/store"
	storemodel "perpguard/internal/store/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore(filepath.Join(t.TempDir(), "data", "perpguard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newDeal(pair, direction string, openedAt time.Time) *dealModel {
	return &dealModel{
		Pair:       pair,
		Timeframe:  "1h",
		Direction:  direction,
		EntryPrice: decimal.RequireFromString("100"),
		TakePrice:  decimal.RequireFromString("104"),
		StopPrice:  decimal.RequireFromString("98"),
		OpenedAt:   openedAt,
	}
}

func TestGormStore_DealLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	deal := newDeal("BTCUSDT", "long", base)
	require.NoError(t, s.CreateDeal(ctx, deal))
	require.NotZero(t, deal.ID)
	assert.Equal(t, storemodel.DealStatusActive, deal.Status)

	got, err := s.GetDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.True(t, got.EntryPrice.Equal(decimal.RequireFromString("100")))

	finished, err := s.FinishDeal(ctx, deal.ID, storemodel.DealStatusLoss, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, storemodel.DealStatusLoss, finished.Status)
	require.NotNil(t, finished.FinishedAt)

	_, err = s.FinishDeal(ctx, deal.ID, storemodel.DealStatusWin, base.Add(2*time.Hour))
	assert.ErrorIs(t, err, store.ErrDealNotActive)

	_, err = s.FinishDeal(ctx, deal.ID+100, storemodel.DealStatusWin, base)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.FinishDeal(ctx, deal.ID, storemodel.DealStatusActive, base)
	assert.Error(t, err)

	_, err = s.GetDeal(ctx, 9999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGormStore_ActiveCountsAndOutcomes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, row := range []struct{ pair, dir string }{
		{"BTCUSDT", "long"}, {"BTCUSDT", "short"}, {"ETHUSDT", "long"}, {"SOLUSDT", "long"},
	} {
		require.NoError(t, s.CreateDeal(ctx, newDeal(row.pair, row.dir, base.Add(time.Duration(i)*time.Minute))))
	}
	counts, err := s.ActiveDealCounts(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, store.DealCounts{Total: 4, Pair: 2, Longs: 3, Shorts: 1}, counts)

	deals, err := s.ListDeals(ctx, store.DealQuery{Pair: "BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, deals, 2)
	assert.Equal(t, "short", deals[0].Direction, "newest first")

	for i, d := range deals {
		_, err := s.FinishDeal(ctx, d.ID, storemodel.DealStatusLoss, base.Add(time.Duration(10+i)*time.Minute))
		require.NoError(t, err)
	}
	counts, err = s.ActiveDealCounts(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Total)
	assert.Zero(t, counts.Pair)

	times, err := s.LastOutcomeTimes(ctx, storemodel.DealStatusLoss, 5)
	require.NoError(t, err)
	require.Len(t, times, 2)
	assert.True(t, times[0].Before(times[1]), "ascending order")
	assert.True(t, times[1].Equal(base.Add(11*time.Minute)))

	times, err = s.LastOutcomeTimes(ctx, storemodel.DealStatusLoss, 1)
	require.NoError(t, err)
	require.Len(t, times, 1)
	assert.True(t, times[0].Equal(base.Add(11*time.Minute)))
}

func TestGormStore_FailedPlacementCancelsDeal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	deal := newDeal("ETHUSDT", "short", time.Now())
	require.NoError(t, s.CreateDeal(ctx, deal))

	require.NoError(t, s.RecordPlacement(ctx, &placementModel{
		DealID:    deal.ID,
		Symbol:    "ETHUSDT",
		Success:   false,
		Abandoned: true,
		Message:   "slippage exceeded",
		RawJSON:   []byte(`{"success":false}`),
	}))
	got, err := s.GetDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, storemodel.DealStatusCancelled, got.Status)

	list, err := s.ListPlacements(ctx, deal.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "slippage exceeded", list[0].Message)
}

func TestGormStore_FailedPlacementWithOpenPositionKeepsDealActive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	deal := newDeal("ETHUSDT", "long", time.Now())
	require.NoError(t, s.CreateDeal(ctx, deal))
	require.NoError(t, s.RecordPlacement(ctx, &placementModel{
		DealID:       deal.ID,
		Symbol:       "ETHUSDT",
		Success:      false,
		PositionOpen: true,
		EntryOrderID: "11",
		Message:      "stop: Order would immediately trigger.",
	}))
	got, err := s.GetDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, storemodel.DealStatusActive, got.Status)

	counts, err := s.ActiveDealCounts(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Total)
	assert.Equal(t, 1, counts.Pair)

	list, err := s.ListPlacements(ctx, deal.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].PositionOpen)
	assert.False(t, list[0].Abandoned)
}

func TestGormStore_SuccessfulPlacementKeepsDealActive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	deal := newDeal("ETHUSDT", "long", time.Now())
	require.NoError(t, s.CreateDeal(ctx, deal))
	require.NoError(t, s.RecordPlacement(ctx, &placementModel{
		DealID:       deal.ID,
		Symbol:       "ETHUSDT",
		Success:      true,
		EntryOrderID: "11",
		StopOrderID:  "12",
	}))
	got, err := s.GetDeal(ctx, deal.ID)
	require.NoError(t, err)
	assert.Equal(t, storemodel.DealStatusActive, got.Status)
}

func TestGormStore_PlanUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.LoadPlan(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, ok)

	plan := ordermanager.ProtectionPlan{
		Symbol:          "BTCUSDT",
		Side:            exchange.SideBuy,
		StopPrice:       decimal.RequireFromString("98.5"),
		ActivationPrice: decimal.RequireFromString("101.2"),
		CallbackRate:    decimal.RequireFromString("0.6"),
	}
	require.NoError(t, s.SavePlan(ctx, plan))
	plan.Side = exchange.SideSell
	plan.StopPrice = decimal.RequireFromString("103")
	require.NoError(t, s.SavePlan(ctx, plan))

	got, ok, err := s.LoadPlan(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, exchange.SideSell, got.Side)
	assert.True(t, got.StopPrice.Equal(decimal.RequireFromString("103")))
	assert.True(t, got.CallbackRate.Equal(decimal.RequireFromString("0.6")))

	require.NoError(t, s.DeletePlan(ctx, "BTCUSDT"))
	_, ok, err = s.LoadPlan(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, ok)
}
