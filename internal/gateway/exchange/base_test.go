package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestBase(balance string) *Base {
	cache := NewFilterCache(time.Hour, func(context.Context) (map[string]SymbolFilters, error) {
		return map[string]SymbolFilters{
			"BTCUSDT": {TickSize: dec("0.01"), StepSize: dec("0.001"), MinQty: dec("0.001"), MinNotional: dec("5")},
		}, nil
	})
	return NewBase(cache, func(context.Context, BalanceKind) (decimal.Decimal, error) {
		return dec(balance), nil
	})
}

func TestComputeQuantityByRisk_Scenario(t *testing.T) {
	b := newTestBase("1000")
	qty, err := b.ComputeQuantityByRisk(context.Background(), RiskSizing{
		Symbol: "BTCUSDT", Entry: dec("100"), Stop: dec("98"), RiskPercent: dec("1"),
	})
	require.NoError(t, err)
	assert.True(t, qty.Equal(dec("5")), "got %s", qty)
}

func TestComputeQuantityByRisk_MonotonicInStopDistance(t *testing.T) {
	b := newTestBase("1000")
	prev := decimal.Zero
	for i, stop := range []string{"99.5", "99", "98", "95", "90", "80"} {
		qty, err := b.ComputeQuantityByRisk(context.Background(), RiskSizing{
			Symbol: "BTCUSDT", Entry: dec("100"), Stop: dec(stop), RiskPercent: dec("1"),
		})
		require.NoError(t, err)
		if i > 0 {
			assert.True(t, qty.LessThan(prev), "stop %s qty %s prev %s", stop, qty, prev)
		}
		prev = qty
	}
}

func TestComputeQuantityByRisk_Errors(t *testing.T) {
	b := newTestBase("1000")
	ctx := context.Background()

	_, err := b.ComputeQuantityByRisk(ctx, RiskSizing{Symbol: "BTCUSDT", Entry: dec("100"), Stop: dec("100"), RiskPercent: dec("1")})
	assert.ErrorIs(t, err, ErrInvalidRiskInput)

	_, err = b.ComputeQuantityByRisk(ctx, RiskSizing{Symbol: "BTCUSDT", Entry: dec("100"), Stop: dec("98"), RiskPercent: dec("0")})
	assert.ErrorIs(t, err, ErrInvalidRiskInput)

	tiny := newTestBase("0.001")
	_, err = tiny.ComputeQuantityByRisk(ctx, RiskSizing{Symbol: "BTCUSDT", Entry: dec("100"), Stop: dec("98"), RiskPercent: dec("1")})
	assert.ErrorIs(t, err, ErrBelowMinimumSize)

	empty := newTestBase("0")
	_, err = empty.ComputeQuantityByRisk(ctx, RiskSizing{Symbol: "BTCUSDT", Entry: dec("100"), Stop: dec("98"), RiskPercent: dec("1")})
	assert.ErrorIs(t, err, ErrInvalidRiskInput)

	_, err = b.ComputeQuantityByRisk(ctx, RiskSizing{Symbol: "XRPUSDT", Entry: dec("1"), Stop: dec("0.9"), RiskPercent: dec("1")})
	assert.ErrorIs(t, err, ErrSymbolNotFound)
}

func TestBase_MissingSourcesAreNotRetryable(t *testing.T) {
	ctx := context.Background()
	_, err := NewBase(nil, nil).Filters(ctx, "BTCUSDT")
	require.ErrorIs(t, err, ErrMisconfigured)
	assert.Equal(t, ClassValidation, ClassOf(err))

	noBalance := NewBase(newTestBase("1").FilterCache(), nil)
	_, err = noBalance.ComputeQuantityByRisk(ctx, RiskSizing{Symbol: "BTCUSDT", Entry: dec("100"), Stop: dec("98"), RiskPercent: dec("1")})
	require.ErrorIs(t, err, ErrMisconfigured)
	assert.False(t, IsRetryable(err))

	_, err = NewFilterCache(time.Hour, nil).Get(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, ErrMisconfigured)
}

func TestValidateSize_NeverBumps(t *testing.T) {
	f := SymbolFilters{TickSize: dec("0.01"), StepSize: dec("0.001"), MinQty: dec("0.01"), MinNotional: dec("5")}
	assert.NoError(t, ValidateSize(f, dec("99.9"), dec("5")))
	assert.ErrorIs(t, ValidateSize(f, dec("99.9"), dec("0.005")), ErrInvalidOrderSize)
	assert.ErrorIs(t, ValidateSize(f, dec("99.9"), dec("0.04")), ErrInvalidOrderSize)
	assert.ErrorIs(t, ValidateSize(f, dec("99.9"), decimal.Zero), ErrInvalidOrderSize)
}

func TestClassifyCode(t *testing.T) {
	assert.Equal(t, ClassAuth, ClassifyCode(CodeRejectedMBXKey, 401))
	assert.Equal(t, ClassAuth, ClassifyCode(CodeInvalidSignature, 400))
	assert.Equal(t, ClassTransient, ClassifyCode(CodeTimestampOutOfWindow, 400))
	assert.Equal(t, ClassTransient, ClassifyCode(0, 503))
	assert.Equal(t, ClassTransient, ClassifyCode(0, 429))
	assert.Equal(t, ClassValidation, ClassifyCode(-1111, 400))
	assert.Equal(t, ClassValidation, ClassifyCode(-4164, 400))

	err := NewAPIError("binance", "place stop", -2021, "Order would immediately trigger.", 400)
	assert.False(t, IsRetryable(err))
	assert.True(t, HasCode(err, -2021))
	assert.Contains(t, err.Error(), "code=-2021")
	assert.True(t, IsRetryable(context.DeadlineExceeded))
}

func TestOrderKindClassification(t *testing.T) {
	assert.Equal(t, KindEntry, KindOf(OrderTypeLimit))
	assert.Equal(t, KindStopLoss, KindOf(OrderTypeStopMarket))
	assert.Equal(t, KindTakeProfit, KindOf(OrderTypeTakeProfitMarket))
	assert.Equal(t, KindTrailingStop, KindOf(OrderTypeTrailingStopMarket))
	assert.False(t, Order{Type: OrderTypeMarket}.IsProtection())
	assert.Equal(t, SideSell, Position{Amount: dec("-0.5")}.EntrySide())
	assert.True(t, FirstTimestamp(0, 0, 1700000000000).Equal(time.UnixMilli(1700000000000)))
}
