package exchange

import (
	"context"
	"fmt"

	"perpguard/internal/logger"
	"perpguard/internal/pkg/quant"

	"github.com/shopspring/decimal"
)

// BalanceFunc 由具体连接器提供，返回指定口径的 USDT 余额。
type BalanceFunc func(ctx context.Context, kind BalanceKind) (decimal.Decimal, error)

// Base 是两种连接器共享的默认实现：过滤器缓存、量化与风险定仓。
// 具体连接器通过嵌入 *Base 获得 Filters 与 ComputeQuantityByRisk。
type Base struct {
	cache   *FilterCache
	balance BalanceFunc
	journal *logger.Journal
}

func NewBase(cache *FilterCache, balance BalanceFunc) *Base {
	return &Base{cache: cache, balance: balance}
}

// SetJournal 打开交易计算明细日志。
func (b *Base) SetJournal(j *logger.Journal) { b.journal = j }

func (b *Base) Journal() *logger.Journal { return b.journal }

func (b *Base) FilterCache() *FilterCache { return b.cache }

func (b *Base) Filters(ctx context.Context, symbol string) (SymbolFilters, error) {
	if b.cache == nil {
		return SymbolFilters{}, fmt.Errorf("filter cache not configured: %w", ErrMisconfigured)
	}
	return b.cache.Get(ctx, symbol)
}

// ComputeQuantityByRisk: qty = balance*risk%/100 / |entry-stop|，再按 step 截断。
// 截断后为零（低于 minQty）返回 ErrBelowMinimumSize，不会为满足最小值而放大仓位。
func (b *Base) ComputeQuantityByRisk(ctx context.Context, req RiskSizing) (decimal.Decimal, error) {
	if req.Entry.Sign() <= 0 || req.Stop.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: entry and stop must be positive", ErrInvalidRiskInput)
	}
	delta := req.Entry.Sub(req.Stop).Abs()
	if delta.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: entry and stop must differ", ErrInvalidRiskInput)
	}
	if req.RiskPercent.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: risk percent must be > 0", ErrInvalidRiskInput)
	}
	if b.balance == nil {
		return decimal.Zero, fmt.Errorf("balance source not configured: %w", ErrMisconfigured)
	}
	f, err := b.Filters(ctx, req.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	kind := req.Balance
	if kind == "" {
		kind = BalanceAvailable
	}
	bank, err := b.balance(ctx, kind)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read %s balance: %w", kind, err)
	}
	if bank.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: %s balance is %s", ErrInvalidRiskInput, kind, bank)
	}
	riskAmount := bank.Mul(req.RiskPercent).Div(decimal.NewFromInt(100))
	raw := riskAmount.Div(delta)
	qty := quant.RoundQty(raw, f.StepSize, f.MinQty)
	b.journal.Printf("risk_sizing symbol=%s balance_kind=%s balance=%s risk_pct=%s risk_amount=%s delta=%s raw_qty=%s step=%s min_qty=%s qty=%s",
		f.Symbol, kind, bank, req.RiskPercent, riskAmount, delta, raw, f.StepSize, f.MinQty, qty)
	if qty.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: raw qty %s below min qty %s (step %s)", ErrBelowMinimumSize, raw, f.MinQty, f.StepSize)
	}
	return qty, nil
}

// ValidateSize 校验量化后的价格×数量满足 minQty 与 minNotional，不做任何自动放大。
func ValidateSize(f SymbolFilters, price, qty decimal.Decimal) error {
	if qty.Sign() <= 0 {
		return fmt.Errorf("%w: quantity %s", ErrInvalidOrderSize, qty)
	}
	if f.MinQty.Sign() > 0 && qty.LessThan(f.MinQty) {
		return fmt.Errorf("%w: quantity %s < min qty %s", ErrInvalidOrderSize, qty, f.MinQty)
	}
	if f.MinNotional.Sign() > 0 {
		notional := price.Mul(qty)
		if notional.LessThan(f.MinNotional) {
			return fmt.Errorf("%w: notional %s < min notional %s", ErrInvalidOrderSize, notional, f.MinNotional)
		}
	}
	return nil
}

func RoundPrice(f SymbolFilters, v decimal.Decimal) decimal.Decimal {
	return quant.RoundPrice(v, f.TickSize)
}

func RoundQty(f SymbolFilters, v decimal.Decimal) decimal.Decimal {
	return quant.RoundQty(v, f.StepSize, f.MinQty)
}

// ParseFilterValue 把交易所字符串字段解析为 decimal，空值或非法值视为零。
func ParseFilterValue(raw string) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}
