// Package quant 提供价格/数量的定点量化：一律向零截断到 tick/step，输出最简十进制字符串。
package quant

import (
	"github.com/shopspring/decimal"
)

var (
	minCallbackRate = decimal.RequireFromString("0.1")
	maxCallbackRate = decimal.RequireFromString("5")
)

// Floor 将 value 向零截断为 step 的整数倍；step<=0 时原样返回。
func Floor(value, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return value
	}
	return value.Sub(value.Mod(step))
}

// RoundPrice 把价格截断到 tickSize。
func RoundPrice(value, tickSize decimal.Decimal) decimal.Decimal {
	return Floor(value, tickSize)
}

// RoundQty 把数量截断到 stepSize，结果低于 minQty 时返回零，表示该规模不可交易。
func RoundQty(value, stepSize, minQty decimal.Decimal) decimal.Decimal {
	q := Floor(value, stepSize)
	if q.Sign() <= 0 {
		return decimal.Zero
	}
	if minQty.Sign() > 0 && q.LessThan(minQty) {
		return decimal.Zero
	}
	return q
}

// Format 渲染为不带多余尾零的十进制字符串（"5.000" -> "5"）。
func Format(d decimal.Decimal) string {
	return d.String()
}

// ClampCallbackRate 将回调比例按 0.1 取整后限制在 [0.1, 5.0]。
func ClampCallbackRate(pct decimal.Decimal) decimal.Decimal {
	r := pct.Round(1)
	if r.LessThan(minCallbackRate) {
		return minCallbackRate
	}
	if r.GreaterThan(maxCallbackRate) {
		return maxCallbackRate
	}
	return r
}

// FormatCallbackRate 返回一位小数的回调比例字符串，例如 "0.5"。
func FormatCallbackRate(pct decimal.Decimal) string {
	return ClampCallbackRate(pct).StringFixed(1)
}

// PercentDeviation 返回 |a-ref|/ref*100；ref 为零时返回零。
func PercentDeviation(a, ref decimal.Decimal) decimal.Decimal {
	if ref.IsZero() {
		return decimal.Zero
	}
	return a.Sub(ref).Abs().Div(ref.Abs()).Mul(decimal.NewFromInt(100))
}

// OffsetPct 返回 value*(1+pct/100)，pct 可为负。
func OffsetPct(value, pct decimal.Decimal) decimal.Decimal {
	return value.Mul(decimal.NewFromInt(1).Add(pct.Div(decimal.NewFromInt(100))))
}
