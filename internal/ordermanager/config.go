package ordermanager

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config 控制下单重试、滑点保护与对账行为。零值字段由 withDefaults 补齐。
type Config struct {
	Retries          int
	Backoff          []time.Duration
	PlacementTimeout time.Duration
	MaxSlippagePct   decimal.Decimal
	UnfilledEntryTTL time.Duration
	LockTimeout      time.Duration

	// DisableSlippageGuard 关闭入场前的标记价偏离检查；MaxSlippagePct 为零时仍取默认值。
	DisableSlippageGuard bool

	// 重挂保护单的启发式参数（百分比）
	RearmStopOffsetPct       decimal.Decimal
	RearmActivationOffsetPct decimal.Decimal
	RearmCallbackRate        decimal.Decimal

	CleanupParallelism int
	// HaltCoolOff 为鉴权失败后账户熔断的冷却时长。
	HaltCoolOff time.Duration
}

func DefaultConfig() Config {
	return Config{
		Retries:                  3,
		Backoff:                  []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second},
		PlacementTimeout:         15 * time.Second,
		MaxSlippagePct:           decimal.RequireFromString("0.3"),
		UnfilledEntryTTL:         20 * time.Second,
		LockTimeout:              time.Second,
		RearmStopOffsetPct:       decimal.RequireFromString("0.5"),
		RearmActivationOffsetPct: decimal.RequireFromString("0.3"),
		RearmCallbackRate:        decimal.RequireFromString("0.5"),
		CleanupParallelism:       4,
		HaltCoolOff:              10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Retries <= 0 {
		c.Retries = def.Retries
	}
	if len(c.Backoff) == 0 {
		c.Backoff = def.Backoff
	}
	if c.PlacementTimeout <= 0 {
		c.PlacementTimeout = def.PlacementTimeout
	}
	if c.MaxSlippagePct.Sign() <= 0 {
		c.MaxSlippagePct = def.MaxSlippagePct
	}
	if c.UnfilledEntryTTL <= 0 {
		c.UnfilledEntryTTL = def.UnfilledEntryTTL
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = def.LockTimeout
	}
	if c.RearmStopOffsetPct.Sign() <= 0 {
		c.RearmStopOffsetPct = def.RearmStopOffsetPct
	}
	if c.RearmActivationOffsetPct.Sign() <= 0 {
		c.RearmActivationOffsetPct = def.RearmActivationOffsetPct
	}
	if c.RearmCallbackRate.Sign() <= 0 {
		c.RearmCallbackRate = def.RearmCallbackRate
	}
	if c.CleanupParallelism <= 0 {
		c.CleanupParallelism = def.CleanupParallelism
	}
	if c.HaltCoolOff <= 0 {
		c.HaltCoolOff = def.HaltCoolOff
	}
	return c
}

// backoffFor 返回第 attempt 次失败后的等待时长（从 1 开始），超出序列长度时沿用最后一个值。
func (c Config) backoffFor(attempt int) time.Duration {
	if len(c.Backoff) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(c.Backoff) {
		idx = len(c.Backoff) - 1
	}
	return c.Backoff[idx]
}
