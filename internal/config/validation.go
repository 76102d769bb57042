package config

import (
	"fmt"
	"strings"

	"perpguard/internal/scheduler"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Exchange.validate(); err != nil {
		return err
	}
	if err := c.OrderManager.validate(); err != nil {
		return err
	}
	if err := c.Deal.validate(); err != nil {
		return err
	}
	if err := c.Cooldown.validate(); err != nil {
		return err
	}
	if err := c.Limits.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if err := c.Schedule.validate(); err != nil {
		return err
	}
	return nil
}

func (e *ExchangeConfig) validate() error {
	switch e.Mode {
	case ExchangeModeFutures, ExchangeModePAPI:
	default:
		return fmt.Errorf("exchange.mode must be %q or %q, got %q", ExchangeModeFutures, ExchangeModePAPI, e.Mode)
	}
	if e.ProxyEnabled && strings.TrimSpace(e.ProxyURL) == "" {
		return fmt.Errorf("exchange.proxy_url is required when exchange.proxy_enabled=true")
	}
	return nil
}

// RequireCredentials 在真正连接交易所前校验密钥（单元测试可以不带密钥加载配置）。
func (e *ExchangeConfig) RequireCredentials() error {
	if strings.TrimSpace(e.APIKey) == "" || strings.TrimSpace(e.APISecret) == "" {
		return fmt.Errorf("exchange.api_key and exchange.api_secret are required (or set %s / %s)", envAPIKey, envAPISecret)
	}
	return nil
}

func (o *OrderManagerConfig) validate() error {
	if o.Retries < 0 {
		return fmt.Errorf("order_manager.retries must be >= 0")
	}
	for i, d := range o.Backoff {
		if d < 0 {
			return fmt.Errorf("order_manager.backoff[%d] must be >= 0", i)
		}
	}
	if o.MaxSlippagePct < 0 {
		return fmt.Errorf("order_manager.max_slippage_pct must be >= 0")
	}
	if o.RearmCallbackRate < 0 || o.RearmStopOffsetPct < 0 || o.RearmActivationOffsetPct < 0 {
		return fmt.Errorf("order_manager.rearm_* values must be >= 0")
	}
	if o.CleanupParallelism < 0 {
		return fmt.Errorf("order_manager.cleanup_parallelism must be >= 0")
	}
	return nil
}

func (d *DealConfig) validate() error {
	if d.RiskPercent <= 0 || d.RiskPercent > 100 {
		return fmt.Errorf("deal.risk_percent must be in (0, 100]")
	}
	if d.DeviationPct < 0 || d.DeviationPct >= 100 {
		return fmt.Errorf("deal.deviation_pct must be in [0, 100)")
	}
	if d.Leverage <= 0 || d.Leverage > 125 {
		return fmt.Errorf("deal.leverage must be in [1, 125]")
	}
	switch d.MarginType {
	case "ISOLATED", "CROSSED":
	default:
		return fmt.Errorf("deal.margin_type must be ISOLATED or CROSSED")
	}
	switch d.BalanceKind {
	case "available", "wallet", "collateral":
	default:
		return fmt.Errorf("deal.balance_kind must be available, wallet or collateral")
	}
	switch d.PositionSide {
	case "BOTH", "LONG", "SHORT":
	default:
		return fmt.Errorf("deal.position_side must be BOTH, LONG or SHORT")
	}
	switch d.WorkingType {
	case "MARK_PRICE", "CONTRACT_PRICE":
	default:
		return fmt.Errorf("deal.working_type must be MARK_PRICE or CONTRACT_PRICE")
	}
	if d.TrailingActivationPart < 0 || d.TrailingCallbackPart < 0 {
		return fmt.Errorf("deal.trailing_* parts must be >= 0")
	}
	return nil
}

func (c *CooldownConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if c.LossQuantity <= 0 {
		return fmt.Errorf("cooldown.loss_quantity must be > 0")
	}
	if c.CheckPeriod <= 0 || c.Length <= 0 {
		return fmt.Errorf("cooldown.check_period and cooldown.length must be > 0")
	}
	return nil
}

func (l *LimitsConfig) validate() error {
	if l.MaxActiveDeals < 0 || l.MaxDealsPerPair < 0 || l.MaxDirectionImbalance < 0 {
		return fmt.Errorf("limits.* must be >= 0 (0 disables the limit)")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	tg := n.Telegram
	if tg.Enabled && (strings.TrimSpace(tg.BotToken) == "" || strings.TrimSpace(tg.ChatID) == "") {
		return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
	}
	return nil
}

func (s *ScheduleConfig) validate() error {
	interval, ok := scheduler.ParseIntervalDuration(s.SweepInterval)
	if !ok {
		return fmt.Errorf("schedule.sweep_interval %q is invalid", s.SweepInterval)
	}
	if s.SweepOffset < 0 || s.SweepOffset >= interval {
		return fmt.Errorf("schedule.sweep_offset must be in [0, sweep_interval)")
	}
	return nil
}
