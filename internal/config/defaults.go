package config

import (
	"strings"
	"time"
)

// 默认值常量
const (
	defaultAppEnv           = "dev"
	defaultAppLogLevel      = "info"
	defaultAppLogPath       = "data/logs/perpguard.log"
	defaultAppJournalPath   = "data/logs/trade-calc.log"
	defaultExchangeMode     = ExchangeModeFutures
	defaultRecvWindow       = 5 * time.Second
	defaultHTTPTimeout      = 15 * time.Second
	defaultFilterTTL        = time.Hour
	defaultRetries          = 3
	defaultPlacementTimeout = 15 * time.Second
	defaultMaxSlippagePct   = 0.3
	defaultEntryTTL         = 20 * time.Second
	defaultLockTimeout      = time.Second
	defaultRearmStopPct     = 0.5
	defaultRearmActPct      = 0.3
	defaultRearmCallback    = 0.5
	defaultCleanupParallel  = 4
	defaultHaltCoolOff      = 10 * time.Minute
	defaultDeviationPct     = 0.1
	defaultRiskPercent      = 1.0
	defaultLeverage         = 10
	defaultMarginType       = "ISOLATED"
	defaultBalanceKind      = "available"
	defaultActivationPart   = 0.5
	defaultCallbackPart     = 0.3
	defaultPositionSide     = "BOTH"
	defaultWorkingType      = "MARK_PRICE"
	defaultTimeInForce      = "GTC"
	defaultLossQuantity     = 3
	defaultCheckPeriod      = 3 * time.Hour
	defaultCooldownLength   = 6 * time.Hour
	defaultStorePath        = "data/db/perpguard.db"
	defaultEventsPath       = "data/db/reconcile_events.db"
	defaultSweepInterval    = "1m"
	defaultSweepOffset      = 5 * time.Second
	defaultHTTPAddr         = ":9991"
	defaultShutdownTimeout  = 10 * time.Second
)

var defaultBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.OrderManager.applyDefaults(keys)
	c.Deal.applyDefaults(keys)
	c.Cooldown.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Schedule.applyDefaults(keys)
	c.HTTP.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.journal_path", &a.JournalPath, defaultAppJournalPath),
	)
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("exchange.mode", &e.Mode, defaultExchangeMode),
		durationFieldDefault("exchange.recv_window", &e.RecvWindow, defaultRecvWindow),
		durationFieldDefault("exchange.http_timeout", &e.HTTPTimeout, defaultHTTPTimeout),
		durationFieldDefault("exchange.filter_ttl", &e.FilterTTL, defaultFilterTTL),
	)
	e.Mode = strings.ToLower(strings.TrimSpace(e.Mode))
}

func (o *OrderManagerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("order_manager.retries", &o.Retries, defaultRetries),
		fieldDefault{
			key:   "order_manager.backoff",
			need:  func() bool { return len(o.Backoff) == 0 },
			apply: func() { o.Backoff = append([]time.Duration(nil), defaultBackoff...) },
		},
		durationFieldDefault("order_manager.placement_timeout", &o.PlacementTimeout, defaultPlacementTimeout),
		floatFieldDefault("order_manager.max_slippage_pct", &o.MaxSlippagePct, defaultMaxSlippagePct),
		durationFieldDefault("order_manager.unfilled_entry_ttl", &o.UnfilledEntryTTL, defaultEntryTTL),
		durationFieldDefault("order_manager.lock_timeout", &o.LockTimeout, defaultLockTimeout),
		floatFieldDefault("order_manager.rearm_stop_offset_pct", &o.RearmStopOffsetPct, defaultRearmStopPct),
		floatFieldDefault("order_manager.rearm_activation_offset_pct", &o.RearmActivationOffsetPct, defaultRearmActPct),
		floatFieldDefault("order_manager.rearm_callback_rate", &o.RearmCallbackRate, defaultRearmCallback),
		intFieldDefault("order_manager.cleanup_parallelism", &o.CleanupParallelism, defaultCleanupParallel),
		durationFieldDefault("order_manager.halt_cool_off", &o.HaltCoolOff, defaultHaltCoolOff),
	)
}

func (d *DealConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("deal.deviation_pct", &d.DeviationPct, defaultDeviationPct),
		floatFieldDefault("deal.risk_percent", &d.RiskPercent, defaultRiskPercent),
		intFieldDefault("deal.leverage", &d.Leverage, defaultLeverage),
		stringFieldDefault("deal.margin_type", &d.MarginType, defaultMarginType),
		stringFieldDefault("deal.balance_kind", &d.BalanceKind, defaultBalanceKind),
		floatFieldDefault("deal.trailing_activation_part", &d.TrailingActivationPart, defaultActivationPart),
		floatFieldDefault("deal.trailing_callback_part", &d.TrailingCallbackPart, defaultCallbackPart),
		stringFieldDefault("deal.position_side", &d.PositionSide, defaultPositionSide),
		stringFieldDefault("deal.working_type", &d.WorkingType, defaultWorkingType),
		stringFieldDefault("deal.time_in_force", &d.TimeInForce, defaultTimeInForce),
	)
	d.MarginType = strings.ToUpper(strings.TrimSpace(d.MarginType))
	d.PositionSide = strings.ToUpper(strings.TrimSpace(d.PositionSide))
	d.WorkingType = strings.ToUpper(strings.TrimSpace(d.WorkingType))
	d.TimeInForce = strings.ToUpper(strings.TrimSpace(d.TimeInForce))
	d.BalanceKind = strings.ToLower(strings.TrimSpace(d.BalanceKind))
}

func (c *CooldownConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		boolFieldDefault("cooldown.enabled", &c.Enabled, true),
		intFieldDefault("cooldown.loss_quantity", &c.LossQuantity, defaultLossQuantity),
		durationFieldDefault("cooldown.check_period", &c.CheckPeriod, defaultCheckPeriod),
		durationFieldDefault("cooldown.length", &c.Length, defaultCooldownLength),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
		stringFieldDefault("store.events_path", &s.EventsPath, defaultEventsPath),
	)
}

func (s *ScheduleConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("schedule.sweep_interval", &s.SweepInterval, defaultSweepInterval),
		durationFieldDefault("schedule.sweep_offset", &s.SweepOffset, defaultSweepOffset),
	)
}

func (h *HTTPConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("http.addr", &h.Addr, defaultHTTPAddr),
		durationFieldDefault("http.shutdown_timeout", &h.ShutdownTimeout, defaultShutdownTimeout),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func durationFieldDefault(key string, target *time.Duration, def time.Duration) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:   key,
		apply: func() { *target = def },
	}
}
