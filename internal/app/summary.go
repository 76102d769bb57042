package app

import (
	"fmt"
	"strings"

	"perpguard/internal/config"
)

type StartupSummary struct {
	Env       string
	Connector string
	Pairs     []string
	Deal      DealSummary
	Cooldown  string
	Limits    string
	HTTPAddr  string
	Sweep     string
	Notify    string
}

type DealSummary struct {
	DeviationPct    float64
	RiskPercent     float64
	Leverage        int
	MarginType      string
	BalanceKind     string
	PlaceTakeProfit bool
}

func buildSummary(cfg *config.Config, connector string, pairs []string) *StartupSummary {
	s := &StartupSummary{
		Env:       cfg.App.Env,
		Connector: connector,
		Pairs:     pairs,
		Deal: DealSummary{
			DeviationPct:    cfg.Deal.DeviationPct,
			RiskPercent:     cfg.Deal.RiskPercent,
			Leverage:        cfg.Deal.Leverage,
			MarginType:      cfg.Deal.MarginType,
			BalanceKind:     cfg.Deal.BalanceKind,
			PlaceTakeProfit: cfg.Deal.PlaceTakeProfit,
		},
		Cooldown: "关闭",
		Limits: fmt.Sprintf("total=%s pair=%s imbalance=%s",
			limitText(cfg.Limits.MaxActiveDeals),
			limitText(cfg.Limits.MaxDealsPerPair),
			limitText(cfg.Limits.MaxDirectionImbalance)),
		HTTPAddr: cfg.HTTP.Addr,
		Sweep:    fmt.Sprintf("every %s offset %s", cfg.Schedule.SweepEvery(), cfg.Schedule.SweepOffset),
		Notify:   "关闭",
	}
	if cfg.Cooldown.Enabled {
		tracking := "loss"
		if cfg.Cooldown.Reverse {
			tracking = "win"
		}
		s.Cooldown = fmt.Sprintf("%d 次 %s / %s 内 → 暂停 %s",
			cfg.Cooldown.LossQuantity, tracking, cfg.Cooldown.CheckPeriod, cfg.Cooldown.Length)
	}
	if cfg.Notify.Telegram.Enabled {
		s.Notify = "telegram"
	}
	return s
}

func limitText(n int) string {
	if n <= 0 {
		return "∞"
	}
	return fmt.Sprintf("%d", n)
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[交易所 (EXCHANGE)]")
	fmt.Printf("  环境: %s\n", s.Env)
	fmt.Printf("  连接器: %s\n", s.Connector)
	fmt.Printf("  清理交易对: %s\n", formatList(s.Pairs))
	fmt.Println()

	fmt.Println("[下单参数 (DEAL)]")
	fmt.Printf("  挂单偏移: %.4g%%\n", s.Deal.DeviationPct)
	fmt.Printf("  单笔风险: %.4g%% (%s)\n", s.Deal.RiskPercent, s.Deal.BalanceKind)
	fmt.Printf("  杠杆: %dx %s\n", s.Deal.Leverage, s.Deal.MarginType)
	fmt.Printf("  止盈单: %t\n", s.Deal.PlaceTakeProfit)
	fmt.Println()

	fmt.Println("[风控 (RISK)]")
	fmt.Printf("  熔断: %s\n", s.Cooldown)
	fmt.Printf("  持仓上限: %s\n", s.Limits)
	fmt.Println()

	fmt.Println("[服务 (SERVICES)]")
	fmt.Printf("  HTTP: %s\n", s.HTTPAddr)
	fmt.Printf("  周期清理: %s\n", s.Sweep)
	fmt.Printf("  通知: %s\n", s.Notify)
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
