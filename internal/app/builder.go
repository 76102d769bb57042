package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"perpguard/internal/config"
	"perpguard/internal/cooldown"
	"perpguard/internal/dealflow"
	"perpguard/internal/gateway/binance"
	"perpguard/internal/gateway/exchange"
	"perpguard/internal/gateway/notifier"
	"perpguard/internal/gateway/papi"
	"perpguard/internal/logger"
	"perpguard/internal/ordermanager"
	"perpguard/internal/pkg/circuit"
	"perpguard/internal/pkg/symbol"
	"perpguard/internal/scheduler"
	"perpguard/internal/store"
	"perpguard/internal/store/eventlog"
	"perpguard/internal/store/gormstore"
	livehttp "perpguard/internal/transport/http/live"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

type AppBuilder struct {
	cfg *config.Config

	connectorFn  func(config.ExchangeConfig) (exchange.Connector, error)
	dealStoreFn  func(path string) (store.Store, error)
	eventStoreFn func(path string) (store.EventStore, error)
	notifierFn   func(config.TelegramConfig) notifier.TextNotifier
	journalFn    func(path string) (io.WriteCloser, error)
}

type AppBuilderOption func(*AppBuilder)

// WithConnector 替换交易所连接器的构造，测试中用于注入假连接器。
func WithConnector(fn func(config.ExchangeConfig) (exchange.Connector, error)) AppBuilderOption {
	return func(b *AppBuilder) { b.connectorFn = fn }
}

func WithNotifier(fn func(config.TelegramConfig) notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) { b.notifierFn = fn }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:          cfg,
		connectorFn:  buildConnector,
		dealStoreFn:  openDealStore,
		eventStoreFn: openEventStore,
		notifierFn:   buildTelegram,
		journalFn:    openJournalFile,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (app *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	var closers []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	conn, err := b.connectorFn(cfg.Exchange)
	if err != nil {
		return nil, fmt.Errorf("init exchange connector: %w", err)
	}
	logger.Infof("✓ 交易所连接器: %s", conn.Name())

	deals, err := b.dealStoreFn(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open deal store: %w", err)
	}
	closers = append(closers, deals.Close)

	events, err := b.eventStoreFn(cfg.Store.EventsPath)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	closers = append(closers, events.Close)

	var journal *logger.Journal
	if path := strings.TrimSpace(cfg.App.JournalPath); path != "" {
		w, err := b.journalFn(path)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		journal = logger.NewJournal(w, 256)
		closers = append(closers, func() error {
			journal.Close()
			return w.Close()
		})
	}

	var notify notifier.TextNotifier = notifier.Nop{}
	var async *notifier.Async
	if tg := b.notifierFn(cfg.Notify.Telegram); tg != nil {
		async = notifier.NewAsync(tg, 64)
		notify = async
		closers = append(closers, func() error {
			async.Close()
			return nil
		})
	}

	omCfg := orderManagerConfig(cfg.OrderManager)
	breaker := circuit.NewCircuitBreaker("account:"+conn.Name(), 1, omCfg.HaltCoolOff)
	breaker.SetStateChangeHandler(func(name string, from, to circuit.State) {
		logger.Warnf("账户熔断 %s: %s -> %s", name, from, to)
		if to == circuit.StateOpen {
			_ = notify.SendText(haltMessage(name, breaker.Reason()).Markdown())
		}
	})
	mgr := ordermanager.New(conn, omCfg,
		ordermanager.WithEventSink(events),
		ordermanager.WithPlanStore(deals),
		ordermanager.WithJournal(journal),
		ordermanager.WithBreaker(breaker),
	)

	var cd *cooldown.Breaker
	if cfg.Cooldown.Enabled {
		cd, err = cooldown.New(cooldown.Config{
			LossQuantity: cfg.Cooldown.LossQuantity,
			CheckPeriod:  cfg.Cooldown.CheckPeriod,
			Length:       cfg.Cooldown.Length,
			Reverse:      cfg.Cooldown.Reverse,
		})
		if err != nil {
			return nil, err
		}
		if err := dealflow.SeedCooldown(ctx, deals, cd); err != nil {
			return nil, fmt.Errorf("seed cooldown: %w", err)
		}
		cd.OnActivate(func(st cooldown.State) {
			_ = notify.SendText(dealflow.CooldownMessage(st).Markdown())
		})
	}

	pairs := symbol.NormalizeList(cfg.Deal.Pairs)
	svc := dealflow.NewService(dealflow.ServiceParams{
		Deals:    deals,
		Trader:   mgr,
		Cooldown: cd,
		Gate: dealflow.NewGate(dealflow.Limits{
			MaxActiveDeals:        cfg.Limits.MaxActiveDeals,
			MaxDealsPerPair:       cfg.Limits.MaxDealsPerPair,
			MaxDirectionImbalance: cfg.Limits.MaxDirectionImbalance,
		}),
		Planner:  dealflow.NewPlanner(plannerConfig(cfg.Deal)),
		Notifier: notify,
		Pairs:    pairs,
	})

	deps := livehttp.Deps{
		Service:    svc,
		Reconciler: mgr,
		Deals:      deals,
		Events:     events,
	}
	if cd != nil {
		deps.Cooldown = cd
	}
	server, err := livehttp.NewServer(livehttp.ServerConfig{
		Addr:            cfg.HTTP.Addr,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		Deps:            deps,
	})
	if err != nil {
		return nil, err
	}

	sweeper := scheduler.NewAlignedScheduler("sweep", cfg.Schedule.SweepEvery(), cfg.Schedule.SweepOffset)
	sweeper.RunImmediately = cfg.Schedule.RunImmediately

	return &App{
		cfg:     cfg,
		manager: mgr,
		service: svc,
		server:  server,
		sweeper: sweeper,
		closers: closers,
		Summary: buildSummary(cfg, conn.Name(), pairs),
	}, nil
}

func buildConnector(ec config.ExchangeConfig) (exchange.Connector, error) {
	if err := ec.RequireCredentials(); err != nil {
		return nil, err
	}
	switch ec.Mode {
	case config.ExchangeModePAPI:
		c, err := papi.New(papi.Config{
			APIKey:         ec.APIKey,
			APISecret:      ec.APISecret,
			BaseURL:        ec.BaseURL,
			MarketBaseURL:  ec.MarketBaseURL,
			RecvWindow:     ec.RecvWindow,
			HTTPTimeout:    ec.HTTPTimeout,
			FilterTTL:      ec.FilterTTL,
			ProxyEnabled:   ec.ProxyEnabled,
			MarketProxyURL: ec.ProxyURL,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		c, err := binance.New(binance.Config{
			APIKey:       ec.APIKey,
			APISecret:    ec.APISecret,
			RESTBaseURL:  ec.BaseURL,
			Testnet:      ec.Testnet,
			HTTPTimeout:  ec.HTTPTimeout,
			RecvWindow:   ec.RecvWindow,
			FilterTTL:    ec.FilterTTL,
			ProxyEnabled: ec.ProxyEnabled,
			RESTProxyURL: ec.ProxyURL,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func openDealStore(path string) (store.Store, error) {
	s, err := gormstore.NewGormStore(path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func openEventStore(path string) (store.EventStore, error) {
	l, err := eventlog.Open(path)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func buildTelegram(tc config.TelegramConfig) notifier.TextNotifier {
	if !tc.Enabled {
		return nil
	}
	if strings.TrimSpace(tc.BotToken) == "" || strings.TrimSpace(tc.ChatID) == "" {
		logger.Warnf("telegram 已启用但缺少 bot_token/chat_id，通知关闭")
		return nil
	}
	return notifier.NewTelegram(strings.TrimSpace(tc.BotToken), strings.TrimSpace(tc.ChatID))
}

func openJournalFile(path string) (io.WriteCloser, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func orderManagerConfig(c config.OrderManagerConfig) ordermanager.Config {
	return ordermanager.Config{
		Retries:                  c.Retries,
		Backoff:                  append([]time.Duration(nil), c.Backoff...),
		PlacementTimeout:         c.PlacementTimeout,
		MaxSlippagePct:           decimal.NewFromFloat(c.MaxSlippagePct),
		DisableSlippageGuard:     c.DisableSlippageGuard,
		UnfilledEntryTTL:         c.UnfilledEntryTTL,
		LockTimeout:              c.LockTimeout,
		RearmStopOffsetPct:       decimal.NewFromFloat(c.RearmStopOffsetPct),
		RearmActivationOffsetPct: decimal.NewFromFloat(c.RearmActivationOffsetPct),
		RearmCallbackRate:        decimal.NewFromFloat(c.RearmCallbackRate),
		CleanupParallelism:       c.CleanupParallelism,
		HaltCoolOff:              c.HaltCoolOff,
	}
}

func plannerConfig(d config.DealConfig) dealflow.PlannerConfig {
	return dealflow.PlannerConfig{
		OffsetPct:       decimal.NewFromFloat(d.DeviationPct),
		RiskPercent:     decimal.NewFromFloat(d.RiskPercent),
		Leverage:        d.Leverage,
		MarginType:      exchange.MarginType(strings.ToUpper(d.MarginType)),
		BalanceKind:     exchange.BalanceKind(strings.ToLower(d.BalanceKind)),
		ActivationPart:  decimal.NewFromFloat(d.TrailingActivationPart),
		CallbackPart:    decimal.NewFromFloat(d.TrailingCallbackPart),
		PlaceTakeProfit: d.PlaceTakeProfit,
		PositionSide:    exchange.PositionSide(strings.ToUpper(d.PositionSide)),
		WorkingType:     exchange.WorkingType(strings.ToUpper(d.WorkingType)),
		TimeInForce:     exchange.TimeInForce(strings.ToUpper(d.TimeInForce)),
	}
}

func haltMessage(name, reason string) notifier.Message {
	return notifier.Message{
		Icon:  "⛔",
		Title: "账户已熔断，暂停开仓",
		Sections: []notifier.Section{{Lines: []string{
			notifier.KV("breaker", name),
			notifier.KV("reason", reason),
		}}},
		At: time.Now(),
	}
}
