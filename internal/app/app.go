package app

import (
	"context"
	"fmt"

	"perpguard/internal/config"
	"perpguard/internal/dealflow"
	"perpguard/internal/logger"
	"perpguard/internal/ordermanager"
	"perpguard/internal/scheduler"
	livehttp "perpguard/internal/transport/http/live"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：HTTP 入口、周期清理与配置热更新。
type App struct {
	cfg     *config.Config
	manager *ordermanager.Manager
	service *dealflow.Service
	server  *livehttp.Server
	sweeper *scheduler.AlignedScheduler
	closers []func() error

	// ConfigPath 非空时监听配置文件，变更后热更新日志级别。
	ConfigPath string
	Summary    *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动 HTTP 服务与周期清理，ctx 取消后返回。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.server == nil || a.service == nil {
		return fmt.Errorf("app services not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warnf("释放资源失败: %v", err)
		}
	}()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("live http server error: %w", err)
		}
		return nil
	})
	if a.sweeper != nil {
		group.Go(func() error {
			return a.sweeper.Run(ctx, a.sweep)
		})
	}
	if a.ConfigPath != "" {
		if err := config.Watch(a.ConfigPath, a.applyConfig); err != nil {
			logger.Warnf("配置热更新未启用: %v", err)
		}
	}
	return group.Wait()
}

func (a *App) sweep(ctx context.Context) {
	events, err := a.service.Sweep(ctx)
	if err != nil {
		logger.Warnf("周期清理失败: %v", err)
		return
	}
	if len(events) > 0 {
		logger.Infof("周期清理完成，处理 %d 个交易对", len(events))
	}
}

// applyConfig 只热更新无需重建依赖的字段。
func (a *App) applyConfig(cfg *config.Config) {
	if cfg.App.LogLevel != a.cfg.App.LogLevel {
		logger.SetLevel(cfg.App.LogLevel)
		logger.Infof("日志级别已更新: %s -> %s", a.cfg.App.LogLevel, cfg.App.LogLevel)
		a.cfg.App.LogLevel = cfg.App.LogLevel
	}
	if restartRequired(a.cfg, cfg) {
		logger.Warnf("配置文件已变更，除 app.log_level 外的改动需重启生效")
	}
}

func restartRequired(current, next *config.Config) bool {
	a, errA := current.Dump()
	candidate := *next
	candidate.App.LogLevel = current.App.LogLevel
	b, errB := candidate.Dump()
	if errA != nil || errB != nil {
		return true
	}
	return a != b
}

// Manager 暴露订单管理器，供运维脚本直接对账。
func (a *App) Manager() *ordermanager.Manager {
	if a == nil {
		return nil
	}
	return a.manager
}

// Close 逆序释放存储、日志与通知资源，可重复调用。
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
