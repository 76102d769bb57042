// Package ordermanager 编排托管交易下单（入场 + 保护单，带重试与回滚），
// 并周期性对账修复交易所订单状态与意图之间的偏差。
package ordermanager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"perpguard/internal/gateway/exchange"
	"perpguard/internal/logger"
	"perpguard/internal/pkg/circuit"
)

type Manager struct {
	conn    exchange.Connector
	cfg     Config
	locks   *symbolLocks
	breaker *circuit.CircuitBreaker
	sink    EventSink
	plans   PlanStore
	journal *logger.Journal

	progressMu sync.Mutex
	progress   map[string]*PlacementResult

	nowFn func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Manager)

func WithEventSink(sink EventSink) Option { return func(m *Manager) { m.sink = sink } }

func WithPlanStore(store PlanStore) Option { return func(m *Manager) { m.plans = store } }

func WithJournal(j *logger.Journal) Option { return func(m *Manager) { m.journal = j } }

// WithBreaker 替换默认的账户级熔断器。
func WithBreaker(cb *circuit.CircuitBreaker) Option { return func(m *Manager) { m.breaker = cb } }

// WithClock 仅用于测试：注入时钟与等待函数。
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		if now != nil {
			m.nowFn = now
		}
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

func New(conn exchange.Connector, cfg Config, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		conn:     conn,
		cfg:      cfg,
		locks:    newSymbolLocks(),
		progress: make(map[string]*PlacementResult),
		nowFn:    time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.breaker == nil {
		m.breaker = circuit.NewCircuitBreaker("account:"+conn.Name(), 1, cfg.HaltCoolOff)
	}
	return m
}

func (m *Manager) Connector() exchange.Connector { return m.conn }

func (m *Manager) Config() Config { return m.cfg }

// Halted 报告账户是否因鉴权失败被熔断。
func (m *Manager) Halted() (bool, string) {
	if m.breaker.State() == circuit.StateOpen {
		return true, m.breaker.Reason()
	}
	return false, ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry 最多执行 cfg.Retries 次 fn，仅在瞬时错误时按退避序列等待后重试。
// 鉴权错误会立即熔断账户。
func (m *Manager) retry(ctx context.Context, symbol, step string, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.Retries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s: %w (last error: %v)", step, err, lastErr)
			}
			return fmt.Errorf("%s: %w", step, err)
		}
		err := fn(ctx, attempt)
		if err == nil {
			noteCall(ctx)
			return nil
		}
		lastErr = err
		log := logger.With("symbol", symbol, "step", step, "attempt", attempt, "error", err)
		if exchange.IsAuth(err) {
			m.breaker.Trip(fmt.Sprintf("%s: %v", step, err))
			log.Error("auth failure, account halted")
			return fmt.Errorf("%s: %w: %w", step, ErrAccountHalted, err)
		}
		if !retryable(err) {
			log.Warn("step failed, not retryable")
			return fmt.Errorf("%s: %w", step, err)
		}
		if attempt == m.cfg.Retries {
			log.Warn("step failed, retries exhausted")
			break
		}
		log.Warn("step failed, retrying")
		if err := m.sleep(ctx, m.cfg.backoffFor(attempt)); err != nil {
			return fmt.Errorf("%s: %w (last error: %v)", step, err, lastErr)
		}
	}
	return fmt.Errorf("%s: after %d attempts: %w", step, m.cfg.Retries, lastErr)
}

func (m *Manager) emit(ctx context.Context, ev ReconcileEvent) {
	if ev.At.IsZero() {
		ev.At = m.nowFn()
	}
	m.journal.Printf("reconcile symbol=%s action=%s detail=%q error=%q", ev.Symbol, ev.Action, ev.Detail, ev.Error)
	if m.sink == nil {
		return
	}
	if err := m.sink.RecordEvent(ctx, ev); err != nil {
		logger.Warnf("ordermanager: record event %s/%s failed: %v", ev.Symbol, ev.Action, err)
	}
}

func (m *Manager) loadProgress(key string) (PlacementResult, bool) {
	m.progressMu.Lock()
	defer m.progressMu.Unlock()
	p, ok := m.progress[key]
	if !ok {
		return PlacementResult{}, false
	}
	return *p, true
}

func (m *Manager) storeProgress(key string, res PlacementResult) {
	m.progressMu.Lock()
	defer m.progressMu.Unlock()
	cp := res
	m.progress[key] = &cp
}

func (m *Manager) clearProgress(key string) {
	m.progressMu.Lock()
	defer m.progressMu.Unlock()
	delete(m.progress, key)
}

// dropProgressFor 清掉某合约的全部下单进度，返回清掉的条数。
func (m *Manager) dropProgressFor(sym string) int {
	m.progressMu.Lock()
	defer m.progressMu.Unlock()
	n := 0
	for key, p := range m.progress {
		if p.Symbol == sym {
			delete(m.progress, key)
			n++
		}
	}
	return n
}

type callTrackerKey struct{}

// callTracker 记录一次放行期间是否有交易所调用成功。
type callTracker struct{ ok atomic.Bool }

func trackCalls(ctx context.Context) (context.Context, *callTracker) {
	t := &callTracker{}
	return context.WithValue(ctx, callTrackerKey{}, t), t
}

func noteCall(ctx context.Context) {
	if t, ok := ctx.Value(callTrackerKey{}).(*callTracker); ok {
		t.ok.Store(true)
	}
}

func (t *callTracker) succeeded() bool { return t != nil && t.ok.Load() }
