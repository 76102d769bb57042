// Package cooldown 实现连亏（反向模式下为连盈）熔断：最近 LossQuantity 次结果
// 落在 CheckPeriod 之内时，暂停开新仓 Length 时长。
package cooldown

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"perpguard/internal/logger"
)

type Config struct {
	LossQuantity int
	CheckPeriod  time.Duration
	Length       time.Duration
	// Reverse 为真时统计盈利单而不是亏损单。
	Reverse bool
}

func (c Config) Validate() error {
	if c.LossQuantity <= 0 {
		return fmt.Errorf("cooldown loss quantity must be > 0")
	}
	if c.CheckPeriod <= 0 || c.Length <= 0 {
		return fmt.Errorf("cooldown check period and length must be > 0")
	}
	return nil
}

// State 是熔断器的只读快照。
type State struct {
	Active       bool          `json:"active"`
	Tracking     string        `json:"tracking"`
	Start        time.Time     `json:"start"`
	Finish       time.Time     `json:"finish"`
	Outcomes     []time.Time   `json:"outcomes"`
	LossQuantity int           `json:"loss_quantity"`
	CheckPeriod  time.Duration `json:"check_period"`
	Length       time.Duration `json:"length"`
}

type Breaker struct {
	mu         sync.Mutex
	cfg        Config
	outcomes   []time.Time
	start      time.Time
	finish     time.Time
	nowFn      func() time.Time
	onActivate func(State)
}

func New(cfg Config) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Breaker{cfg: cfg, nowFn: time.Now}, nil
}

// SetClock 仅用于测试。
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.nowFn = now
	}
}

// OnActivate 注册熔断激活回调，回调在锁外异步执行。
func (b *Breaker) OnActivate(fn func(State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onActivate = fn
}

// Tracks 报告某个结果是否计入窗口：默认统计亏损，反向模式统计盈利。
func (b *Breaker) Tracks(win bool) bool {
	return win == b.cfg.Reverse
}

func (b *Breaker) tracking() string {
	if b.cfg.Reverse {
		return "win"
	}
	return "loss"
}

// Seed 用历史结果初始化窗口（进程启动时调用一次）。
// 只保留最新的 LossQuantity 条；若历史本身已满足条件，熔断持续到 newest + Length。
func (b *Breaker) Seed(history []time.Time) {
	b.mu.Lock()
	sorted := append([]time.Time(nil), history...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	if n := len(sorted); n > b.cfg.LossQuantity {
		sorted = sorted[n-b.cfg.LossQuantity:]
	}
	b.outcomes = sorted
	activated := false
	if b.windowTripped() {
		newest := b.outcomes[len(b.outcomes)-1]
		if finish := newest.Add(b.cfg.Length); b.nowFn().Before(finish) {
			b.start, b.finish = newest, finish
			activated = true
		}
	}
	snap := b.snapshotLocked()
	b.mu.Unlock()

	if activated {
		logger.Warnf("cooldown: seeded history already trips the window, active until %s", snap.Finish.Format(time.DateTime))
	} else {
		logger.Infof("cooldown: seeded %d %s outcomes", len(snap.Outcomes), snap.Tracking)
	}
}

// RecordOutcome 记录一次被统计的结果；返回本次是否触发熔断。
func (b *Breaker) RecordOutcome(at time.Time) bool {
	b.mu.Lock()
	idx := sort.Search(len(b.outcomes), func(i int) bool { return b.outcomes[i].After(at) })
	b.outcomes = append(b.outcomes, time.Time{})
	copy(b.outcomes[idx+1:], b.outcomes[idx:])
	b.outcomes[idx] = at
	if n := len(b.outcomes); n > b.cfg.LossQuantity {
		b.outcomes = append([]time.Time(nil), b.outcomes[n-b.cfg.LossQuantity:]...)
	}
	if !b.windowTripped() {
		b.mu.Unlock()
		return false
	}
	now := b.nowFn()
	b.start, b.finish = now, now.Add(b.cfg.Length)
	snap := b.snapshotLocked()
	hook := b.onActivate
	b.mu.Unlock()

	logger.Warnf("cooldown: %d %s outcomes within %s, paused from %s to %s",
		len(snap.Outcomes), snap.Tracking, b.cfg.CheckPeriod, snap.Start.Format(time.DateTime), snap.Finish.Format(time.DateTime))
	if hook != nil {
		go hook(snap)
	}
	return true
}

// RecordResult 按胜负记录结果，不被统计的一方直接忽略。
func (b *Breaker) RecordResult(win bool, at time.Time) bool {
	if !b.Tracks(win) {
		return false
	}
	return b.RecordOutcome(at)
}

func (b *Breaker) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nowFn().Before(b.finish)
}

func (b *Breaker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Breaker) windowTripped() bool {
	n := len(b.outcomes)
	if n < b.cfg.LossQuantity || n == 0 {
		return false
	}
	return b.outcomes[n-1].Sub(b.outcomes[0]) <= b.cfg.CheckPeriod
}

func (b *Breaker) snapshotLocked() State {
	return State{
		Active:       b.nowFn().Before(b.finish),
		Tracking:     b.tracking(),
		Start:        b.start,
		Finish:       b.finish,
		Outcomes:     append([]time.Time(nil), b.outcomes...),
		LossQuantity: b.cfg.LossQuantity,
		CheckPeriod:  b.cfg.CheckPeriod,
		Length:       b.cfg.Length,
	}
}
