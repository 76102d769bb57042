// Package scheduler 按墙钟对齐的固定周期执行任务（例如每分钟第 5 秒的对账清理）。
package scheduler

import (
	"context"
	"fmt"
	"time"

	"perpguard/internal/logger"
)

type AlignedScheduler struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	nowFn   func() time.Time
	afterFn func(d time.Duration) <-chan time.Time
}

func NewAlignedScheduler(name string, interval, offset time.Duration) *AlignedScheduler {
	return &AlignedScheduler{
		Name:     name,
		Interval: interval,
		Offset:   offset,
		nowFn:    time.Now,
		afterFn:  time.After,
	}
}

// Run 阻塞直到 ctx 结束；任务串行执行，耗时超过一个周期时跳过错过的触发点。
func (s *AlignedScheduler) Run(ctx context.Context, task func(ctx context.Context)) error {
	if task == nil {
		return fmt.Errorf("scheduler %s: task is nil", s.Name)
	}
	if s.Interval <= 0 {
		return fmt.Errorf("scheduler %s: invalid interval=%s", s.Name, s.Interval)
	}
	if s.Offset < 0 || s.Offset >= s.Interval {
		logger.Warnf("scheduler %s: offset=%s out of [0, %s), clamp to 0", s.Name, s.Offset, s.Interval)
		s.Offset = 0
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	if s.afterFn == nil {
		s.afterFn = time.After
	}

	startAt := s.nowFn().UTC()
	logger.Infof("scheduler %s: started interval=%s offset=%s run_immediately=%v at=%s",
		s.Name, s.Interval, s.Offset, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		task(ctx)
	}
	for {
		now := s.nowFn().UTC()
		wakeAt, wait := s.next(now)
		logger.Debugf("scheduler %s: next run at %s (in %s) | uptime=%s",
			s.Name, wakeAt.Format(time.RFC3339), wait.Truncate(time.Millisecond), now.Sub(startAt).Truncate(time.Second))
		select {
		case <-ctx.Done():
			logger.Infof("scheduler %s: ctx done, exit", s.Name)
			return nil
		case <-s.afterFn(wait):
		}
		task(ctx)
	}
}

// next 返回严格晚于 now 的下一个 k*Interval + Offset 时刻。
func (s *AlignedScheduler) next(now time.Time) (time.Time, time.Duration) {
	wakeAt := now.Truncate(s.Interval).Add(s.Offset)
	if !wakeAt.After(now) {
		wakeAt = wakeAt.Add(s.Interval)
	}
	return wakeAt, wakeAt.Sub(now)
}
