package ordermanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// symbolLocks 是按合约划分的互斥锁注册表，首次访问时惰性创建。
type symbolLocks struct {
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

func newSymbolLocks() *symbolLocks {
	return &symbolLocks{locks: make(map[string]*semaphore.Weighted)}
}

func (r *symbolLocks) get(symbol string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.locks[symbol]
	if !ok {
		sem = semaphore.NewWeighted(1)
		r.locks[symbol] = sem
	}
	return sem
}

// acquire 在 timeout 内获取锁，失败返回 ErrSymbolBusy。返回的 release 可重复调用。
func (r *symbolLocks) acquire(ctx context.Context, symbol string, timeout time.Duration) (func(), error) {
	sem := r.get(symbol)
	if !sem.TryAcquire(1) {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := sem.Acquire(waitCtx, 1); err != nil {
			if ctx.Err() != nil {
				return func() {}, fmt.Errorf("%w: %s: %v", ErrSymbolBusy, symbol, ctx.Err())
			}
			return func() {}, fmt.Errorf("%w: %s", ErrSymbolBusy, symbol)
		}
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

func (r *symbolLocks) held(symbol string) bool {
	sem := r.get(symbol)
	if sem.TryAcquire(1) {
		sem.Release(1)
		return false
	}
	return true
}
