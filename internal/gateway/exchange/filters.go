package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const DefaultFilterTTL = time.Hour

// FilterFetcher 一次性拉取全部合约的过滤器（exchangeInfo）。
type FilterFetcher func(ctx context.Context) (map[string]SymbolFilters, error)

// FilterCache 缓存合约过滤器。整个快照在最老条目超过 TTL 时整体失效，
// 刷新时替换为新 map，读者持有的旧快照保持不变；并发未命中只触发一次拉取。
type FilterCache struct {
	ttl   time.Duration
	fetch FilterFetcher
	nowFn func() time.Time

	mu      sync.RWMutex
	entries map[string]SymbolFilters
	oldest  time.Time

	group singleflight.Group
}

func NewFilterCache(ttl time.Duration, fetch FilterFetcher) *FilterCache {
	if ttl <= 0 {
		ttl = DefaultFilterTTL
	}
	return &FilterCache{ttl: ttl, fetch: fetch, nowFn: time.Now}
}

// SetClock 仅用于测试。
func (c *FilterCache) SetClock(now func() time.Time) {
	if now != nil {
		c.nowFn = now
	}
}

func (c *FilterCache) Get(ctx context.Context, symbol string) (SymbolFilters, error) {
	key := strings.ToUpper(strings.TrimSpace(symbol))
	if key == "" {
		return SymbolFilters{}, fmt.Errorf("%w: empty symbol", ErrSymbolNotFound)
	}
	entries, fresh := c.snapshot()
	if fresh {
		if f, ok := entries[key]; ok {
			return f, nil
		}
		return SymbolFilters{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, key)
	}
	v, err, _ := c.group.Do("all", func() (any, error) {
		// another caller may have refreshed while we waited
		if entries, fresh := c.snapshot(); fresh {
			return entries, nil
		}
		return c.refresh(ctx)
	})
	if err != nil {
		return SymbolFilters{}, err
	}
	f, ok := v.(map[string]SymbolFilters)[key]
	if !ok {
		return SymbolFilters{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, key)
	}
	return f, nil
}

func (c *FilterCache) snapshot() (map[string]SymbolFilters, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entries == nil {
		return nil, false
	}
	return c.entries, c.nowFn().Sub(c.oldest) < c.ttl
}

func (c *FilterCache) refresh(ctx context.Context) (map[string]SymbolFilters, error) {
	if c.fetch == nil {
		return nil, fmt.Errorf("filter cache: fetcher not configured: %w", ErrMisconfigured)
	}
	fetched, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	now := c.nowFn()
	next := make(map[string]SymbolFilters, len(fetched))
	for sym, f := range fetched {
		key := strings.ToUpper(strings.TrimSpace(sym))
		f.Symbol = key
		f.FetchedAt = now
		next[key] = f
	}
	c.mu.Lock()
	c.entries = next
	c.oldest = now
	c.mu.Unlock()
	return next, nil
}

// Clear 丢弃全部缓存，下次访问时重新拉取。
func (c *FilterCache) Clear() {
	c.mu.Lock()
	c.entries = nil
	c.oldest = time.Time{}
	c.mu.Unlock()
}

// Len 返回当前快照中的合约数。
func (c *FilterCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
