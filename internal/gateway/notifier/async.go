package notifier

import (
	"sync"
	"sync/atomic"

	"perpguard/internal/logger"
)

const defaultAsyncBuffer = 64

// Async 在后台 goroutine 中转发消息。缓冲满或已关闭时直接丢弃，调用方永不阻塞。
type Async struct {
	next    TextNotifier
	queue   chan string
	dropped atomic.Int64
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsync(next TextNotifier, buffer int) *Async {
	if buffer <= 0 {
		buffer = defaultAsyncBuffer
	}
	a := &Async{
		next:  next,
		queue: make(chan string, buffer),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for text := range a.queue {
		if a.next == nil {
			continue
		}
		if err := a.next.SendText(text); err != nil {
			logger.Warnf("notifier: 推送失败: %v", err)
		}
	}
}

// SendText 投递消息，总是返回 nil。
func (a *Async) SendText(text string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return nil
	}
	select {
	case a.queue <- text:
	default:
		a.dropped.Add(1)
	}
	return nil
}

func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Close 停止接收新消息并等待队列发送完毕。
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}
