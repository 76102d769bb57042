package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultJournalBuffer = 256

// Journal 是交易计算明细的旁路日志：异步写入、有界缓冲，写满直接丢弃，
// 任何写入失败都不会回传给下单流程。
type Journal struct {
	w       io.Writer
	lines   chan string
	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
	nowFn   func() time.Time
}

func NewJournal(w io.Writer, buffer int) *Journal {
	if buffer <= 0 {
		buffer = defaultJournalBuffer
	}
	j := &Journal{
		w:     w,
		lines: make(chan string, buffer),
		done:  make(chan struct{}),
		nowFn: time.Now,
	}
	go j.loop()
	return j
}

func (j *Journal) loop() {
	defer close(j.done)
	for line := range j.lines {
		if j.w == nil {
			continue
		}
		if _, err := io.WriteString(j.w, line); err != nil {
			j.dropped.Add(1)
		}
	}
}

// Printf 投递一行明细；nil Journal 或缓冲已满时静默丢弃。
func (j *Journal) Printf(format string, v ...any) {
	if j == nil {
		return
	}
	msg := strings.TrimRight(fmt.Sprintf(format, v...), "\n")
	line := j.nowFn().UTC().Format(time.RFC3339Nano) + " " + msg + "\n"
	defer func() {
		// send on a closed journal after Close
		if recover() != nil {
			j.dropped.Add(1)
		}
	}()
	select {
	case j.lines <- line:
	default:
		j.dropped.Add(1)
	}
}

// Dropped 返回因缓冲满或写失败而丢弃的行数。
func (j *Journal) Dropped() int64 {
	if j == nil {
		return 0
	}
	return j.dropped.Load()
}

// Close 停止接收并等待缓冲写完。
func (j *Journal) Close() {
	if j == nil {
		return
	}
	j.once.Do(func() {
		close(j.lines)
		<-j.done
	})
}
