package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"perpguard/internal/ordermanager"
	"perpguard/internal/store"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var errClosed = errors.New("eventlog 未初始化")

// Log 把对账事件写入独立的 sqlite 文件，供 HTTP 查询最近的处理记录。
type Log struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

var _ store.EventStore = (*Log)(nil)

// Open opens or creates the event database.
func Open(path string) (*Log, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("eventlog path 不能为空")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Log{db: db, path: path}, nil
}

func (l *Log) handle() *sql.DB {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db
}

// Close closes the underlying db.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

// RecordEvent 实现 ordermanager.EventSink。
func (l *Log) RecordEvent(ctx context.Context, ev ordermanager.ReconcileEvent) error {
	db := l.handle()
	if db == nil {
		return errClosed
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO reconcile_events(id, symbol, action, detail, error, at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, uuid.NewString(), ev.Symbol, string(ev.Action), nullIfEmpty(ev.Detail), nullIfEmpty(ev.Error), at.UnixMilli())
	return err
}

// Recent 返回最新的 limit 条事件（新在前）；symbol 为空时不过滤。
func (l *Log) Recent(ctx context.Context, symbol string, limit int) ([]ordermanager.ReconcileEvent, error) {
	db := l.handle()
	if db == nil {
		return nil, errClosed
	}
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT symbol, action, detail, error, at FROM reconcile_events`
	args := []any{}
	if symbol = strings.ToUpper(strings.TrimSpace(symbol)); symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ordermanager.ReconcileEvent
	for rows.Next() {
		var (
			ev             ordermanager.ReconcileEvent
			action         string
			detail, errMsg sql.NullString
			at             int64
		)
		if err := rows.Scan(&ev.Symbol, &action, &detail, &errMsg, &at); err != nil {
			return nil, err
		}
		ev.Action = ordermanager.ReconcileAction(action)
		ev.Detail = detail.String
		ev.Error = errMsg.String
		ev.At = time.UnixMilli(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func ensureSchema(db *sql.DB) error {
	stmt := `
	CREATE TABLE IF NOT EXISTS reconcile_events (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT,
		error TEXT,
		at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reconcile_events_symbol_at ON reconcile_events(symbol, at);`
	_, err := db.Exec(stmt)
	return err
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
