package notifier

import (
	"fmt"
	"strings"
	"time"

	"perpguard/internal/pkg/text"
)

// Telegram 单条消息上限 4096，留出 Markdown 包裹的余量。
const maxMessageLen = 3800

type Section struct {
	Title string
	Lines []string
}

// Message 是统一格式的推送：标题 + 代码块中的若干段落 + 页脚。
type Message struct {
	Icon     string
	Title    string
	Sections []Section
	Footer   string
	At       time.Time
}

// KV 生成 "key: value" 行，value 为空时返回空串（渲染时被跳过）。
func KV(key string, value any) string {
	s := strings.TrimSpace(fmt.Sprint(value))
	if s == "" || s == "<nil>" {
		return ""
	}
	return key + ": " + s
}

// Markdown 渲染消息，超长时按字符截断。
func (m Message) Markdown() string {
	var b strings.Builder
	if header := strings.TrimSpace(m.Icon + " " + m.Title); header != "" {
		b.WriteString(header)
		b.WriteString("\n\n")
	}
	b.WriteString(renderSections(m.Sections))
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		b.WriteString(escapeFence(footer))
		b.WriteString("\n")
	}
	if !m.At.IsZero() {
		b.WriteString("时间：" + m.At.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	return text.Truncate(strings.TrimSpace(b.String()), maxMessageLen)
}

func renderSections(secs []Section) string {
	var b strings.Builder
	written := 0
	for _, sec := range secs {
		lines := nonEmpty(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		if written > 0 {
			b.WriteString("\n")
		}
		if title := strings.TrimSpace(sec.Title); title != "" {
			b.WriteString(escapeFence(title))
			b.WriteString("\n")
		}
		for _, line := range lines {
			b.WriteString("- ")
			b.WriteString(escapeFence(line))
			b.WriteString("\n")
		}
		written++
	}
	if written == 0 {
		return ""
	}
	return "```\n" + b.String() + "```\n\n"
}

func nonEmpty(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func escapeFence(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}
