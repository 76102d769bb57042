package notifier

// TextNotifier 是最小的文本推送接口，业务侧只依赖它而不是具体实现。
type TextNotifier interface {
	SendText(text string) error
}

// Nop 丢弃所有消息，未配置 Telegram 时使用。
type Nop struct{}

func (Nop) SendText(string) error { return nil }
