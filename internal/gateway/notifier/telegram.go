package notifier

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	defaultTelegramBase = "https://api.telegram.org"
	telegramAttempts    = 3
)

// Telegram 把交易与熔断通知推送到指定群/频道。BotToken 不得出现在日志或错误里。
type Telegram struct {
	BotToken string
	// ChatID 为数字 id，或以 @ 开头的频道名。
	ChatID   string
	BaseURL  string
	Client   *http.Client

	mu   sync.Mutex
	bot  *tgbotapi.BotAPI
	wait func(attempt int) time.Duration
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		BotToken: botToken,
		ChatID:   chatID,
		BaseURL:  defaultTelegramBase,
		Client:   &http.Client{Timeout: 15 * time.Second},
		wait:     func(attempt int) time.Duration { return time.Duration(attempt) * time.Second },
	}
}

// SendText 发送 Markdown 文本（最多 3 次尝试）。
func (t *Telegram) SendText(text string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("telegram 配置不完整")
	}
	var lastErr error
	for i := 1; i <= telegramAttempts; i++ {
		if i > 1 && t.wait != nil {
			time.Sleep(t.wait(i - 1))
		}
		bot, err := t.client()
		if err != nil {
			lastErr = fmt.Errorf("telegram auth (attempt %d): %w", i, err)
			continue
		}
		if _, err := bot.Send(t.message(text)); err != nil {
			lastErr = fmt.Errorf("telegram send (attempt %d): %w", i, redact(err))
			continue
		}
		return nil
	}
	return lastErr
}

// client 惰性创建 BotAPI（会调用一次 getMe），失败时下次重试。
func (t *Telegram) client() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	base := strings.TrimRight(t.BaseURL, "/")
	if base == "" {
		base = defaultTelegramBase
	}
	var hc tgbotapi.HTTPClient = http.DefaultClient
	if t.Client != nil {
		hc = t.Client
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.BotToken, base+"/bot%s/%s", hc)
	if err != nil {
		return nil, redact(err)
	}
	t.bot = bot
	return bot, nil
}

func (t *Telegram) message(text string) tgbotapi.MessageConfig {
	var msg tgbotapi.MessageConfig
	if id, err := strconv.ParseInt(strings.TrimSpace(t.ChatID), 10, 64); err == nil {
		msg = tgbotapi.NewMessage(id, text)
	} else {
		msg = tgbotapi.NewMessageToChannel(strings.TrimSpace(t.ChatID), text)
	}
	msg.ParseMode = tgbotapi.ModeMarkdown
	return msg
}

// redact 只保留 Telegram 返回的错误码与描述；传输层错误会带上含 token 的地址。
func redact(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("telegram api error %d: %s", apiErr.Code, apiErr.Message)
	}
	return errors.New("telegram request failed")
}
