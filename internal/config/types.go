package config

import (
	"strings"
	"time"
)

// Config 是 perpguard 的主配置载体。
type Config struct {
	App          AppConfig          `toml:"app"`
	Exchange     ExchangeConfig     `toml:"exchange"`
	OrderManager OrderManagerConfig `toml:"order_manager"`
	Deal         DealConfig         `toml:"deal"`
	Cooldown     CooldownConfig     `toml:"cooldown"`
	Limits       LimitsConfig       `toml:"limits"`
	Store        StoreConfig        `toml:"store"`
	Notify       NotifyConfig       `toml:"notify"`
	Schedule     ScheduleConfig     `toml:"schedule"`
	HTTP         HTTPConfig         `toml:"http"`
}

type AppConfig struct {
	Env         string `toml:"env"`
	LogLevel    string `toml:"log_level"`
	LogPath     string `toml:"log_path"`
	JournalPath string `toml:"journal_path"`
}

const (
	ExchangeModeFutures = "futures"
	ExchangeModePAPI    = "papi"
)

// ExchangeConfig 选择连接器：futures 为经典 U 本位账户，papi 为组合保证金账户。
type ExchangeConfig struct {
	Mode          string        `toml:"mode"`
	APIKey        string        `toml:"api_key"`
	APISecret     string        `toml:"api_secret"`
	BaseURL       string        `toml:"base_url"`
	MarketBaseURL string        `toml:"market_base_url"`
	Testnet       bool          `toml:"testnet"`
	RecvWindow    time.Duration `toml:"recv_window"`
	HTTPTimeout   time.Duration `toml:"http_timeout"`
	FilterTTL     time.Duration `toml:"filter_ttl"`
	ProxyEnabled  bool          `toml:"proxy_enabled"`
	ProxyURL      string        `toml:"proxy_url"`
}

type OrderManagerConfig struct {
	Retries                  int             `toml:"retries"`
	Backoff                  []time.Duration `toml:"backoff"`
	PlacementTimeout         time.Duration   `toml:"placement_timeout"`
	MaxSlippagePct           float64         `toml:"max_slippage_pct"`
	DisableSlippageGuard     bool            `toml:"disable_slippage_guard"`
	UnfilledEntryTTL         time.Duration   `toml:"unfilled_entry_ttl"`
	LockTimeout              time.Duration   `toml:"lock_timeout"`
	RearmStopOffsetPct       float64         `toml:"rearm_stop_offset_pct"`
	RearmActivationOffsetPct float64         `toml:"rearm_activation_offset_pct"`
	RearmCallbackRate        float64         `toml:"rearm_callback_rate"`
	CleanupParallelism       int             `toml:"cleanup_parallelism"`
	HaltCoolOff              time.Duration   `toml:"halt_cool_off"`
}

// DealConfig 描述信号到托管下单请求的换算。
type DealConfig struct {
	Pairs                  []string `toml:"pairs"`
	DeviationPct           float64  `toml:"deviation_pct"`
	RiskPercent            float64  `toml:"risk_percent"`
	Leverage               int      `toml:"leverage"`
	MarginType             string   `toml:"margin_type"`
	BalanceKind            string   `toml:"balance_kind"`
	TrailingActivationPart float64  `toml:"trailing_activation_part"`
	TrailingCallbackPart   float64  `toml:"trailing_callback_part"`
	PlaceTakeProfit        bool     `toml:"place_take_profit"`
	PositionSide           string   `toml:"position_side"`
	WorkingType            string   `toml:"working_type"`
	TimeInForce            string   `toml:"time_in_force"`
}

type CooldownConfig struct {
	Enabled      bool          `toml:"enabled"`
	LossQuantity int           `toml:"loss_quantity"`
	CheckPeriod  time.Duration `toml:"check_period"`
	Length       time.Duration `toml:"length"`
	Reverse      bool          `toml:"reverse"`
}

type LimitsConfig struct {
	MaxActiveDeals        int `toml:"max_active_deals"`
	MaxDealsPerPair       int `toml:"max_deals_per_pair"`
	MaxDirectionImbalance int `toml:"max_direction_imbalance"`
}

type StoreConfig struct {
	Path       string `toml:"path"`
	EventsPath string `toml:"events_path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type ScheduleConfig struct {
	SweepInterval  string        `toml:"sweep_interval"`
	SweepOffset    time.Duration `toml:"sweep_offset"`
	RunImmediately bool          `toml:"run_immediately"`
}

type HTTPConfig struct {
	Addr            string        `toml:"addr"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
