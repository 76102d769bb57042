package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"perpguard/internal/logger"
	"perpguard/internal/scheduler"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envAPIKey        = "PERPGUARD_API_KEY"
	envAPISecret     = "PERPGUARD_API_SECRET"
	envTelegramToken = "PERPGUARD_TELEGRAM_TOKEN"
)

// Load 读取 path（以及 include 列表中的文件），应用默认值、环境变量覆盖并校验。
func Load(path string) (*Config, error) {
	files, err := resolveConfigIncludes(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	for _, file := range files {
		if err := mergeConfigFile(v, file); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	setKeys := make(keySet)
	for _, key := range v.AllKeys() {
		setKeys.mark(key)
	}
	cfg.applyDefaults(setKeys)
	cfg.applyEnv(os.LookupEnv)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(envAPIKey); ok && strings.TrimSpace(v) != "" {
		c.Exchange.APIKey = strings.TrimSpace(v)
	}
	if v, ok := lookup(envAPISecret); ok && strings.TrimSpace(v) != "" {
		c.Exchange.APISecret = strings.TrimSpace(v)
	}
	if v, ok := lookup(envTelegramToken); ok && strings.TrimSpace(v) != "" {
		c.Notify.Telegram.BotToken = strings.TrimSpace(v)
	}
}

// SweepEvery 返回清理周期；配置已校验，解析失败时退回 1 分钟。
func (s ScheduleConfig) SweepEvery() time.Duration {
	if d, ok := scheduler.ParseIntervalDuration(s.SweepInterval); ok {
		return d
	}
	return time.Minute
}

// Redacted 返回隐去密钥的副本，仅用于日志与调试输出。
func (c Config) Redacted() Config {
	out := c
	out.Exchange.APIKey = mask(c.Exchange.APIKey)
	out.Exchange.APISecret = mask(c.Exchange.APISecret)
	out.Notify.Telegram.BotToken = mask(c.Notify.Telegram.BotToken)
	out.OrderManager.Backoff = append([]time.Duration(nil), c.OrderManager.Backoff...)
	out.Deal.Pairs = append([]string(nil), c.Deal.Pairs...)
	return out
}

func mask(secret string) string {
	secret = strings.TrimSpace(secret)
	switch {
	case secret == "":
		return ""
	case len(secret) <= 8:
		return "****"
	default:
		return secret[:4] + "****"
	}
}

// Dump 以 YAML 输出脱敏后的配置。
func (c Config) Dump() (string, error) {
	var tree map[string]any
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "toml", Result: &tree})
	if err != nil {
		return "", err
	}
	if err := dec.Decode(c.Redacted()); err != nil {
		return "", err
	}
	out, err := yaml.Marshal(tree)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Watch 监听配置文件变更，重新加载成功后回调 apply。加载失败只记录日志，保留旧配置。
func Watch(path string, apply func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigFile(abs)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load(abs)
		if err != nil {
			logger.Warnf("config: reload %s failed, keeping previous config: %v", abs, err)
			return
		}
		apply(cfg)
	})
	v.WatchConfig()
	return nil
}

func mergeConfigFile(v *viper.Viper, path string) error {
	tmp := viper.New()
	tmp.SetConfigFile(path)
	if err := tmp.ReadInConfig(); err != nil {
		return err
	}
	return v.MergeConfigMap(tmp.AllSettings())
}

// resolveConfigIncludes 按 include 深度优先展开，被包含文件排在包含者之前，后者覆盖前者。
func resolveConfigIncludes(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	r := includeResolver{done: make(map[string]bool), active: make(map[string]bool)}
	if err := r.visit(abs); err != nil {
		return nil, err
	}
	return r.order, nil
}

type includeResolver struct {
	done   map[string]bool
	active map[string]bool
	order  []string
}

func (r *includeResolver) visit(path string) error {
	path = filepath.Clean(path)
	switch {
	case r.active[path]:
		return fmt.Errorf("include cycle detected: %s", path)
	case r.done[path]:
		return nil
	}
	r.active[path] = true
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("parsing include failed (%s): %w", path, err)
	}
	for _, inc := range v.GetStringSlice("include") {
		if inc = strings.TrimSpace(inc); inc == "" {
			continue
		}
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(path), inc)
		}
		if err := r.visit(inc); err != nil {
			return err
		}
	}
	delete(r.active, path)
	r.done[path] = true
	r.order = append(r.order, path)
	return nil
}
