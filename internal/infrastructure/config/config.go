package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"oraclesync/internal/domain"
)

type Config struct {
	App struct {
		Name            string `toml:"name"`
		LogLevel        string `toml:"log_level"`
		ShutdownTimeout int    `toml:"shutdown_timeout_sec"`
		ConsoleSummary  bool   `toml:"console_summary"`
	} `toml:"app"`

	HTTP struct {
		Addr string `toml:"addr"`
	} `toml:"http"`

	Database struct {
		Driver             string `toml:"driver"` // postgres | sqlite
		DSN                string `toml:"dsn"`
		MaxOpenConns       int    `toml:"max_open_conns"`
		MaxIdleConns       int    `toml:"max_idle_conns"`
		ConnMaxLifetimeSec int    `toml:"conn_max_lifetime_sec"`
		ConnMaxIdleSec     int    `toml:"conn_max_idle_sec"`
		QueryTimeoutMs     int    `toml:"query_timeout_ms"`
		HealthIntervalSec  int    `toml:"health_interval_sec"`
		BatchSize          int    `toml:"batch_size"`
		WaitingDegraded    int    `toml:"waiting_degraded"`
		WaitingUnhealthy   int    `toml:"waiting_unhealthy"`
		UnhealthyAfter     int    `toml:"unhealthy_after_checks"`
		RetentionDays      int    `toml:"retention_days"` // 0 表示不清理历史
		PruneSchedule      string `toml:"prune_schedule"`
	} `toml:"database"`

	Redis struct {
		Enabled      bool   `toml:"enabled"`
		Addr         string `toml:"addr"`
		Password     string `toml:"password"`
		DB           int    `toml:"db"`
		Prefix       string `toml:"prefix"`
		TTLSeconds   int    `toml:"ttl_seconds"`
		EventStream  string `toml:"event_stream"`
		EventChannel string `toml:"event_channel"`
		StreamMaxLen int64  `toml:"stream_max_len"`
	} `toml:"redis"`

	Sync struct {
		DefaultIntervalSec     int     `toml:"default_interval_sec"`
		MaxRetries             int     `toml:"max_retries"`
		RetryBaseMs            int     `toml:"retry_base_ms"`
		RetryMultiplier        float64 `toml:"retry_multiplier"`
		MaxConsecutiveFailures int     `toml:"max_consecutive_failures"`
		FetchConcurrency       int     `toml:"fetch_concurrency"`
		SyncTimeoutSec         int     `toml:"sync_timeout_sec"`
		DeviationAlertPercent  float64 `toml:"deviation_alert_percent"`
		DeviationMode          string  `toml:"deviation_mode"` // previous | cross
		AssertionLookbackSec   int     `toml:"assertion_lookback_sec"`
		RefreshSchedule        string  `toml:"refresh_schedule"`
	} `toml:"sync"`

	Broadcast struct {
		HeartbeatSec   int      `toml:"heartbeat_sec"`
		SendBuffer     int      `toml:"send_buffer"`
		MaxMessageSize int64    `toml:"max_message_size"`
		AllowedOrigins []string `toml:"allowed_origins"`
	} `toml:"broadcast"`

	Webhook struct {
		TimeoutMs         int     `toml:"timeout_ms"`
		MaxRetries        int     `toml:"max_retries"`
		RetryIntervalMs   int     `toml:"retry_interval_ms"`
		BackoffMultiplier float64 `toml:"backoff_multiplier"`
		HistorySize       int     `toml:"history_size"`
		ResponseExcerpt   int     `toml:"response_excerpt_bytes"`
	} `toml:"webhook"`

	Instances []InstanceConfig `toml:"instances"`
	Webhooks  []WebhookConfig  `toml:"webhooks"`

	// Symbols protocol -> chain -> symbols，例: [symbols.chainlink] ethereum = ["ETH/USD"]
	Symbols map[string]map[string][]string `toml:"symbols"`
}

type InstanceConfig struct {
	ID                 string            `toml:"id"`
	Protocol           string            `toml:"protocol"`
	Chain              string            `toml:"chain"`
	Endpoint           string            `toml:"endpoint"`
	Enabled            bool              `toml:"enabled"`
	IntervalSec        int               `toml:"interval_sec"`
	StalenessThreshold int               `toml:"staleness_threshold_sec"`
	RateLimitRPS       float64           `toml:"rate_limit_rps"`
	ProtocolSpecific   map[string]string `toml:"config"`
}

type WebhookConfig struct {
	ID                string            `toml:"id"`
	Name              string            `toml:"name"`
	URL               string            `toml:"url"`
	Secret            string            `toml:"secret"`
	Events            []string          `toml:"events"`
	Enabled           bool              `toml:"enabled"`
	Headers           map[string]string `toml:"headers"`
	TimeoutMs         int               `toml:"timeout_ms"`
	MaxRetries        int               `toml:"max_retries"`
	RetryIntervalMs   int               `toml:"retry_interval_ms"`
	BackoffMultiplier float64           `toml:"backoff_multiplier"`
}

// Load 读取 .env（可选）与 toml，应用默认值、环境变量覆盖并校验
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse 从字符串解析，测试使用
func Parse(data string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(data, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("ORACLESYNC_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("ORACLESYNC_REDIS_ADDR")); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ORACLESYNC_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "oraclesync"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.ShutdownTimeout <= 0 {
		cfg.App.ShutdownTimeout = 15
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}

	db := &cfg.Database
	if db.Driver == "" {
		db.Driver = "sqlite"
	}
	if db.DSN == "" && db.Driver == "sqlite" {
		db.DSN = "data/oraclesync.db"
	}
	if db.MaxOpenConns <= 0 {
		db.MaxOpenConns = 10
	}
	if db.MaxIdleConns <= 0 {
		db.MaxIdleConns = 5
	}
	if db.ConnMaxLifetimeSec <= 0 {
		db.ConnMaxLifetimeSec = 1800
	}
	if db.ConnMaxIdleSec <= 0 {
		db.ConnMaxIdleSec = 300
	}
	if db.QueryTimeoutMs <= 0 {
		db.QueryTimeoutMs = 5000
	}
	if db.HealthIntervalSec <= 0 {
		db.HealthIntervalSec = 30
	}
	if db.BatchSize <= 0 {
		db.BatchSize = 50
	}
	if db.WaitingDegraded <= 0 {
		db.WaitingDegraded = 5
	}
	if db.WaitingUnhealthy <= 0 {
		db.WaitingUnhealthy = 20
	}
	if db.UnhealthyAfter <= 0 {
		db.UnhealthyAfter = 3
	}
	if db.PruneSchedule == "" {
		db.PruneSchedule = "@daily"
	}

	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "oraclesync"
	}
	if cfg.Redis.StreamMaxLen <= 0 {
		cfg.Redis.StreamMaxLen = 10000
	}

	s := &cfg.Sync
	if s.DefaultIntervalSec <= 0 {
		s.DefaultIntervalSec = 60
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 3
	}
	if s.RetryBaseMs <= 0 {
		s.RetryBaseMs = 1000
	}
	if s.RetryMultiplier < 1 {
		s.RetryMultiplier = 2
	}
	if s.MaxConsecutiveFailures <= 0 {
		s.MaxConsecutiveFailures = 5
	}
	if s.FetchConcurrency <= 0 {
		s.FetchConcurrency = 5
	}
	if s.SyncTimeoutSec <= 0 {
		s.SyncTimeoutSec = 60
	}
	if s.DeviationMode == "" {
		s.DeviationMode = "previous"
	}
	if s.AssertionLookbackSec <= 0 {
		s.AssertionLookbackSec = 86400
	}
	if s.RefreshSchedule == "" {
		s.RefreshSchedule = "@every 1m"
	}

	b := &cfg.Broadcast
	if b.HeartbeatSec <= 0 {
		b.HeartbeatSec = 30
	}
	if b.SendBuffer <= 0 {
		b.SendBuffer = 256
	}
	if b.MaxMessageSize <= 0 {
		b.MaxMessageSize = 64 * 1024
	}

	w := &cfg.Webhook
	if w.TimeoutMs <= 0 {
		w.TimeoutMs = 10000
	}
	if w.MaxRetries <= 0 {
		w.MaxRetries = 3
	}
	if w.RetryIntervalMs <= 0 {
		w.RetryIntervalMs = 1000
	}
	if w.BackoffMultiplier < 1 {
		w.BackoffMultiplier = 2
	}
	if w.HistorySize <= 0 {
		w.HistorySize = 100
	}
	if w.ResponseExcerpt <= 0 {
		w.ResponseExcerpt = 1024
	}

	for i := range cfg.Instances {
		inst := &cfg.Instances[i]
		inst.Protocol = strings.ToLower(strings.TrimSpace(inst.Protocol))
		inst.Chain = strings.ToLower(strings.TrimSpace(inst.Chain))
		if inst.ID == "" {
			inst.ID = inst.Protocol + "-" + inst.Chain
		}
		if inst.IntervalSec <= 0 {
			inst.IntervalSec = s.DefaultIntervalSec
		}
	}
	for i := range cfg.Webhooks {
		wh := &cfg.Webhooks[i]
		if wh.TimeoutMs <= 0 {
			wh.TimeoutMs = w.TimeoutMs
		}
		if wh.MaxRetries <= 0 {
			wh.MaxRetries = w.MaxRetries
		}
		if wh.RetryIntervalMs <= 0 {
			wh.RetryIntervalMs = w.RetryIntervalMs
		}
		if wh.BackoffMultiplier < 1 {
			wh.BackoffMultiplier = w.BackoffMultiplier
		}
	}
	for proto, chains := range cfg.Symbols {
		for chain, list := range chains {
			chains[chain] = normalizeSymbols(list)
		}
		cfg.Symbols[proto] = chains
	}
}

func validate(cfg *Config) error {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver %q unsupported", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return errors.New("database.dsn empty")
	}
	if cfg.Database.RetentionDays < 0 {
		return errors.New("database.retention_days negative")
	}
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr empty but enabled")
	}
	switch cfg.Sync.DeviationMode {
	case "previous", "cross":
	default:
		return fmt.Errorf("sync.deviation_mode %q unsupported", cfg.Sync.DeviationMode)
	}

	seen := map[string]struct{}{}
	for _, inst := range cfg.Instances {
		if inst.Protocol == "" || inst.Chain == "" {
			return fmt.Errorf("instance %q: protocol and chain required", inst.ID)
		}
		if _, ok := seen[inst.ID]; ok {
			return fmt.Errorf("instance %q duplicated", inst.ID)
		}
		seen[inst.ID] = struct{}{}
	}
	for _, wh := range cfg.Webhooks {
		if wh.ID == "" || strings.TrimSpace(wh.URL) == "" {
			return fmt.Errorf("webhook %q: id and url required", wh.Name)
		}
		for _, e := range wh.Events {
			if !knownEvent(domain.EventType(e)) {
				return fmt.Errorf("webhook %q: unknown event %q", wh.ID, e)
			}
		}
	}
	return nil
}

func knownEvent(t domain.EventType) bool {
	for _, e := range domain.AllEventTypes {
		if e == t {
			return true
		}
	}
	return false
}

func normalizeSymbols(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := domain.NormalizeSymbol(s)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// SymbolsFor 某协议某链配置的 symbol 列表
func (c *Config) SymbolsFor(protocol domain.Protocol, chain string) []string {
	chains := c.Symbols[string(protocol)]
	if chains == nil {
		return nil
	}
	return chains[strings.ToLower(chain)]
}

// ToInstances 转换为领域对象
func (c *Config) ToInstances() []domain.SyncInstance {
	out := make([]domain.SyncInstance, 0, len(c.Instances))
	for _, ic := range c.Instances {
		out = append(out, domain.SyncInstance{
			ID:                 ic.ID,
			Protocol:           domain.ParseProtocol(ic.Protocol),
			Chain:              ic.Chain,
			Endpoint:           strings.TrimSpace(ic.Endpoint),
			Enabled:            ic.Enabled,
			PollInterval:       time.Duration(ic.IntervalSec) * time.Second,
			StalenessThreshold: time.Duration(ic.StalenessThreshold) * time.Second,
			RateLimitRPS:       ic.RateLimitRPS,
			Config:             ic.ProtocolSpecific,
			UpdatedAt:          time.Now().UTC(),
		})
	}
	return out
}

// ToWebhooks 转换为领域对象
func (c *Config) ToWebhooks() []domain.WebhookConfig {
	out := make([]domain.WebhookConfig, 0, len(c.Webhooks))
	for _, wc := range c.Webhooks {
		events := make([]domain.EventType, 0, len(wc.Events))
		for _, e := range wc.Events {
			events = append(events, domain.EventType(e))
		}
		out = append(out, domain.WebhookConfig{
			ID:      wc.ID,
			Name:    wc.Name,
			URL:     strings.TrimSpace(wc.URL),
			Secret:  wc.Secret,
			Events:  events,
			Enabled: wc.Enabled,
			Headers: wc.Headers,
			Timeout: time.Duration(wc.TimeoutMs) * time.Millisecond,
			Retry: domain.RetryPolicy{
				MaxRetries:        wc.MaxRetries,
				RetryInterval:     time.Duration(wc.RetryIntervalMs) * time.Millisecond,
				BackoffMultiplier: wc.BackoffMultiplier,
			},
			UpdatedAt: time.Now().UTC(),
		})
	}
	return out
}

// Retention 历史价格保留时长；0 表示不清理
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Database.RetentionDays) * 24 * time.Hour
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.App.ShutdownTimeout) * time.Second
}
