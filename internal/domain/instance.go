package domain

import (
	"strings"
	"time"
)

// 协议默认的新鲜度阈值：推送型网络几十秒，锚定型/断言型上千秒
var defaultStalenessThresholds = map[Protocol]time.Duration{
	ProtocolPyth:      60 * time.Second,
	ProtocolChainlink: 3600 * time.Second,
	ProtocolUMA:       7200 * time.Second,
}

const fallbackStalenessThreshold = 300 * time.Second

// DefaultStalenessThreshold 返回协议默认阈值，未知协议使用 300s
func DefaultStalenessThreshold(p Protocol) time.Duration {
	if d, ok := defaultStalenessThresholds[p]; ok {
		return d
	}
	return fallbackStalenessThreshold
}

// SyncInstance 一个 (protocol, chain) 部署的配置，由外部配置维护，同步器只读
type SyncInstance struct {
	ID                 string            `json:"id"`
	Protocol           Protocol          `json:"protocol"`
	Chain              string            `json:"chain"`
	Endpoint           string            `json:"endpoint"`
	Enabled            bool              `json:"enabled"`
	PollInterval       time.Duration     `json:"pollInterval"`
	StalenessThreshold time.Duration     `json:"stalenessThreshold,omitempty"`
	RateLimitRPS       float64           `json:"rateLimitRps,omitempty"`
	Config             map[string]string `json:"config,omitempty"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// Threshold 实例覆盖值优先，否则使用协议默认值
func (i SyncInstance) Threshold() time.Duration {
	if i.StalenessThreshold > 0 {
		return i.StalenessThreshold
	}
	return DefaultStalenessThreshold(i.Protocol)
}

// ConfigValue 读取协议私有配置，key 不区分大小写
func (i SyncInstance) ConfigValue(key string) string {
	if v, ok := i.Config[key]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range i.Config {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ConfigWithPrefix 返回去掉前缀后的子配置，例: "feed:ETH/USD" -> "ETH/USD"
func (i SyncInstance) ConfigWithPrefix(prefix string) map[string]string {
	out := make(map[string]string)
	for k, v := range i.Config {
		if len(k) > len(prefix) && strings.EqualFold(k[:len(prefix)], prefix) {
			out[NormalizeSymbol(k[len(prefix):])] = strings.TrimSpace(v)
		}
	}
	return out
}

// SyncStatus 实例健康状态
type SyncStatus string

const (
	SyncStatusHealthy  SyncStatus = "healthy"
	SyncStatusDegraded SyncStatus = "degraded"
	SyncStatusError    SyncStatus = "error"
)

// SyncState 每个实例一行，只由同步器写入
type SyncState struct {
	InstanceID          string     `json:"instanceId"`
	Status              SyncStatus `json:"status"`
	LastSyncAt          *time.Time `json:"lastSyncAt,omitempty"`
	LastSyncDurationMs  int64      `json:"lastSyncDurationMs"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	ErrorMessage        string     `json:"errorMessage,omitempty"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// MarkSuccess 成功：失败计数归零
func (s *SyncState) MarkSuccess(at time.Time, dur time.Duration, status SyncStatus) {
	t := at.UTC()
	s.Status = status
	s.LastSyncAt = &t
	s.LastSyncDurationMs = dur.Milliseconds()
	s.ConsecutiveFailures = 0
	s.ErrorMessage = ""
	s.UpdatedAt = t
}

// MarkFailure 失败：计数 +1，记录错误
func (s *SyncState) MarkFailure(at time.Time, dur time.Duration, err error) {
	s.Status = SyncStatusError
	s.LastSyncDurationMs = dur.Milliseconds()
	s.ConsecutiveFailures++
	if err != nil {
		s.ErrorMessage = err.Error()
	}
	s.UpdatedAt = at.UTC()
}
