package port

import (
	"context"
	"time"

	"oraclesync/internal/domain"
)

// Capabilities 协议能力标记，同步器按能力分支，而不是假设行为一致
type Capabilities struct {
	PriceFeeds     bool `json:"priceFeeds"`
	Assertions     bool `json:"assertions"`
	Disputes       bool `json:"disputes"`
	BatchQueries   bool `json:"batchQueries"`
	HistoricalData bool `json:"historicalData"`
}

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthReport 传输层错误在这里以 issues 体现，而不是向上抛出
type HealthReport struct {
	Status    HealthStatus `json:"status"`
	LatencyMs int64        `json:"latencyMs"`
	Issues    []string     `json:"issues,omitempty"`
	CheckedAt time.Time    `json:"checkedAt"`
}

// ProtocolClient 单一数据源的预言机客户端
type ProtocolClient interface {
	Protocol() domain.Protocol
	Chain() string
	// FetchPrice 找不到时返回 domain.ErrNotFound
	FetchPrice(ctx context.Context, symbol string) (*domain.PriceFeed, error)
	// FetchAllFeeds 不可枚举的协议返回空列表
	FetchAllFeeds(ctx context.Context) ([]domain.PriceFeed, error)
	// FetchAssertions 仅 Capabilities().Assertions 为 true 时有意义
	FetchAssertions(ctx context.Context, since time.Time) ([]domain.Assertion, error)
	CheckHealth(ctx context.Context) HealthReport
	Capabilities() Capabilities
}

// ClientFactory 按实例配置创建客户端；缺少 endpoint 等配置错误立即返回
type ClientFactory func(inst domain.SyncInstance) (ProtocolClient, error)

// SymbolProvider 解析实例所在链需要同步的 symbol 集合，可以为空
type SymbolProvider interface {
	Symbols(ctx context.Context, inst domain.SyncInstance) ([]string, error)
}
