package port

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"oraclesync/internal/domain"
)

// PriceWriter 批量幂等写入价格记录，返回写入条数
type PriceWriter interface {
	UpsertFeeds(ctx context.Context, feeds []domain.PriceFeed) (int, error)
}

// PriceReader 最新价格读取，不存在返回 domain.ErrNotFound
type PriceReader interface {
	LatestPrice(ctx context.Context, protocol domain.Protocol, chain, symbol string) (*domain.PriceFeed, error)
}

type PriceRepository interface {
	PriceWriter
	PriceReader
	ListLatest(ctx context.Context, protocol domain.Protocol, chain string, limit int) ([]domain.PriceFeed, error)
	LatestAcrossProtocols(ctx context.Context, chain, symbol string) ([]domain.PriceFeed, error)
	DeleteFeedsBefore(ctx context.Context, before time.Time) (int64, error)
}

// ReferenceSource 偏离计算的参考价；没有参考价时 ok=false
type ReferenceSource interface {
	ReferencePrice(ctx context.Context, feed domain.PriceFeed) (ref decimal.Decimal, ok bool, err error)
}

type InstanceRepository interface {
	ListInstances(ctx context.Context, protocol domain.Protocol) ([]domain.SyncInstance, error)
	GetInstance(ctx context.Context, id string) (*domain.SyncInstance, error)
	SaveInstance(ctx context.Context, inst domain.SyncInstance) error
}

type SyncStateRepository interface {
	GetSyncState(ctx context.Context, instanceID string) (*domain.SyncState, error)
	SaveSyncState(ctx context.Context, st domain.SyncState) error
	ListSyncStates(ctx context.Context) ([]domain.SyncState, error)
}

type WebhookRepository interface {
	ListWebhooks(ctx context.Context) ([]domain.WebhookConfig, error)
	GetWebhook(ctx context.Context, id string) (*domain.WebhookConfig, error)
	SaveWebhook(ctx context.Context, w domain.WebhookConfig) error
	UpdateWebhookStats(ctx context.Context, w domain.WebhookConfig) error
	// InsertDelivery 追加一条投递记录，并只保留该 webhook 最近 keep 条
	InsertDelivery(ctx context.Context, d domain.WebhookDelivery, keep int) error
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error)
}
