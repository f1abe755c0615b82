package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"oraclesync/internal/application/port"
	"oraclesync/internal/application/usecase/oraclesync"
	"oraclesync/internal/domain"
	"oraclesync/internal/infrastructure/metrics"
	"oraclesync/internal/infrastructure/storage"
)

// SyncController 单个实例的同步管理
type SyncController interface {
	GetSyncStatus(ctx context.Context, id string) (oraclesync.SyncStatus, error)
	StopSync(id string)
	EnableInstance(ctx context.Context, id string) error
	TriggerSync(ctx context.Context, id string) error
}

// SyncOverview 某协议全部实例的状态与客户端健康
type SyncOverview interface {
	Protocol() domain.Protocol
	Statuses(ctx context.Context) ([]oraclesync.SyncStatus, error)
	CheckHealth(ctx context.Context) map[string]port.HealthReport
}

type PriceQueries interface {
	LatestPrice(ctx context.Context, protocol domain.Protocol, chain, symbol string) (*domain.PriceFeed, error)
	CrossProtocolAverage(ctx context.Context, chain, symbol string) (decimal.Decimal, int, error)
}

type HistoryReader interface {
	ListLatest(ctx context.Context, protocol domain.Protocol, chain string, limit int) ([]domain.PriceFeed, error)
}

type WebhookQueries interface {
	Webhook(id string) (domain.WebhookConfig, bool)
	Deliveries(id string, limit int) []domain.WebhookDelivery
}

// Deps 路由依赖；Broadcast 为空时不挂载 /ws
type Deps struct {
	Lookup     func(ctx context.Context, instanceID string) (SyncController, error)
	Overviews  []SyncOverview
	Prices     PriceQueries
	History    HistoryReader
	Webhooks   WebhookQueries
	PoolHealth func() storage.HealthReport
	Broadcast  http.Handler
}

type api struct {
	deps Deps
}

// NewRouter 管理与查询接口，所有路由记录请求指标
func NewRouter(deps Deps) *mux.Router {
	a := &api{deps: deps}
	r := mux.NewRouter()
	r.Use(metricsMiddleware, loggingMiddleware)

	if deps.Broadcast != nil {
		r.Handle("/ws", deps.Broadcast).Methods(http.MethodGet)
	}
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)

	s := r.PathPrefix("/api").Subrouter()
	s.HandleFunc("/sync", a.handleListSync).Methods(http.MethodGet)
	s.HandleFunc("/sync/{id}", a.handleGetSync).Methods(http.MethodGet)
	s.HandleFunc("/sync/{id}/enable", a.handleEnable).Methods(http.MethodPost)
	s.HandleFunc("/sync/{id}/stop", a.handleStop).Methods(http.MethodPost)
	s.HandleFunc("/sync/{id}/trigger", a.handleTrigger).Methods(http.MethodPost)

	s.HandleFunc("/prices", a.handleListPrices).Methods(http.MethodGet)
	s.HandleFunc("/prices/latest", a.handleLatestPrice).Methods(http.MethodGet)
	s.HandleFunc("/prices/average", a.handleAverage).Methods(http.MethodGet)

	s.HandleFunc("/webhooks/{id}/deliveries", a.handleDeliveries).Methods(http.MethodGet)
	return r
}
