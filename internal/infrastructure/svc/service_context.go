package svc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/robfig/cron/v3"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"oraclesync/internal/application/port"
	"oraclesync/internal/application/service"
	"oraclesync/internal/application/usecase/oraclesync"
	"oraclesync/internal/domain"
	"oraclesync/internal/infrastructure/config"
	"oraclesync/internal/infrastructure/eventbus"
	"oraclesync/internal/infrastructure/oracle"
	_ "oraclesync/internal/infrastructure/oracle/chainlink"
	_ "oraclesync/internal/infrastructure/oracle/pyth"
	_ "oraclesync/internal/infrastructure/oracle/uma"
	"oraclesync/internal/infrastructure/storage"
	"oraclesync/internal/infrastructure/storage/composite"
	"oraclesync/internal/infrastructure/storage/postgres"
	redisrepo "oraclesync/internal/infrastructure/storage/redis"
	"oraclesync/internal/infrastructure/storage/sqlite"
	"oraclesync/internal/infrastructure/storage/sqlrepo"
	"oraclesync/internal/infrastructure/websocket"
	"oraclesync/internal/interfaces/console"
)

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 基础设施
	gateway     *storage.Gateway
	sqlRepo     *sqlrepo.Repo
	redisClient *redisclient.Client
	redisRepo   *redisrepo.Repo
	bus         *eventbus.Bus

	// 输出端口
	Sink port.Sink

	// 应用组件
	Prices        *service.PriceService
	Webhooks      *service.WebhookDispatcher
	Hub           *websocket.Hub
	orchestrators []*oraclesync.Orchestrator

	cron *cron.Cron

	// 资源管理：按注册的相反顺序关闭
	closerChain []closer
}

// New 创建并初始化 ServiceContext
// 启动顺序：存储 -> 缓存 -> 事件总线 -> 分发（webhook/广播/终端）-> 同步器
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	sc := &ServiceContext{
		Ctx:    ctx,
		Config: cfg,
		Sink:   console.NewSink(),
	}
	if err := sc.initializeComponents(); err != nil {
		_ = sc.Close(context.Background())
		return nil, err
	}
	return sc, nil
}

func (sc *ServiceContext) initializeComponents() error {
	if err := sc.initializeStorage(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorageInitFailed, err)
	}
	if sc.Config.Redis.Enabled {
		if err := sc.initRedis(); err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
	}
	if err := sc.seed(); err != nil {
		return fmt.Errorf("seed from config failed: %w", err)
	}
	if err := sc.initDistribution(); err != nil {
		return err
	}
	sc.initOrchestrators()

	log.Info().
		Int("orchestrators", len(sc.orchestrators)).
		Bool("redis", sc.redisRepo != nil).
		Msg("✓ All components initialized")
	return nil
}

func (sc *ServiceContext) poolConfig() storage.PoolConfig {
	db := sc.Config.Database
	return storage.PoolConfig{
		MaxOpenConns:     db.MaxOpenConns,
		MaxIdleConns:     db.MaxIdleConns,
		ConnMaxLifetime:  time.Duration(db.ConnMaxLifetimeSec) * time.Second,
		ConnMaxIdleTime:  time.Duration(db.ConnMaxIdleSec) * time.Second,
		QueryTimeout:     time.Duration(db.QueryTimeoutMs) * time.Millisecond,
		HealthInterval:   time.Duration(db.HealthIntervalSec) * time.Second,
		BatchSize:        db.BatchSize,
		WaitingDegraded:  db.WaitingDegraded,
		WaitingUnhealthy: db.WaitingUnhealthy,
		UnhealthyAfter:   db.UnhealthyAfter,
	}
}

// initializeStorage 按 driver 打开 postgres 或 sqlite
func (sc *ServiceContext) initializeStorage() error {
	ctx, cancel := context.WithTimeout(sc.Ctx, 30*time.Second)
	defer cancel()

	var (
		g   *storage.Gateway
		err error
	)
	switch sc.Config.Database.Driver {
	case "postgres":
		g, err = postgres.Open(ctx, sc.Config.Database.DSN, sc.poolConfig())
	default:
		g, err = sqlite.Open(ctx, sc.Config.Database.DSN, sc.poolConfig())
	}
	if err != nil {
		return err
	}

	sc.gateway = g
	sc.sqlRepo = sqlrepo.New(g)
	sc.closerChain = append(sc.closerChain, closer{"database", g.Close})

	log.Info().
		Str("driver", sc.Config.Database.Driver).
		Int("batch_size", g.BatchSize()).
		Msg("✓ Database initialized")
	return nil
}

// initRedis 初始化 Redis 最新价缓存与事件出口
func (sc *ServiceContext) initRedis() error {
	rc := sc.Config.Redis
	rdb := redisclient.NewClient(&redisclient.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})

	ctx, cancel := context.WithTimeout(sc.Ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("redis ping failed: %w", err)
	}

	sc.redisClient = rdb
	sc.redisRepo = redisrepo.New(rdb, rc.Prefix, time.Duration(rc.TTLSeconds)*time.Second,
		rc.EventStream, rc.EventChannel, rc.StreamMaxLen)
	sc.closerChain = append(sc.closerChain, closer{"redis", func(context.Context) error { return rdb.Close() }})

	log.Info().
		Str("addr", rc.Addr).
		Int("db", rc.DB).
		Msg("✓ Redis initialized")
	return nil
}

// seed 配置文件中的实例与 webhook 只在库中不存在时写入，之后以库为准
func (sc *ServiceContext) seed() error {
	ctx := sc.Ctx
	for _, inst := range sc.Config.ToInstances() {
		_, err := sc.sqlRepo.GetInstance(ctx, inst.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err := sc.sqlRepo.SaveInstance(ctx, inst); err != nil {
			return err
		}
		log.Info().Str("instance", inst.ID).Str("protocol", string(inst.Protocol)).Msg("instance seeded")
	}
	for _, w := range sc.Config.ToWebhooks() {
		_, err := sc.sqlRepo.GetWebhook(ctx, w.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err := sc.sqlRepo.SaveWebhook(ctx, w); err != nil {
			return err
		}
		log.Info().Str("webhook", w.ID).Msg("webhook seeded")
	}
	return nil
}

// initDistribution 事件总线与订阅者：webhook、websocket 广播、redis 桥、终端汇总
func (sc *ServiceContext) initDistribution() error {
	cfg := sc.Config

	var cache port.PriceReader
	if sc.redisRepo != nil {
		cache = sc.redisRepo
	}
	sc.Prices = service.NewPriceService(cache, sc.sqlRepo, cfg.Sync.DeviationMode)

	sc.Hub = websocket.NewHub(websocket.Options{
		Heartbeat:      time.Duration(cfg.Broadcast.HeartbeatSec) * time.Second,
		SendBuffer:     cfg.Broadcast.SendBuffer,
		MaxMessageSize: cfg.Broadcast.MaxMessageSize,
		AllowedOrigins: cfg.Broadcast.AllowedOrigins,
	})
	sc.closerChain = append(sc.closerChain, closer{"broadcast", sc.Hub.Close})

	sc.Webhooks = service.NewWebhookDispatcher(sc.sqlRepo, service.WebhookOptions{
		DefaultTimeout:  time.Duration(cfg.Webhook.TimeoutMs) * time.Millisecond,
		HistorySize:     cfg.Webhook.HistorySize,
		ResponseExcerpt: cfg.Webhook.ResponseExcerpt,
	})
	if err := sc.Webhooks.Load(sc.Ctx); err != nil {
		return fmt.Errorf("load webhooks failed: %w", err)
	}
	sc.closerChain = append(sc.closerChain, closer{"webhooks", sc.Webhooks.Close})

	sc.bus = eventbus.New(0, 0)
	sc.bus.Subscribe("webhooks", nil, sc.Webhooks.HandleEvent)
	sc.bus.Subscribe("broadcast", nil, sc.Hub.HandleEvent)
	if sc.redisRepo != nil {
		eventbus.Bridge(sc.bus, sc.redisRepo, 0)
	}
	if cfg.App.ConsoleSummary {
		sc.bus.Subscribe("console", console.SummaryEvents, console.NewSummary(sc.Sink).HandleEvent)
	}
	// 总线在分发者之前关闭，保证队列中的事件先投递完
	sc.closerChain = append(sc.closerChain, closer{"event bus", sc.bus.Close})
	return nil
}

// initOrchestrators 每个已注册协议一个同步器
func (sc *ServiceContext) initOrchestrators() {
	s := sc.Config.Sync
	opts := oraclesync.Options{
		DefaultInterval:        time.Duration(s.DefaultIntervalSec) * time.Second,
		MaxRetries:             s.MaxRetries,
		RetryBase:              time.Duration(s.RetryBaseMs) * time.Millisecond,
		RetryMultiplier:        s.RetryMultiplier,
		MaxConsecutiveFailures: s.MaxConsecutiveFailures,
		FetchConcurrency:       s.FetchConcurrency,
		SyncTimeout:            time.Duration(s.SyncTimeoutSec) * time.Second,
		DeviationAlertPercent:  s.DeviationAlertPercent,
		AssertionLookback:      time.Duration(s.AssertionLookbackSec) * time.Second,
	}

	writer := port.PriceWriter(sc.sqlRepo)
	if sc.redisRepo != nil {
		writer = composite.NewWriter(sc.sqlRepo, sc.redisRepo)
	}
	symbols := oracle.NewStaticSymbols(sc.Config.Symbols)

	protocols := oracle.Protocols()
	slices.Sort(protocols)
	for _, p := range protocols {
		factory, _ := oracle.Get(p)
		o := oraclesync.New(oraclesync.Deps{
			Protocol:  p,
			Factory:   factory,
			Symbols:   symbols,
			Instances: sc.sqlRepo,
			States:    sc.sqlRepo,
			Prices:    writer,
			Reference: sc.Prices,
			Events:    sc.bus,
			Options:   opts,
		})
		sc.orchestrators = append(sc.orchestrators, o)
	}
	sc.closerChain = append(sc.closerChain, closer{"orchestrators", func(ctx context.Context) error {
		var errs []error
		for _, o := range sc.orchestrators {
			if err := o.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", o.Protocol(), err))
			}
		}
		return errors.Join(errs...)
	}})
}

// Start 启动同步、健康检查与定时任务
func (sc *ServiceContext) Start(ctx context.Context) error {
	sc.gateway.StartHealthCheck(ctx)
	for _, o := range sc.orchestrators {
		if err := o.StartAll(ctx); err != nil {
			return fmt.Errorf("start %s orchestrator: %w", o.Protocol(), err)
		}
	}
	return sc.startCron(ctx)
}

// startCron 配置刷新与历史清理
func (sc *ServiceContext) startCron(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(sc.Config.Sync.RefreshSchedule, func() { sc.Refresh(ctx) }); err != nil {
		return fmt.Errorf("invalid sync.refresh_schedule: %w", err)
	}
	if sc.Config.Retention() > 0 {
		if _, err := c.AddFunc(sc.Config.Database.PruneSchedule, func() { _, _ = sc.Prune(ctx) }); err != nil {
			return fmt.Errorf("invalid database.prune_schedule: %w", err)
		}
	}
	c.Start()
	sc.cron = c
	sc.closerChain = append(sc.closerChain, closer{"scheduler", func(ctx context.Context) error {
		select {
		case <-c.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}})
	return nil
}

// Refresh 从库重新读取实例配置，启停对应的同步任务
func (sc *ServiceContext) Refresh(ctx context.Context) {
	for _, o := range sc.orchestrators {
		if err := o.Refresh(ctx); err != nil {
			log.Warn().Err(err).Str("protocol", string(o.Protocol())).Msg("instance refresh failed")
		}
	}
}

// Prune 删除保留期之前的历史价格
func (sc *ServiceContext) Prune(ctx context.Context) (int64, error) {
	before := time.Now().Add(-sc.Config.Retention())
	n, err := sc.sqlRepo.DeleteFeedsBefore(ctx, before)
	if err != nil {
		log.Error().Err(err).Msg("prune price history failed")
		return 0, err
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Time("before", before).Msg("price history pruned")
	}
	return n, nil
}

// Orchestrator 实例所属协议的同步器
func (sc *ServiceContext) Orchestrator(ctx context.Context, instanceID string) (*oraclesync.Orchestrator, error) {
	inst, err := sc.sqlRepo.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	for _, o := range sc.orchestrators {
		if o.Protocol() == inst.Protocol {
			return o, nil
		}
	}
	return nil, fmt.Errorf("%w: %s (instance %s)", domain.ErrUnknownProtocol, inst.Protocol, instanceID)
}

func (sc *ServiceContext) Orchestrators() []*oraclesync.Orchestrator { return sc.orchestrators }

func (sc *ServiceContext) Gateway() *storage.Gateway { return sc.gateway }

func (sc *ServiceContext) PriceRepo() port.PriceRepository { return sc.sqlRepo }

// Close 按相反顺序关闭全部资源，共享同一个超时 ctx
func (sc *ServiceContext) Close(ctx context.Context) error {
	var errs []error
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		c := sc.closerChain[i]
		log.Info().Str("component", c.name).Msg("closing")
		if err := c.fn(ctx); err != nil {
			log.Error().Err(err).Str("component", c.name).Msg("error closing resource")
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	sc.closerChain = nil
	return errors.Join(errs...)
}
