package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"oraclesync/internal/application/port"
	"oraclesync/internal/domain"
)

// PoolConfig 连接池与网关参数
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
	HealthInterval  time.Duration
	BatchSize       int

	// 等待连接数阈值：超过 WaitingDegraded 为 degraded，
	// 超过 WaitingUnhealthy 或连续 UnhealthyAfter 次高等待为 unhealthy
	WaitingDegraded  int
	WaitingUnhealthy int
	UnhealthyAfter   int
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  30 * time.Minute,
		ConnMaxIdleTime:  5 * time.Minute,
		QueryTimeout:     5 * time.Second,
		HealthInterval:   30 * time.Second,
		BatchSize:        50,
		WaitingDegraded:  5,
		WaitingUnhealthy: 20,
		UnhealthyAfter:   3,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	d := DefaultPoolConfig()
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = d.MaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = d.MaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = d.ConnMaxLifetime
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = d.ConnMaxIdleTime
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.WaitingDegraded <= 0 {
		c.WaitingDegraded = d.WaitingDegraded
	}
	if c.WaitingUnhealthy <= 0 {
		c.WaitingUnhealthy = d.WaitingUnhealthy
	}
	if c.UnhealthyAfter <= 0 {
		c.UnhealthyAfter = d.UnhealthyAfter
	}
	return c
}

// Gateway 持久化网关：连接借还、查询超时、事务、批量 upsert、健康检查
type Gateway struct {
	db  *sqlx.DB
	cfg PoolConfig

	waiting  atomic.Int64
	inFlight atomic.Int64
	closed   atomic.Bool

	mu         sync.RWMutex
	health     HealthReport
	highStreak int

	stopOnce sync.Once
	stop     chan struct{}
}

// Open 打开数据库并包装成网关
func Open(driver, dsn string, cfg PoolConfig) (*Gateway, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	return New(db, cfg), nil
}

func New(db *sqlx.DB, cfg PoolConfig) *Gateway {
	cfg = cfg.withDefaults()
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	return &Gateway{
		db:     db,
		cfg:    cfg,
		health: HealthReport{Status: port.HealthHealthy},
		stop:   make(chan struct{}),
	}
}

func (g *Gateway) DB() *sqlx.DB       { return g.db }
func (g *Gateway) Config() PoolConfig { return g.cfg }
func (g *Gateway) BatchSize() int     { return g.cfg.BatchSize }

// acquire 借出一个连接；release 必须在所有路径上调用
func (g *Gateway) acquire(ctx context.Context, op string) (*sqlx.Conn, func(), error) {
	if g.closed.Load() {
		return nil, nil, &domain.StorageError{Op: op, Err: domain.ErrPoolClosed}
	}
	g.inFlight.Add(1)
	g.waiting.Add(1)
	conn, err := g.db.Connx(ctx)
	g.waiting.Add(-1)
	if err != nil {
		g.inFlight.Add(-1)
		return nil, nil, g.wrap(ctx, op, err)
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
				log.Warn().Err(err).Str("op", op).Msg("release connection failed")
			}
			g.inFlight.Add(-1)
		})
	}
	return conn, release, nil
}

func (g *Gateway) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.cfg.QueryTimeout)
}

// wrap 统一错误类型：超时 -> ErrQueryTimeout，无行 -> ErrNotFound
func (g *Gateway) wrap(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *domain.StorageError
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.ErrNotFound
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &domain.StorageError{Op: op, Err: fmt.Errorf("%w: %v", domain.ErrQueryTimeout, err)}
	case errors.Is(err, sql.ErrConnDone) && g.closed.Load():
		return &domain.StorageError{Op: op, Err: domain.ErrPoolClosed}
	}
	return &domain.StorageError{Op: op, Err: err}
}

// Exec 单条语句，占位符统一写成 ?，按驱动 rebind
func (g *Gateway) Exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	qctx, cancel := g.queryCtx(ctx)
	defer cancel()
	conn, release, err := g.acquire(qctx, op)
	if err != nil {
		return nil, err
	}
	defer release()
	res, err := conn.ExecContext(qctx, g.db.Rebind(query), args...)
	return res, g.wrap(qctx, op, err)
}

func (g *Gateway) Select(ctx context.Context, op string, dest any, query string, args ...any) error {
	qctx, cancel := g.queryCtx(ctx)
	defer cancel()
	conn, release, err := g.acquire(qctx, op)
	if err != nil {
		return err
	}
	defer release()
	return g.wrap(qctx, op, conn.SelectContext(qctx, dest, g.db.Rebind(query), args...))
}

func (g *Gateway) Get(ctx context.Context, op string, dest any, query string, args ...any) error {
	qctx, cancel := g.queryCtx(ctx)
	defer cancel()
	conn, release, err := g.acquire(qctx, op)
	if err != nil {
		return err
	}
	defer release()
	return g.wrap(qctx, op, conn.GetContext(qctx, dest, g.db.Rebind(query), args...))
}

// Tx 事务内的语句执行，每条语句单独套查询超时
type Tx struct {
	tx *sqlx.Tx
	g  *Gateway
	op string
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	qctx, cancel := t.g.queryCtx(ctx)
	defer cancel()
	res, err := t.tx.ExecContext(qctx, t.tx.Rebind(query), args...)
	return res, t.g.wrap(qctx, t.op, err)
}

func (t *Tx) Select(ctx context.Context, dest any, query string, args ...any) error {
	qctx, cancel := t.g.queryCtx(ctx)
	defer cancel()
	return t.g.wrap(qctx, t.op, t.tx.SelectContext(qctx, dest, t.tx.Rebind(query), args...))
}

// WithTx 借出连接开启事务；fn 返回错误或 panic 时回滚，连接总是归还
// 等待连接受查询超时约束
func (g *Gateway) WithTx(ctx context.Context, op string, fn func(tx *Tx) error) (err error) {
	actx, cancel := g.queryCtx(ctx)
	conn, release, err := g.acquire(actx, op)
	cancel()
	if err != nil {
		return err
	}
	defer release()

	sqlTx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return g.wrap(ctx, op, err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil {
				log.Error().Err(rbErr).Str("op", op).Msg("rollback after panic failed")
			}
			panic(p)
		}
	}()

	if err = fn(&Tx{tx: sqlTx, g: g, op: op}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Error().Err(rbErr).Str("op", op).Msg("rollback failed")
		}
		return g.wrap(ctx, op, err)
	}
	return g.wrap(ctx, op, sqlTx.Commit())
}

// Close 先拒绝新操作，等待在途操作结束；超时后强制关闭连接池
func (g *Gateway) Close(ctx context.Context) error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	g.stopOnce.Do(func() { close(g.stop) })

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for g.inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			log.Warn().
				Int64("in_flight", g.inFlight.Load()).
				Msg("pool drain timed out, force closing")
			return g.db.Close()
		case <-ticker.C:
		}
	}
	log.Info().Msg("pool drained, closing")
	return g.db.Close()
}
