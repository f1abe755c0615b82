package postgres

import (
	"context"

	_ "github.com/jackc/pgx/v5/stdlib"

	"oraclesync/internal/infrastructure/storage"
)

const driverName = "pgx"

// Open 连接 postgres 并建表
func Open(ctx context.Context, dsn string, cfg storage.PoolConfig) (*storage.Gateway, error) {
	g, err := storage.Open(driverName, dsn, cfg)
	if err != nil {
		return nil, err
	}
	if err := migrate(ctx, g); err != nil {
		_ = g.DB().Close()
		return nil, err
	}
	return g, nil
}

func migrate(ctx context.Context, g *storage.Gateway) error {
	_, err := g.DB().ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS price_feeds (
  id TEXT PRIMARY KEY,
  protocol TEXT NOT NULL,
  chain TEXT NOT NULL,
  symbol TEXT NOT NULL,
  base_asset TEXT NOT NULL,
  quote_asset TEXT NOT NULL,
  price NUMERIC NOT NULL,
  price_raw NUMERIC(78, 0) NOT NULL,
  decimals INTEGER NOT NULL,
  ts_ms BIGINT NOT NULL,
  block_number BIGINT,
  confidence DOUBLE PRECISION NOT NULL,
  is_stale BOOLEAN NOT NULL,
  staleness_seconds BIGINT NOT NULL,
  deviation DOUBLE PRECISION NOT NULL,
  sources TEXT NOT NULL,
  updated_at_ms BIGINT NOT NULL,
  UNIQUE (protocol, chain, symbol, ts_ms)
);
CREATE INDEX IF NOT EXISTS idx_price_feeds_lookup ON price_feeds(protocol, chain, symbol, ts_ms DESC);
CREATE INDEX IF NOT EXISTS idx_price_feeds_ts ON price_feeds(ts_ms);

CREATE TABLE IF NOT EXISTS sync_instances (
  id TEXT PRIMARY KEY,
  protocol TEXT NOT NULL,
  chain TEXT NOT NULL,
  endpoint TEXT NOT NULL,
  enabled BOOLEAN NOT NULL,
  poll_interval_ms BIGINT NOT NULL,
  staleness_threshold_ms BIGINT NOT NULL,
  rate_limit_rps DOUBLE PRECISION NOT NULL,
  config TEXT NOT NULL,
  updated_at_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_instances_protocol ON sync_instances(protocol);

CREATE TABLE IF NOT EXISTS sync_states (
  instance_id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  last_sync_at_ms BIGINT,
  last_sync_duration_ms BIGINT NOT NULL,
  consecutive_failures INTEGER NOT NULL,
  error_message TEXT NOT NULL,
  updated_at_ms BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS webhooks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  url TEXT NOT NULL,
  secret TEXT NOT NULL,
  events TEXT NOT NULL,
  enabled BOOLEAN NOT NULL,
  headers TEXT NOT NULL,
  timeout_ms BIGINT NOT NULL,
  max_retries INTEGER NOT NULL,
  retry_interval_ms BIGINT NOT NULL,
  backoff_multiplier DOUBLE PRECISION NOT NULL,
  success_rate DOUBLE PRECISION NOT NULL,
  total_requests BIGINT NOT NULL,
  failed_requests BIGINT NOT NULL,
  last_error TEXT NOT NULL,
  last_triggered_at_ms BIGINT,
  updated_at_ms BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
  id TEXT PRIMARY KEY,
  webhook_id TEXT NOT NULL,
  event_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  status TEXT NOT NULL,
  status_code INTEGER NOT NULL,
  response TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  duration_ms BIGINT NOT NULL,
  error TEXT NOT NULL,
  created_at_ms BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_hook ON webhook_deliveries(webhook_id, created_at_ms DESC);
`
