package sqlite

import (
	"context"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"oraclesync/internal/infrastructure/storage"
)

const driverName = "sqlite"

func init() {
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

// Open 打开（必要时创建）sqlite 文件并建表
// sqlite 单写者，连接数固定为 1
func Open(ctx context.Context, path string, cfg storage.PoolConfig) (*storage.Gateway, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	cfg.MaxOpenConns = 1
	cfg.MaxIdleConns = 1

	g, err := storage.Open(driverName, path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg)
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

// price 以 TEXT 存储，避免 NUMERIC 亲和性转成浮点
const schema = `
CREATE TABLE IF NOT EXISTS price_feeds (
  id TEXT PRIMARY KEY,
  protocol TEXT NOT NULL,
  chain TEXT NOT NULL,
  symbol TEXT NOT NULL,
  base_asset TEXT NOT NULL,
  quote_asset TEXT NOT NULL,
  price TEXT NOT NULL,
  price_raw TEXT NOT NULL,
  decimals INTEGER NOT NULL,
  ts_ms INTEGER NOT NULL,
  block_number INTEGER,
  confidence REAL NOT NULL,
  is_stale INTEGER NOT NULL,
  staleness_seconds INTEGER NOT NULL,
  deviation REAL NOT NULL,
  sources TEXT NOT NULL,
  updated_at_ms INTEGER NOT NULL,
  UNIQUE (protocol, chain, symbol, ts_ms)
);
CREATE INDEX IF NOT EXISTS idx_price_feeds_lookup ON price_feeds(protocol, chain, symbol, ts_ms);
CREATE INDEX IF NOT EXISTS idx_price_feeds_ts ON price_feeds(ts_ms);

CREATE TABLE IF NOT EXISTS sync_instances (
  id TEXT PRIMARY KEY,
  protocol TEXT NOT NULL,
  chain TEXT NOT NULL,
  endpoint TEXT NOT NULL,
  enabled INTEGER NOT NULL,
  poll_interval_ms INTEGER NOT NULL,
  staleness_threshold_ms INTEGER NOT NULL,
  rate_limit_rps REAL NOT NULL,
  config TEXT NOT NULL,
  updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_instances_protocol ON sync_instances(protocol);

CREATE TABLE IF NOT EXISTS sync_states (
  instance_id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  last_sync_at_ms INTEGER,
  last_sync_duration_ms INTEGER NOT NULL,
  consecutive_failures INTEGER NOT NULL,
  error_message TEXT NOT NULL,
  updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS webhooks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  url TEXT NOT NULL,
  secret TEXT NOT NULL,
  events TEXT NOT NULL,
  enabled INTEGER NOT NULL,
  headers TEXT NOT NULL,
  timeout_ms INTEGER NOT NULL,
  max_retries INTEGER NOT NULL,
  retry_interval_ms INTEGER NOT NULL,
  backoff_multiplier REAL NOT NULL,
  success_rate REAL NOT NULL,
  total_requests INTEGER NOT NULL,
  failed_requests INTEGER NOT NULL,
  last_error TEXT NOT NULL,
  last_triggered_at_ms INTEGER,
  updated_at_ms INTEGER NOT NULL
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
  duration_ms INTEGER NOT NULL,
  error TEXT NOT NULL,
  created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_hook ON webhook_deliveries(webhook_id, created_at_ms);
`
