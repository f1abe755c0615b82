package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oraclesync/internal/domain"
)

const sample = `
[app]
log_level = "debug"

[database]
driver = "sqlite"
dsn = "test.db"

[sync]
max_consecutive_failures = 3

[[instances]]
protocol = "Chainlink"
chain = "Ethereum"
endpoint = "https://eth.example"
enabled = true
staleness_threshold_sec = 120
  [instances.config]
  "feed:ETH/USD" = "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"

[[webhooks]]
id = "ops"
url = "https://hooks.example/ops"
secret = "s3cr3t"
events = ["sync:completed", "alert:triggered"]
enabled = true

[symbols.chainlink]
ethereum = ["eth-usd", "ETH/USD", "btc/usd"]
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse(sample)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, 50, cfg.Database.BatchSize)
	assert.Equal(t, 3, cfg.Sync.MaxConsecutiveFailures)
	assert.Equal(t, "@every 1m", cfg.Sync.RefreshSchedule)
	assert.Equal(t, 100, cfg.Webhook.HistorySize)
	assert.Equal(t, "@daily", cfg.Database.PruneSchedule)
	assert.Zero(t, cfg.Retention())

	require.Len(t, cfg.Instances, 1)
	assert.Equal(t, "chainlink-ethereum", cfg.Instances[0].ID)
	assert.Equal(t, 60, cfg.Instances[0].IntervalSec)

	assert.Equal(t, []string{"ETH/USD", "BTC/USD"}, cfg.SymbolsFor(domain.ProtocolChainlink, "Ethereum"))
}

func TestToDomain(t *testing.T) {
	cfg, err := Parse(sample)
	require.NoError(t, err)

	insts := cfg.ToInstances()
	require.Len(t, insts, 1)
	assert.Equal(t, domain.ProtocolChainlink, insts[0].Protocol)
	assert.Equal(t, 120*time.Second, insts[0].Threshold())
	assert.Equal(t, "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419", insts[0].ConfigWithPrefix("feed:")["ETH/USD"])

	hooks := cfg.ToWebhooks()
	require.Len(t, hooks, 1)
	assert.Equal(t, 3, hooks[0].Retry.MaxRetries)
	assert.Equal(t, time.Second, hooks[0].Retry.RetryInterval)
	assert.True(t, hooks[0].Subscribes(domain.EventAlertTriggered))
	assert.False(t, hooks[0].Subscribes(domain.EventPriceSettled))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"driver": `[database]
driver = "mysql"
dsn = "x"`,
		"unknown event": `[[webhooks]]
id = "a"
url = "http://x"
events = ["price:changed"]`,
		"duplicate instance": `[[instances]]
protocol = "pyth"
chain = "solana"
[[instances]]
protocol = "pyth"
chain = "solana"`,
		"deviation mode": `[sync]
deviation_mode = "median"`,
		"retention": `[database]
retention_days = -1`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(data)
			assert.Error(t, err)
		})
	}
}

func TestEnvOverridesDSN(t *testing.T) {
	t.Setenv("ORACLESYNC_DATABASE_DSN", "postgres://u:p@db/oracles")
	cfg, err := Parse(`[database]
driver = "postgres"`)
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db/oracles", cfg.Database.DSN)
}

func TestRetention(t *testing.T) {
	cfg, err := Parse(`[database]
retention_days = 7`)
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention())
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load("../../../configs/config.example.toml")
	require.NoError(t, err)
	assert.Len(t, cfg.Instances, 3)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention())
	assert.Equal(t, []string{"ETH/USD", "BTC/USD"}, cfg.SymbolsFor(domain.ProtocolPyth, "ethereum"))
}
