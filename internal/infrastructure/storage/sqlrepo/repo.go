package sqlrepo

import (
	"database/sql"
	"encoding/json"
	"time"

	"oraclesync/internal/application/port"
	"oraclesync/internal/infrastructure/storage"
)

// Repo 基于持久化网关的 SQL 仓储，postgres 与 sqlite 共用同一套语句
type Repo struct {
	g *storage.Gateway
}

func New(g *storage.Gateway) *Repo {
	return &Repo{g: g}
}

var (
	_ port.PriceRepository     = (*Repo)(nil)
	_ port.InstanceRepository  = (*Repo)(nil)
	_ port.SyncStateRepository = (*Repo)(nil)
	_ port.WebhookRepository   = (*Repo)(nil)
)

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMs(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := msToTime(v.Int64)
	return &t
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}
