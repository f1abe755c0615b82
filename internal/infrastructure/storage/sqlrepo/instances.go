package sqlrepo

import (
	"context"
	"encoding/json"
	"time"

	"oraclesync/internal/domain"
	"oraclesync/internal/infrastructure/storage"
)

var instanceSpec = storage.UpsertSpec{
	Table: "sync_instances",
	Columns: []string{
		"id", "protocol", "chain", "endpoint", "enabled", "poll_interval_ms",
		"staleness_threshold_ms", "rate_limit_rps", "config", "updated_at_ms",
	},
	ConflictColumns: []string{"id"},
	UpdateColumns: []string{
		"protocol", "chain", "endpoint", "enabled", "poll_interval_ms",
		"staleness_threshold_ms", "rate_limit_rps", "config", "updated_at_ms",
	},
}

type instanceRow struct {
	ID                   string  `db:"id"`
	Protocol             string  `db:"protocol"`
	Chain                string  `db:"chain"`
	Endpoint             string  `db:"endpoint"`
	Enabled              bool    `db:"enabled"`
	PollIntervalMs       int64   `db:"poll_interval_ms"`
	StalenessThresholdMs int64   `db:"staleness_threshold_ms"`
	RateLimitRPS         float64 `db:"rate_limit_rps"`
	Config               string  `db:"config"`
	UpdatedAtMs          int64   `db:"updated_at_ms"`
}

func (r instanceRow) toDomain() domain.SyncInstance {
	inst := domain.SyncInstance{
		ID:                 r.ID,
		Protocol:           domain.Protocol(r.Protocol),
		Chain:              r.Chain,
		Endpoint:           r.Endpoint,
		Enabled:            r.Enabled,
		PollInterval:       time.Duration(r.PollIntervalMs) * time.Millisecond,
		StalenessThreshold: time.Duration(r.StalenessThresholdMs) * time.Millisecond,
		RateLimitRPS:       r.RateLimitRPS,
		UpdatedAt:          msToTime(r.UpdatedAtMs),
	}
	_ = json.Unmarshal([]byte(r.Config), &inst.Config)
	return inst
}

const instanceSelect = `SELECT id, protocol, chain, endpoint, enabled, poll_interval_ms, staleness_threshold_ms,
  rate_limit_rps, config, updated_at_ms FROM sync_instances`

// ListInstances protocol 为空时返回全部
func (r *Repo) ListInstances(ctx context.Context, protocol domain.Protocol) ([]domain.SyncInstance, error) {
	var rows []instanceRow
	var err error
	if protocol == "" {
		err = r.g.Select(ctx, "list instances", &rows, instanceSelect+` ORDER BY id`)
	} else {
		err = r.g.Select(ctx, "list instances", &rows, instanceSelect+` WHERE protocol = ? ORDER BY id`, string(protocol))
	}
	if err != nil {
		return nil, err
	}
	out := make([]domain.SyncInstance, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *Repo) GetInstance(ctx context.Context, id string) (*domain.SyncInstance, error) {
	var row instanceRow
	if err := r.g.Get(ctx, "get instance", &row, instanceSelect+` WHERE id = ?`, id); err != nil {
		return nil, err
	}
	inst := row.toDomain()
	return &inst, nil
}

func (r *Repo) SaveInstance(ctx context.Context, inst domain.SyncInstance) error {
	cfg := inst.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	updated := inst.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := r.g.BatchUpsert(ctx, instanceSpec, [][]any{{
		inst.ID, string(inst.Protocol), inst.Chain, inst.Endpoint, inst.Enabled,
		inst.PollInterval.Milliseconds(), inst.StalenessThreshold.Milliseconds(),
		inst.RateLimitRPS, mustJSON(cfg), updated.UnixMilli(),
	}})
	return err
}
