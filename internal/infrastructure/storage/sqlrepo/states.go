package sqlrepo

import (
	"context"
	"database/sql"
	"time"

	"oraclesync/internal/domain"
	"oraclesync/internal/infrastructure/storage"
)

var stateSpec = storage.UpsertSpec{
	Table: "sync_states",
	Columns: []string{
		"instance_id", "status", "last_sync_at_ms", "last_sync_duration_ms",
		"consecutive_failures", "error_message", "updated_at_ms",
	},
	ConflictColumns: []string{"instance_id"},
	UpdateColumns: []string{
		"status", "last_sync_at_ms", "last_sync_duration_ms",
		"consecutive_failures", "error_message", "updated_at_ms",
	},
}

type stateRow struct {
	InstanceID          string        `db:"instance_id"`
	Status              string        `db:"status"`
	LastSyncAtMs        sql.NullInt64 `db:"last_sync_at_ms"`
	LastSyncDurationMs  int64         `db:"last_sync_duration_ms"`
	ConsecutiveFailures int           `db:"consecutive_failures"`
	ErrorMessage        string        `db:"error_message"`
	UpdatedAtMs         int64         `db:"updated_at_ms"`
}

func (r stateRow) toDomain() domain.SyncState {
	return domain.SyncState{
		InstanceID:          r.InstanceID,
		Status:              domain.SyncStatus(r.Status),
		LastSyncAt:          nullTime(r.LastSyncAtMs),
		LastSyncDurationMs:  r.LastSyncDurationMs,
		ConsecutiveFailures: r.ConsecutiveFailures,
		ErrorMessage:        r.ErrorMessage,
		UpdatedAt:           msToTime(r.UpdatedAtMs),
	}
}

const stateSelect = `SELECT instance_id, status, last_sync_at_ms, last_sync_duration_ms,
  consecutive_failures, error_message, updated_at_ms FROM sync_states`

func (r *Repo) GetSyncState(ctx context.Context, instanceID string) (*domain.SyncState, error) {
	var row stateRow
	if err := r.g.Get(ctx, "get sync state", &row, stateSelect+` WHERE instance_id = ?`, instanceID); err != nil {
		return nil, err
	}
	st := row.toDomain()
	return &st, nil
}

func (r *Repo) SaveSyncState(ctx context.Context, st domain.SyncState) error {
	updated := st.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := r.g.BatchUpsert(ctx, stateSpec, [][]any{{
		st.InstanceID, string(st.Status), nullMs(st.LastSyncAt), st.LastSyncDurationMs,
		st.ConsecutiveFailures, st.ErrorMessage, updated.UnixMilli(),
	}})
	return err
}

func (r *Repo) ListSyncStates(ctx context.Context) ([]domain.SyncState, error) {
	var rows []stateRow
	if err := r.g.Select(ctx, "list sync states", &rows, stateSelect+` ORDER BY instance_id`); err != nil {
		return nil, err
	}
	out := make([]domain.SyncState, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
