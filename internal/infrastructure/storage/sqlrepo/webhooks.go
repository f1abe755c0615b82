package sqlrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"oraclesync/internal/domain"
	"oraclesync/internal/infrastructure/storage"
)

var webhookSpec = storage.UpsertSpec{
	Table: "webhooks",
	Columns: []string{
		"id", "name", "url", "secret", "events", "enabled", "headers", "timeout_ms",
		"max_retries", "retry_interval_ms", "backoff_multiplier",
		"success_rate", "total_requests", "failed_requests", "last_error", "last_triggered_at_ms", "updated_at_ms",
	},
	ConflictColumns: []string{"id"},
	// 重新下发配置不覆盖滚动统计
	UpdateColumns: []string{
		"name", "url", "secret", "events", "enabled", "headers", "timeout_ms",
		"max_retries", "retry_interval_ms", "backoff_multiplier", "updated_at_ms",
	},
}

type webhookRow struct {
	ID                string        `db:"id"`
	Name              string        `db:"name"`
	URL               string        `db:"url"`
	Secret            string        `db:"secret"`
	Events            string        `db:"events"`
	Enabled           bool          `db:"enabled"`
	Headers           string        `db:"headers"`
	TimeoutMs         int64         `db:"timeout_ms"`
	MaxRetries        int           `db:"max_retries"`
	RetryIntervalMs   int64         `db:"retry_interval_ms"`
	BackoffMultiplier float64       `db:"backoff_multiplier"`
	SuccessRate       float64       `db:"success_rate"`
	TotalRequests     int64         `db:"total_requests"`
	FailedRequests    int64         `db:"failed_requests"`
	LastError         string        `db:"last_error"`
	LastTriggeredAtMs sql.NullInt64 `db:"last_triggered_at_ms"`
	UpdatedAtMs       int64         `db:"updated_at_ms"`
}

func (r webhookRow) toDomain() domain.WebhookConfig {
	w := domain.WebhookConfig{
		ID:      r.ID,
		Name:    r.Name,
		URL:     r.URL,
		Secret:  r.Secret,
		Enabled: r.Enabled,
		Timeout: time.Duration(r.TimeoutMs) * time.Millisecond,
		Retry: domain.RetryPolicy{
			MaxRetries:        r.MaxRetries,
			RetryInterval:     time.Duration(r.RetryIntervalMs) * time.Millisecond,
			BackoffMultiplier: r.BackoffMultiplier,
		},
		SuccessRate:     r.SuccessRate,
		TotalRequests:   r.TotalRequests,
		FailedRequests:  r.FailedRequests,
		LastError:       r.LastError,
		LastTriggeredAt: nullTime(r.LastTriggeredAtMs),
		UpdatedAt:       msToTime(r.UpdatedAtMs),
	}
	_ = json.Unmarshal([]byte(r.Events), &w.Events)
	_ = json.Unmarshal([]byte(r.Headers), &w.Headers)
	return w
}

const webhookSelect = `SELECT id, name, url, secret, events, enabled, headers, timeout_ms, max_retries,
  retry_interval_ms, backoff_multiplier, success_rate, total_requests, failed_requests,
  last_error, last_triggered_at_ms, updated_at_ms FROM webhooks`

func (r *Repo) ListWebhooks(ctx context.Context) ([]domain.WebhookConfig, error) {
	var rows []webhookRow
	if err := r.g.Select(ctx, "list webhooks", &rows, webhookSelect+` ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]domain.WebhookConfig, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *Repo) GetWebhook(ctx context.Context, id string) (*domain.WebhookConfig, error) {
	var row webhookRow
	if err := r.g.Get(ctx, "get webhook", &row, webhookSelect+` WHERE id = ?`, id); err != nil {
		return nil, err
	}
	w := row.toDomain()
	return &w, nil
}

func (r *Repo) SaveWebhook(ctx context.Context, w domain.WebhookConfig) error {
	events := w.Events
	if events == nil {
		events = []domain.EventType{}
	}
	headers := w.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	updated := w.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := r.g.BatchUpsert(ctx, webhookSpec, [][]any{{
		w.ID, w.Name, w.URL, w.Secret, mustJSON(events), w.Enabled, mustJSON(headers),
		w.Timeout.Milliseconds(), w.Retry.MaxRetries, w.Retry.RetryInterval.Milliseconds(), w.Retry.BackoffMultiplier,
		w.SuccessRate, w.TotalRequests, w.FailedRequests, w.LastError, nullMs(w.LastTriggeredAt), updated.UnixMilli(),
	}})
	return err
}

func (r *Repo) UpdateWebhookStats(ctx context.Context, w domain.WebhookConfig) error {
	_, err := r.g.Exec(ctx, "update webhook stats",
		`UPDATE webhooks SET success_rate = ?, total_requests = ?, failed_requests = ?, last_error = ?,
  last_triggered_at_ms = ?, updated_at_ms = ? WHERE id = ?`,
		w.SuccessRate, w.TotalRequests, w.FailedRequests, w.LastError,
		nullMs(w.LastTriggeredAt), time.Now().UnixMilli(), w.ID)
	return err
}

type deliveryRow struct {
	ID          string `db:"id"`
	WebhookID   string `db:"webhook_id"`
	EventID     string `db:"event_id"`
	EventType   string `db:"event_type"`
	Status      string `db:"status"`
	StatusCode  int    `db:"status_code"`
	Response    string `db:"response"`
	Attempt     int    `db:"attempt"`
	DurationMs  int64  `db:"duration_ms"`
	Error       string `db:"error"`
	CreatedAtMs int64  `db:"created_at_ms"`
}

// InsertDelivery 追加记录并裁剪到最近 keep 条，同一事务内完成
func (r *Repo) InsertDelivery(ctx context.Context, d domain.WebhookDelivery, keep int) error {
	return r.g.WithTx(ctx, "insert delivery", func(tx *storage.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO webhook_deliveries
  (id, webhook_id, event_id, event_type, status, status_code, response, attempt, duration_ms, error, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.WebhookID, d.EventID, string(d.EventType), string(d.Status), d.StatusCode,
			d.Response, d.Attempt, d.DurationMs, d.Error, d.CreatedAt.UnixMilli())
		if err != nil {
			return err
		}
		if keep <= 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `DELETE FROM webhook_deliveries WHERE webhook_id = ? AND id NOT IN (
  SELECT id FROM webhook_deliveries WHERE webhook_id = ? ORDER BY created_at_ms DESC, attempt DESC LIMIT ?)`,
			d.WebhookID, d.WebhookID, keep)
		return err
	})
}

func (r *Repo) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []deliveryRow
	err := r.g.Select(ctx, "list deliveries", &rows,
		`SELECT id, webhook_id, event_id, event_type, status, status_code, response, attempt, duration_ms, error, created_at_ms
FROM webhook_deliveries WHERE webhook_id = ? ORDER BY created_at_ms DESC, attempt DESC LIMIT ?`, webhookID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.WebhookDelivery, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.WebhookDelivery{
			ID:         row.ID,
			WebhookID:  row.WebhookID,
			EventID:    row.EventID,
			EventType:  domain.EventType(row.EventType),
			Status:     domain.DeliveryStatus(row.Status),
			StatusCode: row.StatusCode,
			Response:   row.Response,
			Attempt:    row.Attempt,
			DurationMs: row.DurationMs,
			Error:      row.Error,
			CreatedAt:  msToTime(row.CreatedAtMs),
		})
	}
	return out, nil
}
