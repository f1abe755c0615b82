package domain

import (
	"time"
)

// RetryPolicy webhook 重试策略；MaxRetries 为总尝试次数
type RetryPolicy struct {
	MaxRetries        int           `json:"maxRetries"`
	RetryInterval     time.Duration `json:"retryInterval"`
	BackoffMultiplier float64       `json:"backoffMultiplier"`
}

// DefaultRetryPolicy 3 次，1s 起，翻倍
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, RetryInterval: time.Second, BackoffMultiplier: 2}
}

// Attempts 总尝试次数，至少 1
func (p RetryPolicy) Attempts() int {
	if p.MaxRetries < 1 {
		return 1
	}
	return p.MaxRetries
}

// Delay 第 attempt 次失败后的等待时间 = interval * multiplier^(attempt-1)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return BackoffDelay(p.RetryInterval, p.BackoffMultiplier, attempt)
}

// WebhookConfig 出站 webhook 定义与滚动统计
type WebhookConfig struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	URL             string            `json:"url"`
	Secret          string            `json:"-"`
	Events          []EventType       `json:"events"`
	Enabled         bool              `json:"enabled"`
	Headers         map[string]string `json:"headers,omitempty"`
	Timeout         time.Duration     `json:"timeout"`
	Retry           RetryPolicy       `json:"retry"`
	SuccessRate     float64           `json:"successRate"`
	TotalRequests   int64             `json:"totalRequests"`
	FailedRequests  int64             `json:"failedRequests"`
	LastError       string            `json:"lastError,omitempty"`
	LastTriggeredAt *time.Time        `json:"lastTriggeredAt,omitempty"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// Subscribes 是否订阅该事件；空事件集表示全部
func (w WebhookConfig) Subscribes(t EventType) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == t {
			return true
		}
	}
	return false
}

// RecordOutcome 更新滚动统计：successRate = 成功数 / 总数 * 100
func (w *WebhookConfig) RecordOutcome(success bool, lastErr string, at time.Time) {
	w.TotalRequests++
	if !success {
		w.FailedRequests++
		w.LastError = lastErr
	}
	succeeded := w.TotalRequests - w.FailedRequests
	w.SuccessRate = float64(succeeded) / float64(w.TotalRequests) * 100
	t := at.UTC()
	w.LastTriggeredAt = &t
}

// DeliveryStatus 单次投递状态
type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryRetrying DeliveryStatus = "retrying"
)

// WebhookDelivery 每次尝试一条，只追加
type WebhookDelivery struct {
	ID         string         `json:"id"`
	WebhookID  string         `json:"webhookId"`
	EventID    string         `json:"eventId"`
	EventType  EventType      `json:"eventType"`
	Status     DeliveryStatus `json:"status"`
	StatusCode int            `json:"statusCode,omitempty"`
	Response   string         `json:"response,omitempty"`
	Attempt    int            `json:"attempt"`
	DurationMs int64          `json:"durationMs"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}
