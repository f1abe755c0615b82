package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType 内部领域事件类型
type EventType string

const (
	EventSyncCompleted  EventType = "sync:completed"
	EventSyncFailed     EventType = "sync:failed"
	EventPriceProposed  EventType = "price:proposed"
	EventPriceSettled   EventType = "price:settled"
	EventAlertTriggered EventType = "alert:triggered"
)

// AllEventTypes 全部事件类型（webhook 未指定事件集时订阅全部）
var AllEventTypes = []EventType{
	EventSyncCompleted,
	EventSyncFailed,
	EventPriceProposed,
	EventPriceSettled,
	EventAlertTriggered,
}

// 广播房间
const (
	RoomPrices     = "prices"
	RoomSync       = "sync"
	RoomAssertions = "assertions"
	RoomAlerts     = "alerts"
)

// RoomFor 领域事件对应的广播房间
func RoomFor(t EventType) string {
	switch t {
	case EventSyncCompleted:
		return RoomPrices
	case EventPriceProposed, EventPriceSettled:
		return RoomAssertions
	case EventAlertTriggered:
		return RoomAlerts
	default:
		return RoomSync
	}
}

// Event 事件信封 {type, payload, timestamp, instanceId?, source?}
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Payload    any       `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
	InstanceID string    `json:"instanceId,omitempty"`
	Source     string    `json:"source,omitempty"`
}

// NewEvent 创建带 id 与时间戳的事件
func NewEvent(t EventType, instanceID, source string, payload any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		Payload:    payload,
		Timestamp:  time.Now().UTC(),
		InstanceID: instanceID,
		Source:     source,
	}
}

// SyncCompletedPayload 一次成功同步的结果，部分成功时 FailedSymbols 非空
type SyncCompletedPayload struct {
	Protocol      Protocol    `json:"protocol"`
	Chain         string      `json:"chain"`
	Feeds         []PriceFeed `json:"feeds"`
	Requested     int         `json:"requested"`
	Fetched       int         `json:"fetched"`
	Stored        int         `json:"stored"`
	FailedSymbols []string    `json:"failedSymbols,omitempty"`
	DurationMs    int64       `json:"durationMs"`
}

type SyncFailedPayload struct {
	Protocol            Protocol `json:"protocol"`
	Chain               string   `json:"chain"`
	Error               string   `json:"error"`
	ConsecutiveFailures int      `json:"consecutiveFailures"`
	Suspended           bool     `json:"suspended"`
	DurationMs          int64    `json:"durationMs"`
}

// AlertKind 告警类别
type AlertKind string

const (
	AlertDeviation AlertKind = "deviation"
	AlertStale     AlertKind = "stale"
	AlertDispute   AlertKind = "dispute"
	AlertSuspended AlertKind = "suspended"
)

type AlertPayload struct {
	Kind      AlertKind `json:"kind"`
	Protocol  Protocol  `json:"protocol"`
	Chain     string    `json:"chain"`
	Symbol    string    `json:"symbol,omitempty"`
	Message   string    `json:"message"`
	Value     float64   `json:"value,omitempty"`
	Threshold float64   `json:"threshold,omitempty"`
}
