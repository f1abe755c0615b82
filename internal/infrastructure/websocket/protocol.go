package websocket

import (
	"encoding/json"
	"time"
)

// 客户端 -> 服务端
const (
	MsgSubscribe   = "subscribe"
	MsgJoin        = "join"
	MsgUnsubscribe = "unsubscribe"
	MsgLeave       = "leave"
	MsgPublish     = "publish"
	MsgPing        = "ping"
)

// 服务端 -> 客户端
const (
	MsgConnected = "connected"
	MsgPong      = "pong"
	MsgHeartbeat = "heartbeat"
	MsgEvent     = "event"
	MsgAck       = "ack"
	MsgError     = "error"
)

// ClientMessage 客户端指令
type ClientMessage struct {
	Type    string          `json:"type"`
	Room    string          `json:"room,omitempty"`
	Filters map[string]any  `json:"filters,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
}

// ServerMessage 服务端消息；event 为领域事件信封或客户端转发的原始事件
type ServerMessage struct {
	Type       string          `json:"type"`
	SocketID   string          `json:"socketId,omitempty"`
	ServerTime *time.Time      `json:"serverTime,omitempty"`
	Room       string          `json:"room,omitempty"`
	Action     string          `json:"action,omitempty"`
	Event      json.RawMessage `json:"event,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func serverNow() *time.Time {
	t := time.Now().UTC()
	return &t
}
