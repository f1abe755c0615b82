package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"oraclesync/internal/domain"
)

var (
	ErrPersistentDisconnect = errors.New("websocket persistently disconnected")
	ErrNotConnected         = errors.New("websocket not connected")
)

// RetryConfig 重连策略；MaxAttempts 为连续失败上限，<=0 表示不限
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  10,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
	}
}

func (r RetryConfig) delay(attempt int) time.Duration {
	return min(domain.BackoffDelay(r.InitialDelay, r.Multiplier, attempt), r.MaxDelay)
}

type ClientOptions struct {
	Header      http.Header
	Retry       RetryConfig
	ReadTimeout time.Duration // 超过该时长无任何消息视为断线；0 不设置
	StableAfter time.Duration // 连接保持该时长后重置失败计数；默认取 ReadTimeout，否则 10s
}

// Client 自动重连的订阅客户端；重连后重新加入之前的房间
type Client struct {
	url    string
	opts   ClientOptions
	dialer *websocket.Dialer

	mu    sync.Mutex
	rooms map[string]Filter
	conn  *websocket.Conn

	writeMu sync.Mutex
}

func NewClient(url string, opts ClientOptions) *Client {
	if opts.Retry.InitialDelay <= 0 {
		opts.Retry.InitialDelay = DefaultRetryConfig().InitialDelay
	}
	if opts.Retry.MaxDelay <= 0 {
		opts.Retry.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	if opts.Retry.Multiplier < 1 {
		opts.Retry.Multiplier = 2
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = opts.ReadTimeout
		if opts.StableAfter <= 0 {
			opts.StableAfter = 10 * time.Second
		}
	}
	return &Client{
		url:    url,
		opts:   opts,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		rooms:  make(map[string]Filter),
	}
}

// Join 加入房间接收全部事件
func (c *Client) Join(room string) error {
	return c.Subscribe(room, nil)
}

// Subscribe 加入房间并按过滤条件接收
func (c *Client) Subscribe(room string, filter Filter) error {
	c.mu.Lock()
	c.rooms[room] = filter
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.write(conn, subscribeMessage(room, filter))
}

// Leave 退出房间；过滤订阅发送 unsubscribe，普通加入发送 leave
func (c *Client) Leave(room string) error {
	c.mu.Lock()
	filter, ok := c.rooms[room]
	delete(c.rooms, room)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !ok {
		return nil
	}
	typ := MsgLeave
	if len(filter) > 0 {
		typ = MsgUnsubscribe
	}
	return c.write(conn, ClientMessage{Type: typ, Room: room})
}

// Publish 向房间发送客户端事件；未连接时返回 ErrNotConnected
func (c *Client) Publish(room string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, ClientMessage{Type: MsgPublish, Room: room, Event: data})
}

func (c *Client) write(conn *websocket.Conn, msg ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func subscribeMessage(room string, filter Filter) ClientMessage {
	if len(filter) == 0 {
		return ClientMessage{Type: MsgJoin, Room: room}
	}
	return ClientMessage{Type: MsgSubscribe, Room: room, Filters: filter}
}

// Run 连接并持续读取直到 ctx 取消
// 拨号失败与未稳定的连接断开都计入连续失败，每次重连前按退避等待
// 连续 MaxAttempts 次失败返回 ErrPersistentDisconnect
func (c *Client) Run(ctx context.Context, handle func(ServerMessage)) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := c.dialer.DialContext(ctx, c.url, c.opts.Header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if err := c.backoff(ctx, failures, err, "ws dial failed"); err != nil {
				return err
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		connectedAt := time.Now()
		greeted, err := c.readLoop(ctx, conn, handle)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		// 收到 connected 且保持了 StableAfter 才视为恢复
		if greeted && time.Since(connectedAt) >= c.opts.StableAfter {
			failures = 0
		}
		failures++
		if err := c.backoff(ctx, failures, err, "ws disconnected"); err != nil {
			return err
		}
	}
}

// backoff 达到上限返回 ErrPersistentDisconnect，否则等待第 failures 次的退避时长
func (c *Client) backoff(ctx context.Context, failures int, cause error, msg string) error {
	if c.opts.Retry.MaxAttempts > 0 && failures >= c.opts.Retry.MaxAttempts {
		return fmt.Errorf("%w: %d attempts: %v", ErrPersistentDisconnect, failures, cause)
	}
	wait := c.opts.Retry.delay(failures)
	log.Warn().Err(cause).Str("url", c.url).Int("attempt", failures).Dur("retry_in", wait).Msg(msg)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// readLoop 读取到连接出错；greeted 表示是否收到过 connected
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, handle func(ServerMessage)) (greeted bool, err error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		if c.opts.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return greeted, err
		}
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Msg("ws message decode failed")
			continue
		}
		if msg.Type == MsgConnected {
			greeted = true
			if err := c.rejoin(conn); err != nil {
				return greeted, err
			}
		}
		if handle != nil {
			handle(msg)
		}
	}
}

// rejoin 连接建立后重新加入期望的房间
func (c *Client) rejoin(conn *websocket.Conn) error {
	c.mu.Lock()
	msgs := make([]ClientMessage, 0, len(c.rooms))
	for room, f := range c.rooms {
		msgs = append(msgs, subscribeMessage(room, f))
	}
	c.mu.Unlock()
	for _, m := range msgs {
		if err := c.write(conn, m); err != nil {
			return err
		}
	}
	return nil
}
