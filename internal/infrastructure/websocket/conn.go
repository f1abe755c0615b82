package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

// Conn 一个客户端连接
// rooms 只由 readPump 访问；跨连接的广播通过 Hub 的房间表完成
type Conn struct {
	id      string
	subject string
	hub     *Hub
	ws      *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	rooms map[string]struct{}
}

func newConn(h *Hub, id string, ws *websocket.Conn, subject string) *Conn {
	if subject == "" {
		subject = id
	}
	return &Conn{
		id:      id,
		subject: subject,
		hub:     h,
		ws:      ws,
		send:    make(chan []byte, h.opts.SendBuffer),
		done:    make(chan struct{}),
		rooms:   make(map[string]struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// enqueue 非阻塞入队；连接已关闭或缓冲已满返回 false
func (c *Conn) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) enqueueMessage(m ServerMessage) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.enqueue(b)
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// readPump 连接的生命周期协程：处理客户端指令，退出时释放房间
func (c *Conn) readPump() {
	defer c.hub.wg.Done()
	defer func() {
		rooms := make([]string, 0, len(c.rooms))
		for r := range c.rooms {
			rooms = append(rooms, r)
		}
		c.hub.remove(c, rooms)
		c.close()
	}()

	timeout := 2 * c.hub.opts.Heartbeat
	c.ws.SetReadLimit(c.hub.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("socket", c.id).Msg("socket read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueueMessage(ServerMessage{Type: MsgError, Error: "invalid message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *Conn) handle(msg ClientMessage) {
	roomName := strings.TrimSpace(msg.Room)
	switch msg.Type {
	case MsgPing:
		c.enqueueMessage(ServerMessage{Type: MsgPong, ServerTime: serverNow()})

	case MsgJoin, MsgSubscribe:
		if roomName == "" {
			c.enqueueMessage(ServerMessage{Type: MsgError, Action: msg.Type, Error: "room required"})
			return
		}
		var f Filter
		if msg.Type == MsgSubscribe && len(msg.Filters) > 0 {
			f = Filter(msg.Filters)
		}
		c.hub.join(c, roomName, f)
		c.rooms[roomName] = struct{}{}
		c.enqueueMessage(ServerMessage{Type: MsgAck, Action: msg.Type, Room: roomName})

	case MsgLeave, MsgUnsubscribe:
		if roomName == "" {
			c.enqueueMessage(ServerMessage{Type: MsgError, Action: msg.Type, Error: "room required"})
			return
		}
		if !c.hub.leave(c, roomName, msg.Type == MsgUnsubscribe) {
			delete(c.rooms, roomName)
		}
		c.enqueueMessage(ServerMessage{Type: MsgAck, Action: msg.Type, Room: roomName})

	case MsgPublish:
		if roomName == "" || len(msg.Event) == 0 {
			c.enqueueMessage(ServerMessage{Type: MsgError, Action: msg.Type, Error: "room and event required"})
			return
		}
		if !c.hub.opts.Authorizer.Allowed(context.Background(), c.subject, MsgPublish, roomName) {
			c.enqueueMessage(ServerMessage{Type: MsgError, Action: msg.Type, Room: roomName, Error: "forbidden"})
			return
		}
		n := c.hub.Publish(roomName, msg.Event, c.id)
		log.Debug().Str("socket", c.id).Str("room", roomName).Int("receivers", n).Msg("client publish relayed")

	default:
		c.enqueueMessage(ServerMessage{Type: MsgError, Action: msg.Type, Error: "unknown message type"})
	}
}

// writePump 发送队列与心跳；写失败时关闭连接，readPump 随之退出
func (c *Conn) writePump() {
	defer c.hub.wg.Done()
	ticker := time.NewTicker(c.hub.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return

		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			hb, _ := json.Marshal(ServerMessage{Type: MsgHeartbeat, ServerTime: serverNow()})
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, hb); err != nil {
				c.close()
				return
			}
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		}
	}
}
