package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"oraclesync/internal/application/port"
	"oraclesync/internal/domain"
	"oraclesync/internal/infrastructure/metrics"
)

var ErrHubClosed = errors.New("broadcast hub closed")

type Options struct {
	Heartbeat      time.Duration // 心跳间隔；两个间隔内没有任何读取即断开
	SendBuffer     int
	MaxMessageSize int64
	AllowedOrigins []string // 为空时不校验 Origin
	Authorizer     port.Authorizer
}

func (o Options) withDefaults() Options {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 30 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 << 10
	}
	if o.Authorizer == nil {
		o.Authorizer = port.AllowAll{}
	}
	return o
}

// member 连接在某个房间中的成员关系
// joined 与 filter 相互独立：joined 接收全部，否则只接收 filter 匹配的事件
type member struct {
	conn   *Conn
	joined bool
	filter Filter
}

func (m member) wants(event []byte) bool {
	return m.joined || (len(m.filter) > 0 && m.filter.Match(event))
}

// room 同一房间的发布串行化，保证单一发布者的顺序
type room struct {
	pubMu   sync.Mutex
	members map[string]member
}

// Hub 广播管理器：连接表与房间表由 mu 保护，连接自身的房间集合由连接的读协程持有
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*Conn
	rooms  map[string]*room
	closed bool

	wg sync.WaitGroup
}

func NewHub(opts Options) *Hub {
	opts = opts.withDefaults()
	h := &Hub{
		opts:  opts,
		conns: make(map[string]*Conn),
		rooms: make(map[string]*room),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP 升级为 websocket 连接
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := newConn(h, uuid.NewString(), ws, r.Header.Get("X-Subject"))
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close()
		return
	}
	h.conns[c.id] = c
	h.wg.Add(2)
	h.mu.Unlock()

	metrics.ConnectionOpened()
	log.Debug().Str("socket", c.id).Str("remote", r.RemoteAddr).Msg("socket connected")

	c.enqueueMessage(ServerMessage{Type: MsgConnected, SocketID: c.id, ServerTime: serverNow()})
	go c.writePump()
	go c.readPump()
}

// HandleEvent 事件总线回调：领域事件发往对应房间
func (h *Hub) HandleEvent(_ context.Context, ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("event", string(ev.Type)).Msg("marshal broadcast event failed")
		return
	}
	h.Publish(domain.RoomFor(ev.Type), data, "")
}

// Publish 向房间广播；同一房间的发布串行执行，exclude 为发送者
// 返回入队成功的连接数。入队不阻塞，发送缓冲满的连接丢弃该消息
func (h *Hub) Publish(roomName string, event json.RawMessage, exclude string) int {
	msg, err := json.Marshal(ServerMessage{Type: MsgEvent, Room: roomName, Event: event})
	if err != nil {
		return 0
	}

	h.mu.RLock()
	rm, ok := h.rooms[roomName]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	rm.pubMu.Lock()
	defer rm.pubMu.Unlock()

	h.mu.RLock()
	targets := make([]member, 0, len(rm.members))
	for _, m := range rm.members {
		targets = append(targets, m)
	}
	h.mu.RUnlock()

	sent := 0
	for _, m := range targets {
		if m.conn.id == exclude {
			continue
		}
		if !m.wants(event) {
			continue
		}
		if m.conn.enqueue(msg) {
			sent++
			metrics.RecordBroadcast(roomName, "sent")
		} else {
			metrics.RecordBroadcast(roomName, "dropped")
			log.Debug().Str("socket", m.conn.id).Str("room", roomName).Msg("send buffer full, message dropped")
		}
	}
	return sent
}

// join 由连接的读协程调用；filter 为空时加入房间接收全部，否则设置该房间的过滤订阅
// 两者互不覆盖
func (h *Hub) join(c *Conn, roomName string, filter Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[roomName]
	if !ok {
		rm = &room{members: make(map[string]member)}
		h.rooms[roomName] = rm
	}
	m, ok := rm.members[c.id]
	if !ok {
		m = member{conn: c}
	}
	if len(filter) == 0 {
		m.joined = true
	} else {
		m.filter = filter
	}
	rm.members[c.id] = m
}

// leave 撤销加入（filtered=false）或过滤订阅（filtered=true）；返回连接是否仍在房间中
func (h *Hub) leave(c *Conn, roomName string, filtered bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rm, ok := h.rooms[roomName]
	if !ok {
		return false
	}
	m, ok := rm.members[c.id]
	if !ok {
		return false
	}
	if filtered {
		m.filter = nil
	} else {
		m.joined = false
	}
	if m.joined || len(m.filter) > 0 {
		rm.members[c.id] = m
		return true
	}
	h.leaveLocked(c, roomName)
	return false
}

func (h *Hub) leaveLocked(c *Conn, roomName string) {
	rm, ok := h.rooms[roomName]
	if !ok {
		return
	}
	delete(rm.members, c.id)
	if len(rm.members) == 0 {
		delete(h.rooms, roomName)
	}
}

// remove 连接断开时释放房间与连接表
func (h *Hub) remove(c *Conn, rooms []string) {
	h.mu.Lock()
	for _, r := range rooms {
		h.leaveLocked(c, r)
	}
	_, existed := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()

	if existed {
		metrics.ConnectionClosed()
		log.Debug().Str("socket", c.id).Msg("socket disconnected")
	}
}

// Stats 连接数与各房间成员数
type Stats struct {
	Connections int            `json:"connections"`
	Rooms       map[string]int `json:"rooms"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Stats{Connections: len(h.conns), Rooms: make(map[string]int, len(h.rooms))}
	for name, rm := range h.rooms {
		st.Rooms[name] = len(rm.members)
	}
	return st
}

// Disconnect 主动断开指定连接
func (h *Hub) Disconnect(socketID string) bool {
	h.mu.RLock()
	c, ok := h.conns[socketID]
	h.mu.RUnlock()
	if ok {
		c.close()
	}
	return ok
}

// Close 断开全部连接并等待连接协程退出
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
