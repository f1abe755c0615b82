package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oraclesync/internal/domain"
)

type denyPublish struct{}

func (denyPublish) Allowed(_ context.Context, _, action, _ string) bool { return action != MsgPublish }

func startHub(t *testing.T, opts Options) (*Hub, string) {
	t.Helper()
	h := NewHub(opts)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Close(ctx)
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) (*websocket.Conn, string) {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	msg := readUntil(t, ws, MsgConnected)
	require.NotEmpty(t, msg.SocketID)
	return ws, msg.SocketID
}

func readUntil(t *testing.T, ws *websocket.Conn, typ string) ServerMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = ws.SetReadDeadline(deadline)
		var msg ServerMessage
		require.NoError(t, ws.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, msg ClientMessage) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(msg))
}

func join(t *testing.T, ws *websocket.Conn, room string, filters map[string]any) {
	t.Helper()
	typ := MsgJoin
	if filters != nil {
		typ = MsgSubscribe
	}
	send(t, ws, ClientMessage{Type: typ, Room: room, Filters: filters})
	ack := readUntil(t, ws, MsgAck)
	require.Equal(t, room, ack.Room)
}

func TestHubPublishPreservesOrder(t *testing.T) {
	h, url := startHub(t, Options{})
	a, _ := dial(t, url)
	b, _ := dial(t, url)
	gone, _ := dial(t, url)
	join(t, a, domain.RoomPrices, nil)
	join(t, b, domain.RoomPrices, nil)
	join(t, gone, domain.RoomPrices, nil)

	send(t, gone, ClientMessage{Type: MsgLeave, Room: domain.RoomPrices})
	readUntil(t, gone, MsgAck)

	for i := range 50 {
		h.Publish(domain.RoomPrices, json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)), "")
	}

	for _, ws := range []*websocket.Conn{a, b} {
		for i := range 50 {
			msg := readUntil(t, ws, MsgEvent)
			var body struct{ Seq int }
			require.NoError(t, json.Unmarshal(msg.Event, &body))
			assert.Equal(t, i, body.Seq)
		}
	}

	// 已离开的连接只会收到心跳之类的消息
	_ = gone.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var msg ServerMessage
	err := gone.ReadJSON(&msg)
	if err == nil {
		assert.NotEqual(t, MsgEvent, msg.Type)
	}
}

func TestHubRoutesDomainEvents(t *testing.T) {
	h, url := startHub(t, Options{})
	ws, _ := dial(t, url)
	join(t, ws, domain.RoomAlerts, nil)

	h.HandleEvent(context.Background(), domain.NewEvent(domain.EventSyncCompleted, "i1", "chainlink", nil))
	h.HandleEvent(context.Background(), domain.NewEvent(domain.EventAlertTriggered, "i1", "chainlink",
		domain.AlertPayload{Kind: domain.AlertStale, Symbol: "ETH/USD"}))

	msg := readUntil(t, ws, MsgEvent)
	assert.Equal(t, domain.RoomAlerts, msg.Room)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(msg.Event, &ev))
	assert.Equal(t, domain.EventAlertTriggered, ev.Type)
}

func TestHubFilteredSubscription(t *testing.T) {
	h, url := startHub(t, Options{})
	ws, _ := dial(t, url)
	join(t, ws, domain.RoomPrices, map[string]any{"payload.chain": "polygon"})

	h.Publish(domain.RoomPrices, json.RawMessage(`{"payload":{"chain":"ethereum"}}`), "")
	h.Publish(domain.RoomPrices, json.RawMessage(`{"payload":{"chain":"polygon"}}`), "")

	msg := readUntil(t, ws, MsgEvent)
	assert.JSONEq(t, `{"payload":{"chain":"polygon"}}`, string(msg.Event))
}

func TestHubJoinAndSubscribeAreIndependent(t *testing.T) {
	h, url := startHub(t, Options{})
	ws, _ := dial(t, url)
	join(t, ws, domain.RoomPrices, map[string]any{"payload.chain": "polygon"})
	join(t, ws, domain.RoomPrices, nil)

	// 加入后接收全部
	h.Publish(domain.RoomPrices, json.RawMessage(`{"payload":{"chain":"ethereum"}}`), "")
	msg := readUntil(t, ws, MsgEvent)
	assert.JSONEq(t, `{"payload":{"chain":"ethereum"}}`, string(msg.Event))

	// leave 只撤销加入，过滤订阅仍然生效
	send(t, ws, ClientMessage{Type: MsgLeave, Room: domain.RoomPrices})
	readUntil(t, ws, MsgAck)
	assert.Equal(t, 1, h.Stats().Rooms[domain.RoomPrices])

	h.Publish(domain.RoomPrices, json.RawMessage(`{"payload":{"chain":"ethereum"}}`), "")
	h.Publish(domain.RoomPrices, json.RawMessage(`{"payload":{"chain":"polygon"}}`), "")
	msg = readUntil(t, ws, MsgEvent)
	assert.JSONEq(t, `{"payload":{"chain":"polygon"}}`, string(msg.Event))

	send(t, ws, ClientMessage{Type: MsgUnsubscribe, Room: domain.RoomPrices})
	readUntil(t, ws, MsgAck)
	_, ok := h.Stats().Rooms[domain.RoomPrices]
	assert.False(t, ok)
}

func TestHubClientPublishExcludesSender(t *testing.T) {
	_, url := startHub(t, Options{})
	a, _ := dial(t, url)
	b, _ := dial(t, url)
	join(t, a, "desk", nil)
	join(t, b, "desk", nil)

	send(t, a, ClientMessage{Type: MsgPublish, Room: "desk", Event: json.RawMessage(`{"note":"hi"}`)})
	msg := readUntil(t, b, MsgEvent)
	assert.JSONEq(t, `{"note":"hi"}`, string(msg.Event))

	send(t, a, ClientMessage{Type: MsgPing})
	next := readUntil(t, a, MsgPong)
	assert.NotNil(t, next.ServerTime)
}

func TestHubRejectsUnauthorizedPublish(t *testing.T) {
	_, url := startHub(t, Options{Authorizer: denyPublish{}})
	ws, _ := dial(t, url)

	send(t, ws, ClientMessage{Type: MsgPublish, Room: "desk", Event: json.RawMessage(`{}`)})
	msg := readUntil(t, ws, MsgError)
	assert.Equal(t, "forbidden", msg.Error)

	send(t, ws, ClientMessage{Type: "shout"})
	msg = readUntil(t, ws, MsgError)
	assert.Equal(t, "unknown message type", msg.Error)
}

func TestHubDropsSilentConnection(t *testing.T) {
	h, url := startHub(t, Options{Heartbeat: 50 * time.Millisecond})
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return h.Stats().Connections == 1 }, time.Second, 10*time.Millisecond)
	// 不读取任何消息，ping 得不到 pong，读超时后服务端断开
	require.Eventually(t, func() bool { return h.Stats().Connections == 0 }, 2*time.Second, 20*time.Millisecond)
}

func TestHubStatsAndDisconnect(t *testing.T) {
	h, url := startHub(t, Options{})
	ws, id := dial(t, url)
	join(t, ws, domain.RoomSync, nil)

	st := h.Stats()
	assert.Equal(t, 1, st.Connections)
	assert.Equal(t, 1, st.Rooms[domain.RoomSync])

	assert.True(t, h.Disconnect(id))
	assert.False(t, h.Disconnect("missing"))
	require.Eventually(t, func() bool {
		st := h.Stats()
		return st.Connections == 0 && len(st.Rooms) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestFilterMatch(t *testing.T) {
	ev := []byte(`{"type":"sync:completed","payload":{"chain":"ethereum","requested":2,"feeds":[{"symbol":"ETH/USD","isStale":false},{"symbol":"BTC/USD","isStale":true}]}}`)

	assert.True(t, Filter(nil).Match(ev))
	assert.True(t, Filter{"payload.chain": "ethereum", "payload.requested": float64(2)}.Match(ev))
	assert.True(t, Filter{"payload.feeds.#.symbol": "BTC/USD"}.Match(ev))
	assert.True(t, Filter{"payload.feeds.#.isStale": true}.Match(ev))
	assert.False(t, Filter{"payload.chain": "polygon"}.Match(ev))
	assert.False(t, Filter{"payload.missing": "x"}.Match(ev))
}
