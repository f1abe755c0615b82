package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oraclesync/internal/domain"
)

type inbox struct {
	mu   sync.Mutex
	msgs []ServerMessage
}

func (b *inbox) add(m ServerMessage) {
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
}

func (b *inbox) count(typ string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func TestClientRejoinsAfterDisconnect(t *testing.T) {
	h, url := startHub(t, Options{})
	c := NewClient(url, ClientOptions{Retry: RetryConfig{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}})
	require.NoError(t, c.Join(domain.RoomPrices))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	box := &inbox{}
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, box.add) }()

	require.Eventually(t, func() bool { return h.Stats().Rooms[domain.RoomPrices] == 1 }, 2*time.Second, 10*time.Millisecond)
	first := h.Stats()

	var socketID string
	box.mu.Lock()
	for _, m := range box.msgs {
		if m.Type == MsgConnected {
			socketID = m.SocketID
		}
	}
	box.mu.Unlock()
	require.NotEmpty(t, socketID)
	require.True(t, h.Disconnect(socketID))

	require.Eventually(t, func() bool { return box.count(MsgConnected) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		st := h.Stats()
		return st.Connections == first.Connections && st.Rooms[domain.RoomPrices] == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.Publish(domain.RoomPrices, json.RawMessage(`{"seq":1}`), "")
	require.Eventually(t, func() bool { return box.count(MsgEvent) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
	}
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws", ClientOptions{Retry: RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}})
	err := c.Run(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistentDisconnect))
}

func TestClientBacksOffOnFlappingServer(t *testing.T) {
	var accepted atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted.Add(1)
		_ = ws.Close()
	}))
	defer srv.Close()

	c := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), ClientOptions{
		Retry: RetryConfig{MaxAttempts: 3, InitialDelay: 20 * time.Millisecond, MaxDelay: 100 * time.Millisecond},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	err := c.Run(ctx, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistentDisconnect)
	assert.Equal(t, int32(3), accepted.Load())
	// 两次退避：20ms + 40ms
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestClientPublishRequiresConnection(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/ws", ClientOptions{})
	assert.ErrorIs(t, c.Publish("desk", map[string]string{"a": "b"}), ErrNotConnected)
}

func TestRetryDelayCapped(t *testing.T) {
	r := RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, r.delay(1))
	assert.Equal(t, 400*time.Millisecond, r.delay(3))
	assert.Equal(t, time.Second, r.delay(10))
}
