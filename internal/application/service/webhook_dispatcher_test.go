package service

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oraclesync/internal/domain"
)

type memWebhooks struct {
	mu         sync.Mutex
	hooks      map[string]domain.WebhookConfig
	deliveries []domain.WebhookDelivery
}

func newMemWebhooks() *memWebhooks {
	return &memWebhooks{hooks: map[string]domain.WebhookConfig{}}
}

func (m *memWebhooks) ListWebhooks(context.Context) ([]domain.WebhookConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WebhookConfig
	for _, w := range m.hooks {
		out = append(out, w)
	}
	return out, nil
}

func (m *memWebhooks) GetWebhook(_ context.Context, id string) (*domain.WebhookConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.hooks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &w, nil
}

func (m *memWebhooks) SaveWebhook(_ context.Context, w domain.WebhookConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[w.ID] = w
	return nil
}

func (m *memWebhooks) UpdateWebhookStats(ctx context.Context, w domain.WebhookConfig) error {
	return m.SaveWebhook(ctx, w)
}

func (m *memWebhooks) InsertDelivery(_ context.Context, d domain.WebhookDelivery, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, d)
	var mine []int
	for i, x := range m.deliveries {
		if x.WebhookID == d.WebhookID {
			mine = append(mine, i)
		}
	}
	if len(mine) > keep {
		drop := map[int]bool{}
		for _, i := range mine[:len(mine)-keep] {
			drop[i] = true
		}
		kept := m.deliveries[:0]
		for i, x := range m.deliveries {
			if !drop[i] {
				kept = append(kept, x)
			}
		}
		m.deliveries = kept
	}
	return nil
}

func (m *memWebhooks) ListDeliveries(_ context.Context, id string, limit int) ([]domain.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WebhookDelivery
	for i := len(m.deliveries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.deliveries[i].WebhookID == id {
			out = append(out, m.deliveries[i])
		}
	}
	return out, nil
}

func hook(id, url string, retry domain.RetryPolicy, events ...domain.EventType) domain.WebhookConfig {
	return domain.WebhookConfig{
		ID:      id,
		URL:     url,
		Secret:  "s3cret",
		Events:  events,
		Enabled: true,
		Headers: map[string]string{"X-Tenant": "desk-1"},
		Timeout: time.Second,
		Retry:   retry,
	}
}

func TestWebhookRetriesWithBackoff(t *testing.T) {
	var (
		mu    sync.Mutex
		times []time.Time
		retry []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		times = append(times, time.Now())
		retry = append(retry, r.Header.Get(HeaderRetryCount))
		mu.Unlock()
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	repo := newMemWebhooks()
	d := NewWebhookDispatcher(repo, WebhookOptions{})
	d.Register(hook("wh-1", srv.URL, domain.RetryPolicy{MaxRetries: 3, RetryInterval: 100 * time.Millisecond, BackoffMultiplier: 2}))

	d.HandleEvent(context.Background(), domain.NewEvent(domain.EventSyncCompleted, "chainlink-ethereum", "chainlink", nil))
	d.Wait()

	require.Len(t, times, 3)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 100*time.Millisecond)
	assert.GreaterOrEqual(t, times[2].Sub(times[1]), 200*time.Millisecond)
	assert.Equal(t, []string{"0", "1", "2"}, retry)

	history := d.Deliveries("wh-1", 0)
	require.Len(t, history, 3)
	assert.Equal(t, domain.DeliveryFailed, history[0].Status)
	assert.Equal(t, 3, history[0].Attempt)
	assert.Equal(t, http.StatusInternalServerError, history[0].StatusCode)
	assert.Contains(t, history[0].Response, "boom")
	assert.Equal(t, domain.DeliveryRetrying, history[1].Status)
	assert.Equal(t, domain.DeliveryRetrying, history[2].Status)

	w, ok := d.Webhook("wh-1")
	require.True(t, ok)
	assert.Equal(t, int64(1), w.TotalRequests)
	assert.Equal(t, int64(1), w.FailedRequests)
	assert.Equal(t, 0.0, w.SuccessRate)
	assert.Contains(t, w.LastError, "500")

	stored, err := repo.GetWebhook(context.Background(), "wh-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.FailedRequests)
	assert.Len(t, repo.deliveries, 3)
}

func TestWebhookSignatureAndHeaders(t *testing.T) {
	got := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- r
		bodies <- b
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(nil, WebhookOptions{})
	d.Register(hook("wh-sig", srv.URL, domain.DefaultRetryPolicy()))

	ev := domain.NewEvent(domain.EventPriceSettled, "uma-ethereum", "uma", map[string]string{"id": "req-1"})
	d.HandleEvent(context.Background(), ev)
	d.Wait()

	r := <-got
	body := <-bodies
	assert.Equal(t, ev.ID, r.Header.Get(HeaderWebhookID))
	assert.Equal(t, "price:settled", r.Header.Get(HeaderEvent))
	assert.Equal(t, "desk-1", r.Header.Get("X-Tenant"))
	assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
	want := Sign("s3cret", ev.ID, "price:settled", r.Header.Get(HeaderTimestamp), body)
	assert.Equal(t, want, r.Header.Get(HeaderSignature))
	assert.Len(t, want, 64)

	w, _ := d.Webhook("wh-sig")
	assert.Equal(t, 100.0, w.SuccessRate)
	h := d.Deliveries("wh-sig", 10)
	require.Len(t, h, 1)
	assert.Equal(t, domain.DeliverySuccess, h[0].Status)
}

func TestWebhooksDeliverIndependently(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer slow.Close()

	arrived := make(chan time.Time, 1)
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- time.Now()
		w.WriteHeader(http.StatusOK)
	}))
	defer fast.Close()

	d := NewWebhookDispatcher(nil, WebhookOptions{})
	d.Register(hook("failing", slow.URL, domain.RetryPolicy{MaxRetries: 3, RetryInterval: 300 * time.Millisecond, BackoffMultiplier: 2}))
	d.Register(hook("healthy", fast.URL, domain.DefaultRetryPolicy()))

	start := time.Now()
	d.HandleEvent(context.Background(), domain.NewEvent(domain.EventAlertTriggered, "", "", nil))

	select {
	case at := <-arrived:
		assert.Less(t, at.Sub(start), 250*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("healthy webhook was not delivered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// failing 仍在退避中，Close 超时后中止
	assert.Error(t, d.Close(ctx))

	w, _ := d.Webhook("failing")
	assert.Equal(t, int64(1), w.FailedRequests)

	// 被中止的重试以 failed 收尾
	history := d.Deliveries("failing", 0)
	require.Len(t, history, 2)
	assert.Equal(t, domain.DeliveryFailed, history[0].Status)
	assert.Equal(t, 2, history[0].Attempt)
	assert.Contains(t, history[0].Error, "dispatcher closed")
	assert.Equal(t, domain.DeliveryRetrying, history[1].Status)
	assert.Equal(t, w.LastError, history[0].Error)
}

func TestWebhookEventFilter(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(nil, WebhookOptions{})
	d.Register(hook("only-sync", srv.URL, domain.DefaultRetryPolicy(), domain.EventSyncCompleted))
	disabled := hook("disabled", srv.URL, domain.DefaultRetryPolicy())
	disabled.Enabled = false
	d.Register(disabled)

	d.HandleEvent(context.Background(), domain.NewEvent(domain.EventAlertTriggered, "", "", nil))
	d.HandleEvent(context.Background(), domain.NewEvent(domain.EventSyncCompleted, "", "", nil))
	d.Wait()

	assert.Equal(t, 1, calls)
}

func TestWebhookHistoryRingBuffer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := newMemWebhooks()
	d := NewWebhookDispatcher(repo, WebhookOptions{HistorySize: 3})
	d.Register(hook("ring", srv.URL, domain.DefaultRetryPolicy()))

	var ids []string
	for i := 0; i < 5; i++ {
		ev := domain.NewEvent(domain.EventSyncCompleted, "", "", i)
		ids = append(ids, ev.ID)
		d.HandleEvent(context.Background(), ev)
		d.Wait()
		time.Sleep(2 * time.Millisecond)
	}

	h := d.Deliveries("ring", 0)
	require.Len(t, h, 3)
	assert.Equal(t, ids[4], h[0].EventID)
	assert.Equal(t, ids[2], h[2].EventID)
	assert.Len(t, repo.deliveries, 3)

	w, _ := d.Webhook("ring")
	assert.Equal(t, int64(5), w.TotalRequests)
}

func TestRegisterKeepsStats(t *testing.T) {
	d := NewWebhookDispatcher(nil, WebhookOptions{})
	w := hook("keep", "http://example.invalid", domain.DefaultRetryPolicy())
	w.TotalRequests = 10
	w.SuccessRate = 90
	d.Register(w)

	redefined := hook("keep", "http://example.invalid/v2", domain.DefaultRetryPolicy())
	d.Register(redefined)

	got, ok := d.Webhook("keep")
	require.True(t, ok)
	assert.Equal(t, "http://example.invalid/v2", got.URL)
	assert.Equal(t, int64(10), got.TotalRequests)
	assert.Equal(t, 90.0, got.SuccessRate)
}
