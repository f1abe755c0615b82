package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"oraclesync/internal/application/port"
	"oraclesync/internal/domain"
	"oraclesync/internal/infrastructure/metrics"
)

// webhook 请求头
const (
	HeaderWebhookID  = "X-Webhook-ID"
	HeaderEvent      = "X-Webhook-Event"
	HeaderSignature  = "X-Webhook-Signature"
	HeaderTimestamp  = "X-Webhook-Timestamp"
	HeaderRetryCount = "X-Webhook-Retry-Count"
)

type WebhookOptions struct {
	DefaultTimeout  time.Duration
	HistorySize     int // 每个 webhook 保留的投递记录数
	ResponseExcerpt int // 响应体摘录字节数
}

func (o WebhookOptions) withDefaults() WebhookOptions {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 10 * time.Second
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 100
	}
	if o.ResponseExcerpt <= 0 {
		o.ResponseExcerpt = 1024
	}
	return o
}

// WebhookDispatcher 订阅领域事件，向已注册的 webhook 投递签名请求
// 不同 webhook 之间并发且互不影响；统计在各自的锁下更新
type WebhookDispatcher struct {
	repo   port.WebhookRepository
	client *http.Client
	opts   WebhookOptions

	mu     sync.RWMutex
	hooks  map[string]*hookState
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type hookState struct {
	mu      sync.Mutex
	cfg     domain.WebhookConfig
	history []domain.WebhookDelivery // 环形缓冲
	next    int
}

// NewWebhookDispatcher repo 可以为 nil（只保留内存记录）
func NewWebhookDispatcher(repo port.WebhookRepository, opts WebhookOptions) *WebhookDispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &WebhookDispatcher{
		repo:   repo,
		client: &http.Client{},
		opts:   opts.withDefaults(),
		hooks:  make(map[string]*hookState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Load 从存储加载全部 webhook
func (d *WebhookDispatcher) Load(ctx context.Context) error {
	if d.repo == nil {
		return nil
	}
	list, err := d.repo.ListWebhooks(ctx)
	if err != nil {
		return err
	}
	for _, w := range list {
		d.Register(w)
	}
	log.Info().Int("webhooks", len(list)).Msg("webhooks loaded")
	return nil
}

// Register 新增或替换定义；已有的统计与投递记录保留
func (d *WebhookDispatcher) Register(w domain.WebhookConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.hooks[w.ID]; ok {
		h.mu.Lock()
		w.SuccessRate = h.cfg.SuccessRate
		w.TotalRequests = h.cfg.TotalRequests
		w.FailedRequests = h.cfg.FailedRequests
		w.LastError = h.cfg.LastError
		w.LastTriggeredAt = h.cfg.LastTriggeredAt
		h.cfg = w
		h.mu.Unlock()
		return
	}
	d.hooks[w.ID] = &hookState{cfg: w, history: make([]domain.WebhookDelivery, 0, d.opts.HistorySize)}
}

func (d *WebhookDispatcher) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.hooks, id)
}

// Webhook 当前定义与统计
func (d *WebhookDispatcher) Webhook(id string) (domain.WebhookConfig, bool) {
	d.mu.RLock()
	h, ok := d.hooks[id]
	d.mu.RUnlock()
	if !ok {
		return domain.WebhookConfig{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg, true
}

// Deliveries 最近的投递记录，新的在前
func (d *WebhookDispatcher) Deliveries(id string, limit int) []domain.WebhookDelivery {
	d.mu.RLock()
	h, ok := d.hooks[id]
	d.mu.RUnlock()
	if !ok {
		return nil
	}
	h.mu.Lock()
	out := append([]domain.WebhookDelivery(nil), h.history...)
	h.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Attempt > out[j].Attempt
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// HandleEvent 事件总线回调：为每个订阅该事件的启用 webhook 启动一次投递，立即返回
func (d *WebhookDispatcher) HandleEvent(_ context.Context, ev domain.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("event", string(ev.Type)).Msg("marshal webhook payload failed")
		return
	}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return
	}
	targets := make([]*hookState, 0, len(d.hooks))
	for _, h := range d.hooks {
		h.mu.Lock()
		ok := h.cfg.Enabled && h.cfg.Subscribes(ev.Type)
		h.mu.Unlock()
		if ok {
			targets = append(targets, h)
		}
	}
	d.wg.Add(len(targets))
	d.mu.RUnlock()

	for _, h := range targets {
		go func(h *hookState) {
			defer d.wg.Done()
			d.deliver(h, ev, body)
		}(h)
	}
}

// deliver 按重试策略投递，每次尝试记录一条 delivery
func (d *WebhookDispatcher) deliver(h *hookState, ev domain.Event, body []byte) {
	h.mu.Lock()
	cfg := h.cfg
	h.mu.Unlock()

	attempts := cfg.Retry.Attempts()
	var lastErr string
	success := false

	for attempt := 1; attempt <= attempts; attempt++ {
		rec := d.attempt(cfg, ev, body, attempt)
		switch {
		case rec.Status == domain.DeliverySuccess:
			success = true
		case attempt < attempts && d.ctx.Err() == nil:
			rec.Status = domain.DeliveryRetrying
		default:
			rec.Status = domain.DeliveryFailed
		}
		lastErr = rec.Error
		d.record(h, rec)
		metrics.RecordWebhookAttempt(string(rec.Status))

		if success || rec.Status == domain.DeliveryFailed {
			break
		}

		t := time.NewTimer(cfg.Retry.Delay(attempt))
		select {
		case <-d.ctx.Done():
			t.Stop()
		case <-t.C:
		}
		if d.ctx.Err() != nil {
			// 放弃的重试记一条终态 failed
			lastErr = "dispatcher closed before retry"
			d.record(h, d.abandoned(cfg, ev, attempt+1, lastErr))
			metrics.RecordWebhookAttempt(string(domain.DeliveryFailed))
			log.Warn().Str("webhook", cfg.ID).Str("event", ev.ID).Int("attempt", attempt+1).Msg("webhook retry abandoned on shutdown")
			break
		}
	}

	h.mu.Lock()
	h.cfg.RecordOutcome(success, lastErr, time.Now())
	stats := h.cfg
	h.mu.Unlock()

	if d.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.repo.UpdateWebhookStats(ctx, stats); err != nil {
			log.Error().Err(err).Str("webhook", cfg.ID).Msg("update webhook stats failed")
		}
	}
	if !success {
		log.Warn().Str("webhook", cfg.ID).Str("event", string(ev.Type)).Str("error", lastErr).Msg("webhook delivery failed")
	}
}

func (d *WebhookDispatcher) abandoned(cfg domain.WebhookConfig, ev domain.Event, attempt int, reason string) domain.WebhookDelivery {
	return domain.WebhookDelivery{
		ID:        uuid.NewString(),
		WebhookID: cfg.ID,
		EventID:   ev.ID,
		EventType: ev.Type,
		Status:    domain.DeliveryFailed,
		Attempt:   attempt,
		Error:     reason,
		CreatedAt: time.Now().UTC(),
	}
}

// attempt 发送一次请求；2xx 为成功，其余（含传输错误）由调用方决定是否重试
func (d *WebhookDispatcher) attempt(cfg domain.WebhookConfig, ev domain.Event, body []byte, attempt int) domain.WebhookDelivery {
	rec := domain.WebhookDelivery{
		ID:        uuid.NewString(),
		WebhookID: cfg.ID,
		EventID:   ev.ID,
		EventType: ev.Type,
		Status:    domain.DeliveryPending,
		Attempt:   attempt,
		CreatedAt: time.Now().UTC(),
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = d.opts.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(d.ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		rec.Error = err.Error()
		return rec
	}
	ts := strconv.FormatInt(start.Unix(), 10)
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderWebhookID, ev.ID)
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderRetryCount, strconv.Itoa(attempt-1))
	req.Header.Set(HeaderSignature, Sign(cfg.Secret, ev.ID, string(ev.Type), ts, body))

	resp, err := d.client.Do(req)
	rec.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		rec.Error = err.Error()
		return rec
	}
	defer resp.Body.Close()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, int64(d.opts.ResponseExcerpt)))
	_, _ = io.Copy(io.Discard, resp.Body)
	rec.StatusCode = resp.StatusCode
	rec.Response = string(excerpt)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		rec.Status = domain.DeliverySuccess
		return rec
	}
	rec.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	return rec
}

// record 写入内存环形缓冲并持久化
func (d *WebhookDispatcher) record(h *hookState, rec domain.WebhookDelivery) {
	h.mu.Lock()
	if len(h.history) < d.opts.HistorySize {
		h.history = append(h.history, rec)
	} else {
		h.history[h.next] = rec
		h.next = (h.next + 1) % d.opts.HistorySize
	}
	h.mu.Unlock()

	if d.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.repo.InsertDelivery(ctx, rec, d.opts.HistorySize); err != nil {
		log.Error().Err(err).Str("webhook", rec.WebhookID).Msg("insert webhook delivery failed")
	}
}

// Close 不再接收新事件，等待在途投递结束；ctx 到期后中止剩余请求与重试
func (d *WebhookDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return fmt.Errorf("webhook drain: %w", ctx.Err())
	}
}

// Wait 等待当前全部投递结束（不中止重试）
func (d *WebhookDispatcher) Wait() { d.wg.Wait() }

// Sign HMAC-SHA256(secret, id.event.timestamp.body) 的 hex
func Sign(secret, id, event, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(id + "." + event + "." + timestamp + "."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
