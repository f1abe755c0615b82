package oraclesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"oraclesync/internal/application/port"
	"oraclesync/internal/domain"
	"oraclesync/internal/infrastructure/metrics"
)

// Options 同步参数，零值在 withDefaults 中补齐
type Options struct {
	DefaultInterval        time.Duration
	MaxRetries             int // 单个 symbol 的总尝试次数
	RetryBase              time.Duration
	RetryMultiplier        float64
	MaxConsecutiveFailures int
	FetchConcurrency       int
	SyncTimeout            time.Duration
	DeviationAlertPercent  float64
	AssertionLookback      time.Duration
}

func (o Options) withDefaults() Options {
	if o.DefaultInterval <= 0 {
		o.DefaultInterval = time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryMultiplier < 1 {
		o.RetryMultiplier = 2
	}
	if o.MaxConsecutiveFailures <= 0 {
		o.MaxConsecutiveFailures = 5
	}
	if o.FetchConcurrency <= 0 {
		o.FetchConcurrency = 5
	}
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = time.Minute
	}
	if o.AssertionLookback <= 0 {
		o.AssertionLookback = 24 * time.Hour
	}
	return o
}

// Deps 同步器依赖；Reference/Events 可以为 nil
type Deps struct {
	Protocol  domain.Protocol
	Factory   port.ClientFactory
	Symbols   port.SymbolProvider
	Instances port.InstanceRepository
	States    port.SyncStateRepository
	Prices    port.PriceWriter
	Reference port.ReferenceSource
	Events    port.EventPublisher
	Options   Options
	Now       func() time.Time
}

// Orchestrator 一个协议的同步器：为每个启用实例维护一个轮询任务
type Orchestrator struct {
	deps Deps
	opts Options
	now  func() time.Time

	mu        sync.Mutex
	runners   map[string]*runner
	suspended map[string]struct{}
	closed    bool

	wg sync.WaitGroup
}

// runner 单个实例的运行状态
// syncing 是重入保护；cancel 非 nil 表示已调度
type runner struct {
	id      string
	syncing atomic.Bool

	// 以下字段由 Orchestrator.mu 保护
	inst   domain.SyncInstance
	client port.ProtocolClient
	cancel context.CancelFunc
	done   chan struct{}

	// 以下字段只在持有 syncing 时访问
	seen map[string]domain.AssertionStatus
}

// SyncStatus GetSyncStatus 的返回值
type SyncStatus struct {
	InstanceID  string            `json:"instanceId"`
	Protocol    domain.Protocol   `json:"protocol"`
	IsScheduled bool              `json:"isScheduled"`
	IsSyncing   bool              `json:"isSyncing"`
	Suspended   bool              `json:"suspended"`
	State       *domain.SyncState `json:"state,omitempty"`
}

func New(deps Deps) *Orchestrator {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		deps:      deps,
		opts:      deps.Options.withDefaults(),
		now:       now,
		runners:   make(map[string]*runner),
		suspended: make(map[string]struct{}),
	}
}

func (o *Orchestrator) Protocol() domain.Protocol { return o.deps.Protocol }

// StartAll 启动该协议全部启用实例，单个实例失败不影响其他实例
func (o *Orchestrator) StartAll(ctx context.Context) error {
	list, err := o.deps.Instances.ListInstances(ctx, o.deps.Protocol)
	if err != nil {
		return err
	}
	for _, inst := range list {
		if !inst.Enabled {
			continue
		}
		if err := o.StartSync(ctx, inst.ID); err != nil {
			log.Error().Err(err).Str("instance", inst.ID).Msg("start sync failed")
		}
	}
	return nil
}

// StartSync 为实例启动轮询
// 实例不存在、被禁用或已挂起时直接返回 nil；缺少 endpoint 等配置错误返回错误
func (o *Orchestrator) StartSync(ctx context.Context, id string) error {
	inst, ok, err := o.loadEnabled(ctx, id)
	if err != nil || !ok {
		return err
	}

	st, err := o.loadState(ctx, id)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return domain.ErrShutdown
	}
	if st.ConsecutiveFailures >= o.opts.MaxConsecutiveFailures {
		o.markSuspendedLocked(id, true)
		log.Warn().Str("instance", id).Int("failures", st.ConsecutiveFailures).Msg("instance suspended, enable it to resume")
		return nil
	}
	r := o.runnerLocked(id)
	if r.cancel != nil {
		return nil
	}
	if err := o.prepareLocked(r, *inst); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	o.wg.Add(1)
	go o.loop(loopCtx, r, r.done)

	log.Info().
		Str("instance", id).
		Str("protocol", string(inst.Protocol)).
		Str("chain", inst.Chain).
		Dur("interval", o.interval(*inst)).
		Msg("sync started")
	return nil
}

// StopSync 取消轮询定时器，正在进行的同步自然结束
func (o *Orchestrator) StopSync(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopLocked(id, "stopped")
}

// EnableInstance 外部重新启用：清零失败计数并重新调度
func (o *Orchestrator) EnableInstance(ctx context.Context, id string) error {
	inst, err := o.deps.Instances.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	if !inst.Enabled {
		inst.Enabled = true
		inst.UpdatedAt = o.now().UTC()
		if err := o.deps.Instances.SaveInstance(ctx, *inst); err != nil {
			return err
		}
	}

	st, err := o.loadState(ctx, id)
	if err != nil {
		return err
	}
	if st.ConsecutiveFailures > 0 {
		st.ConsecutiveFailures = 0
		st.ErrorMessage = ""
		st.UpdatedAt = o.now().UTC()
		if err := o.deps.States.SaveSyncState(ctx, *st); err != nil {
			return err
		}
	}
	o.mu.Lock()
	o.markSuspendedLocked(id, false)
	o.mu.Unlock()
	return o.StartSync(ctx, id)
}

// TriggerSync 手动执行一次同步；正在同步时返回 ErrSyncInProgress
func (o *Orchestrator) TriggerSync(ctx context.Context, id string) error {
	inst, ok, err := o.loadEnabled(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", id, domain.ErrInstanceDisabled)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return domain.ErrShutdown
	}
	r := o.runnerLocked(id)
	if r.client == nil || !r.inst.UpdatedAt.Equal(inst.UpdatedAt) {
		if err := o.prepareLocked(r, *inst); err != nil {
			o.mu.Unlock()
			return err
		}
	}
	o.wg.Add(1)
	o.mu.Unlock()
	defer o.wg.Done()

	if !o.runOnce(ctx, r) {
		return domain.ErrSyncInProgress
	}
	return nil
}

// GetSyncStatus 调度状态与持久化的同步状态
func (o *Orchestrator) GetSyncStatus(ctx context.Context, id string) (SyncStatus, error) {
	out := SyncStatus{InstanceID: id, Protocol: o.deps.Protocol}

	o.mu.Lock()
	if r, ok := o.runners[id]; ok {
		out.IsScheduled = r.cancel != nil
		out.IsSyncing = r.syncing.Load()
	}
	o.mu.Unlock()

	st, err := o.deps.States.GetSyncState(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return out, err
	default:
		out.State = st
		out.Suspended = st.ConsecutiveFailures >= o.opts.MaxConsecutiveFailures
	}
	return out, nil
}

// Statuses 全部已知实例的状态
func (o *Orchestrator) Statuses(ctx context.Context) ([]SyncStatus, error) {
	list, err := o.deps.Instances.ListInstances(ctx, o.deps.Protocol)
	if err != nil {
		return nil, err
	}
	out := make([]SyncStatus, 0, len(list))
	for _, inst := range list {
		st, err := o.GetSyncStatus(ctx, inst.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// CheckHealth 已调度实例的客户端健康
func (o *Orchestrator) CheckHealth(ctx context.Context) map[string]port.HealthReport {
	o.mu.Lock()
	clients := make(map[string]port.ProtocolClient, len(o.runners))
	for id, r := range o.runners {
		if r.cancel != nil && r.client != nil {
			clients[id] = r.client
		}
	}
	o.mu.Unlock()

	out := make(map[string]port.HealthReport, len(clients))
	for id, c := range clients {
		out[id] = c.CheckHealth(ctx)
	}
	return out
}

// Refresh 配置刷新：启动新启用的实例，停止已禁用或已删除的实例
func (o *Orchestrator) Refresh(ctx context.Context) error {
	list, err := o.deps.Instances.ListInstances(ctx, o.deps.Protocol)
	if err != nil {
		return err
	}
	wanted := make(map[string]bool, len(list))
	for _, inst := range list {
		wanted[inst.ID] = inst.Enabled
	}

	o.mu.Lock()
	for id, r := range o.runners {
		if r.cancel != nil && !wanted[id] {
			o.stopLocked(id, "disabled")
		}
	}
	o.mu.Unlock()

	for id, enabled := range wanted {
		if !enabled {
			continue
		}
		if err := o.StartSync(ctx, id); err != nil {
			log.Warn().Err(err).Str("instance", id).Msg("refresh: start sync failed")
		}
	}
	return nil
}

// Shutdown 停止全部轮询并等待在途同步结束；超时后返回仍在同步的实例
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for id, r := range o.runners {
		if r.cancel != nil {
			o.stopLocked(id, "shutdown")
		}
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		var pending []string
		o.mu.Lock()
		for id, r := range o.runners {
			if r.syncing.Load() {
				pending = append(pending, id)
			}
		}
		o.mu.Unlock()
		log.Warn().Str("protocol", string(o.deps.Protocol)).Strs("pending", pending).Msg("sync drain timed out")
		return fmt.Errorf("sync drain: %w", ctx.Err())
	}
}

func (o *Orchestrator) loadEnabled(ctx context.Context, id string) (*domain.SyncInstance, bool, error) {
	inst, err := o.deps.Instances.GetInstance(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		log.Debug().Str("instance", id).Msg("instance not found, skip")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if inst.Protocol != o.deps.Protocol {
		return nil, false, fmt.Errorf("instance %s belongs to %s: %w", id, inst.Protocol, domain.ErrUnknownProtocol)
	}
	if !inst.Enabled {
		log.Debug().Str("instance", id).Msg("instance disabled, skip")
		return nil, false, nil
	}
	return inst, true, nil
}

func (o *Orchestrator) loadState(ctx context.Context, id string) (*domain.SyncState, error) {
	st, err := o.deps.States.GetSyncState(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.SyncState{InstanceID: id, Status: domain.SyncStatusHealthy}, nil
	}
	return st, err
}

func (o *Orchestrator) runnerLocked(id string) *runner {
	r, ok := o.runners[id]
	if !ok {
		r = &runner{id: id, seen: make(map[string]domain.AssertionStatus)}
		o.runners[id] = r
	}
	return r
}

// prepareLocked 按实例配置（重新）创建客户端
func (o *Orchestrator) prepareLocked(r *runner, inst domain.SyncInstance) error {
	client, err := o.deps.Factory(inst)
	if err != nil {
		return fmt.Errorf("instance %s: %w", inst.ID, err)
	}
	r.inst = inst
	r.client = client
	return nil
}

func (o *Orchestrator) stopLocked(id, reason string) {
	r, ok := o.runners[id]
	if !ok || r.cancel == nil {
		return
	}
	r.cancel()
	r.cancel = nil
	log.Info().Str("instance", id).Str("reason", reason).Msg("sync stopped")
}

func (o *Orchestrator) interval(inst domain.SyncInstance) time.Duration {
	if inst.PollInterval > 0 {
		return inst.PollInterval
	}
	return o.opts.DefaultInterval
}

func (o *Orchestrator) markSuspendedLocked(id string, suspended bool) {
	if suspended {
		o.suspended[id] = struct{}{}
	} else {
		delete(o.suspended, id)
	}
	metrics.SetSuspended(string(o.deps.Protocol), len(o.suspended))
}

func (o *Orchestrator) publish(ctx context.Context, ev domain.Event) {
	if o.deps.Events == nil {
		return
	}
	o.deps.Events.Publish(ctx, ev)
}
