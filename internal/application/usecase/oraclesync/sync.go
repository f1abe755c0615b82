package oraclesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"oraclesync/internal/application/port"
	"oraclesync/internal/domain"
	dsvc "oraclesync/internal/domain/service"
	"oraclesync/internal/infrastructure/metrics"
)

// bookkeepingTimeout 同步结束后读写状态、发布事件的期限
const bookkeepingTimeout = 5 * time.Second

// syncResult 一次同步采集到的数据，持久化成功后才提交 seen 并发布事件
type syncResult struct {
	requested  int
	feeds      []domain.PriceFeed
	failed     []string
	stored     int
	assertions int
	events     []domain.Event
	seen       map[string]domain.AssertionStatus
}

func (o *Orchestrator) syncInstance(ctx context.Context, r *runner) {
	inst, client, ok := o.refreshRunner(ctx, r)
	if !ok {
		return
	}

	start := time.Now()
	res, err := o.collect(ctx, r, inst, client)

	// 采集可能因超时失败，状态记账与事件使用独立的期限
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	if err != nil {
		o.fail(bctx, inst, time.Since(start), err)
		return
	}
	o.succeed(bctx, r, inst, time.Since(start), res)
}

// refreshRunner 每次同步前重新读取实例配置；被删除或禁用时停止轮询，配置变化时重建客户端
func (o *Orchestrator) refreshRunner(ctx context.Context, r *runner) (domain.SyncInstance, port.ProtocolClient, bool) {
	inst, err := o.deps.Instances.GetInstance(ctx, r.id)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && !inst.Enabled) {
		o.mu.Lock()
		o.stopLocked(r.id, "disabled")
		o.mu.Unlock()
		return domain.SyncInstance{}, nil, false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		// 读取失败时沿用上一次的配置
		log.Warn().Err(err).Str("instance", r.id).Msg("reload instance failed, using cached config")
		return r.inst, r.client, r.client != nil
	}
	if r.client == nil || !r.inst.UpdatedAt.Equal(inst.UpdatedAt) {
		if err := o.prepareLocked(r, *inst); err != nil {
			log.Error().Err(err).Str("instance", r.id).Msg("instance misconfigured, sync stopped")
			o.stopLocked(r.id, "misconfigured")
			return domain.SyncInstance{}, nil, false
		}
	}
	return r.inst, r.client, true
}

// collect 按能力分支：价格 feed 轮询、断言查询；然后计算过期与偏离并持久化
func (o *Orchestrator) collect(ctx context.Context, r *runner, inst domain.SyncInstance, client port.ProtocolClient) (*syncResult, error) {
	res := &syncResult{}
	caps := client.Capabilities()

	if caps.PriceFeeds {
		symbols, err := o.deps.Symbols.Symbols(ctx, inst)
		if err != nil {
			return nil, fmt.Errorf("resolve symbols: %w", err)
		}
		res.requested = len(symbols)
		feeds, failed, err := o.fetchFeeds(ctx, client, caps, symbols)
		if err != nil {
			return nil, err
		}
		res.feeds, res.failed = feeds, failed
	}

	if caps.Assertions {
		if err := o.collectAssertions(ctx, r, inst, client, res); err != nil {
			return nil, err
		}
	}

	o.annotate(ctx, inst, res.feeds)

	if len(res.feeds) > 0 {
		n, err := o.deps.Prices.UpsertFeeds(ctx, res.feeds)
		if err != nil {
			return nil, fmt.Errorf("persist feeds: %w", err)
		}
		res.stored = n
	}
	return res, nil
}

// fetchFeeds 支持批量查询的协议一次取回，否则按 symbol 并发拉取（上限 FetchConcurrency）
// 单个 symbol 失败只记录；全部失败且存在重试耗尽的错误时整次同步失败
func (o *Orchestrator) fetchFeeds(ctx context.Context, client port.ProtocolClient, caps port.Capabilities, symbols []string) ([]domain.PriceFeed, []string, error) {
	if len(symbols) == 0 {
		return nil, nil, nil
	}

	if caps.BatchQueries {
		var all []domain.PriceFeed
		err := o.retry(ctx, "*", func(ctx context.Context) error {
			var err error
			all, err = client.FetchAllFeeds(ctx)
			return err
		})
		if err != nil {
			return nil, nil, err
		}
		feeds, failed := pick(all, symbols)
		return feeds, failed, nil
	}

	var (
		mu     sync.Mutex
		feeds  []domain.PriceFeed
		failed []string
		hard   error
	)
	var g errgroup.Group
	g.SetLimit(o.opts.FetchConcurrency)
	for _, sym := range symbols {
		g.Go(func() error {
			var f *domain.PriceFeed
			err := o.retry(ctx, sym, func(ctx context.Context) error {
				var err error
				f, err = client.FetchPrice(ctx, sym)
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, sym)
				var fe *domain.FetchError
				if errors.As(err, &fe) && hard == nil {
					hard = err
				}
				log.Warn().Err(err).Str("protocol", string(client.Protocol())).Str("chain", client.Chain()).Str("symbol", sym).Msg("fetch price failed, symbol skipped")
				return nil
			}
			feeds = append(feeds, *f)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(feeds, func(i, j int) bool { return feeds[i].Symbol < feeds[j].Symbol })
	sort.Strings(failed)
	if len(feeds) == 0 && hard != nil {
		return nil, failed, fmt.Errorf("all %d symbols failed: %w", len(symbols), hard)
	}
	return feeds, failed, nil
}

// pick 批量结果中只保留请求的 symbol，缺失的记为失败
func pick(all []domain.PriceFeed, symbols []string) (feeds []domain.PriceFeed, failed []string) {
	bySymbol := make(map[string]domain.PriceFeed, len(all))
	for _, f := range all {
		bySymbol[f.Symbol] = f
	}
	for _, sym := range symbols {
		if f, ok := bySymbol[domain.NormalizeSymbol(sym)]; ok {
			feeds = append(feeds, f)
		} else {
			failed = append(failed, sym)
		}
	}
	return feeds, failed
}

// retry 可重试错误按 base * multiplier^(attempt-1) 退避，MaxRetries 为总尝试次数
// 数据错误与配置错误立即返回
func (o *Orchestrator) retry(ctx context.Context, symbol string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= o.opts.MaxRetries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !domain.IsRetryable(err) {
			return err
		}
		if attempt == o.opts.MaxRetries {
			break
		}

		delay := domain.BackoffDelay(o.opts.RetryBase, o.opts.RetryMultiplier, attempt)
		log.Debug().Err(err).Str("symbol", symbol).Int("attempt", attempt).Dur("delay", delay).Msg("fetch retry")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return &domain.FetchError{Symbol: symbol, Attempts: attempt, Err: ctx.Err()}
		case <-t.C:
		}
	}
	return &domain.FetchError{Symbol: symbol, Attempts: o.opts.MaxRetries, Err: err}
}

// collectAssertions 滑动窗口查询断言，状态变化产生事件，已结算的转为价格记录
func (o *Orchestrator) collectAssertions(ctx context.Context, r *runner, inst domain.SyncInstance, client port.ProtocolClient, res *syncResult) error {
	since := o.now().Add(-o.opts.AssertionLookback)
	var list []domain.Assertion
	err := o.retry(ctx, "assertions", func(ctx context.Context) error {
		var err error
		list, err = client.FetchAssertions(ctx, since)
		return err
	})
	if err != nil {
		return err
	}

	source := string(inst.Protocol)
	res.assertions = len(list)
	res.seen = make(map[string]domain.AssertionStatus, len(list))
	for _, a := range list {
		res.seen[a.ID] = a.Status
		if prev, ok := r.seen[a.ID]; ok && prev == a.Status {
			continue
		}
		switch a.Status {
		case domain.AssertionProposed:
			res.events = append(res.events, domain.NewEvent(domain.EventPriceProposed, inst.ID, source, a))
		case domain.AssertionDisputed:
			res.events = append(res.events, domain.NewEvent(domain.EventAlertTriggered, inst.ID, source, domain.AlertPayload{
				Kind:     domain.AlertDispute,
				Protocol: inst.Protocol,
				Chain:    inst.Chain,
				Symbol:   a.Identifier,
				Message:  fmt.Sprintf("assertion %s disputed by %s", a.ID, a.Disputer),
			}))
		case domain.AssertionSettled:
			res.events = append(res.events, domain.NewEvent(domain.EventPriceSettled, inst.ID, source, a))
			if f, ok := a.Feed(); ok {
				res.feeds = append(res.feeds, f)
			}
		}
	}
	return nil
}

// annotate 持久化之前计算过期与偏离，参考价查不到时偏离为 0
func (o *Orchestrator) annotate(ctx context.Context, inst domain.SyncInstance, feeds []domain.PriceFeed) {
	now := o.now()
	threshold := inst.Threshold()
	for i := range feeds {
		ref := decimal.Zero
		if o.deps.Reference != nil {
			p, ok, err := o.deps.Reference.ReferencePrice(ctx, feeds[i])
			if err != nil {
				log.Debug().Err(err).Str("symbol", feeds[i].Symbol).Msg("reference price unavailable")
			} else if ok {
				ref = p
			}
		}
		dsvc.Annotate(&feeds[i], now, threshold, ref)
	}
}

func (o *Orchestrator) succeed(ctx context.Context, r *runner, inst domain.SyncInstance, dur time.Duration, res *syncResult) {
	status := domain.SyncStatusHealthy
	if len(res.failed) > 0 {
		status = domain.SyncStatusDegraded
	}

	st, err := o.loadState(ctx, inst.ID)
	if err != nil {
		log.Error().Err(err).Str("instance", inst.ID).Msg("load sync state failed")
		st = &domain.SyncState{InstanceID: inst.ID}
	}
	st.MarkSuccess(o.now(), dur, status)
	if err := o.deps.States.SaveSyncState(ctx, *st); err != nil {
		log.Error().Err(err).Str("instance", inst.ID).Msg("save sync state failed")
	}
	if res.seen != nil {
		r.seen = res.seen
	}

	o.mu.Lock()
	if _, ok := o.suspended[inst.ID]; ok {
		o.markSuspendedLocked(inst.ID, false)
	}
	o.mu.Unlock()

	stale := 0
	for _, f := range res.feeds {
		if f.IsStale {
			stale++
		}
	}
	metrics.RecordSync(string(inst.Protocol), true, dur)
	metrics.AddFeedsStored(string(inst.Protocol), inst.Chain, res.stored)
	metrics.AddStaleFeeds(string(inst.Protocol), inst.Chain, stale)

	for _, ev := range res.events {
		o.publish(ctx, ev)
	}
	if len(res.feeds) > 0 || res.requested > 0 {
		o.publish(ctx, domain.NewEvent(domain.EventSyncCompleted, inst.ID, string(inst.Protocol), domain.SyncCompletedPayload{
			Protocol:      inst.Protocol,
			Chain:         inst.Chain,
			Feeds:         res.feeds,
			Requested:     res.requested,
			Fetched:       len(res.feeds),
			Stored:        res.stored,
			FailedSymbols: res.failed,
			DurationMs:    dur.Milliseconds(),
		}))
	}
	o.alerts(ctx, inst, res.feeds)

	log.Info().
		Str("instance", inst.ID).
		Str("status", string(status)).
		Int("fetched", len(res.feeds)).
		Int("stored", res.stored).
		Int("failed", len(res.failed)).
		Int("stale", stale).
		Int("assertions", res.assertions).
		Dur("took", dur).
		Msg("sync completed")
}

// alerts 偏离超过阈值或过期的 feed 各产生一条告警
func (o *Orchestrator) alerts(ctx context.Context, inst domain.SyncInstance, feeds []domain.PriceFeed) {
	for _, f := range feeds {
		if dsvc.ExceedsDeviation(f.Deviation, o.opts.DeviationAlertPercent) {
			o.publish(ctx, domain.NewEvent(domain.EventAlertTriggered, inst.ID, string(inst.Protocol), domain.AlertPayload{
				Kind:      domain.AlertDeviation,
				Protocol:  f.Protocol,
				Chain:     f.Chain,
				Symbol:    f.Symbol,
				Message:   fmt.Sprintf("%s deviated %.2f%% from reference", f.Symbol, f.Deviation),
				Value:     f.Deviation,
				Threshold: o.opts.DeviationAlertPercent,
			}))
		}
		if f.IsStale {
			o.publish(ctx, domain.NewEvent(domain.EventAlertTriggered, inst.ID, string(inst.Protocol), domain.AlertPayload{
				Kind:      domain.AlertStale,
				Protocol:  f.Protocol,
				Chain:     f.Chain,
				Symbol:    f.Symbol,
				Message:   fmt.Sprintf("%s is %ds old", f.Symbol, f.StalenessSeconds),
				Value:     float64(f.StalenessSeconds),
				Threshold: inst.Threshold().Seconds(),
			}))
		}
	}
}

// fail 失败计数 +1；达到上限时挂起实例，直到外部重新启用
func (o *Orchestrator) fail(ctx context.Context, inst domain.SyncInstance, dur time.Duration, cause error) {
	st, err := o.loadState(ctx, inst.ID)
	if err != nil {
		log.Error().Err(err).Str("instance", inst.ID).Msg("load sync state failed")
		st = &domain.SyncState{InstanceID: inst.ID}
	}
	st.MarkFailure(o.now(), dur, cause)
	if err := o.deps.States.SaveSyncState(ctx, *st); err != nil {
		log.Error().Err(err).Str("instance", inst.ID).Msg("save sync state failed")
	}
	suspend := st.ConsecutiveFailures >= o.opts.MaxConsecutiveFailures

	metrics.RecordSync(string(inst.Protocol), false, dur)
	o.publish(ctx, domain.NewEvent(domain.EventSyncFailed, inst.ID, string(inst.Protocol), domain.SyncFailedPayload{
		Protocol:            inst.Protocol,
		Chain:               inst.Chain,
		Error:               cause.Error(),
		ConsecutiveFailures: st.ConsecutiveFailures,
		Suspended:           suspend,
		DurationMs:          dur.Milliseconds(),
	}))

	log.Error().
		Err(cause).
		Str("instance", inst.ID).
		Int("failures", st.ConsecutiveFailures).
		Dur("took", dur).
		Msg("sync failed")

	if !suspend {
		return
	}
	o.mu.Lock()
	o.stopLocked(inst.ID, "suspended")
	o.markSuspendedLocked(inst.ID, true)
	o.mu.Unlock()

	o.publish(ctx, domain.NewEvent(domain.EventAlertTriggered, inst.ID, string(inst.Protocol), domain.AlertPayload{
		Kind:      domain.AlertSuspended,
		Protocol:  inst.Protocol,
		Chain:     inst.Chain,
		Message:   fmt.Sprintf("instance %s suspended after %d consecutive failures", inst.ID, st.ConsecutiveFailures),
		Value:     float64(st.ConsecutiveFailures),
		Threshold: float64(o.opts.MaxConsecutiveFailures),
	}))
}
