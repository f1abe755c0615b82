package oraclesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oraclesync/internal/application/port"
	"oraclesync/internal/domain"
)

var errUpstream = errors.New("upstream timeout")

type fakeClient struct {
	caps       port.Capabilities
	mu         sync.Mutex
	calls      map[string]int
	price      func(ctx context.Context, symbol string) (*domain.PriceFeed, error)
	assertions func() ([]domain.Assertion, error)
}

func newFakeClient(price func(ctx context.Context, symbol string) (*domain.PriceFeed, error)) *fakeClient {
	return &fakeClient{
		caps:  port.Capabilities{PriceFeeds: true},
		calls: make(map[string]int),
		price: price,
	}
}

func (c *fakeClient) Protocol() domain.Protocol { return domain.ProtocolChainlink }
func (c *fakeClient) Chain() string             { return "ethereum" }

func (c *fakeClient) FetchPrice(ctx context.Context, symbol string) (*domain.PriceFeed, error) {
	c.mu.Lock()
	c.calls[symbol]++
	c.mu.Unlock()
	return c.price(ctx, symbol)
}

func (c *fakeClient) FetchAllFeeds(context.Context) ([]domain.PriceFeed, error) { return nil, nil }

func (c *fakeClient) FetchAssertions(context.Context, time.Time) ([]domain.Assertion, error) {
	if c.assertions == nil {
		return nil, nil
	}
	return c.assertions()
}

func (c *fakeClient) CheckHealth(context.Context) port.HealthReport {
	return port.HealthReport{Status: port.HealthHealthy}
}

func (c *fakeClient) Capabilities() port.Capabilities { return c.caps }

func (c *fakeClient) count(symbol string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[symbol]
}

func okPrice(price string) func(context.Context, string) (*domain.PriceFeed, error) {
	return func(_ context.Context, symbol string) (*domain.PriceFeed, error) {
		f := domain.NewPriceFeedFromDecimal(domain.ProtocolChainlink, "ethereum", symbol, decimal.RequireFromString(price), 8, time.Now())
		return &f, nil
	}
}

type memInstances struct {
	mu sync.Mutex
	m  map[string]domain.SyncInstance
}

func (r *memInstances) ListInstances(_ context.Context, p domain.Protocol) ([]domain.SyncInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SyncInstance
	for _, inst := range r.m {
		if p == "" || inst.Protocol == p {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (r *memInstances) GetInstance(_ context.Context, id string) (*domain.SyncInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.m[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &inst, nil
}

func (r *memInstances) SaveInstance(_ context.Context, inst domain.SyncInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[inst.ID] = inst
	return nil
}

type memStates struct {
	mu sync.Mutex
	m  map[string]domain.SyncState
}

func (r *memStates) GetSyncState(ctx context.Context, id string) (*domain.SyncState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.m[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &st, nil
}

func (r *memStates) SaveSyncState(ctx context.Context, st domain.SyncState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[st.InstanceID] = st
	return nil
}

func (r *memStates) ListSyncStates(context.Context) ([]domain.SyncState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SyncState
	for _, st := range r.m {
		out = append(out, st)
	}
	return out, nil
}

type memPrices struct {
	mu      sync.Mutex
	feeds   []domain.PriceFeed
	batches int
	err     error
}

func (r *memPrices) UpsertFeeds(_ context.Context, feeds []domain.PriceFeed) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	r.batches++
	r.feeds = append(r.feeds, feeds...)
	return len(feeds), nil
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(t domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type staticSymbols []string

func (s staticSymbols) Symbols(context.Context, domain.SyncInstance) ([]string, error) {
	return s, nil
}

type fixedReference struct{ price decimal.Decimal }

func (f fixedReference) ReferencePrice(context.Context, domain.PriceFeed) (decimal.Decimal, bool, error) {
	return f.price, true, nil
}

type fixture struct {
	orc       *Orchestrator
	client    *fakeClient
	instances *memInstances
	states    *memStates
	prices    *memPrices
	events    *recorder
}

func newFixture(t *testing.T, client *fakeClient, symbols []string, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		client: client,
		instances: &memInstances{m: map[string]domain.SyncInstance{
			"chainlink-ethereum": {
				ID:           "chainlink-ethereum",
				Protocol:     domain.ProtocolChainlink,
				Chain:        "ethereum",
				Endpoint:     "http://node",
				Enabled:      true,
				PollInterval: 10 * time.Millisecond,
			},
		}},
		states: &memStates{m: map[string]domain.SyncState{}},
		prices: &memPrices{},
		events: &recorder{},
	}
	if opts.RetryBase == 0 {
		opts.RetryBase = time.Millisecond
	}
	f.orc = New(Deps{
		Protocol:  domain.ProtocolChainlink,
		Factory:   func(domain.SyncInstance) (port.ProtocolClient, error) { return client, nil },
		Symbols:   staticSymbols(symbols),
		Instances: f.instances,
		States:    f.states,
		Prices:    f.prices,
		Events:    f.events,
		Options:   opts,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.orc.Shutdown(ctx)
	})
	return f
}

func TestTriggerSyncPersistsAndEmits(t *testing.T) {
	f := newFixture(t, newFakeClient(okPrice("3500.50")), []string{"ETH/USD", "BTC/USD"}, Options{})
	ctx := context.Background()

	require.NoError(t, f.orc.TriggerSync(ctx, "chainlink-ethereum"))

	require.Len(t, f.prices.feeds, 2)
	assert.Equal(t, "350050000000", f.prices.feeds[0].PriceRaw.String())
	assert.Equal(t, "3500.5", f.prices.feeds[0].Price.String())

	st, err := f.orc.GetSyncStatus(ctx, "chainlink-ethereum")
	require.NoError(t, err)
	require.NotNil(t, st.State)
	assert.Equal(t, domain.SyncStatusHealthy, st.State.Status)
	assert.Equal(t, 0, st.State.ConsecutiveFailures)
	assert.NotNil(t, st.State.LastSyncAt)
	assert.False(t, st.IsScheduled)

	completed := f.events.ofType(domain.EventSyncCompleted)
	require.Len(t, completed, 1)
	payload := completed[0].Payload.(domain.SyncCompletedPayload)
	assert.Equal(t, 2, payload.Fetched)
	assert.Equal(t, 2, payload.Stored)
	assert.Empty(t, payload.FailedSymbols)
	assert.Equal(t, "chainlink-ethereum", completed[0].InstanceID)
}

func TestOverlappingSyncIsSkipped(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	client := newFakeClient(func(ctx context.Context, symbol string) (*domain.PriceFeed, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return okPrice("1")(ctx, symbol)
	})
	f := newFixture(t, client, []string{"ETH/USD"}, Options{})
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- f.orc.TriggerSync(ctx, "chainlink-ethereum") }()
	<-started

	err := f.orc.TriggerSync(ctx, "chainlink-ethereum")
	assert.ErrorIs(t, err, domain.ErrSyncInProgress)

	st, err := f.orc.GetSyncStatus(ctx, "chainlink-ethereum")
	require.NoError(t, err)
	assert.True(t, st.IsSyncing)

	close(release)
	require.NoError(t, <-errc)
	assert.Equal(t, 1, client.count("ETH/USD"))
	assert.Equal(t, 1, f.prices.batches)
}

func TestSuspendAfterConsecutiveFailures(t *testing.T) {
	var mu sync.Mutex
	failing := true
	client := newFakeClient(func(ctx context.Context, symbol string) (*domain.PriceFeed, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return nil, errUpstream
		}
		return okPrice("2")(ctx, symbol)
	})
	f := newFixture(t, client, []string{"ETH/USD"}, Options{MaxRetries: 1, MaxConsecutiveFailures: 3})
	ctx := context.Background()

	require.NoError(t, f.orc.StartSync(ctx, "chainlink-ethereum"))
	require.Eventually(t, func() bool {
		st, err := f.orc.GetSyncStatus(ctx, "chainlink-ethereum")
		return err == nil && !st.IsScheduled && !st.IsSyncing
	}, 2*time.Second, 5*time.Millisecond)

	st, err := f.orc.GetSyncStatus(ctx, "chainlink-ethereum")
	require.NoError(t, err)
	assert.True(t, st.Suspended)
	assert.Equal(t, 3, st.State.ConsecutiveFailures)
	assert.Equal(t, domain.SyncStatusError, st.State.Status)
	assert.Contains(t, st.State.ErrorMessage, "upstream timeout")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, client.count("ETH/USD"))
	assert.Len(t, f.events.ofType(domain.EventSyncFailed), 3)
	assert.Empty(t, f.events.ofType(domain.EventSyncCompleted))

	// 挂起后再次启动不会恢复调度
	require.NoError(t, f.orc.StartSync(ctx, "chainlink-ethereum"))
	st, _ = f.orc.GetSyncStatus(ctx, "chainlink-ethereum")
	assert.False(t, st.IsScheduled)

	mu.Lock()
	failing = false
	mu.Unlock()

	require.NoError(t, f.orc.EnableInstance(ctx, "chainlink-ethereum"))
	require.Eventually(t, func() bool {
		st, err := f.orc.GetSyncStatus(ctx, "chainlink-ethereum")
		return err == nil && st.IsScheduled && st.State.Status == domain.SyncStatusHealthy
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTimedOutSyncStillCountsFailures(t *testing.T) {
	// 客户端一直阻塞到同步期限到达
	client := newFakeClient(func(ctx context.Context, symbol string) (*domain.PriceFeed, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := newFixture(t, client, []string{"ETH/USD"}, Options{
		MaxRetries:             1,
		MaxConsecutiveFailures: 3,
		SyncTimeout:            50 * time.Millisecond,
	})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, f.orc.TriggerSync(ctx, "chainlink-ethereum"))
		st, err := f.orc.GetSyncStatus(ctx, "chainlink-ethereum")
		require.NoError(t, err)
		require.NotNil(t, st.State)
		assert.Equal(t, i, st.State.ConsecutiveFailures)
		assert.Equal(t, domain.SyncStatusError, st.State.Status)
	}

	st, err := f.orc.GetSyncStatus(ctx, "chainlink-ethereum")
	require.NoError(t, err)
	assert.True(t, st.Suspended)

	failed := f.events.ofType(domain.EventSyncFailed)
	require.Len(t, failed, 3)
	last := failed[2].Payload.(domain.SyncFailedPayload)
	assert.Equal(t, 3, last.ConsecutiveFailures)
	assert.True(t, last.Suspended)
}

func TestPartialSuccessIsDegraded(t *testing.T) {
	client := newFakeClient(func(ctx context.Context, symbol string) (*domain.PriceFeed, error) {
		if symbol == "BTC/USD" {
			return nil, errUpstream
		}
		return okPrice("3")(ctx, symbol)
	})
	f := newFixture(t, client, []string{"ETH/USD", "BTC/USD"}, Options{MaxRetries: 2})
	ctx := context.Background()

	require.NoError(t, f.orc.TriggerSync(ctx, "chainlink-ethereum"))

	st, err := f.orc.GetSyncStatus(ctx, "chainlink-ethereum")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusDegraded, st.State.Status)
	assert.Equal(t, 0, st.State.ConsecutiveFailures)

	completed := f.events.ofType(domain.EventSyncCompleted)
	require.Len(t, completed, 1)
	payload := completed[0].Payload.(domain.SyncCompletedPayload)
	assert.Equal(t, []string{"BTC/USD"}, payload.FailedSymbols)
	assert.Equal(t, 1, payload.Fetched)
	assert.Equal(t, 2, client.count("BTC/USD"))
}

func TestRetryStopsOnDataErrors(t *testing.T) {
	client := newFakeClient(func(context.Context, string) (*domain.PriceFeed, error) {
		return nil, domain.ErrInvalidData
	})
	f := newFixture(t, client, []string{"ETH/USD"}, Options{MaxRetries: 3})

	require.NoError(t, f.orc.TriggerSync(context.Background(), "chainlink-ethereum"))
	assert.Equal(t, 1, client.count("ETH/USD"))

	// 数据错误跳过 symbol，不计入失败
	st, _ := f.orc.GetSyncStatus(context.Background(), "chainlink-ethereum")
	assert.Equal(t, 0, st.State.ConsecutiveFailures)
	assert.Equal(t, domain.SyncStatusDegraded, st.State.Status)
}

func TestRetryBackoffAttempts(t *testing.T) {
	client := newFakeClient(func(context.Context, string) (*domain.PriceFeed, error) {
		return nil, errUpstream
	})
	f := newFixture(t, client, []string{"ETH/USD"}, Options{MaxRetries: 3, RetryBase: 10 * time.Millisecond})

	start := time.Now()
	require.NoError(t, f.orc.TriggerSync(context.Background(), "chainlink-ethereum"))
	assert.Equal(t, 3, client.count("ETH/USD"))
	// 10ms + 20ms
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	st, _ := f.orc.GetSyncStatus(context.Background(), "chainlink-ethereum")
	assert.Equal(t, 1, st.State.ConsecutiveFailures)
	assert.Contains(t, st.State.ErrorMessage, "after 3 attempts")
}

func TestPersistenceFailureFailsAttempt(t *testing.T) {
	f := newFixture(t, newFakeClient(okPrice("4")), []string{"ETH/USD"}, Options{})
	f.prices.err = &domain.StorageError{Op: "upsert_feeds", Err: domain.ErrQueryTimeout}

	require.NoError(t, f.orc.TriggerSync(context.Background(), "chainlink-ethereum"))

	st, _ := f.orc.GetSyncStatus(context.Background(), "chainlink-ethereum")
	assert.Equal(t, 1, st.State.ConsecutiveFailures)
	assert.Equal(t, domain.SyncStatusError, st.State.Status)
	assert.Empty(t, f.events.ofType(domain.EventSyncCompleted))
	require.Len(t, f.events.ofType(domain.EventSyncFailed), 1)
}

func TestDisabledOrMissingInstanceIsNoop(t *testing.T) {
	f := newFixture(t, newFakeClient(okPrice("5")), []string{"ETH/USD"}, Options{})
	ctx := context.Background()

	inst := f.instances.m["chainlink-ethereum"]
	inst.Enabled = false
	require.NoError(t, f.instances.SaveInstance(ctx, inst))

	require.NoError(t, f.orc.StartSync(ctx, "chainlink-ethereum"))
	require.NoError(t, f.orc.StartSync(ctx, "does-not-exist"))

	st, err := f.orc.GetSyncStatus(ctx, "chainlink-ethereum")
	require.NoError(t, err)
	assert.False(t, st.IsScheduled)
	assert.Nil(t, st.State)
	assert.Equal(t, 0, f.client.count("ETH/USD"))
}

func TestStopSyncCancelsSchedule(t *testing.T) {
	f := newFixture(t, newFakeClient(okPrice("6")), []string{"ETH/USD"}, Options{})
	ctx := context.Background()

	require.NoError(t, f.orc.StartSync(ctx, "chainlink-ethereum"))
	require.Eventually(t, func() bool { return f.client.count("ETH/USD") >= 2 }, time.Second, 5*time.Millisecond)

	f.orc.StopSync("chainlink-ethereum")
	st, _ := f.orc.GetSyncStatus(ctx, "chainlink-ethereum")
	assert.False(t, st.IsScheduled)

	require.Eventually(t, func() bool {
		st, _ := f.orc.GetSyncStatus(ctx, "chainlink-ethereum")
		return !st.IsSyncing
	}, time.Second, 5*time.Millisecond)
	n := f.client.count("ETH/USD")
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, n, f.client.count("ETH/USD"))
}

func TestEmptySymbolSetIsHealthyNoop(t *testing.T) {
	f := newFixture(t, newFakeClient(okPrice("7")), nil, Options{})

	require.NoError(t, f.orc.TriggerSync(context.Background(), "chainlink-ethereum"))

	st, _ := f.orc.GetSyncStatus(context.Background(), "chainlink-ethereum")
	assert.Equal(t, domain.SyncStatusHealthy, st.State.Status)
	assert.Empty(t, f.events.ofType(domain.EventSyncCompleted))
	assert.Equal(t, 0, f.prices.batches)
}

func TestStaleAndDeviationAlerts(t *testing.T) {
	client := newFakeClient(func(_ context.Context, symbol string) (*domain.PriceFeed, error) {
		feed := domain.NewPriceFeedFromDecimal(domain.ProtocolChainlink, "ethereum", symbol,
			decimal.RequireFromString("3500"), 8, time.Now().Add(-2*time.Hour))
		return &feed, nil
	})
	f := newFixture(t, client, []string{"ETH/USD"}, Options{DeviationAlertPercent: 5})
	f.orc.deps.Reference = fixedReference{price: decimal.RequireFromString("3000")}

	require.NoError(t, f.orc.TriggerSync(context.Background(), "chainlink-ethereum"))

	require.Len(t, f.prices.feeds, 1)
	stored := f.prices.feeds[0]
	assert.True(t, stored.IsStale)
	assert.GreaterOrEqual(t, stored.StalenessSeconds, int64(7200))
	assert.InDelta(t, 16.6667, stored.Deviation, 0.001)

	kinds := map[domain.AlertKind]bool{}
	for _, ev := range f.events.ofType(domain.EventAlertTriggered) {
		kinds[ev.Payload.(domain.AlertPayload).Kind] = true
	}
	assert.True(t, kinds[domain.AlertStale])
	assert.True(t, kinds[domain.AlertDeviation])
}

func TestAssertionLifecycleEvents(t *testing.T) {
	var mu sync.Mutex
	status := domain.AssertionProposed
	client := newFakeClient(okPrice("1"))
	client.caps = port.Capabilities{Assertions: true, Disputes: true}
	client.assertions = func() ([]domain.Assertion, error) {
		mu.Lock()
		defer mu.Unlock()
		a := domain.Assertion{
			ID:            "req-1",
			Protocol:      domain.ProtocolUMA,
			Chain:         "ethereum",
			Identifier:    "ETH/USD",
			Status:        status,
			ProposedPrice: decimal.NewNullDecimal(decimal.RequireFromString("3500.5")),
			RequestedAt:   time.Now().Add(-time.Hour),
		}
		if status == domain.AssertionSettled {
			a.SettledPrice = a.ProposedPrice
			a.SettledAt = time.Now()
		}
		return []domain.Assertion{a}, nil
	}
	f := newFixture(t, client, nil, Options{})
	ctx := context.Background()

	require.NoError(t, f.orc.TriggerSync(ctx, "chainlink-ethereum"))
	assert.Len(t, f.events.ofType(domain.EventPriceProposed), 1)
	assert.Empty(t, f.prices.feeds)

	// 状态未变化不重复发送
	require.NoError(t, f.orc.TriggerSync(ctx, "chainlink-ethereum"))
	assert.Len(t, f.events.ofType(domain.EventPriceProposed), 1)

	mu.Lock()
	status = domain.AssertionSettled
	mu.Unlock()
	require.NoError(t, f.orc.TriggerSync(ctx, "chainlink-ethereum"))
	assert.Len(t, f.events.ofType(domain.EventPriceSettled), 1)
	require.Len(t, f.prices.feeds, 1)
	assert.Equal(t, "3500.5", f.prices.feeds[0].Price.String())
	assert.Equal(t, int32(18), f.prices.feeds[0].Decimals)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	f := newFixture(t, newFakeClient(okPrice("8")), []string{"ETH/USD"}, Options{})
	ctx := context.Background()

	require.NoError(t, f.orc.StartSync(ctx, "chainlink-ethereum"))
	sctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, f.orc.Shutdown(sctx))

	assert.ErrorIs(t, f.orc.StartSync(ctx, "chainlink-ethereum"), domain.ErrShutdown)
	st, _ := f.orc.GetSyncStatus(ctx, "chainlink-ethereum")
	assert.False(t, st.IsScheduled)
}
