package redis

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"oraclesync/internal/application/port"
	"oraclesync/internal/domain"
)

// Repo 最新价格缓存（hash）与事件桥（stream + pubsub）
type Repo struct {
	rdb          *redis.Client
	prefix       string
	ttl          time.Duration
	keyLatest    string // prefix + ":latest"
	eventStream  string
	eventChan    string
	streamMaxLen int64
}

// LatestPrice 缓存中的最新价格，字段 protocol:chain:SYMBOL
type LatestPrice struct {
	Protocol    string  `json:"protocol"`
	Chain       string  `json:"chain"`
	Symbol      string  `json:"symbol"`
	Price       string  `json:"price"`
	PriceRaw    string  `json:"priceRaw"`
	Decimals    int32   `json:"decimals"`
	Ts          int64   `json:"ts"`
	BlockNumber *uint64 `json:"blockNumber,omitempty"`
	Confidence  float64 `json:"confidence"`
}

func New(rdb *redis.Client, prefix string, ttl time.Duration, eventStream, eventChan string, streamMaxLen int64) *Repo {
	if strings.TrimSpace(eventStream) == "" {
		eventStream = prefix + ":events:stream"
	}
	if strings.TrimSpace(eventChan) == "" {
		eventChan = prefix + ":events"
	}
	return &Repo{
		rdb:          rdb,
		prefix:       prefix,
		ttl:          ttl,
		keyLatest:    prefix + ":latest",
		eventStream:  eventStream,
		eventChan:    eventChan,
		streamMaxLen: streamMaxLen,
	}
}

func encodeLatest(f domain.PriceFeed) LatestPrice {
	raw := "0"
	if f.PriceRaw != nil {
		raw = f.PriceRaw.String()
	}
	return LatestPrice{
		Protocol:    string(f.Protocol),
		Chain:       f.Chain,
		Symbol:      f.Symbol,
		Price:       f.Price.String(),
		PriceRaw:    raw,
		Decimals:    f.Decimals,
		Ts:          f.Timestamp.UnixMilli(),
		BlockNumber: f.BlockNumber,
		Confidence:  f.Confidence,
	}
}

func (lp LatestPrice) toDomain() (domain.PriceFeed, error) {
	raw, ok := new(big.Int).SetString(lp.PriceRaw, 10)
	if !ok {
		return domain.PriceFeed{}, domain.ErrInvalidData
	}
	f := domain.NewPriceFeedFromRaw(domain.Protocol(lp.Protocol), lp.Chain, lp.Symbol, raw, lp.Decimals, time.UnixMilli(lp.Ts))
	if p, err := decimal.NewFromString(lp.Price); err == nil {
		f.Price = p
	}
	f.BlockNumber = lp.BlockNumber
	f.Confidence = lp.Confidence
	return f, nil
}

// UpsertFeeds 只保留每个 key 的最新一条；旧时间戳不覆盖
func (r *Repo) UpsertFeeds(ctx context.Context, feeds []domain.PriceFeed) (int, error) {
	if len(feeds) == 0 {
		return 0, nil
	}
	latest := make(map[string]domain.PriceFeed, len(feeds))
	for _, f := range feeds {
		if cur, ok := latest[f.Key()]; ok && cur.Timestamp.After(f.Timestamp) {
			continue
		}
		latest[f.Key()] = f
	}

	pipe := r.rdb.Pipeline()
	for field, f := range latest {
		b, err := json.Marshal(encodeLatest(f))
		if err != nil {
			return 0, err
		}
		pipe.HSet(ctx, r.keyLatest, field, string(b))
	}
	if r.ttl > 0 {
		pipe.Expire(ctx, r.keyLatest, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(latest), nil
}

func (r *Repo) LatestPrice(ctx context.Context, protocol domain.Protocol, chain, symbol string) (*domain.PriceFeed, error) {
	s, err := r.rdb.HGet(ctx, r.keyLatest, domain.FeedKey(protocol, chain, domain.NormalizeSymbol(symbol))).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var lp LatestPrice
	if err := json.Unmarshal([]byte(s), &lp); err != nil {
		return nil, err
	}
	f, err := lp.toDomain()
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// PublishEvent 事件桥：XADD 到 stream（近似裁剪）并 PUBLISH 到频道
func (r *Repo) PublishEvent(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pipe := r.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: r.eventStream,
		MaxLen: r.streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"ts_ms":       ev.Timestamp.UnixMilli(),
			"type":        string(ev.Type),
			"instance_id": ev.InstanceID,
			"payload":     string(payload),
		},
	})
	pipe.Publish(ctx, r.eventChan, payload)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Repo) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

var (
	_ port.PriceWriter = (*Repo)(nil)
	_ port.PriceReader = (*Repo)(nil)
)
