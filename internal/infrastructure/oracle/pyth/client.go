package pyth

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"oraclesync/internal/application/port"
	"oraclesync/internal/domain"
	"oraclesync/internal/infrastructure/oracle"
)

func init() {
	oracle.Register(domain.ProtocolPyth, New)
}

// Client Pyth Hermes REST 客户端
// feeds 来自实例 config："feed:ETH/USD" = price feed id（hex）
type Client struct {
	oracle.NoAssertions

	chain string
	http  *oracle.HTTPClient
	feeds map[string]string // symbol -> id
	byID  map[string]string // id -> symbol
}

func New(inst domain.SyncInstance) (port.ProtocolClient, error) {
	if strings.TrimSpace(inst.Endpoint) == "" {
		return nil, fmt.Errorf("pyth %s: %w", inst.ID, domain.ErrMissingEndpoint)
	}
	c := &Client{
		chain: strings.ToLower(inst.Chain),
		http:  oracle.NewHTTPClient(inst.Endpoint, inst.RateLimitRPS, 10*time.Second),
		feeds: make(map[string]string),
		byID:  make(map[string]string),
	}
	for sym, id := range inst.ConfigWithPrefix(oracle.FeedConfigPrefix) {
		id = normalizeID(id)
		c.feeds[sym] = id
		c.byID[id] = sym
	}
	return c, nil
}

func normalizeID(id string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(id)), "0x")
}

func (c *Client) Protocol() domain.Protocol { return domain.ProtocolPyth }
func (c *Client) Chain() string             { return c.chain }

func (c *Client) Capabilities() port.Capabilities {
	return port.Capabilities{PriceFeeds: true, BatchQueries: true}
}

type hermesPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

type hermesParsed struct {
	ID       string      `json:"id"`
	Price    hermesPrice `json:"price"`
	EMAPrice hermesPrice `json:"ema_price"`
	Metadata struct {
		Slot uint64 `json:"slot"`
	} `json:"metadata"`
}

type hermesResponse struct {
	Parsed []hermesParsed `json:"parsed"`
}

func (c *Client) latest(ctx context.Context, ids []string) ([]hermesParsed, error) {
	q := url.Values{}
	for _, id := range ids {
		q.Add("ids[]", id)
	}
	q.Set("parsed", "true")
	var resp hermesResponse
	if err := c.http.GetJSON(ctx, "/v2/updates/price/latest", q, &resp); err != nil {
		return nil, err
	}
	return resp.Parsed, nil
}

// toFeed price = price * 10^expo；置信度 = 1 - conf/price，截断到 [0,1]
func (c *Client) toFeed(symbol string, p hermesParsed) (domain.PriceFeed, error) {
	raw, ok := new(big.Int).SetString(p.Price.Price, 10)
	if !ok || raw.Sign() <= 0 {
		return domain.PriceFeed{}, fmt.Errorf("%w: pyth %s price %q", domain.ErrInvalidData, symbol, p.Price.Price)
	}
	if p.Price.PublishTime <= 0 {
		return domain.PriceFeed{}, fmt.Errorf("%w: pyth %s missing publish time", domain.ErrInvalidData, symbol)
	}
	decimals := -p.Price.Expo
	if decimals < 0 {
		raw.Mul(raw, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-decimals)), nil))
		decimals = 0
	}

	f := domain.NewPriceFeedFromRaw(domain.ProtocolPyth, c.chain, symbol, raw, decimals, time.Unix(p.Price.PublishTime, 0))
	f.Sources = []string{"pyth:" + p.ID}
	f.Confidence = confidence(p.Price.Conf, p.Price.Price)
	if p.Metadata.Slot > 0 {
		slot := p.Metadata.Slot
		f.BlockNumber = &slot
	}
	return f, nil
}

func confidence(conf, price string) float64 {
	c, err1 := decimal.NewFromString(conf)
	p, err2 := decimal.NewFromString(price)
	if err1 != nil || err2 != nil || p.IsZero() {
		return 0
	}
	v := decimal.NewFromInt(1).Sub(c.Div(p)).InexactFloat64()
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (c *Client) FetchPrice(ctx context.Context, symbol string) (*domain.PriceFeed, error) {
	symbol = domain.NormalizeSymbol(symbol)
	id, ok := c.feeds[symbol]
	if !ok {
		return nil, fmt.Errorf("pyth %s: %w", symbol, domain.ErrNotFound)
	}
	parsed, err := c.latest(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	for _, p := range parsed {
		if normalizeID(p.ID) == id {
			f, err := c.toFeed(symbol, p)
			if err != nil {
				return nil, err
			}
			return &f, nil
		}
	}
	return nil, fmt.Errorf("pyth %s: %w", symbol, domain.ErrNotFound)
}

// FetchAllFeeds 一次请求取回全部已配置的 feed
func (c *Client) FetchAllFeeds(ctx context.Context) ([]domain.PriceFeed, error) {
	if len(c.feeds) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(c.feeds))
	for _, id := range c.feeds {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parsed, err := c.latest(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PriceFeed, 0, len(parsed))
	for _, p := range parsed {
		sym, ok := c.byID[normalizeID(p.ID)]
		if !ok {
			continue
		}
		f, err := c.toFeed(sym, p)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (c *Client) CheckHealth(ctx context.Context) port.HealthReport {
	return oracle.Probe(ctx, func(ctx context.Context) error {
		return c.http.Ping(ctx, "/live")
	})
}

var _ port.ProtocolClient = (*Client)(nil)
