package uma

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"oraclesync/internal/application/port"
	"oraclesync/internal/domain"
	"oraclesync/internal/infrastructure/oracle"
)

func init() {
	oracle.Register(domain.ProtocolUMA, New)
}

const (
	defaultGraphQLPath = "/"
	defaultPageSize    = 100
)

// 子图请求查询：按请求时间升序，since 之后的全部请求
const requestsQuery = `query($since: BigInt!, $first: Int!) {
  requests(first: $first, where: {time_gte: $since}, orderBy: time, orderDirection: asc) {
    id identifier time state proposer disputer
    proposedPrice settlementPrice
    requestTimestamp proposalTimestamp settlementTimestamp
  }
}`

// Client 乐观断言型预言机（子图 GraphQL），没有可枚举的价格 feed
type Client struct {
	chain    string
	http     *oracle.HTTPClient
	path     string
	pageSize int
}

func New(inst domain.SyncInstance) (port.ProtocolClient, error) {
	if strings.TrimSpace(inst.Endpoint) == "" {
		return nil, fmt.Errorf("uma %s: %w", inst.ID, domain.ErrMissingEndpoint)
	}
	path := inst.ConfigValue("graphql_path")
	if path == "" {
		path = defaultGraphQLPath
	}
	pageSize := defaultPageSize
	if v, err := strconv.Atoi(inst.ConfigValue("page_size")); err == nil && v > 0 {
		pageSize = v
	}
	return &Client{
		chain:    strings.ToLower(inst.Chain),
		http:     oracle.NewHTTPClient(inst.Endpoint, inst.RateLimitRPS, 15*time.Second),
		path:     path,
		pageSize: pageSize,
	}, nil
}

func (c *Client) Protocol() domain.Protocol { return domain.ProtocolUMA }
func (c *Client) Chain() string             { return c.chain }

func (c *Client) Capabilities() port.Capabilities {
	return port.Capabilities{Assertions: true, Disputes: true}
}

func (c *Client) FetchPrice(_ context.Context, symbol string) (*domain.PriceFeed, error) {
	return nil, fmt.Errorf("uma %s: %w", symbol, domain.ErrNotFound)
}

func (c *Client) FetchAllFeeds(context.Context) ([]domain.PriceFeed, error) {
	return nil, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// FetchAssertions 拉取 since 之后的请求及其状态
func (c *Client) FetchAssertions(ctx context.Context, since time.Time) ([]domain.Assertion, error) {
	body, err := c.http.PostJSON(ctx, c.path, graphQLRequest{
		Query: requestsQuery,
		Variables: map[string]any{
			"since": strconv.FormatInt(since.Unix(), 10),
			"first": c.pageSize,
		},
	})
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: uma response is not json", domain.ErrInvalidData)
	}
	res := gjson.ParseBytes(body)
	if errs := res.Get("errors"); errs.Exists() && len(errs.Array()) > 0 {
		return nil, fmt.Errorf("uma graphql: %s", errs.Get("0.message").String())
	}

	var out []domain.Assertion
	res.Get("data.requests").ForEach(func(_, r gjson.Result) bool {
		a, ok := c.toAssertion(r)
		if ok {
			out = append(out, a)
		}
		return true
	})
	return out, nil
}

func (c *Client) toAssertion(r gjson.Result) (domain.Assertion, bool) {
	id := r.Get("id").String()
	if id == "" {
		return domain.Assertion{}, false
	}
	status, ok := parseState(r.Get("state").String())
	if !ok {
		return domain.Assertion{}, false
	}
	a := domain.Assertion{
		ID:            id,
		Protocol:      domain.ProtocolUMA,
		Chain:         c.chain,
		Identifier:    domain.NormalizeSymbol(decodeIdentifier(r.Get("identifier").String())),
		Status:        status,
		ProposedPrice: fixed18(r.Get("proposedPrice").String()),
		SettledPrice:  fixed18(r.Get("settlementPrice").String()),
		Proposer:      r.Get("proposer").String(),
		Disputer:      r.Get("disputer").String(),
		RequestedAt:   unix(r.Get("requestTimestamp")),
		ProposedAt:    unix(r.Get("proposalTimestamp")),
		SettledAt:     unix(r.Get("settlementTimestamp")),
	}
	if a.RequestedAt.IsZero() {
		a.RequestedAt = unix(r.Get("time"))
	}
	return a, true
}

func parseState(s string) (domain.AssertionStatus, bool) {
	switch strings.ToLower(s) {
	case "requested":
		return domain.AssertionRequested, true
	case "proposed":
		return domain.AssertionProposed, true
	case "disputed":
		return domain.AssertionDisputed, true
	case "settled", "resolved":
		return domain.AssertionSettled, true
	case "expired":
		return domain.AssertionExpired, true
	}
	return "", false
}

// fixed18 子图价格为 18 位定点 int256 十进制字符串
func fixed18(s string) decimal.NullDecimal {
	raw, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromBigInt(raw, -domain.AssertionDecimals))
}

// decodeIdentifier identifier 可能是 bytes32 hex，右侧补零
func decodeIdentifier(s string) string {
	if !strings.HasPrefix(s, "0x") {
		return s
	}
	b := []byte{}
	h := strings.TrimPrefix(s, "0x")
	for i := 0; i+1 < len(h); i += 2 {
		v, err := strconv.ParseUint(h[i:i+2], 16, 8)
		if err != nil {
			return s
		}
		if v == 0 {
			break
		}
		b = append(b, byte(v))
	}
	return string(b)
}

func unix(r gjson.Result) time.Time {
	if !r.Exists() || r.Int() <= 0 {
		return time.Time{}
	}
	return time.Unix(r.Int(), 0).UTC()
}

// CheckHealth 发送最小查询 {_meta{block{number}}}
func (c *Client) CheckHealth(ctx context.Context) port.HealthReport {
	return oracle.Probe(ctx, func(ctx context.Context) error {
		body, err := c.http.PostJSON(ctx, c.path, graphQLRequest{Query: `{ _meta { block { number } } }`})
		if err != nil {
			return err
		}
		if msg := gjson.GetBytes(body, "errors.0.message"); msg.Exists() {
			return fmt.Errorf("uma graphql: %s", msg.String())
		}
		return nil
	})
}

var _ port.ProtocolClient = (*Client)(nil)
