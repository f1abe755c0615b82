package chainlink

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"oraclesync/internal/application/port"
	"oraclesync/internal/domain"
	"oraclesync/internal/infrastructure/oracle"
)

// AggregatorV3Interface 只保留用到的方法
const aggregatorABI = `[
 {"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
 {"inputs":[],"name":"description","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"},
 {"inputs":[],"name":"latestRoundData","outputs":[
   {"internalType":"uint80","name":"roundId","type":"uint80"},
   {"internalType":"int256","name":"answer","type":"int256"},
   {"internalType":"uint256","name":"startedAt","type":"uint256"},
   {"internalType":"uint256","name":"updatedAt","type":"uint256"},
   {"internalType":"uint80","name":"answeredInRound","type":"uint80"}],
  "stateMutability":"view","type":"function"}
]`

var parsedABI = mustParseABI()

func mustParseABI() abi.ABI {
	a, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		panic(err)
	}
	return a
}

func init() {
	oracle.Register(domain.ProtocolChainlink, New)
}

// contractCaller ethclient 的子集，测试里用 fake 替换
type contractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client EVM 链上的 Chainlink 聚合器客户端
// feeds 来自实例 config："feed:ETH/USD" = 聚合器地址
type Client struct {
	oracle.NoAssertions

	chain   string
	caller  contractCaller
	feeds   map[string]common.Address
	limiter *rate.Limiter

	mu       sync.RWMutex
	decimals map[common.Address]uint8
}

// New 实例缺少 endpoint 时直接返回配置错误
func New(inst domain.SyncInstance) (port.ProtocolClient, error) {
	if strings.TrimSpace(inst.Endpoint) == "" {
		return nil, fmt.Errorf("chainlink %s: %w", inst.ID, domain.ErrMissingEndpoint)
	}
	ec, err := ethclient.Dial(inst.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("chainlink dial %s: %w", inst.Chain, err)
	}
	c, err := newClient(inst, ec)
	if err != nil {
		ec.Close()
		return nil, err
	}
	return c, nil
}

func newClient(inst domain.SyncInstance, caller contractCaller) (*Client, error) {
	feeds := make(map[string]common.Address)
	for sym, addr := range inst.ConfigWithPrefix(oracle.FeedConfigPrefix) {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("chainlink %s: invalid aggregator address %q for %s", inst.ID, addr, sym)
		}
		feeds[sym] = common.HexToAddress(addr)
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if inst.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(inst.RateLimitRPS), 1)
	}
	return &Client{
		chain:    strings.ToLower(inst.Chain),
		caller:   caller,
		feeds:    feeds,
		limiter:  limiter,
		decimals: make(map[common.Address]uint8),
	}, nil
}

func (c *Client) Protocol() domain.Protocol { return domain.ProtocolChainlink }
func (c *Client) Chain() string             { return c.chain }

func (c *Client) Capabilities() port.Capabilities {
	return port.Capabilities{PriceFeeds: true, HistoricalData: true}
}

func (c *Client) call(ctx context.Context, addr common.Address, method string) ([]any, error) {
	data, err := parsedABI.Pack(method)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	vals, err := parsedABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", domain.ErrInvalidData, method, err)
	}
	return vals, nil
}

func (c *Client) feedDecimals(ctx context.Context, addr common.Address) (uint8, error) {
	c.mu.RLock()
	d, ok := c.decimals[addr]
	c.mu.RUnlock()
	if ok {
		return d, nil
	}
	vals, err := c.call(ctx, addr, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok = vals[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: decimals type %T", domain.ErrInvalidData, vals[0])
	}
	c.mu.Lock()
	c.decimals[addr] = d
	c.mu.Unlock()
	return d, nil
}

// FetchPrice latestRoundData；answer <= 0 视为无效数据
func (c *Client) FetchPrice(ctx context.Context, symbol string) (*domain.PriceFeed, error) {
	symbol = domain.NormalizeSymbol(symbol)
	addr, ok := c.feeds[symbol]
	if !ok {
		return nil, fmt.Errorf("chainlink %s %s: %w", c.chain, symbol, domain.ErrNotFound)
	}

	dec, err := c.feedDecimals(ctx, addr)
	if err != nil {
		return nil, err
	}
	vals, err := c.call(ctx, addr, "latestRoundData")
	if err != nil {
		return nil, err
	}
	if len(vals) != 5 {
		return nil, fmt.Errorf("%w: latestRoundData returned %d values", domain.ErrInvalidData, len(vals))
	}
	roundID, _ := vals[0].(*big.Int)
	answer, _ := vals[1].(*big.Int)
	updatedAt, _ := vals[3].(*big.Int)
	answeredIn, _ := vals[4].(*big.Int)
	if answer == nil || answer.Sign() <= 0 || updatedAt == nil || updatedAt.Sign() == 0 {
		return nil, fmt.Errorf("%w: chainlink %s answer not positive", domain.ErrInvalidData, symbol)
	}

	f := domain.NewPriceFeedFromRaw(domain.ProtocolChainlink, c.chain, symbol, answer, int32(dec), time.Unix(updatedAt.Int64(), 0))
	f.Sources = []string{"chainlink:" + addr.Hex()}
	// 回答来自旧轮次时降低置信度
	if roundID != nil && answeredIn != nil && answeredIn.Cmp(roundID) < 0 {
		f.Confidence = 0.5
	}
	if bn, err := c.caller.BlockNumber(ctx); err == nil {
		f.BlockNumber = &bn
	} else {
		log.Debug().Err(err).Str("chain", c.chain).Msg("block number unavailable")
	}
	return &f, nil
}

// FetchAllFeeds 逐个读取已配置的聚合器，单个失败跳过
func (c *Client) FetchAllFeeds(ctx context.Context) ([]domain.PriceFeed, error) {
	symbols := make([]string, 0, len(c.feeds))
	for s := range c.feeds {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	out := make([]domain.PriceFeed, 0, len(symbols))
	for _, s := range symbols {
		f, err := c.FetchPrice(ctx, s)
		if err != nil {
			log.Warn().Err(err).Str("chain", c.chain).Str("symbol", s).Msg("chainlink feed read failed")
			continue
		}
		out = append(out, *f)
	}
	return out, nil
}

func (c *Client) CheckHealth(ctx context.Context) port.HealthReport {
	r := oracle.Probe(ctx, func(ctx context.Context) error {
		_, err := c.caller.BlockNumber(ctx)
		return err
	})
	if len(c.feeds) == 0 {
		r.Issues = append(r.Issues, "no aggregator feeds configured")
		if r.Status == port.HealthHealthy {
			r.Status = port.HealthDegraded
		}
	}
	return r
}

var _ port.ProtocolClient = (*Client)(nil)
