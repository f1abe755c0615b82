package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Protocol 预言机协议族
type Protocol string

const (
	ProtocolChainlink Protocol = "chainlink"
	ProtocolPyth      Protocol = "pyth"
	ProtocolUMA       Protocol = "uma"
)

func (p Protocol) String() string { return string(p) }

// ParseProtocol 归一化协议名称（小写、去空格）
func ParseProtocol(s string) Protocol {
	return Protocol(strings.ToLower(strings.TrimSpace(s)))
}

// feedNamespace 用于生成确定性的 feed id（UUID v5）
var feedNamespace = uuid.MustParse("6f0c7f5e-3c1a-4b8e-9d52-2f4a8f1d7c10")

// PriceFeed 统一价格记录：某协议在某条链上某一时刻对一个交易对的观测
type PriceFeed struct {
	ID               string          `json:"id"`
	Protocol         Protocol        `json:"protocol"`
	Chain            string          `json:"chain"`
	Symbol           string          `json:"symbol"`
	BaseAsset        string          `json:"baseAsset"`
	QuoteAsset       string          `json:"quoteAsset"`
	Price            decimal.Decimal `json:"price"`
	PriceRaw         *big.Int        `json:"priceRaw"`
	Decimals         int32           `json:"decimals"`
	Timestamp        time.Time       `json:"timestamp"`
	BlockNumber      *uint64         `json:"blockNumber,omitempty"`
	Confidence       float64         `json:"confidence"`
	IsStale          bool            `json:"isStale"`
	StalenessSeconds int64           `json:"stalenessSeconds"`
	Deviation        float64         `json:"deviation"`
	Sources          []string        `json:"sources,omitempty"`
}

// FeedID 由 protocol+chain+symbol+timestamp 派生确定性 id，用于 upsert 去重
func FeedID(protocol Protocol, chain, symbol string, ts time.Time) string {
	key := fmt.Sprintf("%s|%s|%s|%d", protocol, strings.ToLower(chain), strings.ToUpper(symbol), ts.UnixMilli())
	return uuid.NewSHA1(feedNamespace, []byte(key)).String()
}

// NewPriceFeedFromRaw 从定点整数构造价格记录，price = raw / 10^decimals
func NewPriceFeedFromRaw(protocol Protocol, chain, symbol string, raw *big.Int, decimals int32, ts time.Time) PriceFeed {
	if raw == nil {
		raw = new(big.Int)
	}
	symbol = NormalizeSymbol(symbol)
	base, quote := SplitSymbol(symbol)
	ts = ts.UTC().Truncate(time.Millisecond)
	return PriceFeed{
		ID:         FeedID(protocol, chain, symbol, ts),
		Protocol:   protocol,
		Chain:      strings.ToLower(strings.TrimSpace(chain)),
		Symbol:     symbol,
		BaseAsset:  base,
		QuoteAsset: quote,
		Price:      decimal.NewFromBigInt(raw, -decimals),
		PriceRaw:   new(big.Int).Set(raw),
		Decimals:   decimals,
		Timestamp:  ts,
		Confidence: 1,
	}
}

// NewPriceFeedFromDecimal 从十进制价格构造记录，raw 按 decimals 截断
func NewPriceFeedFromDecimal(protocol Protocol, chain, symbol string, price decimal.Decimal, decimals int32, ts time.Time) PriceFeed {
	raw := price.Shift(decimals).Truncate(0).BigInt()
	return NewPriceFeedFromRaw(protocol, chain, symbol, raw, decimals, ts)
}

// Key 返回 protocol:chain:symbol，用于缓存字段与日志
func (f PriceFeed) Key() string {
	return FeedKey(f.Protocol, f.Chain, f.Symbol)
}

func FeedKey(protocol Protocol, chain, symbol string) string {
	return fmt.Sprintf("%s:%s:%s", protocol, strings.ToLower(chain), strings.ToUpper(symbol))
}

// NormalizeSymbol 统一为 BASE/QUOTE 大写形式，兼容 eth-usd
// 下划线保留（UMA identifier 如 YES_OR_NO_QUERY）
func NormalizeSymbol(s string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "/")
}

// SplitSymbol 拆分交易对，例: ETH/USD -> ETH, USD
// 没有分隔符时整体视为 base（UMA identifier 等）
func SplitSymbol(symbol string) (base, quote string) {
	symbol = NormalizeSymbol(symbol)
	if i := strings.Index(symbol, "/"); i > 0 {
		return symbol[:i], symbol[i+1:]
	}
	return symbol, ""
}
