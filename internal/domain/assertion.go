package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssertionStatus 乐观断言型预言机的请求状态
type AssertionStatus string

const (
	AssertionRequested AssertionStatus = "requested"
	AssertionProposed  AssertionStatus = "proposed"
	AssertionDisputed  AssertionStatus = "disputed"
	AssertionSettled   AssertionStatus = "settled"
	AssertionExpired   AssertionStatus = "expired"
)

// UMA 等协议的价格以 18 位定点整数表示
const AssertionDecimals int32 = 18

// Assertion 一次价格断言（提议 -> 可能争议 -> 结算）
type Assertion struct {
	ID            string              `json:"id"`
	Protocol      Protocol            `json:"protocol"`
	Chain         string              `json:"chain"`
	Identifier    string              `json:"identifier"`
	Status        AssertionStatus     `json:"status"`
	ProposedPrice decimal.NullDecimal `json:"proposedPrice"`
	SettledPrice  decimal.NullDecimal `json:"settledPrice"`
	Proposer      string              `json:"proposer,omitempty"`
	Disputer      string              `json:"disputer,omitempty"`
	RequestedAt   time.Time           `json:"requestedAt"`
	ProposedAt    time.Time           `json:"proposedAt,omitempty"`
	SettledAt     time.Time           `json:"settledAt,omitempty"`
}

// Feed 将已结算断言转为统一价格记录；未结算返回 false
func (a Assertion) Feed() (PriceFeed, bool) {
	if a.Status != AssertionSettled || !a.SettledPrice.Valid {
		return PriceFeed{}, false
	}
	ts := a.SettledAt
	if ts.IsZero() {
		ts = a.RequestedAt
	}
	f := NewPriceFeedFromDecimal(a.Protocol, a.Chain, a.Identifier, a.SettledPrice.Decimal, AssertionDecimals, ts)
	f.Sources = []string{string(a.Protocol) + ":" + a.ID}
	return f, true
}
