package service

import (
	"time"

	"github.com/shopspring/decimal"

	"oraclesync/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Staleness 观测时间距今超过阈值（严格大于）即为过期，边界值不算过期
// 过期时 seconds 向上取整，保证 seconds > 阈值秒数；新鲜时为 0
func Staleness(observedAt, now time.Time, threshold time.Duration) (stale bool, seconds int64) {
	age := now.Sub(observedAt)
	if age <= 0 || age <= threshold {
		return false, 0
	}
	seconds = int64(age / time.Second)
	if age%time.Second != 0 {
		seconds++
	}
	return true, seconds
}

// Deviation 相对参考价的百分比偏离 ((new - ref) / ref) * 100
// 参考价为 0 或缺失时返回 0
func Deviation(price, reference decimal.Decimal) float64 {
	if reference.IsZero() {
		return 0
	}
	return price.Sub(reference).Div(reference).Mul(hundred).InexactFloat64()
}

// CrossAverage 多来源均价，空输入返回 0
func CrossAverage(prices []decimal.Decimal) decimal.Decimal {
	if len(prices) == 0 {
		return decimal.Zero
	}
	return decimal.Avg(prices[0], prices[1:]...)
}

// Annotate 为一条价格记录填充过期与偏离字段
func Annotate(f *domain.PriceFeed, now time.Time, threshold time.Duration, reference decimal.Decimal) {
	f.IsStale, f.StalenessSeconds = Staleness(f.Timestamp, now, threshold)
	f.Deviation = Deviation(f.Price, reference)
}

// ExceedsDeviation |deviation| 超过告警阈值；阈值 <= 0 表示关闭
func ExceedsDeviation(deviation, threshold float64) bool {
	if threshold <= 0 {
		return false
	}
	if deviation < 0 {
		deviation = -deviation
	}
	return deviation > threshold
}
