package oracle

import (
	"context"
	"time"

	"oraclesync/internal/application/port"
	"oraclesync/internal/domain"
)

// SlowProbe 探活耗时超过该值记为 degraded
const SlowProbe = 2 * time.Second

// Probe 执行一次探活，把传输错误转换为 issues 而不是返回错误
func Probe(ctx context.Context, probe func(ctx context.Context) error) port.HealthReport {
	start := time.Now()
	err := probe(ctx)
	latency := time.Since(start)
	r := port.HealthReport{
		Status:    port.HealthHealthy,
		LatencyMs: latency.Milliseconds(),
		CheckedAt: time.Now().UTC(),
	}
	switch {
	case err != nil:
		r.Status = port.HealthUnhealthy
		r.Issues = append(r.Issues, err.Error())
	case latency > SlowProbe:
		r.Status = port.HealthDegraded
		r.Issues = append(r.Issues, "slow response")
	}
	return r
}

// NoAssertions 给不支持断言的协议嵌入使用
type NoAssertions struct{}

func (NoAssertions) FetchAssertions(context.Context, time.Time) ([]domain.Assertion, error) {
	return nil, nil
}
