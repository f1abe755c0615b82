package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"oraclesync/internal/application/port"
	"oraclesync/internal/infrastructure/metrics"
)

// HealthReport 连接池健康快照；只作信号，不限制写入
type HealthReport struct {
	Status         port.HealthStatus `json:"status"`
	Open           int               `json:"open"`
	InUse          int               `json:"inUse"`
	Idle           int               `json:"idle"`
	Waiting        int               `json:"waiting"`
	MaxOpen        int               `json:"maxOpen"`
	Utilization    float64           `json:"utilization"`
	ProbeLatencyMs int64             `json:"probeLatencyMs"`
	Issues         []string          `json:"issues,omitempty"`
	CheckedAt      time.Time         `json:"checkedAt"`
}

const utilizationDegraded = 0.9

// classify 根据采样与连续高等待次数给出状态
func classify(cfg PoolConfig, r HealthReport, probeErr error, highStreak int) (port.HealthStatus, []string) {
	var issues []string
	status := port.HealthHealthy

	if r.Utilization > utilizationDegraded {
		status = port.HealthDegraded
		issues = append(issues, fmt.Sprintf("pool utilization %.0f%%", r.Utilization*100))
	}
	if r.Waiting > cfg.WaitingDegraded {
		status = port.HealthDegraded
		issues = append(issues, fmt.Sprintf("%d callers waiting for a connection", r.Waiting))
	}
	if r.Waiting > cfg.WaitingUnhealthy || highStreak >= cfg.UnhealthyAfter {
		status = port.HealthUnhealthy
		issues = append(issues, fmt.Sprintf("sustained connection waiting (%d checks)", highStreak))
	}
	if probeErr != nil {
		status = port.HealthUnhealthy
		issues = append(issues, "liveness probe: "+probeErr.Error())
	}
	return status, issues
}

// CheckHealth 采样连接池并执行一次探活
func (g *Gateway) CheckHealth(ctx context.Context) HealthReport {
	st := g.db.Stats()
	r := HealthReport{
		Open:      st.OpenConnections,
		InUse:     st.InUse,
		Idle:      st.Idle,
		Waiting:   int(g.waiting.Load()),
		MaxOpen:   g.cfg.MaxOpenConns,
		CheckedAt: time.Now().UTC(),
	}
	if r.MaxOpen > 0 {
		r.Utilization = float64(r.InUse) / float64(r.MaxOpen)
	}

	pctx, cancel := g.queryCtx(ctx)
	start := time.Now()
	probeErr := g.db.PingContext(pctx)
	cancel()
	r.ProbeLatencyMs = time.Since(start).Milliseconds()

	g.mu.Lock()
	if r.Waiting > g.cfg.WaitingDegraded {
		g.highStreak++
	} else {
		g.highStreak = 0
	}
	r.Status, r.Issues = classify(g.cfg, r, probeErr, g.highStreak)
	g.health = r
	g.mu.Unlock()

	metrics.SetPoolStats(r.Open, r.InUse, r.Idle, r.Waiting)
	metrics.SetPoolHealth(healthLevel(r.Status))
	return r
}

// Health 最近一次检查结果
func (g *Gateway) Health() HealthReport {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.health
}

// StartHealthCheck 后台周期检查，Close 时退出
func (g *Gateway) StartHealthCheck(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stop:
				return
			case <-ticker.C:
				prev := g.Health().Status
				r := g.CheckHealth(ctx)
				if r.Status != prev {
					log.Warn().
						Str("from", string(prev)).
						Str("to", string(r.Status)).
						Strs("issues", r.Issues).
						Msg("pool health changed")
				}
			}
		}
	}()
}

func healthLevel(s port.HealthStatus) int {
	switch s {
	case port.HealthDegraded:
		return 1
	case port.HealthUnhealthy:
		return 2
	default:
		return 0
	}
}
