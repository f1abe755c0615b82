package oraclesync

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// loop 实例轮询：启动后立即同步一次，之后按实例间隔触发
// ctx 取消只停止定时器，正在进行的同步不受影响
func (o *Orchestrator) loop(ctx context.Context, r *runner, done chan struct{}) {
	defer o.wg.Done()
	defer close(done)

	if ctx.Err() != nil {
		return
	}
	o.runOnce(ctx, r)

	interval := o.runnerInterval(r)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			o.runOnce(ctx, r)
			if iv := o.runnerInterval(r); iv != interval {
				interval = iv
				ticker.Reset(iv)
			}
		}
	}
}

// runOnce 重入保护：上一次同步未结束时本次直接跳过，返回 false
func (o *Orchestrator) runOnce(ctx context.Context, r *runner) bool {
	if !r.syncing.CompareAndSwap(false, true) {
		log.Debug().Str("instance", r.id).Msg("sync in progress, tick skipped")
		return false
	}
	defer r.syncing.Store(false)

	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.SyncTimeout)
	defer cancel()
	o.syncInstance(syncCtx, r)
	return true
}

func (o *Orchestrator) runnerInterval(r *runner) time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interval(r.inst)
}
