package eventbus

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"oraclesync/internal/domain"
)

// EventSink 进程外事件出口（redis stream/pubsub）
type EventSink interface {
	PublishEvent(ctx context.Context, ev domain.Event) error
}

// Bridge 把总线上的全部事件转发到 EventSink，失败只记录日志
func Bridge(b *Bus, sink EventSink, timeout time.Duration) func() {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return b.Subscribe("redis-bridge", nil, func(ctx context.Context, ev domain.Event) {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := sink.PublishEvent(cctx, ev); err != nil {
			log.Warn().Err(err).Str("event", string(ev.Type)).Msg("event bridge publish failed")
		}
	})
}
