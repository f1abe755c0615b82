package port

import (
	"context"

	"oraclesync/internal/domain"
)

// EventPublisher 发布领域事件；不阻塞调用方，失败只记录日志
type EventPublisher interface {
	Publish(ctx context.Context, ev domain.Event)
}

type EventHandler func(ctx context.Context, ev domain.Event)

// EventBus 进程内发布订阅；types 为空表示订阅全部
type EventBus interface {
	EventPublisher
	Subscribe(name string, types []domain.EventType, h EventHandler) (unsubscribe func())
}

// Authorizer 外部权限系统，只给出 yes/no
type Authorizer interface {
	Allowed(ctx context.Context, subject, action, resource string) bool
}

// AllowAll 默认放行
type AllowAll struct{}

func (AllowAll) Allowed(context.Context, string, string, string) bool { return true }
