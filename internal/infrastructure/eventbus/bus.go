package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"oraclesync/internal/application/port"
	"oraclesync/internal/domain"
)

// Bus 进程内事件总线：每个订阅者一个有界队列和一个投递 goroutine
// 同一订阅者按发布顺序收到事件；队列满时等待 publishTimeout 后丢弃
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool

	bufSize        int
	publishTimeout time.Duration
	wg             sync.WaitGroup
}

type subscriber struct {
	name  string
	types map[domain.EventType]struct{}
	ch    chan domain.Event
	h     port.EventHandler
}

func (s *subscriber) wants(t domain.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

func New(bufSize int, publishTimeout time.Duration) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	if publishTimeout <= 0 {
		publishTimeout = 100 * time.Millisecond
	}
	return &Bus{
		subs:           make(map[int]*subscriber),
		bufSize:        bufSize,
		publishTimeout: publishTimeout,
	}
}

// Subscribe types 为空表示全部事件；返回取消订阅函数
func (b *Bus) Subscribe(name string, types []domain.EventType, h port.EventHandler) func() {
	s := &subscriber{
		name:  name,
		types: make(map[domain.EventType]struct{}, len(types)),
		ch:    make(chan domain.Event, b.bufSize),
		h:     h,
	}
	for _, t := range types {
		s.types[t] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	go b.loop(s)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
			b.mu.Unlock()
		})
	}
}

func (b *Bus) loop(s *subscriber) {
	defer b.wg.Done()
	for ev := range s.ch {
		b.dispatch(s, ev)
	}
}

func (b *Bus) dispatch(s *subscriber, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("subscriber", s.name).Str("event", string(ev.Type)).Msg("event handler panicked")
		}
	}()
	s.h(context.Background(), ev)
}

// Publish 不向调用方返回错误；慢订阅者只影响自己
func (b *Bus) Publish(ctx context.Context, ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !s.wants(ev.Type) {
			continue
		}
		select {
		case s.ch <- ev:
			continue
		default:
		}
		timer := time.NewTimer(b.publishTimeout)
		select {
		case s.ch <- ev:
		case <-timer.C:
			log.Warn().Str("subscriber", s.name).Str("event", string(ev.Type)).Msg("subscriber queue full, event dropped")
		case <-ctx.Done():
		}
		timer.Stop()
	}
}

// Close 停止接收新事件，等待已入队事件处理完或 ctx 超时
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ port.EventBus = (*Bus)(nil)
