package oracle

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"oraclesync/internal/application/port"
	"oraclesync/internal/domain"
)

var (
	mu       sync.RWMutex
	registry = make(map[domain.Protocol]port.ClientFactory)
)

// Register 注册协议客户端工厂，由各协议包的 init() 调用
func Register(protocol domain.Protocol, factory port.ClientFactory) {
	if factory == nil {
		log.Warn().Str("protocol", string(protocol)).Msg("invalid oracle client factory")
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if _, exists := registry[protocol]; exists {
		log.Warn().Str("protocol", string(protocol)).Msg("oracle client factory already registered, overwriting")
	}
	registry[protocol] = factory
	log.Debug().Str("protocol", string(protocol)).Msg("oracle client factory registered")
}

// Get 获取已注册的工厂
func Get(protocol domain.Protocol) (port.ClientFactory, bool) {
	mu.RLock()
	defer mu.RUnlock()
	f, ok := registry[protocol]
	return f, ok
}

// Protocols 已注册的协议
func Protocols() []domain.Protocol {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]domain.Protocol, 0, len(registry))
	for p := range registry {
		out = append(out, p)
	}
	return out
}

// NewClient 按实例协议分发到对应工厂
func NewClient(inst domain.SyncInstance) (port.ProtocolClient, error) {
	f, ok := Get(inst.Protocol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProtocol, inst.Protocol)
	}
	return f(inst)
}

var _ port.ClientFactory = NewClient
